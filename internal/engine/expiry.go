package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/p2pdesk/escrow/internal/domain"
)

// TradeExpirer cancels trades whose payment deadline has passed.
type TradeExpirer interface {
	ExpirePastDeadline(ctx context.Context, now time.Time) ([]*domain.Trade, error)
}

// OrderExpirer moves orders past their ExpiresAt to expired.
type OrderExpirer interface {
	ExpireOrders(ctx context.Context, now time.Time) ([]*domain.Order, error)
}

// SweepObserver is notified after every sweep. Implementations must not block.
type SweepObserver interface {
	ObserveSweep(kind string, expired int, took time.Duration)
}

// Sweeper periodically expires trades past their payment deadline and
// orders past their expiry time. Both expirers are optional.
type Sweeper struct {
	interval time.Duration
	trades   TradeExpirer
	orders   OrderExpirer
	observer SweepObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper with the given dependencies.
func NewSweeper(interval time.Duration, trades TradeExpirer, orders OrderExpirer, observer SweepObserver, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval: interval,
		trades:   trades,
		orders:   orders,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches a background goroutine that sweeps at the configured
// interval. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				s.tick(ctx, t)
			}
		}
	}()
}

// SweepNow runs one sweep synchronously.
func (s *Sweeper) SweepNow(ctx context.Context) {
	s.tick(ctx, s.now())
}

// tick runs the trade sweep before the order sweep so that amounts restored
// by cancelled trades are visible before orders are expired.
func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	if s.trades != nil {
		start := time.Now()
		expired, err := s.trades.ExpirePastDeadline(ctx, now)
		s.report("trades", len(expired), time.Since(start), err)
	}
	if s.orders != nil {
		start := time.Now()
		expired, err := s.orders.ExpireOrders(ctx, now)
		s.report("orders", len(expired), time.Since(start), err)
	}
}

func (s *Sweeper) report(kind string, expired int, took time.Duration, err error) {
	if err != nil {
		s.logger.Error("sweep failed", "kind", kind, "expired", expired, "error", err)
	} else if expired > 0 {
		s.logger.Info("sweep expired records", "kind", kind, "expired", expired)
	}
	if s.observer != nil {
		s.observer.ObserveSweep(kind, expired, took)
	}
}
