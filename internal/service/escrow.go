package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

// escrowScale is the precision split disbursements are rounded to.
const escrowScale = 8

var hundred = decimal.NewFromInt(100)

// EscrowService is the custodian of trade funds. Every transition is a
// compare-and-swap on the stored escrow status, so a retried release or
// refund that lost a race observes the winner's state.
type EscrowService struct {
	escrows EscrowRepository
	now     func() time.Time
}

// NewEscrowService creates an EscrowService.
func NewEscrowService(escrows EscrowRepository) *EscrowService {
	return &EscrowService{escrows: escrows, now: time.Now}
}

// Get returns the escrow backing a trade.
func (s *EscrowService) Get(ctx context.Context, tradeID string) (*domain.Escrow, error) {
	return s.escrows.GetEscrowByTrade(ctx, tradeID)
}

// Lock creates the locked escrow for a trade. A second lock for the same
// trade fails with domain.ErrInvalidEscrowState.
func (s *EscrowService) Lock(ctx context.Context, tradeID, holderID, buyerID string, amount decimal.Decimal) (*domain.Escrow, error) {
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("escrow amount must be > 0")
	}
	now := s.now().UTC()
	e := &domain.Escrow{
		ID:        uuid.New().String(),
		TradeID:   tradeID,
		HolderID:  holderID,
		BuyerID:   buyerID,
		Amount:    amount,
		Status:    domain.EscrowStatusLocked,
		LockedAt:  now,
		UpdatedAt: now,
	}
	if err := s.escrows.CreateEscrow(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Release sends the full amount to the buyer. Releasing an already
// released escrow is a no-op.
func (s *EscrowService) Release(ctx context.Context, tradeID string) (*domain.Escrow, error) {
	return s.settle(ctx, tradeID, domain.EscrowStatusReleased, func(e *domain.Escrow) {
		e.BuyerAmount, e.SellerAmount = e.Amount, decimal.Zero
	})
}

// Refund returns the full amount to the holder. Refunding an already
// refunded escrow is a no-op.
func (s *EscrowService) Refund(ctx context.Context, tradeID string) (*domain.Escrow, error) {
	return s.settle(ctx, tradeID, domain.EscrowStatusRefunded, func(e *domain.Escrow) {
		e.BuyerAmount, e.SellerAmount = decimal.Zero, e.Amount
	})
}

// Split divides a disputed escrow between buyer and holder. The
// percentages must be non-negative and sum to 100.
func (s *EscrowService) Split(ctx context.Context, tradeID string, buyerPct, sellerPct float64) (*domain.Escrow, error) {
	if buyerPct < 0 || sellerPct < 0 {
		return nil, domain.NewValidationError("split percentages must be >= 0")
	}
	if d := buyerPct + sellerPct - 100; d > 0.01 || d < -0.01 {
		return nil, domain.NewValidationError("split percentages must sum to 100")
	}

	e, err := s.escrows.GetEscrowByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.EscrowStatusSplit {
		return e, nil
	}
	if e.Status != domain.EscrowStatusDisputed {
		return nil, fmt.Errorf("%w: cannot split escrow in status %s", domain.ErrInvalidEscrowState, e.Status)
	}

	buyer := e.Amount.Mul(decimal.NewFromFloat(buyerPct)).Div(hundred).Round(escrowScale)
	now := s.now().UTC()
	e.BuyerAmount = buyer
	e.SellerAmount = e.Amount.Sub(buyer)
	e.Status = domain.EscrowStatusSplit
	e.SettledAt = &now
	e.UpdatedAt = now
	if err := s.escrows.UpdateEscrow(ctx, e, domain.EscrowStatusDisputed); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDisputed freezes a locked escrow pending arbitration.
func (s *EscrowService) MarkDisputed(ctx context.Context, tradeID string) (*domain.Escrow, error) {
	e, err := s.escrows.GetEscrowByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case domain.EscrowStatusDisputed:
		return e, nil
	case domain.EscrowStatusLocked:
	default:
		return nil, fmt.Errorf("%w: cannot dispute escrow in status %s", domain.ErrInvalidEscrowState, e.Status)
	}

	now := s.now().UTC()
	e.Status = domain.EscrowStatusDisputed
	e.DisputedAt = &now
	e.UpdatedAt = now
	if err := s.escrows.UpdateEscrow(ctx, e, domain.EscrowStatusLocked); err != nil {
		return nil, err
	}
	return e, nil
}

// settle moves a locked or disputed escrow to target. If a concurrent
// caller settled it first, the stored state decides: the same target is
// success, any other terminal state is domain.ErrInvalidEscrowState.
func (s *EscrowService) settle(ctx context.Context, tradeID string, target domain.EscrowStatus, apply func(*domain.Escrow)) (*domain.Escrow, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e, err := s.escrows.GetEscrowByTrade(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if e.Status == target {
			return e, nil
		}
		if e.Status.Terminal() {
			return nil, fmt.Errorf("%w: escrow already %s", domain.ErrInvalidEscrowState, e.Status)
		}

		now := s.now().UTC()
		apply(e)
		e.Status = target
		e.SettledAt = &now
		e.UpdatedAt = now
		err = s.escrows.UpdateEscrow(ctx, e, domain.EscrowStatusLocked, domain.EscrowStatusDisputed)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, domain.ErrInvalidEscrowState) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: escrow for trade %s changed concurrently", domain.ErrInvalidEscrowState, tradeID)
}
