package service

import (
	"context"
	"log/slog"

	"github.com/p2pdesk/escrow/internal/domain"
)

// AuditLogger receives structured lifecycle events. Implementations must
// not block the caller; a failing sink never fails the primary operation.
type AuditLogger interface {
	Record(ctx context.Context, e domain.AuditEvent)
}

// Recorder counts lifecycle outcomes. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	TradeCreated()
	TradeCompleted()
	TradeCancelled(reason string)
	DisputeOpened(reason domain.DisputeReason)
	DisputeResolved(decision domain.Decision)
	Compensation(restored bool)
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, domain.AuditEvent) {}

type nopRecorder struct{}

func (nopRecorder) TradeCreated()                      {}
func (nopRecorder) TradeCompleted()                    {}
func (nopRecorder) TradeCancelled(string)              {}
func (nopRecorder) DisputeOpened(domain.DisputeReason) {}
func (nopRecorder) DisputeResolved(domain.Decision)    {}
func (nopRecorder) Compensation(bool)                  {}

// SlogAudit writes every event as a structured log line.
type SlogAudit struct {
	logger *slog.Logger
}

// NewSlogAudit creates a SlogAudit. A nil logger uses slog.Default().
func NewSlogAudit(logger *slog.Logger) *SlogAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAudit{logger: logger}
}

// Record logs e at info level.
func (a *SlogAudit) Record(ctx context.Context, e domain.AuditEvent) {
	attrs := []any{
		slog.String("event", e.Type),
		slog.String("tenant_id", e.TenantID),
		slog.String("actor_id", e.ActorID),
		slog.String("resource_id", e.ResourceID),
		slog.Time("occurred_at", e.OccurredAt),
	}
	if len(e.Metadata) > 0 {
		meta := make([]any, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	a.logger.InfoContext(ctx, "audit", attrs...)
}

// MultiAudit fans an event out to several sinks in order.
type MultiAudit []AuditLogger

// Record forwards e to every non-nil sink.
func (m MultiAudit) Record(ctx context.Context, e domain.AuditEvent) {
	for _, a := range m {
		if a != nil {
			a.Record(ctx, e)
		}
	}
}
