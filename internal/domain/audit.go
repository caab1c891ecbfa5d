package domain

import "time"

// Audit event types emitted by the core.
const (
	EventOrderCreated          = "order_created"
	EventOrderUpdated          = "order_updated"
	EventOrderCancelled        = "order_cancelled"
	EventOrderExpired          = "order_expired"
	EventTradeCreated          = "trade_created"
	EventTradePaymentSent      = "trade_payment_sent"
	EventTradePaymentConfirmed = "trade_payment_confirmed"
	EventTradeCompleted        = "trade_completed"
	EventTradeCancelled        = "trade_cancelled"
	EventDisputeOpened         = "dispute_opened"
	EventDisputeResolved       = "dispute_resolved"
)

// AuditEventTypes lists every event type, in lifecycle order.
var AuditEventTypes = []string{
	EventOrderCreated, EventOrderUpdated, EventOrderCancelled, EventOrderExpired,
	EventTradeCreated, EventTradePaymentSent, EventTradePaymentConfirmed,
	EventTradeCompleted, EventTradeCancelled,
	EventDisputeOpened, EventDisputeResolved,
}

// AuditEvent is a structured record of something that happened to a
// resource.
type AuditEvent struct {
	Type       string
	TenantID   string
	ActorID    string
	ResourceID string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Webhook is a tenant's subscription to one audit event type.
type Webhook struct {
	ID        string
	TenantID  string
	Event     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}
