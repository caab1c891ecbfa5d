package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

// The repositories below are satisfied by internal/store (in-memory) and
// internal/store/postgres. Every method returns copies; mutating a returned
// value never changes stored state. Missing records yield domain.ErrNotFound.

// OrderRepository persists orders.
type OrderRepository interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListOrders applies every filter field except PaymentMethods and
	// returns orders newest first.
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]*domain.Order, error)
	// UpdateOrder stores o's mutable fields when the stored status is one of
	// expected (any status when expected is empty). AvailableAmount is never
	// taken from o; the stored value is clamped to the new MaxAmount.
	// A status mismatch yields domain.ErrInvalidTransition.
	UpdateOrder(ctx context.Context, o *domain.Order, expected ...domain.OrderStatus) (*domain.Order, error)
	// DeductAvailable atomically subtracts amount from an active order's
	// available amount, failing with domain.ErrInsufficientAmount when the
	// result would be negative. Reaching zero completes the order.
	DeductAvailable(ctx context.Context, id string, amount decimal.Decimal) (*domain.Order, error)
	// RestoreAvailable atomically adds amount back, capped at MaxAmount,
	// and reactivates a completed order.
	RestoreAvailable(ctx context.Context, id string, amount decimal.Decimal) (*domain.Order, error)
	// ListExpiring returns active or inactive orders whose ExpiresAt is at
	// or before now.
	ListExpiring(ctx context.Context, now time.Time) ([]*domain.Order, error)
}

// TradeRepository persists trades.
type TradeRepository interface {
	CreateTrade(ctx context.Context, t *domain.Trade) error
	GetTrade(ctx context.Context, id string) (*domain.Trade, error)
	// UpdateTrade stores t when the stored status is one of expected,
	// otherwise it fails with domain.ErrInvalidTransition.
	UpdateTrade(ctx context.Context, t *domain.Trade, expected ...domain.TradeStatus) error
	// ListTradesByUser returns trades where userID is buyer or seller,
	// newest first.
	ListTradesByUser(ctx context.Context, userID string) ([]*domain.Trade, error)
	// ListPastDeadline returns pending or payment_sent trades whose payment
	// deadline is before now, earliest deadline first, at most limit.
	ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Trade, error)
}

// EscrowRepository persists escrows, one per trade.
type EscrowRepository interface {
	// CreateEscrow fails with domain.ErrInvalidEscrowState when an escrow
	// already exists for the trade.
	CreateEscrow(ctx context.Context, e *domain.Escrow) error
	GetEscrowByTrade(ctx context.Context, tradeID string) (*domain.Escrow, error)
	// UpdateEscrow stores e when the stored status is one of expected,
	// otherwise it fails with domain.ErrInvalidEscrowState.
	UpdateEscrow(ctx context.Context, e *domain.Escrow, expected ...domain.EscrowStatus) error
}

// DisputeRepository persists disputes, one per trade.
type DisputeRepository interface {
	// CreateDispute fails with domain.ErrInvalidTransition when the trade
	// already has a dispute.
	CreateDispute(ctx context.Context, d *domain.Dispute) error
	GetDispute(ctx context.Context, id string) (*domain.Dispute, error)
	GetDisputeByTrade(ctx context.Context, tradeID string) (*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d *domain.Dispute, expected ...domain.DisputeStatus) error
	// ListDisputesByUser returns disputes where userID is buyer or seller.
	ListDisputesByUser(ctx context.Context, userID string) ([]*domain.Dispute, error)
}

// MessageRepository is the append-only trade chat ledger.
type MessageRepository interface {
	AppendMessage(ctx context.Context, m *domain.Message) error
	// ListMessages returns a trade's messages oldest first.
	ListMessages(ctx context.Context, tradeID string) ([]*domain.Message, error)
	// MarkRead flags every message of the trade addressed to recipientID as
	// read and returns how many changed.
	MarkRead(ctx context.Context, tradeID, recipientID string) (int, error)
}

// ReviewRepository is the append-only review ledger.
type ReviewRepository interface {
	// CreateReview fails with domain.ErrInvalidTransition when the reviewer
	// already reviewed the trade.
	CreateReview(ctx context.Context, r *domain.Review) error
	ListReviewsForUser(ctx context.Context, userID string) ([]*domain.Review, error)
}

// PaymentMethodRepository persists saved payment methods.
type PaymentMethodRepository interface {
	CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error
	GetPaymentMethod(ctx context.Context, id string) (*domain.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]*domain.PaymentMethod, error)
	UpdatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error
	IncrementUsage(ctx context.Context, id string) error
}
