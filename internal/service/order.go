package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

var (
	currencyCodeRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
	paymentTypeRegex  = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
)

const (
	defaultPaymentTimeLimit = 30 * time.Minute
	minPaymentTimeLimit     = 5 * time.Minute
	maxPaymentTimeLimit     = 24 * time.Hour
	maxTermsLength          = 2000
)

// CreateOrderRequest represents the input for order creation.
type CreateOrderRequest struct {
	Type             domain.OrderType
	Asset            string
	Fiat             string
	PriceType        domain.PriceType
	Price            *decimal.Decimal // required for limit, must be nil otherwise
	PriceMargin      *decimal.Decimal // required for floating, must be nil otherwise
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	AvailableAmount  *decimal.Decimal // defaults to MaxAmount
	PaymentTimeLimit time.Duration    // defaults to 30 minutes
	PaymentMethods   []string
	Restrictions     domain.Restrictions
	Terms            string
	ExpiresAt        *time.Time
}

// UpdateOrderRequest carries the fields an owner may change. Nil fields
// are left as they are.
type UpdateOrderRequest struct {
	PriceType        *domain.PriceType
	Price            *decimal.Decimal
	PriceMargin      *decimal.Decimal
	MinAmount        *decimal.Decimal
	MaxAmount        *decimal.Decimal
	PaymentTimeLimit *time.Duration
	PaymentMethods   []string
	Restrictions     *domain.Restrictions
	Terms            *string
	Status           *domain.OrderStatus // active or inactive
	ExpiresAt        *time.Time
}

// OrderService is the order book manager: order CRUD, the available
// amount reservation and order expiry.
type OrderService struct {
	orders OrderRepository
	audit  AuditLogger
	logger *slog.Logger
	now    func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(orders OrderRepository, audit AuditLogger, logger *slog.Logger) *OrderService {
	if audit == nil {
		audit = nopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{orders: orders, audit: audit, logger: logger, now: time.Now}
}

// CreateOrder validates the request and stores a new active order owned by
// the caller.
func (s *OrderService) CreateOrder(ctx context.Context, caller domain.Caller, req CreateOrderRequest) (*domain.Order, error) {
	if req.Type != domain.OrderTypeBuy && req.Type != domain.OrderTypeSell {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("Unknown order type: %s. Must be one of: buy, sell", req.Type),
		}
	}
	if !currencyCodeRegex.MatchString(req.Asset) {
		return nil, &domain.ValidationError{Message: "asset must match ^[A-Z0-9]{2,10}$"}
	}
	if !currencyCodeRegex.MatchString(req.Fiat) {
		return nil, &domain.ValidationError{Message: "fiat must match ^[A-Z0-9]{2,10}$"}
	}
	if req.Asset == req.Fiat {
		return nil, &domain.ValidationError{Message: "asset and fiat must differ"}
	}

	pricing, err := buildPricing(req.PriceType, req.Price, req.PriceMargin)
	if err != nil {
		return nil, err
	}

	available := req.MaxAmount
	if req.AvailableAmount != nil {
		available = *req.AvailableAmount
	}
	limit := req.PaymentTimeLimit
	if limit == 0 {
		limit = defaultPaymentTimeLimit
	}
	methods, err := normalizePaymentMethods(req.PaymentMethods)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &domain.Order{
		ID:               uuid.New().String(),
		TenantID:         caller.TenantID,
		UserID:           caller.UserID,
		Type:             req.Type,
		Asset:            req.Asset,
		Fiat:             req.Fiat,
		Pricing:          pricing,
		MinAmount:        req.MinAmount,
		MaxAmount:        req.MaxAmount,
		AvailableAmount:  available,
		PaymentTimeLimit: limit,
		PaymentMethods:   methods,
		Restrictions:     req.Restrictions,
		Terms:            req.Terms,
		Status:           domain.OrderStatusActive,
		ExpiresAt:        req.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.validate(o, now, true); err != nil {
		return nil, err
	}
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	s.record(ctx, domain.EventOrderCreated, caller.UserID, o, map[string]string{
		"type":  string(o.Type),
		"pair":  o.Asset + "/" + o.Fiat,
		"max":   o.MaxAmount.String(),
		"price": string(o.Pricing.Type),
	})
	return o, nil
}

func buildPricing(t domain.PriceType, price, margin *decimal.Decimal) (domain.Pricing, error) {
	switch t {
	case domain.PriceTypeLimit:
		if price == nil {
			return domain.Pricing{}, &domain.ValidationError{Message: "price is required for limit orders"}
		}
		if !price.IsPositive() {
			return domain.Pricing{}, &domain.ValidationError{Message: "price must be greater than 0"}
		}
		if margin != nil {
			return domain.Pricing{}, &domain.ValidationError{Message: "limit orders must not include price_margin"}
		}
		return domain.LimitPrice(*price), nil
	case domain.PriceTypeFloating:
		if margin == nil {
			return domain.Pricing{}, &domain.ValidationError{Message: "price_margin is required for floating orders"}
		}
		if margin.LessThanOrEqual(decimal.NewFromInt(-100)) {
			return domain.Pricing{}, &domain.ValidationError{Message: "price_margin must be greater than -100"}
		}
		if price != nil {
			return domain.Pricing{}, &domain.ValidationError{Message: "floating orders must not include price"}
		}
		return domain.FloatingPrice(*margin), nil
	case domain.PriceTypeMarket:
		if price != nil || margin != nil {
			return domain.Pricing{}, &domain.ValidationError{Message: "market orders must not include price or price_margin"}
		}
		return domain.MarketPrice(), nil
	}
	return domain.Pricing{}, &domain.ValidationError{
		Message: fmt.Sprintf("Unknown price type: %s. Must be one of: market, limit, floating", t),
	}
}

func normalizePaymentMethods(methods []string) ([]string, error) {
	if len(methods) == 0 {
		return nil, &domain.ValidationError{Message: "payment_methods must be a non-empty array"}
	}
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		if !paymentTypeRegex.MatchString(m) {
			return nil, &domain.ValidationError{Message: "payment method must match ^[a-z0-9_]{1,32}$"}
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// validate checks the amount band and the remaining order fields. A
// partially filled order may hold less than min_amount, so updates skip
// that rule.
func (s *OrderService) validate(o *domain.Order, now time.Time, fresh bool) error {
	switch {
	case !o.MinAmount.IsPositive():
		return &domain.ValidationError{Message: "min_amount must be greater than 0"}
	case o.MinAmount.GreaterThan(o.MaxAmount):
		return &domain.ValidationError{Message: "min_amount must be <= max_amount"}
	case fresh && o.AvailableAmount.LessThan(o.MinAmount):
		return &domain.ValidationError{Message: "available_amount must be >= min_amount"}
	case o.AvailableAmount.GreaterThan(o.MaxAmount):
		return &domain.ValidationError{Message: "available_amount must be <= max_amount"}
	case o.PaymentTimeLimit < minPaymentTimeLimit || o.PaymentTimeLimit > maxPaymentTimeLimit:
		return &domain.ValidationError{Message: "payment_time_limit must be between 5m and 24h"}
	case o.Restrictions.MinTradeCount < 0:
		return &domain.ValidationError{Message: "min_trade_count must be >= 0"}
	case o.Restrictions.MinCompletionRate < 0 || o.Restrictions.MinCompletionRate > 100:
		return &domain.ValidationError{Message: "min_completion_rate must be between 0 and 100"}
	case len(o.Terms) > maxTermsLength:
		return &domain.ValidationError{Message: "terms must be at most 2000 characters"}
	case o.ExpiresAt != nil && !o.ExpiresAt.After(now):
		return &domain.ValidationError{Message: "expires_at must be a future timestamp"}
	}
	return nil
}

// GetOrder returns an order visible to the caller's tenant.
func (s *OrderService) GetOrder(ctx context.Context, caller domain.Caller, id string) (*domain.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.TenantID != caller.TenantID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o, nil
}

// ListOrders returns the tenant's orders matching f, newest first. The
// payment-method overlap is applied after the primary query.
func (s *OrderService) ListOrders(ctx context.Context, caller domain.Caller, f domain.OrderFilter) ([]*domain.Order, error) {
	f.TenantID = caller.TenantID
	orders, err := s.orders.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(f.PaymentMethods) == 0 {
		return orders, nil
	}

	wanted := make(map[string]bool, len(f.PaymentMethods))
	for _, m := range f.PaymentMethods {
		wanted[m] = true
	}
	filtered := orders[:0]
	for _, o := range orders {
		for _, m := range o.PaymentMethods {
			if wanted[m] {
				filtered = append(filtered, o)
				break
			}
		}
	}
	return filtered, nil
}

// UpdateOrder applies an owner's changes to an active or inactive order.
func (s *OrderService) UpdateOrder(ctx context.Context, caller domain.Caller, id string, req UpdateOrderRequest) (*domain.Order, error) {
	o, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderStatusActive && o.Status != domain.OrderStatusInactive {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	}

	if req.PriceType != nil || req.Price != nil || req.PriceMargin != nil {
		t := o.Pricing.Type
		if req.PriceType != nil {
			t = *req.PriceType
		}
		price, margin := req.Price, req.PriceMargin
		if req.PriceType == nil {
			// Same variant, new value.
			switch t {
			case domain.PriceTypeLimit:
				if price == nil {
					price = &o.Pricing.Price
				}
			case domain.PriceTypeFloating:
				if margin == nil {
					margin = &o.Pricing.Margin
				}
			}
		}
		pricing, err := buildPricing(t, price, margin)
		if err != nil {
			return nil, err
		}
		o.Pricing = pricing
	}
	if req.MinAmount != nil {
		o.MinAmount = *req.MinAmount
	}
	if req.MaxAmount != nil {
		o.MaxAmount = *req.MaxAmount
	}
	if req.PaymentTimeLimit != nil {
		o.PaymentTimeLimit = *req.PaymentTimeLimit
	}
	if req.PaymentMethods != nil {
		methods, err := normalizePaymentMethods(req.PaymentMethods)
		if err != nil {
			return nil, err
		}
		o.PaymentMethods = methods
	}
	if req.Restrictions != nil {
		o.Restrictions = *req.Restrictions
	}
	if req.Terms != nil {
		o.Terms = *req.Terms
	}
	if req.Status != nil {
		if *req.Status != domain.OrderStatusActive && *req.Status != domain.OrderStatusInactive {
			return nil, &domain.ValidationError{Message: "status may only be set to active or inactive"}
		}
		o.Status = *req.Status
	}
	if req.ExpiresAt != nil {
		o.ExpiresAt = req.ExpiresAt
	}

	now := s.now().UTC()
	// The store clamps available to the new max.
	o.AvailableAmount = decimal.Min(o.AvailableAmount, o.MaxAmount)
	if err := s.validate(o, now, false); err != nil {
		return nil, err
	}
	o.UpdatedAt = now

	updated, err := s.orders.UpdateOrder(ctx, o, domain.OrderStatusActive, domain.OrderStatusInactive)
	if err != nil {
		return nil, err
	}
	s.record(ctx, domain.EventOrderUpdated, caller.UserID, updated, map[string]string{"status": string(updated.Status)})
	return updated, nil
}

// CancelOrder cancels an owner's active or inactive order.
func (s *OrderService) CancelOrder(ctx context.Context, caller domain.Caller, id string) (*domain.Order, error) {
	o, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderStatusActive && o.Status != domain.OrderStatusInactive {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = s.now().UTC()
	updated, err := s.orders.UpdateOrder(ctx, o, domain.OrderStatusActive, domain.OrderStatusInactive)
	if err != nil {
		return nil, err
	}
	s.record(ctx, domain.EventOrderCancelled, caller.UserID, updated, map[string]string{
		"available": updated.AvailableAmount.String(),
	})
	return updated, nil
}

// owned loads id and checks that the caller owns it.
func (s *OrderService) owned(ctx context.Context, caller domain.Caller, id string) (*domain.Order, error) {
	o, err := s.GetOrder(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != caller.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", domain.ErrUnauthorized, id)
	}
	return o, nil
}

// DeductAvailable reserves amount on an order atomically.
func (s *OrderService) DeductAvailable(ctx context.Context, id string, amount decimal.Decimal) (*domain.Order, error) {
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("amount must be greater than 0")
	}
	return s.orders.DeductAvailable(ctx, id, amount)
}

// ExpireOrders moves active or inactive orders whose expiry has passed to
// expired. Orders changed concurrently are skipped.
func (s *OrderService) ExpireOrders(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	due, err := s.orders.ListExpiring(ctx, now)
	if err != nil {
		return nil, err
	}
	expired := make([]*domain.Order, 0, len(due))
	for _, o := range due {
		o.Status = domain.OrderStatusExpired
		o.UpdatedAt = now.UTC()
		updated, err := s.orders.UpdateOrder(ctx, o, domain.OrderStatusActive, domain.OrderStatusInactive)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, updated)
		s.record(ctx, domain.EventOrderExpired, domain.SystemUserID, updated, nil)
	}
	return expired, nil
}

func (s *OrderService) record(ctx context.Context, event, actorID string, o *domain.Order, meta map[string]string) {
	s.audit.Record(ctx, domain.AuditEvent{
		Type:       event,
		TenantID:   o.TenantID,
		ActorID:    actorID,
		ResourceID: o.ID,
		Metadata:   meta,
		OccurredAt: s.now().UTC(),
	})
}
