package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/engine"
)

// MatchQuery represents a taker asking for the best resting orders.
type MatchQuery struct {
	Side           domain.OrderType
	Asset          string
	Fiat           string
	Amount         decimal.Decimal
	PaymentMethods []string
	ReferencePrice decimal.Decimal
	Limit          int
}

// MatchService feeds the pure matcher with the caller's tenant book and a
// reputation snapshot. It never mutates anything.
type MatchService struct {
	orders  OrderRepository
	reviews *ReviewService
	matcher *engine.Matcher
}

// NewMatchService creates a MatchService.
func NewMatchService(orders OrderRepository, reviews *ReviewService, matcher *engine.Matcher) *MatchService {
	return &MatchService{orders: orders, reviews: reviews, matcher: matcher}
}

// Match ranks the tenant's active orders on the opposite side of q.
func (s *MatchService) Match(ctx context.Context, caller domain.Caller, q MatchQuery) ([]engine.Match, error) {
	if q.Side != domain.OrderTypeBuy && q.Side != domain.OrderTypeSell {
		return nil, domain.NewValidationError(fmt.Sprintf("side must be buy or sell, got %q", q.Side))
	}
	if !q.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount must be greater than 0")
	}
	if q.ReferencePrice.IsNegative() {
		return nil, domain.NewValidationError("reference_price must be >= 0")
	}

	candidates, err := s.orders.ListOrders(ctx, domain.OrderFilter{
		TenantID: caller.TenantID,
		Type:     q.Side.Opposite(),
		Asset:    q.Asset,
		Fiat:     q.Fiat,
		Status:   domain.OrderStatusActive,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(candidates)+1)
	for _, o := range candidates {
		ids = append(ids, o.UserID)
	}
	ids = append(ids, caller.UserID)
	snapshot, err := s.reviews.StatsByUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	taker := snapshot[caller.UserID]

	matches := s.matcher.Match(engine.MatchRequest{
		TakerID:        caller.UserID,
		Side:           q.Side,
		Asset:          q.Asset,
		Fiat:           q.Fiat,
		Amount:         q.Amount,
		PaymentMethods: q.PaymentMethods,
		ReferencePrice: q.ReferencePrice,
		Taker:          &taker,
		TakerVerified:  caller.Verified,
	}, candidates, snapshot)
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}
