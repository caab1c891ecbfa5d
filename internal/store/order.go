package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

const degree = 32

// timeKey orders records by a timestamp, then by ID.
type timeKey struct {
	at time.Time
	id string
}

func timeKeyLess(a, b timeKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// OrderStore is a thread-safe in-memory order repository.
// Primary index: order_id → order.
// Secondary indexes: (created_at, id) for listing, (expires_at, id) for
// expirable orders (active or inactive with an expiry).
type OrderStore struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	byTime   *btree.BTreeG[timeKey]
	byExpiry *btree.BTreeG[timeKey]
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:   make(map[string]*domain.Order),
		byTime:   btree.NewG[timeKey](degree, timeKeyLess),
		byExpiry: btree.NewG[timeKey](degree, timeKeyLess),
	}
}

func expirable(o *domain.Order) bool {
	return o.ExpiresAt != nil &&
		(o.Status == domain.OrderStatusActive || o.Status == domain.OrderStatusInactive)
}

// reindex keeps the expiry index in step with o. Callers hold mu.
func (s *OrderStore) reindex(before, after *domain.Order) {
	if before != nil && expirable(before) {
		s.byExpiry.Delete(timeKey{*before.ExpiresAt, before.ID})
	}
	if expirable(after) {
		s.byExpiry.ReplaceOrInsert(timeKey{*after.ExpiresAt, after.ID})
	}
}

// CreateOrder adds an order.
func (s *OrderStore) CreateOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	c := o.Clone()
	s.orders[o.ID] = c
	s.byTime.ReplaceOrInsert(timeKey{c.CreatedAt, c.ID})
	s.reindex(nil, c)
	return nil
}

// GetOrder retrieves an order by ID.
func (s *OrderStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// ListOrders returns matching orders newest first. PaymentMethods is not
// applied here.
func (s *OrderStore) ListOrders(_ context.Context, f domain.OrderFilter) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	s.byTime.Descend(func(k timeKey) bool {
		o := s.orders[k.id]
		if matchesFilter(o, f) {
			result = append(result, o.Clone())
		}
		return true
	})
	return result, nil
}

func matchesFilter(o *domain.Order, f domain.OrderFilter) bool {
	switch {
	case f.TenantID != "" && o.TenantID != f.TenantID,
		f.UserID != "" && o.UserID != f.UserID,
		f.Type != "" && o.Type != f.Type,
		f.Asset != "" && o.Asset != f.Asset,
		f.Fiat != "" && o.Fiat != f.Fiat,
		f.Status != "" && o.Status != f.Status:
		return false
	}
	return true
}

// UpdateOrder stores the mutable fields of o if the stored status is one
// of expected.
func (s *OrderStore) UpdateOrder(_ context.Context, o *domain.Order, expected ...domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, o.ID)
	}
	if len(expected) > 0 && !domain.ContainsStatus(expected, cur.Status) {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, cur.Status)
	}

	next := o.Clone()
	next.TenantID, next.UserID, next.Type = cur.TenantID, cur.UserID, cur.Type
	next.Asset, next.Fiat, next.CreatedAt = cur.Asset, cur.Fiat, cur.CreatedAt
	next.AvailableAmount = decimal.Min(cur.AvailableAmount, next.MaxAmount)
	s.reindex(cur, next)
	s.orders[o.ID] = next
	return next.Clone(), nil
}

// DeductAvailable atomically subtracts amount from an active order.
func (s *OrderStore) DeductAvailable(_ context.Context, id string, amount decimal.Decimal) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	switch {
	case o.Status == domain.OrderStatusCompleted:
		// Exhausted by earlier trades.
		return nil, fmt.Errorf("%w: order is fully reserved", domain.ErrInsufficientAmount)
	case o.Status != domain.OrderStatusActive:
		return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, o.Status)
	case o.AvailableAmount.LessThan(amount):
		return nil, fmt.Errorf("%w: %s available, %s requested", domain.ErrInsufficientAmount, o.AvailableAmount, amount)
	}

	next := o.Clone()
	next.AvailableAmount = o.AvailableAmount.Sub(amount)
	if next.AvailableAmount.IsZero() {
		next.Status = domain.OrderStatusCompleted
	}
	next.UpdatedAt = time.Now().UTC()
	s.reindex(o, next)
	s.orders[id] = next
	return next.Clone(), nil
}

// RestoreAvailable atomically adds amount back, capped at MaxAmount.
func (s *OrderStore) RestoreAvailable(_ context.Context, id string, amount decimal.Decimal) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}

	next := o.Clone()
	next.AvailableAmount = decimal.Min(o.AvailableAmount.Add(amount), o.MaxAmount)
	if next.Status == domain.OrderStatusCompleted && next.AvailableAmount.IsPositive() {
		next.Status = domain.OrderStatusActive
	}
	next.UpdatedAt = time.Now().UTC()
	s.reindex(o, next)
	s.orders[id] = next
	return next.Clone(), nil
}

// ListExpiring returns expirable orders with ExpiresAt <= now, earliest
// first.
func (s *OrderStore) ListExpiring(_ context.Context, now time.Time) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	s.byExpiry.Ascend(func(k timeKey) bool {
		if k.at.After(now) {
			return false
		}
		result = append(result, s.orders[k.id].Clone())
		return true
	})
	return result, nil
}
