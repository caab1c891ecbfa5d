package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/p2pdesk/escrow/internal/domain"
)

// DisputeStore is a thread-safe in-memory dispute repository.
// Primary index: dispute_id → dispute. Unique secondary index:
// trade_id → dispute_id.
type DisputeStore struct {
	mu       sync.RWMutex
	disputes map[string]*domain.Dispute
	byTrade  map[string]string
	order    []string // creation order
}

// NewDisputeStore creates an empty DisputeStore.
func NewDisputeStore() *DisputeStore {
	return &DisputeStore{
		disputes: make(map[string]*domain.Dispute),
		byTrade:  make(map[string]string),
	}
}

// CreateDispute adds a dispute, at most one per trade.
func (s *DisputeStore) CreateDispute(_ context.Context, d *domain.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTrade[d.TradeID]; ok {
		return fmt.Errorf("%w: trade %s already has a dispute", domain.ErrInvalidTransition, d.TradeID)
	}
	s.disputes[d.ID] = d.Clone()
	s.byTrade[d.TradeID] = d.ID
	s.order = append(s.order, d.ID)
	return nil
}

// GetDispute retrieves a dispute by ID.
func (s *DisputeStore) GetDispute(_ context.Context, id string) (*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	return d.Clone(), nil
}

// GetDisputeByTrade retrieves the dispute of a trade.
func (s *DisputeStore) GetDisputeByTrade(_ context.Context, tradeID string) (*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTrade[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: dispute for trade %s", domain.ErrNotFound, tradeID)
	}
	return s.disputes[id].Clone(), nil
}

// UpdateDispute replaces the stored dispute if its status is one of
// expected (any status when expected is empty).
func (s *DisputeStore) UpdateDispute(_ context.Context, d *domain.Dispute, expected ...domain.DisputeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.disputes[d.ID]
	if !ok {
		return fmt.Errorf("%w: dispute %s", domain.ErrNotFound, d.ID)
	}
	if len(expected) > 0 && !domain.ContainsStatus(expected, cur.Status) {
		return fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, cur.Status)
	}
	s.disputes[d.ID] = d.Clone()
	return nil
}

// ListDisputesByUser returns disputes involving userID, newest first.
func (s *DisputeStore) ListDisputesByUser(_ context.Context, userID string) ([]*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Dispute, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		d := s.disputes[s.order[i]]
		if d.BuyerID == userID || d.SellerID == userID {
			result = append(result, d.Clone())
		}
	}
	return result, nil
}
