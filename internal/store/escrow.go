package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/p2pdesk/escrow/internal/domain"
)

// EscrowStore is a thread-safe in-memory escrow repository keyed uniquely
// by trade_id.
type EscrowStore struct {
	mu      sync.RWMutex
	byTrade map[string]*domain.Escrow
}

// NewEscrowStore creates an empty EscrowStore.
func NewEscrowStore() *EscrowStore {
	return &EscrowStore{byTrade: make(map[string]*domain.Escrow)}
}

// CreateEscrow adds an escrow. A second escrow for the same trade is
// rejected rather than overwriting the first.
func (s *EscrowStore) CreateEscrow(_ context.Context, e *domain.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTrade[e.TradeID]; ok {
		return fmt.Errorf("%w: escrow already exists for trade %s", domain.ErrInvalidEscrowState, e.TradeID)
	}
	s.byTrade[e.TradeID] = e.Clone()
	return nil
}

// GetEscrowByTrade retrieves the escrow backing a trade.
func (s *EscrowStore) GetEscrowByTrade(_ context.Context, tradeID string) (*domain.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byTrade[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: escrow for trade %s", domain.ErrNotFound, tradeID)
	}
	return e.Clone(), nil
}

// UpdateEscrow replaces the stored escrow if its status is one of expected.
func (s *EscrowStore) UpdateEscrow(_ context.Context, e *domain.Escrow, expected ...domain.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byTrade[e.TradeID]
	if !ok {
		return fmt.Errorf("%w: escrow for trade %s", domain.ErrNotFound, e.TradeID)
	}
	if !domain.ContainsStatus(expected, cur.Status) {
		return fmt.Errorf("%w: escrow is %s", domain.ErrInvalidEscrowState, cur.Status)
	}
	s.byTrade[e.TradeID] = e.Clone()
	return nil
}
