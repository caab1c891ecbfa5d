package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/p2pdesk/escrow/internal/domain"
)

// TradeStore is a thread-safe in-memory trade repository.
// Primary index: trade_id → trade.
// Secondary indexes: user_id → trade ids (creation order), and
// (payment_deadline, id) over trades still awaiting payment.
type TradeStore struct {
	mu         sync.RWMutex
	trades     map[string]*domain.Trade
	byUser     map[string][]string
	byDeadline *btree.BTreeG[timeKey]
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades:     make(map[string]*domain.Trade),
		byUser:     make(map[string][]string),
		byDeadline: btree.NewG[timeKey](degree, timeKeyLess),
	}
}

func awaitingPayment(t *domain.Trade) bool {
	return t.Status == domain.TradeStatusPending || t.Status == domain.TradeStatusPaymentSent
}

// CreateTrade adds a trade.
func (s *TradeStore) CreateTrade(_ context.Context, t *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	c := t.Clone()
	s.trades[t.ID] = c
	s.byUser[c.BuyerID] = append(s.byUser[c.BuyerID], c.ID)
	s.byUser[c.SellerID] = append(s.byUser[c.SellerID], c.ID)
	if awaitingPayment(c) {
		s.byDeadline.ReplaceOrInsert(timeKey{c.PaymentDeadline, c.ID})
	}
	return nil
}

// GetTrade retrieves a trade by ID.
func (s *TradeStore) GetTrade(_ context.Context, id string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// UpdateTrade replaces the stored trade if its status is one of expected.
func (s *TradeStore) UpdateTrade(_ context.Context, t *domain.Trade, expected ...domain.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.trades[t.ID]
	if !ok {
		return fmt.Errorf("%w: trade %s", domain.ErrNotFound, t.ID)
	}
	if !domain.ContainsStatus(expected, cur.Status) {
		return fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, cur.Status)
	}

	if awaitingPayment(cur) {
		s.byDeadline.Delete(timeKey{cur.PaymentDeadline, cur.ID})
	}
	next := t.Clone()
	s.trades[t.ID] = next
	if awaitingPayment(next) {
		s.byDeadline.ReplaceOrInsert(timeKey{next.PaymentDeadline, next.ID})
	}
	return nil
}

// ListTradesByUser returns the user's trades newest first.
func (s *TradeStore) ListTradesByUser(_ context.Context, userID string) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]*domain.Trade, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, s.trades[ids[i]].Clone())
	}
	return result, nil
}

// ListPastDeadline returns up to limit trades awaiting payment whose
// deadline is before now, earliest first. limit <= 0 means no limit.
func (s *TradeStore) ListPastDeadline(_ context.Context, now time.Time, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Trade, 0)
	s.byDeadline.Ascend(func(k timeKey) bool {
		if !k.at.Before(now) || (limit > 0 && len(result) >= limit) {
			return false
		}
		result = append(result, s.trades[k.id].Clone())
		return true
	})
	return result, nil
}
