package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/p2pdesk/escrow/internal/domain"
)

// PaymentMethodStore is a thread-safe in-memory store for saved payment
// methods, keyed by id with a secondary index by user.
type PaymentMethodStore struct {
	mu      sync.RWMutex
	methods map[string]*domain.PaymentMethod
	byUser  map[string][]string
}

// NewPaymentMethodStore creates an empty PaymentMethodStore.
func NewPaymentMethodStore() *PaymentMethodStore {
	return &PaymentMethodStore{
		methods: make(map[string]*domain.PaymentMethod),
		byUser:  make(map[string][]string),
	}
}

// CreatePaymentMethod adds a payment method.
func (s *PaymentMethodStore) CreatePaymentMethod(_ context.Context, pm *domain.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.methods[pm.ID]; exists {
		return fmt.Errorf("payment method %s already exists", pm.ID)
	}
	s.methods[pm.ID] = pm.Clone()
	s.byUser[pm.UserID] = append(s.byUser[pm.UserID], pm.ID)
	return nil
}

// GetPaymentMethod retrieves a payment method by ID.
func (s *PaymentMethodStore) GetPaymentMethod(_ context.Context, id string) (*domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pm, ok := s.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment method %s", domain.ErrNotFound, id)
	}
	return pm.Clone(), nil
}

// ListPaymentMethods returns a user's methods in creation order.
func (s *PaymentMethodStore) ListPaymentMethods(_ context.Context, userID string) ([]*domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]*domain.PaymentMethod, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.methods[id].Clone())
	}
	return result, nil
}

// UpdatePaymentMethod replaces a stored method. Owner and usage count are
// kept from the stored record.
func (s *PaymentMethodStore) UpdatePaymentMethod(_ context.Context, pm *domain.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.methods[pm.ID]
	if !ok {
		return fmt.Errorf("%w: payment method %s", domain.ErrNotFound, pm.ID)
	}
	next := pm.Clone()
	next.UserID, next.TimesUsed, next.CreatedAt = cur.UserID, cur.TimesUsed, cur.CreatedAt
	s.methods[pm.ID] = next
	return nil
}

// IncrementUsage bumps TimesUsed.
func (s *PaymentMethodStore) IncrementUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.methods[id]
	if !ok {
		return fmt.Errorf("%w: payment method %s", domain.ErrNotFound, id)
	}
	pm.TimesUsed++
	pm.UpdatedAt = time.Now().UTC()
	return nil
}
