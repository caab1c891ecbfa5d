package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/p2pdesk/escrow/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for webhooks.
// Primary index: webhook_id → webhook.
// Secondary index: tenant_id → event → webhook.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook
	byTenant map[string]map[string]*domain.Webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byTenant: make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert inserts or updates a subscription keyed by (tenant_id, event).
// An existing subscription keeps its ID; only URL and UpdatedAt change.
// It returns the stored subscription and whether it was newly created.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTenant[w.TenantID][w.Event]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		c := *existing
		return &c, false
	}

	c := *w
	s.webhooks[w.ID] = &c
	if s.byTenant[w.TenantID] == nil {
		s.byTenant[w.TenantID] = make(map[string]*domain.Webhook)
	}
	s.byTenant[w.TenantID][w.Event] = &c
	out := c
	return &out, true
}

// Get retrieves a webhook by ID.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: webhook %s", domain.ErrNotFound, id)
	}
	c := *w
	return &c, nil
}

// ListByTenant returns all webhooks for a tenant.
func (s *WebhookStore) ListByTenant(tenantID string) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byTenant[tenantID]
	result := make([]*domain.Webhook, 0, len(events))
	for _, w := range events {
		c := *w
		result = append(result, &c)
	}
	return result
}

// Delete removes a webhook by ID from both indexes.
func (s *WebhookStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return fmt.Errorf("%w: webhook %s", domain.ErrNotFound, id)
	}
	delete(s.webhooks, id)
	if events, ok := s.byTenant[w.TenantID]; ok {
		delete(events, w.Event)
		if len(events) == 0 {
			delete(s.byTenant, w.TenantID)
		}
	}
	return nil
}

// Subscription returns the tenant's webhook for event, or nil.
func (s *WebhookStore) Subscription(_ context.Context, tenantID, event string) *domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.byTenant[tenantID][event]
	if w == nil {
		return nil
	}
	c := *w
	return &c
}
