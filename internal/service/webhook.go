package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/store"
)

var validWebhookEvents = func() map[string]bool {
	m := make(map[string]bool, len(domain.AuditEventTypes))
	for _, e := range domain.AuditEventTypes {
		m[e] = true
	}
	return m
}()

// AllEvents in UpsertWebhookRequest.Events subscribes to every audit event.
const AllEvents = "*"

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	URL    string
	Events []string
}

// WebhookService manages tenant webhook subscriptions and delivers audit
// events to them. It is an AuditLogger.
type WebhookService struct {
	store     *store.WebhookStore
	client    *http.Client
	staticURL string // receives every event regardless of tenant, may be ""
	logger    *slog.Logger
}

// NewWebhookService creates a WebhookService. staticURL, when set, receives
// every event in addition to tenant subscriptions.
func NewWebhookService(webhookStore *store.WebhookStore, staticURL string, timeout time.Duration, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store:     webhookStore,
		client:    &http.Client{Timeout: timeout},
		staticURL: staticURL,
		logger:    logger,
	}
}

// Upsert validates the request and creates or updates the tenant's
// subscriptions. It returns the resulting webhooks and whether any was new.
func (s *WebhookService) Upsert(caller domain.Caller, req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if !caller.IsSystem() {
		return nil, false, fmt.Errorf("%w: only the platform may manage webhooks", domain.ErrUnauthorized)
	}
	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}
	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	requested := req.Events
	for _, event := range req.Events {
		if event == AllEvents {
			requested = domain.AuditEventTypes
			break
		}
	}

	seen := make(map[string]bool, len(requested))
	events := make([]string, 0, len(requested))
	for _, event := range requested {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + event + ". Must be one of: " + strings.Join(domain.AuditEventTypes, ", "),
			}
		}
		if !seen[event] {
			seen[event] = true
			events = append(events, event)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(events))
	for _, event := range events {
		w, created := s.store.Upsert(&domain.Webhook{
			ID:        uuid.New().String(),
			TenantID:  caller.TenantID,
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, w)
	}
	return webhooks, anyCreated, nil
}

// List returns the tenant's subscriptions, optionally only those for one
// event type.
func (s *WebhookService) List(caller domain.Caller, event string) ([]*domain.Webhook, error) {
	if !caller.IsSystem() {
		return nil, fmt.Errorf("%w: only the platform may manage webhooks", domain.ErrUnauthorized)
	}
	all := s.store.ListByTenant(caller.TenantID)
	if event == "" {
		return all, nil
	}
	if !validWebhookEvents[event] {
		return nil, &domain.ValidationError{Message: "Unknown event type: " + event}
	}
	out := all[:0]
	for _, w := range all {
		if w.Event == event {
			out = append(out, w)
		}
	}
	return out, nil
}

// Delete removes one of the tenant's subscriptions.
func (s *WebhookService) Delete(caller domain.Caller, webhookID string) error {
	if !caller.IsSystem() {
		return fmt.Errorf("%w: only the platform may manage webhooks", domain.ErrUnauthorized)
	}
	w, err := s.store.Get(webhookID)
	if err != nil {
		return err
	}
	if w.TenantID != caller.TenantID {
		return fmt.Errorf("%w: webhook %s", domain.ErrNotFound, webhookID)
	}
	return s.store.Delete(webhookID)
}

// eventPayload is the JSON body POSTed for every event.
type eventPayload struct {
	Event      string            `json:"event"`
	Timestamp  string            `json:"timestamp"`
	TenantID   string            `json:"tenant_id"`
	ActorID    string            `json:"actor_id"`
	ResourceID string            `json:"resource_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Record dispatches e to the tenant's subscription and the static URL.
// Fire-and-forget: delivery runs in the background.
func (s *WebhookService) Record(ctx context.Context, e domain.AuditEvent) {
	payload := eventPayload{
		Event:      e.Type,
		Timestamp:  e.OccurredAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		TenantID:   e.TenantID,
		ActorID:    e.ActorID,
		ResourceID: e.ResourceID,
		Metadata:   e.Metadata,
	}
	if wh := s.store.Subscription(ctx, e.TenantID, e.Type); wh != nil {
		go s.deliver(wh.URL, wh.ID, e.Type, payload)
	}
	if s.staticURL != "" {
		go s.deliver(s.staticURL, "", e.Type, payload)
	}
}

// deliver sends the payload via HTTP POST with the delivery headers.
// Failures are logged and dropped.
func (s *WebhookService) deliver(target, webhookID, eventType string, payload eventPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("webhook request", "error", err, "event", eventType)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Event-Type", eventType)
	if webhookID != "" {
		req.Header.Set("X-Webhook-Id", webhookID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "error", err, "event", eventType, "webhook_id", webhookID)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook rejected", "status", resp.StatusCode, "event", eventType, "webhook_id", webhookID)
	}
}
