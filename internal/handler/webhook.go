package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/service"
)

// SubscriptionHandler manages a tenant's audit-event webhook subscriptions.
// Only the platform caller may use it.
type SubscriptionHandler struct {
	webhookSvc *service.WebhookService
}

func NewSubscriptionHandler(webhookSvc *service.WebhookService) *SubscriptionHandler {
	return &SubscriptionHandler{webhookSvc: webhookSvc}
}

// subscribeRequest names a delivery URL and the audit events it receives.
// "*" in Events means every event.
type subscribeRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type subscriptionResponse struct {
	WebhookID string `json:"webhook_id"`
	Event     string `json:"event"`
	Resource  string `json:"resource"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type subscriptionsResponse struct {
	TenantID string                 `json:"tenant_id"`
	Webhooks []subscriptionResponse `json:"webhooks"`
}

type eventTypeResponse struct {
	Event    string `json:"event"`
	Resource string `json:"resource"`
}

// Subscribe handles POST /webhooks. 201 when any subscription is new,
// 200 when all of them already existed.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	caller := callerFrom(r.Context())
	webhooks, created, err := h.webhookSvc.Upsert(caller, service.UpsertWebhookRequest{
		URL:    strings.TrimSpace(req.URL),
		Events: req.Events,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, buildSubscriptions(caller.TenantID, webhooks))
}

// List handles GET /webhooks[?event=...].
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	webhooks, err := h.webhookSvc.List(caller, r.URL.Query().Get("event"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildSubscriptions(caller.TenantID, webhooks))
}

// EventTypes handles GET /webhooks/events: the catalogue of audit events a
// subscription can name.
func (h *SubscriptionHandler) EventTypes(w http.ResponseWriter, r *http.Request) {
	out := make([]eventTypeResponse, len(domain.AuditEventTypes))
	for i, e := range domain.AuditEventTypes {
		out[i] = eventTypeResponse{Event: e, Resource: eventResource(e)}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// Unsubscribe handles DELETE /webhooks/{webhook_id}.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.webhookSvc.Delete(callerFrom(r.Context()), chi.URLParam(r, "webhook_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventResource is the resource kind an event is about: order, trade or
// dispute.
func eventResource(event string) string {
	resource, _, _ := strings.Cut(event, "_")
	return resource
}

func buildSubscriptions(tenantID string, webhooks []*domain.Webhook) subscriptionsResponse {
	out := subscriptionsResponse{TenantID: tenantID, Webhooks: make([]subscriptionResponse, len(webhooks))}
	for i, wh := range webhooks {
		out.Webhooks[i] = subscriptionResponse{
			WebhookID: wh.ID,
			Event:     wh.Event,
			Resource:  eventResource(wh.Event),
			URL:       wh.URL,
			CreatedAt: formatTime(wh.CreatedAt),
			UpdatedAt: formatTime(wh.UpdatedAt),
		}
	}
	return out
}
