package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/p2pdesk/escrow/internal/service"
)

// Services bundles everything the HTTP surface calls into.
type Services struct {
	Orders         *service.OrderService
	Matches        *service.MatchService
	Trades         *service.TradeService
	Escrow         *service.EscrowService
	Disputes       *service.DisputeService
	Messages       *service.MessageService
	Reviews        *service.ReviewService
	PaymentMethods *service.PaymentMethodService
	Webhooks       *service.WebhookService
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware. metrics, when non-nil, is served
// at /metrics outside the identity check.
func NewRouter(svc Services, metrics http.Handler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogging(logger))

	// Health check and scrape endpoint.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	orderH := NewOrderHandler(svc.Orders, svc.Matches)
	tradeH := NewTradeHandler(svc.Trades, svc.Escrow)
	disputeH := NewDisputeHandler(svc.Trades, svc.Disputes)
	ledgerH := NewLedgerHandler(svc.Messages, svc.Reviews, svc.PaymentMethods)
	subscriptionH := NewSubscriptionHandler(svc.Webhooks)

	r.Group(func(r chi.Router) {
		r.Use(identity)
		r.Use(contentTypeJSON)

		// Order routes.
		r.Post("/orders", orderH.CreateOrder)
		r.Get("/orders", orderH.ListOrders)
		r.Get("/orders/{order_id}", orderH.GetOrder)
		r.Patch("/orders/{order_id}", orderH.UpdateOrder)
		r.Delete("/orders/{order_id}", orderH.CancelOrder)
		r.Post("/match", orderH.Match)

		// Trade routes.
		r.Post("/trades", tradeH.CreateTrade)
		r.Get("/trades", tradeH.ListTrades)
		r.Route("/trades/{trade_id}", func(r chi.Router) {
			r.Get("/", tradeH.GetTrade)
			r.Get("/escrow", tradeH.GetEscrow)
			r.Post("/payment-sent", tradeH.ConfirmPaymentSent)
			r.Post("/payment-received", tradeH.ConfirmPaymentReceived)
			r.Post("/complete", tradeH.CompleteTrade)
			r.Post("/cancel", tradeH.CancelTrade)
			r.Post("/dispute", disputeH.OpenDispute)
			r.Get("/messages", ledgerH.ListMessages)
			r.Post("/messages", ledgerH.SendMessage)
			r.Post("/messages/read", ledgerH.MarkRead)
			r.Post("/reviews", ledgerH.SubmitReview)
		})
		r.Get("/fees/quote", tradeH.QuoteFees)

		// Dispute routes.
		r.Get("/disputes", disputeH.ListDisputes)
		r.Route("/disputes/{dispute_id}", func(r chi.Router) {
			r.Get("/", disputeH.GetDispute)
			r.Get("/analysis", disputeH.Analyze)
			r.Post("/assign", disputeH.Assign)
			r.Post("/evidence", disputeH.AddEvidence)
			r.Post("/resolve", disputeH.Resolve)
			r.Post("/close", disputeH.Close)
		})

		// User routes.
		r.Get("/users/{user_id}/reputation", ledgerH.GetReputation)
		r.Get("/users/{user_id}/reviews", ledgerH.ListReviews)
		r.Post("/payment-methods", ledgerH.AddPaymentMethod)
		r.Get("/payment-methods", ledgerH.ListPaymentMethods)
		r.Get("/payment-methods/{payment_method_id}", ledgerH.GetPaymentMethod)
		r.Delete("/payment-methods/{payment_method_id}", ledgerH.DeactivatePaymentMethod)

		// Audit-event subscriptions.
		r.Post("/webhooks", subscriptionH.Subscribe)
		r.Get("/webhooks", subscriptionH.List)
		r.Get("/webhooks/events", subscriptionH.EventTypes)
		r.Delete("/webhooks/{webhook_id}", subscriptionH.Unsubscribe)
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests that carry a body. If the Content-Type header doesn't start
// with "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if r.ContentLength != 0 && (ct == "" || !strings.HasPrefix(ct, "application/json")) {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
