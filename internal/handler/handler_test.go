package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/fees"
	"github.com/p2pdesk/escrow/internal/metrics"
	"github.com/p2pdesk/escrow/internal/reputation"
	"github.com/p2pdesk/escrow/internal/service"
	"github.com/p2pdesk/escrow/internal/store"
)

type identityHeaders struct {
	user, tenant string
	verified     bool
}

var (
	sellerID   = identityHeaders{user: "seller-1", tenant: "tenant-1"}
	buyerID    = identityHeaders{user: "buyer-1", tenant: "tenant-1"}
	platformID = identityHeaders{user: domain.SystemUserID, tenant: "tenant-1", verified: true}
)

// testEnv bundles the router and the recorder behind it.
type testEnv struct {
	router  http.Handler
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orders := store.NewOrderStore()
	trades := store.NewTradeStore()
	escrows := store.NewEscrowStore()
	disputes := store.NewDisputeStore()
	messages := store.NewMessageStore()
	reviews := store.NewReviewStore()
	methods := store.NewPaymentMethodStore()
	m := metrics.New("test")

	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), "", time.Second, logger)
	audit := service.MultiAudit{service.NewSlogAudit(logger), webhookSvc}
	reviewSvc := service.NewReviewService(reviews, trades, disputes, nil)
	escrowSvc := service.NewEscrowService(escrows)
	tradeSvc := service.NewTradeService(service.TradeDeps{
		Orders:         orders,
		Trades:         trades,
		Escrow:         escrowSvc,
		Disputes:       disputes,
		Messages:       messages,
		PaymentMethods: methods,
		Fees:           fees.NewCalculator(fees.DefaultSchedule()),
		Stats:          reviewSvc,
		Audit:          audit,
		Recorder:       m,
		Logger:         logger,
	})
	matcher, err := engine.NewMatcher(engine.DefaultWeights, reputation.DefaultScorer())
	require.NoError(t, err)

	router := NewRouter(Services{
		Orders:         service.NewOrderService(orders, audit, logger),
		Matches:        service.NewMatchService(orders, reviewSvc, matcher),
		Trades:         tradeSvc,
		Escrow:         escrowSvc,
		Disputes:       service.NewDisputeService(disputes, tradeSvc, escrowSvc, messages, audit, m, logger),
		Messages:       service.NewMessageService(messages, trades),
		Reviews:        reviewSvc,
		PaymentMethods: service.NewPaymentMethodService(methods),
		Webhooks:       webhookSvc,
	}, m.Handler(), logger)

	return &testEnv{router: router, metrics: m}
}

// doJSON sends a JSON request as who and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, who identityHeaders, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.user != "" {
		req.Header.Set(headerUserID, who.user)
		req.Header.Set(headerTenantID, who.tenant)
	}
	if who.verified {
		req.Header.Set(headerVerified, "true")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into a generic map.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func (env *testEnv) createOrder(t *testing.T) string {
	t.Helper()
	rr := env.doJSON(t, sellerID, "POST", "/orders", map[string]any{
		"type":            "sell",
		"asset":           "BTC",
		"fiat":            "USD",
		"price_type":      "limit",
		"price":           "100",
		"min_amount":      "10",
		"max_amount":      "1000",
		"payment_methods": []string{"bank_transfer"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeJSON(t, rr)["order_id"].(string)
}

func (env *testEnv) createTrade(t *testing.T, orderID, amount string) string {
	t.Helper()
	rr := env.doJSON(t, buyerID, "POST", "/trades", map[string]any{
		"order_id":       orderID,
		"amount":         amount,
		"payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeJSON(t, rr)["trade_id"].(string)
}

// --- Healthz / metrics / identity ---

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, identityHeaders{}, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeJSON(t, rr)["status"])
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createTrade(t, env.createOrder(t), "10")

	rr := env.doJSON(t, identityHeaders{}, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_trades_created_total 1")
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, identityHeaders{}, "GET", "/orders", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthenticated", decodeJSON(t, rr)["error"])
}

func TestContentTypeRequired(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{"type":"sell"}`))
	req.Header.Set(headerUserID, "seller-1")
	req.Header.Set(headerTenantID, "tenant-1")
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", decodeJSON(t, rr)["error"])
}

// --- Orders ---

func TestOrders_CreateGetList(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOrder(t)

	rr := env.doJSON(t, buyerID, "GET", "/orders/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeJSON(t, rr)
	assert.Equal(t, "100", got["price"])
	assert.Equal(t, "1000", got["available_amount"])
	assert.Equal(t, "active", got["status"])
	assert.EqualValues(t, 30, got["payment_time_limit_minutes"])

	rr = env.doJSON(t, buyerID, "GET", "/orders?payment_methods=pix,bank_transfer&type=sell", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["orders"], 1)

	other := identityHeaders{user: "x", tenant: "tenant-2"}
	rr = env.doJSON(t, other, "GET", "/orders/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOrders_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, sellerID, "POST", "/orders", map[string]any{
		"type":            "sell",
		"asset":           "BTC",
		"fiat":            "USD",
		"price_type":      "limit",
		"min_amount":      "10",
		"max_amount":      "1000",
		"payment_methods": []string{"bank_transfer"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.KindValidation, decodeJSON(t, rr)["error"])
}

func TestOrders_UpdateAndCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOrder(t)

	rr := env.doJSON(t, buyerID, "PATCH", "/orders/"+id, map[string]any{"terms": "x"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.doJSON(t, sellerID, "PATCH", "/orders/"+id, map[string]any{"max_amount": "400"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "400", decodeJSON(t, rr)["available_amount"])

	rr = env.doJSON(t, sellerID, "DELETE", "/orders/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cancelled", decodeJSON(t, rr)["status"])

	rr = env.doJSON(t, sellerID, "DELETE", "/orders/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOrder(t)

	rr := env.doJSON(t, buyerID, "POST", "/match", map[string]any{
		"side":            "buy",
		"asset":           "BTC",
		"fiat":            "USD",
		"amount":          "50",
		"payment_methods": []string{"bank_transfer"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	matches := decodeJSON(t, rr)["matches"].([]any)
	require.Len(t, matches, 1)
	first := matches[0].(map[string]any)
	assert.Equal(t, id, first["order"].(map[string]any)["order_id"])
	assert.Equal(t, "100", first["effective_price"])
}

// --- Trades ---

func TestTrade_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	orderID := env.createOrder(t)
	tradeID := env.createTrade(t, orderID, "500")

	rr := env.doJSON(t, sellerID, "GET", "/trades/"+tradeID+"/escrow", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "locked", decodeJSON(t, rr)["status"])

	rr = env.doJSON(t, sellerID, "POST", "/trades/"+tradeID+"/payment-sent", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	steps := []struct {
		who    identityHeaders
		path   string
		status string
	}{
		{buyerID, "/payment-sent", "payment_sent"},
		{sellerID, "/payment-received", "payment_confirmed"},
		{sellerID, "/complete", "completed"},
	}
	for _, s := range steps {
		rr := env.doJSON(t, s.who, "POST", "/trades/"+tradeID+s.path, nil)
		require.Equal(t, http.StatusOK, rr.Code, "%s: %s", s.path, rr.Body.String())
		assert.Equal(t, s.status, decodeJSON(t, rr)["status"])
	}

	rr = env.doJSON(t, buyerID, "GET", "/trades/"+tradeID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeJSON(t, rr)
	assert.Equal(t, "50000", got["fiat_amount"])
	assert.NotNil(t, got["completed_at"])

	rr = env.doJSON(t, buyerID, "GET", "/trades", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["trades"], 1)
}

func TestTrade_InsufficientAmount(t *testing.T) {
	env := newTestEnv(t)
	orderID := env.createOrder(t)
	env.createTrade(t, orderID, "1000")

	rr := env.doJSON(t, buyerID, "POST", "/trades", map[string]any{
		"order_id":       orderID,
		"amount":         "10",
		"payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, domain.KindInsufficientAmount, decodeJSON(t, rr)["error"])
}

func TestTrade_CancelWithAndWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	orderID := env.createOrder(t)

	first := env.createTrade(t, orderID, "10")
	rr := env.doJSON(t, buyerID, "POST", "/trades/"+first+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "cancelled_by_user", decodeJSON(t, rr)["cancel_reason"])

	second := env.createTrade(t, orderID, "10")
	rr = env.doJSON(t, buyerID, "POST", "/trades/"+second+"/cancel", map[string]any{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "changed my mind", decodeJSON(t, rr)["cancel_reason"])

	rr = env.doJSON(t, sellerID, "GET", "/orders/"+orderID, nil)
	assert.Equal(t, "1000", decodeJSON(t, rr)["available_amount"])
}

func TestFeeQuote(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, buyerID, "GET", "/fees/quote?maker_id=seller-1&amount=50000", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decodeJSON(t, rr)
	assert.Equal(t, "50", got["maker_fee"])
	assert.Equal(t, "100", got["taker_fee"])
	assert.Equal(t, "10000", got["volume_to_next_tier"])

	rr = env.doJSON(t, buyerID, "GET", "/fees/quote?amount=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- Disputes ---

func TestDispute_OpenAndResolve(t *testing.T) {
	env := newTestEnv(t)
	orderID := env.createOrder(t)
	tradeID := env.createTrade(t, orderID, "100")
	require.Equal(t, http.StatusOK, env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/payment-sent", nil).Code)

	rr := env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/dispute", map[string]any{
		"reason":      "crypto_not_released",
		"description": "paid, nothing released",
		"evidence": []map[string]any{
			{"type": "payment_proof", "url": "https://files.example.com/proof.png"},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	dispute := decodeJSON(t, rr)
	disputeID := dispute["dispute_id"].(string)
	assert.Equal(t, "open", dispute["status"])

	rr = env.doJSON(t, buyerID, "POST", "/disputes/"+disputeID+"/resolve", map[string]any{"decision": "release_to_buyer"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.doJSON(t, platformID, "GET", "/disputes/"+disputeID+"/analysis", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, decodeJSON(t, rr)["complexity"])

	rr = env.doJSON(t, platformID, "POST", "/disputes/"+disputeID+"/resolve", map[string]any{
		"decision":       "split",
		"buyer_percent":  50,
		"seller_percent": 50,
		"reasoning":      "both sides partially documented",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resolved := decodeJSON(t, rr)
	assert.Equal(t, "resolved", resolved["status"])
	assert.Equal(t, "split", resolved["resolution"].(map[string]any)["escrow_action"])

	rr = env.doJSON(t, buyerID, "GET", "/trades/"+tradeID+"/escrow", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	escrow := decodeJSON(t, rr)
	assert.Equal(t, "split", escrow["status"])
	assert.Equal(t, "50", escrow["buyer_amount"])

	rr = env.doJSON(t, platformID, "POST", "/disputes/"+disputeID+"/close", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "closed", decodeJSON(t, rr)["status"])
}

// --- Messages / reviews / payment methods ---

func TestMessagesAndReviews(t *testing.T) {
	env := newTestEnv(t)
	orderID := env.createOrder(t)
	tradeID := env.createTrade(t, orderID, "10")

	rr := env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/messages", map[string]any{"body": "sending now"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "seller-1", decodeJSON(t, rr)["recipient_id"])

	rr = env.doJSON(t, sellerID, "POST", "/trades/"+tradeID+"/messages/read", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rr)["marked_read"])

	rr = env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/reviews", map[string]any{"rating": 5})
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.Equal(t, http.StatusOK, env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/cancel", nil).Code)
	rr = env.doJSON(t, buyerID, "POST", "/trades/"+tradeID+"/reviews", map[string]any{"rating": 5, "comment": "polite"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.doJSON(t, buyerID, "GET", "/users/seller-1/reviews", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["reviews"], 1)

	rr = env.doJSON(t, buyerID, "GET", "/users/seller-1/reputation", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rep := decodeJSON(t, rr)
	assert.EqualValues(t, 1, rep["cancelled_trades"])
	assert.EqualValues(t, 5, rep["average_rating"])
	assert.NotEmpty(t, rep["level"])

	rr = env.doJSON(t, buyerID, "GET", "/trades/"+tradeID+"/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["messages"], 3)
}

func TestPaymentMethods(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, sellerID, "POST", "/payment-methods", map[string]any{
		"type":    "bank_transfer",
		"name":    "Main account",
		"details": map[string]string{"iban": "DE89370400440532013000"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decodeJSON(t, rr)["payment_method_id"].(string)

	rr = env.doJSON(t, buyerID, "GET", "/payment-methods/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.doJSON(t, sellerID, "DELETE", "/payment-methods/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.doJSON(t, sellerID, "GET", "/payment-methods", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	methods := decodeJSON(t, rr)["payment_methods"].([]any)
	require.Len(t, methods, 1)
	assert.Equal(t, false, methods[0].(map[string]any)["is_active"])
}

// --- Webhooks ---

func TestWebhooks_PlatformOnly(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"url":    "https://hooks.example.com/escrow",
		"events": []string{"trade_completed", "dispute_opened"},
	}

	rr := env.doJSON(t, sellerID, "POST", "/webhooks", body)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.doJSON(t, platformID, "POST", "/webhooks", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	hooks := decodeJSON(t, rr)["webhooks"].([]any)
	require.Len(t, hooks, 2)

	rr = env.doJSON(t, platformID, "POST", "/webhooks", body)
	assert.Equal(t, http.StatusOK, rr.Code)

	id := hooks[0].(map[string]any)["webhook_id"].(string)
	rr = env.doJSON(t, platformID, "DELETE", "/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.doJSON(t, platformID, "GET", "/webhooks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["webhooks"], 1)
}

func TestWebhooks_EventCatalogueAndFilter(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, platformID, "GET", "/webhooks/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := decodeJSON(t, rr)["events"].([]any)
	require.Len(t, events, len(domain.AuditEventTypes))
	assert.Equal(t, "order", events[0].(map[string]any)["resource"])

	rr = env.doJSON(t, platformID, "POST", "/webhooks", map[string]any{
		"url":    "https://hooks.example.com/all",
		"events": []string{"*"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeJSON(t, rr)
	assert.Equal(t, "tenant-1", body["tenant_id"])
	assert.Len(t, body["webhooks"], len(domain.AuditEventTypes))

	rr = env.doJSON(t, platformID, "GET", "/webhooks?event=dispute_resolved", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hooks := decodeJSON(t, rr)["webhooks"].([]any)
	require.Len(t, hooks, 1)
	assert.Equal(t, "dispute", hooks[0].(map[string]any)["resource"])

	rr = env.doJSON(t, platformID, "GET", "/webhooks?event=order_shipped", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
