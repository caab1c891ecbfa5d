package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/service"
)

// TradeHandler handles HTTP requests for the trade lifecycle and fees.
type TradeHandler struct {
	tradeSvc  *service.TradeService
	escrowSvc *service.EscrowService
}

// NewTradeHandler creates a new TradeHandler.
func NewTradeHandler(tradeSvc *service.TradeService, escrowSvc *service.EscrowService) *TradeHandler {
	return &TradeHandler{tradeSvc: tradeSvc, escrowSvc: escrowSvc}
}

// createTradeRequest is the JSON request body for POST /trades.
type createTradeRequest struct {
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentMethodID string          `json:"payment_method_id"`
	ReferencePrice  decimal.Decimal `json:"reference_price"`
}

type cancelTradeRequest struct {
	Reason string `json:"reason"`
}

type tradeResponse struct {
	TradeID            string            `json:"trade_id"`
	OrderID            string            `json:"order_id"`
	MakerID            string            `json:"maker_id"`
	TakerID            string            `json:"taker_id"`
	SellerID           string            `json:"seller_id"`
	BuyerID            string            `json:"buyer_id"`
	Asset              string            `json:"asset"`
	Fiat               string            `json:"fiat"`
	CryptoAmount       decimal.Decimal   `json:"crypto_amount"`
	FiatAmount         decimal.Decimal   `json:"fiat_amount"`
	Price              decimal.Decimal   `json:"price"`
	PaymentMethod      string            `json:"payment_method"`
	PaymentDetails     map[string]string `json:"payment_details,omitempty"`
	MakerFee           decimal.Decimal   `json:"maker_fee"`
	TakerFee           decimal.Decimal   `json:"taker_fee"`
	Status             string            `json:"status"`
	CancelReason       string            `json:"cancel_reason,omitempty"`
	CancelledBy        string            `json:"cancelled_by,omitempty"`
	PaymentDeadline    string            `json:"payment_deadline"`
	PaymentSentAt      *string           `json:"payment_sent_at"`
	PaymentConfirmedAt *string           `json:"payment_confirmed_at"`
	CompletedAt        *string           `json:"completed_at"`
	CancelledAt        *string           `json:"cancelled_at"`
	DisputedAt         *string           `json:"disputed_at"`
	CreatedAt          string            `json:"created_at"`
}

type tradeListResponse struct {
	Trades []tradeResponse `json:"trades"`
}

type escrowResponse struct {
	EscrowID     string          `json:"escrow_id"`
	TradeID      string          `json:"trade_id"`
	Amount       decimal.Decimal `json:"amount"`
	BuyerAmount  decimal.Decimal `json:"buyer_amount"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
	Status       string          `json:"status"`
	LockedAt     string          `json:"locked_at"`
	SettledAt    *string         `json:"settled_at"`
}

type feeQuoteResponse struct {
	Amount             decimal.Decimal  `json:"amount"`
	TrailingVolume     decimal.Decimal  `json:"trailing_volume"`
	MakerFee           decimal.Decimal  `json:"maker_fee"`
	TakerFee           decimal.Decimal  `json:"taker_fee"`
	VolumeToNextTier   *decimal.Decimal `json:"volume_to_next_tier"`
	NextTierPercentage *decimal.Decimal `json:"next_tier_percentage"`
}

// CreateTrade handles POST /trades.
func (h *TradeHandler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	t, err := h.tradeSvc.CreateTrade(r.Context(), callerFrom(r.Context()), service.CreateTradeRequest{
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		PaymentMethod:   req.PaymentMethod,
		PaymentMethodID: req.PaymentMethodID,
		ReferencePrice:  req.ReferencePrice,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildTradeResponse(t))
}

// GetTrade handles GET /trades/{trade_id}.
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.tradeSvc.GetTrade(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildTradeResponse(t))
}

// ListTrades handles GET /trades.
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.tradeSvc.ListTrades(r.Context(), callerFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := tradeListResponse{Trades: make([]tradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = buildTradeResponse(t)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetEscrow handles GET /trades/{trade_id}/escrow.
func (h *TradeHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := h.tradeSvc.GetTrade(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	e, err := h.escrowSvc.Get(r.Context(), t.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, escrowResponse{
		EscrowID:     e.ID,
		TradeID:      e.TradeID,
		Amount:       e.Amount,
		BuyerAmount:  e.BuyerAmount,
		SellerAmount: e.SellerAmount,
		Status:       string(e.Status),
		LockedAt:     formatTime(e.LockedAt),
		SettledAt:    formatTimePtr(e.SettledAt),
	})
}

// ConfirmPaymentSent handles POST /trades/{trade_id}/payment-sent.
func (h *TradeHandler) ConfirmPaymentSent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.tradeSvc.ConfirmPaymentSent)
}

// ConfirmPaymentReceived handles POST /trades/{trade_id}/payment-received.
func (h *TradeHandler) ConfirmPaymentReceived(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.tradeSvc.ConfirmPaymentReceived)
}

// CompleteTrade handles POST /trades/{trade_id}/complete.
func (h *TradeHandler) CompleteTrade(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.tradeSvc.CompleteTrade)
}

// CancelTrade handles POST /trades/{trade_id}/cancel. The body is optional.
func (h *TradeHandler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req cancelTradeRequest
	if r.ContentLength != 0 {
		if err := ParseJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	t, err := h.tradeSvc.CancelTrade(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildTradeResponse(t))
}

// QuoteFees handles GET /fees/quote?maker_id=&amount=.
func (h *TradeHandler) QuoteFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := parseDecimal("amount", q.Get("amount"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	quote, err := h.tradeSvc.QuoteFees(r.Context(), callerFrom(r.Context()), q.Get("maker_id"), amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := feeQuoteResponse{
		Amount:         quote.Amount,
		TrailingVolume: quote.TrailingVolume,
		MakerFee:       quote.MakerFee,
		TakerFee:       quote.TakerFee,
	}
	if quote.NextTier != nil {
		rem, pct := quote.NextTier.Remaining, quote.NextTier.Tier.Percentage
		resp.VolumeToNextTier = &rem
		resp.NextTierPercentage = &pct
	}
	WriteJSON(w, http.StatusOK, resp)
}

type transitionFunc func(ctx context.Context, caller domain.Caller, id string) (*domain.Trade, error)

func (h *TradeHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	t, err := fn(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildTradeResponse(t))
}

func buildTradeResponse(t *domain.Trade) tradeResponse {
	return tradeResponse{
		TradeID:            t.ID,
		OrderID:            t.OrderID,
		MakerID:            t.MakerID,
		TakerID:            t.TakerID,
		SellerID:           t.SellerID,
		BuyerID:            t.BuyerID,
		Asset:              t.Asset,
		Fiat:               t.Fiat,
		CryptoAmount:       t.CryptoAmount,
		FiatAmount:         t.FiatAmount,
		Price:              t.Price,
		PaymentMethod:      t.PaymentMethod,
		PaymentDetails:     t.PaymentDetails,
		MakerFee:           t.MakerFee,
		TakerFee:           t.TakerFee,
		Status:             string(t.Status),
		CancelReason:       t.CancelReason,
		CancelledBy:        t.CancelledBy,
		PaymentDeadline:    formatTime(t.PaymentDeadline),
		PaymentSentAt:      formatTimePtr(t.PaymentSentAt),
		PaymentConfirmedAt: formatTimePtr(t.PaymentConfirmedAt),
		CompletedAt:        formatTimePtr(t.CompletedAt),
		CancelledAt:        formatTimePtr(t.CancelledAt),
		DisputedAt:         formatTimePtr(t.DisputedAt),
		CreatedAt:          formatTime(t.CreatedAt),
	}
}
