package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/service"
)

// OrderHandler handles HTTP requests for order and match endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
	matchSvc *service.MatchService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService, matchSvc *service.MatchService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc, matchSvc: matchSvc}
}

type restrictionsBody struct {
	MinTradeCount     int     `json:"min_trade_count"`
	MinCompletionRate float64 `json:"min_completion_rate"`
	VerifiedOnly      bool    `json:"verified_only"`
}

// createOrderRequest is the JSON request body for POST /orders.
type createOrderRequest struct {
	Type                    string            `json:"type"`
	Asset                   string            `json:"asset"`
	Fiat                    string            `json:"fiat"`
	PriceType               string            `json:"price_type"`
	Price                   *decimal.Decimal  `json:"price"`
	PriceMargin             *decimal.Decimal  `json:"price_margin"`
	MinAmount               decimal.Decimal   `json:"min_amount"`
	MaxAmount               decimal.Decimal   `json:"max_amount"`
	AvailableAmount         *decimal.Decimal  `json:"available_amount"`
	PaymentTimeLimitMinutes int               `json:"payment_time_limit_minutes"`
	PaymentMethods          []string          `json:"payment_methods"`
	Restrictions            *restrictionsBody `json:"restrictions"`
	Terms                   string            `json:"terms"`
	ExpiresAt               *string           `json:"expires_at"`
}

// updateOrderRequest is the JSON request body for PATCH /orders/{order_id}.
type updateOrderRequest struct {
	PriceType               *string           `json:"price_type"`
	Price                   *decimal.Decimal  `json:"price"`
	PriceMargin             *decimal.Decimal  `json:"price_margin"`
	MinAmount               *decimal.Decimal  `json:"min_amount"`
	MaxAmount               *decimal.Decimal  `json:"max_amount"`
	PaymentTimeLimitMinutes *int              `json:"payment_time_limit_minutes"`
	PaymentMethods          []string          `json:"payment_methods"`
	Restrictions            *restrictionsBody `json:"restrictions"`
	Terms                   *string           `json:"terms"`
	Status                  *string           `json:"status"`
	ExpiresAt               *string           `json:"expires_at"`
}

type orderResponse struct {
	OrderID                 string           `json:"order_id"`
	UserID                  string           `json:"user_id"`
	Type                    string           `json:"type"`
	Asset                   string           `json:"asset"`
	Fiat                    string           `json:"fiat"`
	PriceType               string           `json:"price_type"`
	Price                   *decimal.Decimal `json:"price,omitempty"`
	PriceMargin             *decimal.Decimal `json:"price_margin,omitempty"`
	MinAmount               decimal.Decimal  `json:"min_amount"`
	MaxAmount               decimal.Decimal  `json:"max_amount"`
	AvailableAmount         decimal.Decimal  `json:"available_amount"`
	PaymentTimeLimitMinutes int              `json:"payment_time_limit_minutes"`
	PaymentMethods          []string         `json:"payment_methods"`
	Restrictions            restrictionsBody `json:"restrictions"`
	Terms                   string           `json:"terms"`
	Status                  string           `json:"status"`
	ExpiresAt               *string          `json:"expires_at"`
	CreatedAt               string           `json:"created_at"`
	UpdatedAt               string           `json:"updated_at"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
}

// matchRequest is the JSON request body for POST /match.
type matchRequest struct {
	Side           string          `json:"side"`
	Asset          string          `json:"asset"`
	Fiat           string          `json:"fiat"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethods []string        `json:"payment_methods"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Limit          int             `json:"limit"`
}

type matchScore struct {
	Price         float64 `json:"price"`
	Reputation    float64 `json:"reputation"`
	Availability  float64 `json:"availability"`
	PaymentMethod float64 `json:"payment_method"`
	Total         float64 `json:"total"`
}

type matchResponse struct {
	Order          orderResponse    `json:"order"`
	EffectivePrice *decimal.Decimal `json:"effective_price"`
	Score          matchScore       `json:"score"`
}

type matchListResponse struct {
	Matches []matchResponse `json:"matches"`
}

// CreateOrder handles POST /orders.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	expiresAt, err := parseTimePtr("expires_at", req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	in := service.CreateOrderRequest{
		Type:             domain.OrderType(req.Type),
		Asset:            req.Asset,
		Fiat:             req.Fiat,
		PriceType:        domain.PriceType(req.PriceType),
		Price:            req.Price,
		PriceMargin:      req.PriceMargin,
		MinAmount:        req.MinAmount,
		MaxAmount:        req.MaxAmount,
		AvailableAmount:  req.AvailableAmount,
		PaymentTimeLimit: time.Duration(req.PaymentTimeLimitMinutes) * time.Minute,
		PaymentMethods:   req.PaymentMethods,
		Terms:            req.Terms,
		ExpiresAt:        expiresAt,
	}
	if req.Restrictions != nil {
		in.Restrictions = req.Restrictions.toDomain()
	}

	o, err := h.orderSvc.CreateOrder(r.Context(), callerFrom(r.Context()), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildOrderResponse(o))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orderSvc.GetOrder(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "order_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(o))
}

// ListOrders handles GET /orders. Supported filters: type, asset, fiat,
// status, user_id and a comma-separated payment_methods list.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.OrderFilter{
		UserID: q.Get("user_id"),
		Type:   domain.OrderType(q.Get("type")),
		Asset:  q.Get("asset"),
		Fiat:   q.Get("fiat"),
		Status: domain.OrderStatus(q.Get("status")),
	}
	if pm := q.Get("payment_methods"); pm != "" {
		f.PaymentMethods = strings.Split(pm, ",")
	}

	orders, err := h.orderSvc.ListOrders(r.Context(), callerFrom(r.Context()), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := orderListResponse{Orders: make([]orderResponse, len(orders))}
	for i, o := range orders {
		resp.Orders[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// UpdateOrder handles PATCH /orders/{order_id}.
func (h *OrderHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	expiresAt, err := parseTimePtr("expires_at", req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	in := service.UpdateOrderRequest{
		Price:          req.Price,
		PriceMargin:    req.PriceMargin,
		MinAmount:      req.MinAmount,
		MaxAmount:      req.MaxAmount,
		PaymentMethods: req.PaymentMethods,
		Terms:          req.Terms,
		ExpiresAt:      expiresAt,
	}
	if req.PriceType != nil {
		pt := domain.PriceType(*req.PriceType)
		in.PriceType = &pt
	}
	if req.PaymentTimeLimitMinutes != nil {
		d := time.Duration(*req.PaymentTimeLimitMinutes) * time.Minute
		in.PaymentTimeLimit = &d
	}
	if req.Restrictions != nil {
		rs := req.Restrictions.toDomain()
		in.Restrictions = &rs
	}
	if req.Status != nil {
		st := domain.OrderStatus(*req.Status)
		in.Status = &st
	}

	o, err := h.orderSvc.UpdateOrder(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "order_id"), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(o))
}

// CancelOrder handles DELETE /orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orderSvc.CancelOrder(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "order_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(o))
}

// Match handles POST /match.
func (h *OrderHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	matches, err := h.matchSvc.Match(r.Context(), callerFrom(r.Context()), service.MatchQuery{
		Side:           domain.OrderType(req.Side),
		Asset:          req.Asset,
		Fiat:           req.Fiat,
		Amount:         req.Amount,
		PaymentMethods: req.PaymentMethods,
		ReferencePrice: req.ReferencePrice,
		Limit:          req.Limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := matchListResponse{Matches: make([]matchResponse, len(matches))}
	for i, m := range matches {
		resp.Matches[i] = buildMatchResponse(m)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (b restrictionsBody) toDomain() domain.Restrictions {
	return domain.Restrictions{
		MinTradeCount:     b.MinTradeCount,
		MinCompletionRate: b.MinCompletionRate,
		VerifiedOnly:      b.VerifiedOnly,
	}
}

func buildOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:                 o.ID,
		UserID:                  o.UserID,
		Type:                    string(o.Type),
		Asset:                   o.Asset,
		Fiat:                    o.Fiat,
		PriceType:               string(o.Pricing.Type),
		MinAmount:               o.MinAmount,
		MaxAmount:               o.MaxAmount,
		AvailableAmount:         o.AvailableAmount,
		PaymentTimeLimitMinutes: int(o.PaymentTimeLimit / time.Minute),
		PaymentMethods:          o.PaymentMethods,
		Restrictions: restrictionsBody{
			MinTradeCount:     o.Restrictions.MinTradeCount,
			MinCompletionRate: o.Restrictions.MinCompletionRate,
			VerifiedOnly:      o.Restrictions.VerifiedOnly,
		},
		Terms:     o.Terms,
		Status:    string(o.Status),
		ExpiresAt: formatTimePtr(o.ExpiresAt),
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
	switch o.Pricing.Type {
	case domain.PriceTypeLimit:
		p := o.Pricing.Price
		resp.Price = &p
	case domain.PriceTypeFloating:
		m := o.Pricing.Margin
		resp.PriceMargin = &m
	}
	return resp
}

func buildMatchResponse(m engine.Match) matchResponse {
	resp := matchResponse{
		Order: buildOrderResponse(m.Order),
		Score: matchScore{
			Price:         m.Score.Price,
			Reputation:    m.Score.Reputation,
			Availability:  m.Score.Availability,
			PaymentMethod: m.Score.PaymentMethod,
			Total:         m.Score.Total,
		},
	}
	if m.Priced {
		p := m.EffectivePrice
		resp.EffectivePrice = &p
	}
	return resp
}
