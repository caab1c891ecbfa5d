package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/service"
)

// LedgerHandler serves the per-trade chat and reviews, saved payment
// methods and reputation profiles.
type LedgerHandler struct {
	messageSvc *service.MessageService
	reviewSvc  *service.ReviewService
	methodSvc  *service.PaymentMethodService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(messageSvc *service.MessageService, reviewSvc *service.ReviewService, methodSvc *service.PaymentMethodService) *LedgerHandler {
	return &LedgerHandler{messageSvc: messageSvc, reviewSvc: reviewSvc, methodSvc: methodSvc}
}

type sendMessageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

type messageResponse struct {
	MessageID   string   `json:"message_id"`
	SenderID    string   `json:"sender_id"`
	RecipientID string   `json:"recipient_id,omitempty"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	IsRead      bool     `json:"is_read"`
	IsSystem    bool     `json:"is_system"`
	CreatedAt   string   `json:"created_at"`
}

type messageListResponse struct {
	Messages []messageResponse `json:"messages"`
}

type submitReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type reviewResponse struct {
	ReviewID       string `json:"review_id"`
	TradeID        string `json:"trade_id"`
	ReviewerID     string `json:"reviewer_id"`
	ReviewedUserID string `json:"reviewed_user_id"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment"`
	IsPositive     bool   `json:"is_positive"`
	CreatedAt      string `json:"created_at"`
}

type reviewListResponse struct {
	Reviews []reviewResponse `json:"reviews"`
}

type addPaymentMethodRequest struct {
	Type    string            `json:"type"`
	Name    string            `json:"name"`
	Details map[string]string `json:"details"`
}

type paymentMethodResponse struct {
	PaymentMethodID string            `json:"payment_method_id"`
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	Details         map[string]string `json:"details"`
	IsActive        bool              `json:"is_active"`
	IsVerified      bool              `json:"is_verified"`
	TimesUsed       int               `json:"times_used"`
	CreatedAt       string            `json:"created_at"`
}

type paymentMethodListResponse struct {
	PaymentMethods []paymentMethodResponse `json:"payment_methods"`
}

type reputationResponse struct {
	UserID                    string  `json:"user_id"`
	Score                     float64 `json:"score"`
	Level                     string  `json:"level"`
	LevelDescription          string  `json:"level_description"`
	Badge                     string  `json:"badge,omitempty"`
	TotalTrades               int     `json:"total_trades"`
	CompletedTrades           int     `json:"completed_trades"`
	CancelledTrades           int     `json:"cancelled_trades"`
	CancelledAfterPaymentSent int     `json:"cancelled_after_payment_sent"`
	CompletionRate            float64 `json:"completion_rate"`
	AverageRating             float64 `json:"average_rating"`
	TotalReviews              int     `json:"total_reviews"`
	PositiveReviews           int     `json:"positive_reviews"`
	DisputesAgainst           int     `json:"disputes_against"`
}

// SendMessage handles POST /trades/{trade_id}/messages.
func (h *LedgerHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	m, err := h.messageSvc.Send(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"), service.SendMessageRequest{
		Body:        req.Body,
		Attachments: req.Attachments,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildMessageResponse(m))
}

// ListMessages handles GET /trades/{trade_id}/messages.
func (h *LedgerHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.messageSvc.List(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := messageListResponse{Messages: make([]messageResponse, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = buildMessageResponse(m)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// MarkRead handles POST /trades/{trade_id}/messages/read.
func (h *LedgerHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.messageSvc.MarkRead(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"marked_read": n})
}

// SubmitReview handles POST /trades/{trade_id}/reviews.
func (h *LedgerHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	var req submitReviewRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rv, err := h.reviewSvc.Submit(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "trade_id"), req.Rating, req.Comment)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildReviewResponse(rv))
}

// ListReviews handles GET /users/{user_id}/reviews.
func (h *LedgerHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.reviewSvc.ListForUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := reviewListResponse{Reviews: make([]reviewResponse, len(reviews))}
	for i, rv := range reviews {
		resp.Reviews[i] = buildReviewResponse(rv)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetReputation handles GET /users/{user_id}/reputation.
func (h *LedgerHandler) GetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reviewSvc.Profile(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	st := rep.Stats
	WriteJSON(w, http.StatusOK, reputationResponse{
		UserID:                    rep.UserID,
		Score:                     rep.Profile.Score,
		Level:                     rep.Profile.Level.Name,
		LevelDescription:          rep.Profile.Level.Description,
		Badge:                     rep.Profile.Badge,
		TotalTrades:               st.TotalTrades,
		CompletedTrades:           st.CompletedTrades,
		CancelledTrades:           st.CancelledTrades,
		CancelledAfterPaymentSent: st.CancelledAfterPaymentSent,
		CompletionRate:            st.CompletionRate,
		AverageRating:             st.AverageRating,
		TotalReviews:              st.TotalReviews,
		PositiveReviews:           st.PositiveReviews,
		DisputesAgainst:           st.DisputesAgainst,
	})
}

// AddPaymentMethod handles POST /payment-methods.
func (h *LedgerHandler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req addPaymentMethodRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pm, err := h.methodSvc.Add(r.Context(), callerFrom(r.Context()), service.AddPaymentMethodRequest{
		Type:    req.Type,
		Name:    req.Name,
		Details: req.Details,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildPaymentMethodResponse(pm))
}

// ListPaymentMethods handles GET /payment-methods.
func (h *LedgerHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.methodSvc.List(r.Context(), callerFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := paymentMethodListResponse{PaymentMethods: make([]paymentMethodResponse, len(methods))}
	for i, pm := range methods {
		resp.PaymentMethods[i] = buildPaymentMethodResponse(pm)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetPaymentMethod handles GET /payment-methods/{payment_method_id}.
func (h *LedgerHandler) GetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	pm, err := h.methodSvc.Get(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "payment_method_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPaymentMethodResponse(pm))
}

// DeactivatePaymentMethod handles DELETE /payment-methods/{payment_method_id}.
func (h *LedgerHandler) DeactivatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	if _, err := h.methodSvc.Deactivate(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "payment_method_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildMessageResponse(m *domain.Message) messageResponse {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return messageResponse{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Body:        m.Body,
		Attachments: attachments,
		IsRead:      m.IsRead,
		IsSystem:    m.IsSystem,
		CreatedAt:   formatTime(m.CreatedAt),
	}
}

func buildReviewResponse(r *domain.Review) reviewResponse {
	return reviewResponse{
		ReviewID:       r.ID,
		TradeID:        r.TradeID,
		ReviewerID:     r.ReviewerID,
		ReviewedUserID: r.ReviewedUserID,
		Rating:         r.Rating,
		Comment:        r.Comment,
		IsPositive:     r.IsPositive,
		CreatedAt:      formatTime(r.CreatedAt),
	}
}

func buildPaymentMethodResponse(pm *domain.PaymentMethod) paymentMethodResponse {
	return paymentMethodResponse{
		PaymentMethodID: pm.ID,
		Type:            pm.Type,
		Name:            pm.Name,
		Details:         pm.Details,
		IsActive:        pm.IsActive,
		IsVerified:      pm.IsVerified,
		TimesUsed:       pm.TimesUsed,
		CreatedAt:       formatTime(pm.CreatedAt),
	}
}
