package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p2pdesk/escrow/internal/arbitration"
	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/service"
)

// DisputeHandler handles HTTP requests for dispute endpoints.
type DisputeHandler struct {
	tradeSvc   *service.TradeService
	disputeSvc *service.DisputeService
}

// NewDisputeHandler creates a new DisputeHandler.
func NewDisputeHandler(tradeSvc *service.TradeService, disputeSvc *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{tradeSvc: tradeSvc, disputeSvc: disputeSvc}
}

type evidenceBody struct {
	Type          string `json:"type"`
	URL           string `json:"url"`
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
}

// openDisputeRequest is the JSON request body for POST /trades/{trade_id}/dispute.
type openDisputeRequest struct {
	Reason      string         `json:"reason"`
	Description string         `json:"description"`
	Evidence    []evidenceBody `json:"evidence"`
}

type addEvidenceRequest struct {
	Evidence []evidenceBody `json:"evidence"`
}

type assignRequest struct {
	ArbitratorID string `json:"arbitrator_id"`
}

// resolveRequest is the JSON request body for POST /disputes/{dispute_id}/resolve.
// An empty body applies the recommended resolution.
type resolveRequest struct {
	Decision      string  `json:"decision"`
	BuyerPercent  float64 `json:"buyer_percent"`
	SellerPercent float64 `json:"seller_percent"`
	Reasoning     string  `json:"reasoning"`
}

type evidenceResponse struct {
	EvidenceID    string `json:"evidence_id"`
	SubmittedBy   string `json:"submitted_by"`
	Type          string `json:"type"`
	URL           string `json:"url,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Description   string `json:"description,omitempty"`
	SubmittedAt   string `json:"submitted_at"`
}

type penaltyResponse struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type resolutionResponse struct {
	Decision      string            `json:"decision"`
	Confidence    float64           `json:"confidence"`
	EscrowAction  string            `json:"escrow_action"`
	BuyerPercent  float64           `json:"buyer_percent,omitempty"`
	SellerPercent float64           `json:"seller_percent,omitempty"`
	Penalties     []penaltyResponse `json:"penalties"`
	Reasoning     string            `json:"reasoning"`
}

type disputeResponse struct {
	DisputeID         string              `json:"dispute_id"`
	TradeID           string              `json:"trade_id"`
	BuyerID           string              `json:"buyer_id"`
	SellerID          string              `json:"seller_id"`
	OpenedBy          string              `json:"opened_by"`
	Reason            string              `json:"reason"`
	Description       string              `json:"description"`
	Evidence          []evidenceResponse  `json:"evidence"`
	Status            string              `json:"status"`
	AssignedTo        string              `json:"assigned_to,omitempty"`
	Resolution        *resolutionResponse `json:"resolution"`
	ResolvedInFavorOf string              `json:"resolved_in_favor_of,omitempty"`
	CreatedAt         string              `json:"created_at"`
	ResolvedAt        *string             `json:"resolved_at"`
}

type disputeListResponse struct {
	Disputes []disputeResponse `json:"disputes"`
}

type partyScore struct {
	Score          float64 `json:"score"`
	HasProof       bool    `json:"has_proof"`
	HasScreenshot  bool    `json:"has_screenshot"`
	HasTransaction bool    `json:"has_transaction"`
	Items          int     `json:"items"`
}

type analysisResponse struct {
	Recommendation resolutionResponse `json:"recommendation"`
	Buyer          partyScore         `json:"buyer"`
	Seller         partyScore         `json:"seller"`
	Complexity     string             `json:"complexity"`
	EstimatedHours float64            `json:"estimated_hours"`
}

// OpenDispute handles POST /trades/{trade_id}/dispute.
func (h *DisputeHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	d, err := h.tradeSvc.OpenDispute(r.Context(), callerFrom(r.Context()), service.OpenDisputeRequest{
		TradeID:     chi.URLParam(r, "trade_id"),
		Reason:      domain.DisputeReason(req.Reason),
		Description: req.Description,
		Evidence:    toEvidenceRequests(req.Evidence),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildDisputeResponse(d))
}

// GetDispute handles GET /disputes/{dispute_id}.
func (h *DisputeHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputeSvc.Get(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildDisputeResponse(d))
}

// ListDisputes handles GET /disputes.
func (h *DisputeHandler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := h.disputeSvc.ListForUser(r.Context(), callerFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := disputeListResponse{Disputes: make([]disputeResponse, len(disputes))}
	for i, d := range disputes {
		resp.Disputes[i] = buildDisputeResponse(d)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Assign handles POST /disputes/{dispute_id}/assign.
func (h *DisputeHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	d, err := h.disputeSvc.Assign(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"), req.ArbitratorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildDisputeResponse(d))
}

// AddEvidence handles POST /disputes/{dispute_id}/evidence.
func (h *DisputeHandler) AddEvidence(w http.ResponseWriter, r *http.Request) {
	var req addEvidenceRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	d, err := h.disputeSvc.AddEvidence(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"), toEvidenceRequests(req.Evidence))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildDisputeResponse(d))
}

// Analyze handles GET /disputes/{dispute_id}/analysis.
func (h *DisputeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	a, err := h.disputeSvc.Analyze(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildAnalysisResponse(a))
}

// Resolve handles POST /disputes/{dispute_id}/resolve.
func (h *DisputeHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var res *domain.Resolution
	if r.ContentLength != 0 {
		var req resolveRequest
		if err := ParseJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		res = &domain.Resolution{
			Decision:      domain.Decision(req.Decision),
			Confidence:    100,
			BuyerPercent:  req.BuyerPercent,
			SellerPercent: req.SellerPercent,
			Reasoning:     req.Reasoning,
		}
	}
	d, err := h.disputeSvc.Resolve(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"), res)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildDisputeResponse(d))
}

// Close handles POST /disputes/{dispute_id}/close.
func (h *DisputeHandler) Close(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputeSvc.Close(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "dispute_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildDisputeResponse(d))
}

func toEvidenceRequests(in []evidenceBody) []service.EvidenceRequest {
	out := make([]service.EvidenceRequest, len(in))
	for i, e := range in {
		out[i] = service.EvidenceRequest{
			Type:          domain.EvidenceType(e.Type),
			URL:           e.URL,
			TransactionID: e.TransactionID,
			Description:   e.Description,
		}
	}
	return out
}

func buildResolutionResponse(r domain.Resolution) resolutionResponse {
	resp := resolutionResponse{
		Decision:      string(r.Decision),
		Confidence:    r.Confidence,
		EscrowAction:  string(r.EscrowAction),
		BuyerPercent:  r.BuyerPercent,
		SellerPercent: r.SellerPercent,
		Penalties:     make([]penaltyResponse, len(r.Penalties)),
		Reasoning:     r.Reasoning,
	}
	for i, p := range r.Penalties {
		resp.Penalties[i] = penaltyResponse{UserID: p.UserID, Type: string(p.Type), Reason: p.Reason}
	}
	return resp
}

func buildDisputeResponse(d *domain.Dispute) disputeResponse {
	resp := disputeResponse{
		DisputeID:         d.ID,
		TradeID:           d.TradeID,
		BuyerID:           d.BuyerID,
		SellerID:          d.SellerID,
		OpenedBy:          d.OpenedBy,
		Reason:            string(d.Reason),
		Description:       d.Description,
		Evidence:          make([]evidenceResponse, len(d.Evidence)),
		Status:            string(d.Status),
		AssignedTo:        d.AssignedTo,
		ResolvedInFavorOf: d.ResolvedInFavorOf,
		CreatedAt:         formatTime(d.CreatedAt),
		ResolvedAt:        formatTimePtr(d.ResolvedAt),
	}
	for i, e := range d.Evidence {
		resp.Evidence[i] = evidenceResponse{
			EvidenceID:    e.ID,
			SubmittedBy:   e.SubmittedBy,
			Type:          string(e.Type),
			URL:           e.URL,
			TransactionID: e.TransactionID,
			Description:   e.Description,
			SubmittedAt:   formatTime(e.SubmittedAt),
		}
	}
	if d.Resolution != nil {
		rr := buildResolutionResponse(*d.Resolution)
		resp.Resolution = &rr
	}
	return resp
}

func buildPartyScore(s arbitration.EvidenceScore) partyScore {
	return partyScore{
		Score:          s.Score,
		HasProof:       s.HasProof,
		HasScreenshot:  s.HasScreenshot,
		HasTransaction: s.HasTransaction,
		Items:          s.Items,
	}
}

func buildAnalysisResponse(a arbitration.Analysis) analysisResponse {
	return analysisResponse{
		Recommendation: buildResolutionResponse(a.Resolution),
		Buyer:          buildPartyScore(a.Buyer),
		Seller:         buildPartyScore(a.Seller),
		Complexity:     string(a.Complexity),
		EstimatedHours: a.EstimatedHours,
	}
}
