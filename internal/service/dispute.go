package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/p2pdesk/escrow/internal/arbitration"
	"github.com/p2pdesk/escrow/internal/domain"
)

const maxEvidenceItems = 20

// EvidenceRequest represents one piece of evidence submitted by a party.
type EvidenceRequest struct {
	Type          domain.EvidenceType
	URL           string
	TransactionID string
	Description   string
}

func newEvidence(submittedBy string, r EvidenceRequest, now time.Time) (domain.Evidence, error) {
	switch r.Type {
	case domain.EvidencePaymentProof, domain.EvidenceScreenshot, domain.EvidenceTransactionID,
		domain.EvidenceChatLog, domain.EvidenceOther:
	default:
		return domain.Evidence{}, domain.NewValidationError("unknown evidence type " + string(r.Type))
	}
	if r.URL != "" {
		if u, err := url.ParseRequestURI(r.URL); err != nil || !u.IsAbs() {
			return domain.Evidence{}, domain.NewValidationError("evidence url must be a valid absolute URL")
		}
	}
	if r.Type == domain.EvidenceTransactionID && r.TransactionID == "" {
		return domain.Evidence{}, domain.NewValidationError("transaction_id evidence requires a transaction id")
	}
	if len(r.Description) > maxTermsLength {
		return domain.Evidence{}, domain.NewValidationError("evidence description must be at most 2000 characters")
	}
	return domain.Evidence{
		ID:            uuid.New().String(),
		SubmittedBy:   submittedBy,
		Type:          r.Type,
		URL:           r.URL,
		TransactionID: r.TransactionID,
		Description:   r.Description,
		SubmittedAt:   now,
	}, nil
}

// DisputeService runs arbitration over disputes opened by TradeService.
type DisputeService struct {
	disputes DisputeRepository
	trades   *TradeService
	escrow   *EscrowService
	messages MessageRepository
	audit    AuditLogger
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewDisputeService creates a DisputeService. audit, recorder and logger
// may be nil.
func NewDisputeService(disputes DisputeRepository, trades *TradeService, escrow *EscrowService, messages MessageRepository, audit AuditLogger, recorder Recorder, logger *slog.Logger) *DisputeService {
	if audit == nil {
		audit = nopAudit{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DisputeService{
		disputes: disputes,
		trades:   trades,
		escrow:   escrow,
		messages: messages,
		audit:    audit,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns a dispute visible to the caller: a party or the platform.
func (s *DisputeService) Get(ctx context.Context, caller domain.Caller, id string) (*domain.Dispute, error) {
	d, err := s.disputes.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantID != caller.TenantID {
		return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	if !caller.IsSystem() && caller.UserID != d.BuyerID && caller.UserID != d.SellerID {
		return nil, fmt.Errorf("%w: not a party to dispute %s", domain.ErrUnauthorized, id)
	}
	return d, nil
}

// ListForUser returns the caller's disputes in their tenant.
func (s *DisputeService) ListForUser(ctx context.Context, caller domain.Caller) ([]*domain.Dispute, error) {
	all, err := s.disputes.ListDisputesByUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.TenantID == caller.TenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

// Assign hands an open dispute to an arbitrator and moves it under review.
func (s *DisputeService) Assign(ctx context.Context, caller domain.Caller, id, arbitratorID string) (*domain.Dispute, error) {
	if !caller.IsSystem() {
		return nil, fmt.Errorf("%w: only the platform may assign disputes", domain.ErrUnauthorized)
	}
	if arbitratorID == "" {
		return nil, domain.NewValidationError("arbitrator_id is required")
	}
	d, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputeStatusOpen && d.Status != domain.DisputeStatusUnderReview {
		return nil, fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, d.Status)
	}
	from := d.Status
	d.AssignedTo = arbitratorID
	d.Status = domain.DisputeStatusUnderReview
	d.UpdatedAt = s.now().UTC()
	if err := s.disputes.UpdateDispute(ctx, d, from); err != nil {
		return nil, err
	}
	return d, nil
}

// AddEvidence appends evidence from a party while the dispute is pending.
func (s *DisputeService) AddEvidence(ctx context.Context, caller domain.Caller, id string, items []EvidenceRequest) (*domain.Dispute, error) {
	if len(items) == 0 {
		return nil, domain.NewValidationError("evidence must be a non-empty array")
	}
	d, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if caller.UserID != d.BuyerID && caller.UserID != d.SellerID {
		return nil, fmt.Errorf("%w: only a party may submit evidence", domain.ErrUnauthorized)
	}
	if d.Status != domain.DisputeStatusOpen && d.Status != domain.DisputeStatusUnderReview {
		return nil, fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, d.Status)
	}
	if len(d.Evidence)+len(items) > maxEvidenceItems {
		return nil, domain.NewValidationError(fmt.Sprintf("a dispute holds at most %d evidence items", maxEvidenceItems))
	}

	now := s.now().UTC()
	for _, r := range items {
		ev, err := newEvidence(caller.UserID, r, now)
		if err != nil {
			return nil, err
		}
		d.Evidence = append(d.Evidence, ev)
	}
	from := d.Status
	d.UpdatedAt = now
	if err := s.disputes.UpdateDispute(ctx, d, from); err != nil {
		return nil, err
	}
	return d, nil
}

// Analyze returns the resolver's recommendation for a pending dispute.
func (s *DisputeService) Analyze(ctx context.Context, caller domain.Caller, id string) (arbitration.Analysis, error) {
	d, err := s.Get(ctx, caller, id)
	if err != nil {
		return arbitration.Analysis{}, err
	}
	t, err := s.trades.trades.GetTrade(ctx, d.TradeID)
	if err != nil {
		return arbitration.Analysis{}, err
	}
	e, err := s.escrow.Get(ctx, d.TradeID)
	if err != nil {
		return arbitration.Analysis{}, err
	}
	msgs, err := s.messages.ListMessages(ctx, d.TradeID)
	if err != nil {
		return arbitration.Analysis{}, err
	}
	return arbitration.Analyze(d, t, e, msgs)
}

// Resolve applies an arbitration outcome. A nil resolution applies the
// resolver's own recommendation. Manual review holds the escrow and is
// rejected here; the dispute stays pending.
func (s *DisputeService) Resolve(ctx context.Context, caller domain.Caller, id string, r *domain.Resolution) (*domain.Dispute, error) {
	if !caller.IsSystem() {
		return nil, fmt.Errorf("%w: only the platform may resolve disputes", domain.ErrUnauthorized)
	}
	d, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputeStatusOpen && d.Status != domain.DisputeStatusUnderReview {
		return nil, fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, d.Status)
	}

	var res domain.Resolution
	if r == nil {
		a, err := s.Analyze(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		res = a.Resolution
	} else {
		res = *r
	}
	if err := arbitration.ValidateResolution(res); err != nil {
		return nil, err
	}
	res.EscrowAction, _ = arbitration.ActionFor(res.Decision)
	if res.EscrowAction == domain.EscrowActionHold {
		return nil, domain.NewValidationError("manual_review keeps the escrow on hold and cannot resolve a dispute")
	}

	if _, err := s.trades.applyResolution(ctx, d.TradeID, res, caller.UserID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	from := d.Status
	d.Status = domain.DisputeStatusResolved
	d.Resolution = &res
	d.ResolvedBy = caller.UserID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	switch res.Decision {
	case domain.DecisionReleaseToBuyer:
		d.ResolvedInFavorOf = d.BuyerID
	case domain.DecisionReleaseToSeller:
		d.ResolvedInFavorOf = d.SellerID
	}
	if err := s.disputes.UpdateDispute(ctx, d, from); err != nil {
		s.logger.Error("dispute record not updated after resolution", "critical", true, "dispute_id", d.ID, "error", err)
		return nil, err
	}

	s.recorder.DisputeResolved(res.Decision)
	s.audit.Record(ctx, domain.AuditEvent{
		Type:       domain.EventDisputeResolved,
		TenantID:   d.TenantID,
		ActorID:    caller.UserID,
		ResourceID: d.ID,
		Metadata: map[string]string{
			"trade_id":      d.TradeID,
			"decision":      string(res.Decision),
			"escrow_action": string(res.EscrowAction),
		},
		OccurredAt: now,
	})
	return d, nil
}

// Close archives a resolved dispute.
func (s *DisputeService) Close(ctx context.Context, caller domain.Caller, id string) (*domain.Dispute, error) {
	if !caller.IsSystem() {
		return nil, fmt.Errorf("%w: only the platform may close disputes", domain.ErrUnauthorized)
	}
	d, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputeStatusResolved {
		return nil, fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, d.Status)
	}
	d.Status = domain.DisputeStatusClosed
	d.UpdatedAt = s.now().UTC()
	if err := s.disputes.UpdateDispute(ctx, d, domain.DisputeStatusResolved); err != nil {
		return nil, err
	}
	return d, nil
}
