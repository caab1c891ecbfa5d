// Package arbitration scores dispute evidence and recommends an escrow
// disposition and penalties for a contested trade.
package arbitration

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

// Evidence score contributions.
const (
	proofPoints      = 40
	screenshotPoints = 20
	txIDPoints       = 30
	volumePoints     = 10
	volumeThreshold  = 3
)

// deltaThreshold is the evidence score gap above which one party wins
// outright in the fallback procedure.
const deltaThreshold = 30

// splitTolerance is how far split percentages may stray from 100.
const splitTolerance = 0.01

// Complexity is an operational prioritisation class.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

var (
	complexValue  = decimal.NewFromInt(10_000)
	moderateValue = decimal.NewFromInt(1_000)
)

const moderateEvidenceCount = 5

// EvidenceScore summarises one party's evidence.
type EvidenceScore struct {
	Score          float64
	HasProof       bool
	HasScreenshot  bool
	HasTransaction bool
	Items          int
}

// ValidProof reports whether the party supplied both payment proof and a
// transaction id.
func (s EvidenceScore) ValidProof() bool {
	return s.HasProof && s.HasTransaction
}

// ScoreEvidence scores the items submitted by userID.
func ScoreEvidence(items []domain.Evidence, userID string) EvidenceScore {
	var s EvidenceScore
	for _, e := range items {
		if e.SubmittedBy != userID {
			continue
		}
		s.Items++
		switch e.Type {
		case domain.EvidencePaymentProof:
			s.HasProof = true
		case domain.EvidenceScreenshot:
			s.HasScreenshot = true
		case domain.EvidenceTransactionID:
			s.HasTransaction = true
		}
		if e.TransactionID != "" {
			s.HasTransaction = true
		}
	}
	if s.HasProof {
		s.Score += proofPoints
	}
	if s.HasScreenshot {
		s.Score += screenshotPoints
	}
	if s.HasTransaction {
		s.Score += txIDPoints
	}
	if s.Items > volumeThreshold {
		s.Score += volumePoints
	}
	s.Score = math.Min(s.Score, 100)
	return s
}

// Facts are the inputs of the decision procedure.
type Facts struct {
	Reason   domain.DisputeReason
	BuyerID  string
	SellerID string
	Buyer    EvidenceScore
	Seller   EvidenceScore
	// SellerResponded is true when the seller submitted evidence or wrote
	// in the trade chat after the dispute was opened.
	SellerResponded bool
}

// Decide runs the clear-cut rules, then the score-differential fallback.
func Decide(f Facts) domain.Resolution {
	if r, ok := clearCut(f); ok {
		return r
	}
	return fallback(f)
}

func clearCut(f Facts) (domain.Resolution, bool) {
	nonPayment := f.Reason == domain.DisputeReasonNonPayment
	switch {
	case nonPayment && f.Buyer.ValidProof() && !f.SellerResponded:
		return favourBuyer(f, 95, "buyer supplied payment proof and transaction id; seller did not respond"), true
	case nonPayment && !f.Buyer.HasProof && f.SellerResponded:
		return favourSeller(f, 90, "buyer supplied no payment proof; seller responded"), true
	case f.Buyer.Score > 80 && f.Seller.Score > 80:
		return domain.Resolution{
			Decision:     domain.DecisionManualReview,
			Confidence:   50,
			EscrowAction: domain.EscrowActionHold,
			Reasoning:    "both parties supplied strong evidence",
		}, true
	}
	return domain.Resolution{}, false
}

func fallback(f Facts) domain.Resolution {
	delta := f.Buyer.Score - f.Seller.Score
	switch {
	case delta > deltaThreshold:
		return favourBuyer(f, 80, fmt.Sprintf("buyer evidence outweighs seller by %.0f points", delta))
	case delta < -deltaThreshold:
		return favourSeller(f, 80, fmt.Sprintf("seller evidence outweighs buyer by %.0f points", -delta))
	case f.Buyer.Score > 50 && f.Seller.Score > 50:
		return domain.Resolution{
			Decision:      domain.DecisionSplit,
			Confidence:    60,
			EscrowAction:  domain.EscrowActionSplit,
			BuyerPercent:  50,
			SellerPercent: 50,
			Reasoning:     "comparable evidence from both parties",
		}
	}
	return domain.Resolution{
		Decision:     domain.DecisionManualReview,
		Confidence:   40,
		EscrowAction: domain.EscrowActionHold,
		Reasoning:    "insufficient evidence from either party",
	}
}

func favourBuyer(f Facts, confidence float64, reasoning string) domain.Resolution {
	return domain.Resolution{
		Decision:     domain.DecisionReleaseToBuyer,
		Confidence:   confidence,
		EscrowAction: domain.EscrowActionRelease,
		Penalties:    []domain.Penalty{{UserID: f.SellerID, Type: domain.PenaltyWarning, Reason: "dispute lost"}},
		Reasoning:    reasoning,
	}
}

func favourSeller(f Facts, confidence float64, reasoning string) domain.Resolution {
	return domain.Resolution{
		Decision:     domain.DecisionReleaseToSeller,
		Confidence:   confidence,
		EscrowAction: domain.EscrowActionRefund,
		Penalties:    []domain.Penalty{{UserID: f.BuyerID, Type: domain.PenaltyWarning, Reason: "dispute lost"}},
		Reasoning:    reasoning,
	}
}

// ActionFor returns the escrow action a decision applies.
func ActionFor(d domain.Decision) (domain.EscrowAction, bool) {
	switch d {
	case domain.DecisionReleaseToBuyer:
		return domain.EscrowActionRelease, true
	case domain.DecisionReleaseToSeller:
		return domain.EscrowActionRefund, true
	case domain.DecisionSplit:
		return domain.EscrowActionSplit, true
	case domain.DecisionManualReview:
		return domain.EscrowActionHold, true
	}
	return "", false
}

// ValidateResolution rejects resolutions that must not reach escrow.
func ValidateResolution(r domain.Resolution) error {
	action, ok := ActionFor(r.Decision)
	if !ok {
		return domain.NewValidationError(fmt.Sprintf("unknown decision %q", r.Decision))
	}
	if r.EscrowAction != "" && r.EscrowAction != action {
		return domain.NewValidationError(fmt.Sprintf("decision %s cannot apply escrow action %s", r.Decision, r.EscrowAction))
	}
	if r.Confidence < 0 || r.Confidence > 100 || math.IsNaN(r.Confidence) {
		return domain.NewValidationError("confidence must be in [0, 100]")
	}
	if r.Decision == domain.DecisionSplit {
		if r.BuyerPercent < 0 || r.SellerPercent < 0 {
			return domain.NewValidationError("split percentages must be >= 0")
		}
		if math.Abs(r.BuyerPercent+r.SellerPercent-100) > splitTolerance {
			return domain.NewValidationError("split percentages must sum to 100")
		}
	}
	return nil
}

// Classify derives the operational complexity of a dispute.
func Classify(reason domain.DisputeReason, tradeValue decimal.Decimal, evidenceCount int) Complexity {
	switch {
	case reason == domain.DisputeReasonFraud, tradeValue.GreaterThan(complexValue):
		return ComplexityComplex
	case tradeValue.GreaterThan(moderateValue),
		evidenceCount > moderateEvidenceCount,
		reason != domain.DisputeReasonNonPayment:
		return ComplexityModerate
	}
	return ComplexitySimple
}

// EstimatedResolution is the expected time to resolve a class.
func EstimatedResolution(c Complexity) time.Duration {
	switch c {
	case ComplexityComplex:
		return 72 * time.Hour
	case ComplexityModerate:
		return 48 * time.Hour
	}
	return 24 * time.Hour
}

// Analysis is the resolver's full output.
type Analysis struct {
	Resolution     domain.Resolution
	Buyer          EvidenceScore
	Seller         EvidenceScore
	Complexity     Complexity
	EstimatedHours float64
}

// Analyze scores the dispute's evidence and recommends a resolution.
// messages is the trade chat, used to detect whether the seller responded
// after the dispute was opened.
func Analyze(d *domain.Dispute, t *domain.Trade, e *domain.Escrow, messages []*domain.Message) (Analysis, error) {
	if d.TradeID != t.ID {
		return Analysis{}, domain.NewValidationError("dispute does not belong to trade")
	}
	if e == nil || e.TradeID != t.ID {
		return Analysis{}, fmt.Errorf("%w: no escrow for trade %s", domain.ErrNotFound, t.ID)
	}
	if e.Status.Terminal() {
		return Analysis{}, fmt.Errorf("%w: escrow already %s", domain.ErrInvalidEscrowState, e.Status)
	}

	f := Facts{
		Reason:   d.Reason,
		BuyerID:  t.BuyerID,
		SellerID: t.SellerID,
		Buyer:    ScoreEvidence(d.Evidence, t.BuyerID),
		Seller:   ScoreEvidence(d.Evidence, t.SellerID),
	}
	f.SellerResponded = f.Seller.Items > 0 || sentAfter(messages, t.SellerID, d.CreatedAt)

	c := Classify(d.Reason, t.FiatAmount, len(d.Evidence))
	return Analysis{
		Resolution:     Decide(f),
		Buyer:          f.Buyer,
		Seller:         f.Seller,
		Complexity:     c,
		EstimatedHours: EstimatedResolution(c).Hours(),
	}, nil
}

func sentAfter(messages []*domain.Message, userID string, since time.Time) bool {
	for _, m := range messages {
		if m.SenderID == userID && !m.IsSystem && !m.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}
