package domain

import "time"

// DisputeStatus represents the arbitration state of a dispute.
type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "open"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusResolved    DisputeStatus = "resolved"
	DisputeStatusClosed      DisputeStatus = "closed"
)

// DisputeReason classifies why a trade was contested.
type DisputeReason string

const (
	DisputeReasonNonPayment        DisputeReason = "non_payment"
	DisputeReasonCryptoNotReleased DisputeReason = "crypto_not_released"
	DisputeReasonWrongAmount       DisputeReason = "wrong_amount"
	DisputeReasonFraud             DisputeReason = "fraud"
	DisputeReasonOther             DisputeReason = "other"
)

// Valid reports whether r is a known reason.
func (r DisputeReason) Valid() bool {
	switch r {
	case DisputeReasonNonPayment, DisputeReasonCryptoNotReleased,
		DisputeReasonWrongAmount, DisputeReasonFraud, DisputeReasonOther:
		return true
	}
	return false
}

// EvidenceType classifies a piece of evidence.
type EvidenceType string

const (
	EvidencePaymentProof  EvidenceType = "payment_proof"
	EvidenceScreenshot    EvidenceType = "screenshot"
	EvidenceTransactionID EvidenceType = "transaction_id"
	EvidenceChatLog       EvidenceType = "chat_log"
	EvidenceOther         EvidenceType = "other"
)

// Evidence is one item submitted by a party to a dispute.
type Evidence struct {
	ID            string
	SubmittedBy   string
	Type          EvidenceType
	URL           string
	TransactionID string
	Description   string
	SubmittedAt   time.Time
}

// Decision is the escrow disposition an arbitration outcome recommends.
type Decision string

const (
	DecisionReleaseToBuyer  Decision = "release_to_buyer"
	DecisionReleaseToSeller Decision = "release_to_seller"
	DecisionSplit           Decision = "split"
	DecisionManualReview    Decision = "manual_review"
)

// EscrowAction is what applying a decision does to custody.
type EscrowAction string

const (
	EscrowActionRelease EscrowAction = "release" // to the buyer
	EscrowActionRefund  EscrowAction = "refund"  // back to the seller
	EscrowActionSplit   EscrowAction = "split"
	EscrowActionHold    EscrowAction = "hold"
)

// PenaltyType is the sanction recommended for a party.
type PenaltyType string

const (
	PenaltyWarning    PenaltyType = "warning"
	PenaltySuspension PenaltyType = "suspension"
	PenaltyBan        PenaltyType = "ban"
)

// Penalty is a sanction recommended against a user.
type Penalty struct {
	UserID string
	Type   PenaltyType
	Reason string
}

// Resolution is the outcome of arbitration, either recommended by the
// resolver or decided by a human reviewer.
type Resolution struct {
	Decision      Decision
	Confidence    float64 // 0..100
	EscrowAction  EscrowAction
	BuyerPercent  float64 // split only
	SellerPercent float64 // split only
	Penalties     []Penalty
	Reasoning     string
}

// Dispute is a contested trade requiring arbitration.
type Dispute struct {
	ID                string
	TenantID          string
	TradeID           string
	BuyerID           string
	SellerID          string
	OpenedBy          string
	Reason            DisputeReason
	Description       string
	Evidence          []Evidence
	Status            DisputeStatus
	AssignedTo        string
	Resolution        *Resolution
	ResolvedInFavorOf string
	ResolvedBy        string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.Resolution != nil {
		r := *d.Resolution
		r.Penalties = append([]Penalty(nil), d.Resolution.Penalties...)
		c.Resolution = &r
	}
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	return &c
}
