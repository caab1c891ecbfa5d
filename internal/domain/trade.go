package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusPending          TradeStatus = "pending"
	TradeStatusPaymentSent      TradeStatus = "payment_sent"
	TradeStatusPaymentConfirmed TradeStatus = "payment_confirmed"
	TradeStatusCompleted        TradeStatus = "completed"
	TradeStatusCancelled        TradeStatus = "cancelled"
	TradeStatusDisputed         TradeStatus = "disputed"
)

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusCancelled
}

// Cancel reasons recorded on trades.
const (
	CancelReasonPaymentTimeout   = "payment_timeout"
	CancelReasonDisputeRefund    = "dispute_refund"
	CancelReasonEscrowLockFailed = "escrow_lock_failed"
)

// Trade is an agreed exchange between a buyer and a seller derived from
// one Order.
type Trade struct {
	ID                 string
	TenantID           string
	OrderID            string
	MakerID            string
	TakerID            string
	SellerID           string
	BuyerID            string
	Asset              string
	Fiat               string
	CryptoAmount       decimal.Decimal
	FiatAmount         decimal.Decimal
	Price              decimal.Decimal
	PaymentMethod      string
	PaymentMethodID    string // saved method of the fiat receiver, optional
	PaymentDetails     map[string]string
	MakerFee           decimal.Decimal
	TakerFee           decimal.Decimal
	Status             TradeStatus
	CancelReason       string
	CancelledBy        string
	PaymentDeadline    time.Time
	PaymentSentAt      *time.Time
	PaymentConfirmedAt *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	DisputedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Trade) IsParticipant(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// NeverOpened reports whether the trade was retired during creation
// because its escrow could not be locked. Such trades are not shown to
// users and do not count towards reputation.
func (t *Trade) NeverOpened() bool {
	return t.Status == TradeStatusCancelled && t.CancelReason == CancelReasonEscrowLockFailed
}

// Counterparty returns the other participant, or "" if userID is not one.
func (t *Trade) Counterparty(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

// Clone returns a deep copy.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.PaymentDetails != nil {
		c.PaymentDetails = make(map[string]string, len(t.PaymentDetails))
		for k, v := range t.PaymentDetails {
			c.PaymentDetails[k] = v
		}
	}
	c.PaymentSentAt = cloneTime(t.PaymentSentAt)
	c.PaymentConfirmedAt = cloneTime(t.PaymentConfirmedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.DisputedAt = cloneTime(t.DisputedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ContainsStatus reports whether s is one of statuses.
func ContainsStatus[S ~string](statuses []S, s S) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
