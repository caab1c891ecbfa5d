package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus represents the custody state of a trade's crypto funds.
type EscrowStatus string

const (
	EscrowStatusLocked   EscrowStatus = "locked"
	EscrowStatusDisputed EscrowStatus = "disputed"
	EscrowStatusReleased EscrowStatus = "released" // funds went to the buyer
	EscrowStatusRefunded EscrowStatus = "refunded" // funds went back to the holder
	EscrowStatusSplit    EscrowStatus = "split"    // divided between both parties
)

// Terminal reports whether the funds have left custody.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusSplit:
		return true
	}
	return false
}

// Escrow is the custody record backing exactly one trade. The holder is
// always the seller.
type Escrow struct {
	ID           string
	TradeID      string
	HolderID     string
	BuyerID      string
	Amount       decimal.Decimal
	BuyerAmount  decimal.Decimal // disbursed to the buyer
	SellerAmount decimal.Decimal // returned to the holder
	Status       EscrowStatus
	LockedAt     time.Time
	DisputedAt   *time.Time
	SettledAt    *time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	c := *e
	c.DisputedAt = cloneTime(e.DisputedAt)
	c.SettledAt = cloneTime(e.SettledAt)
	return &c
}
