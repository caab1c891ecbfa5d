// Package fees converts trade amounts into maker/taker fees using
// volume-tiered schedules.
package fees

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

// FeeType selects which column of the schedule applies.
type FeeType string

const (
	FeeTypeMaker      FeeType = "maker"
	FeeTypeTaker      FeeType = "taker"
	FeeTypeDeposit    FeeType = "deposit"
	FeeTypeWithdrawal FeeType = "withdrawal"
)

// Valid reports whether f is a known fee type.
func (f FeeType) Valid() bool {
	switch f {
	case FeeTypeMaker, FeeTypeTaker, FeeTypeDeposit, FeeTypeWithdrawal:
		return true
	}
	return false
}

// feeScale is the number of decimal places fees are rounded to.
const feeScale = 8

var hundred = decimal.NewFromInt(100)

// Tier is one row of a fee schedule. A tier covers trailing volumes in
// [MinVolume, MaxVolume); a nil MaxVolume is unbounded. A tier is in force
// from EffectiveFrom until EffectiveTo (nil means open-ended).
type Tier struct {
	FeeType       FeeType
	Percentage    decimal.Decimal
	FixedAmount   decimal.Decimal
	MinVolume     decimal.Decimal
	MaxVolume     *decimal.Decimal
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

func (t Tier) containsVolume(volume decimal.Decimal) bool {
	if volume.LessThan(t.MinVolume) {
		return false
	}
	return t.MaxVolume == nil || volume.LessThan(*t.MaxVolume)
}

func (t Tier) inForce(at time.Time) bool {
	if at.Before(t.EffectiveFrom) {
		return false
	}
	return t.EffectiveTo == nil || at.Before(*t.EffectiveTo)
}

// Schedule is an immutable set of tiers. Build one with NewSchedule.
type Schedule struct {
	tiers []Tier
}

// NewSchedule validates and orders tiers by fee type and minimum volume.
func NewSchedule(tiers ...Tier) (Schedule, error) {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	for i, t := range sorted {
		if !t.FeeType.Valid() {
			return Schedule{}, fmt.Errorf("tier %d: unknown fee type %q", i, t.FeeType)
		}
		if t.Percentage.IsNegative() || t.Percentage.GreaterThanOrEqual(hundred) {
			return Schedule{}, fmt.Errorf("tier %d: percentage must be in [0, 100)", i)
		}
		if t.FixedAmount.IsNegative() {
			return Schedule{}, fmt.Errorf("tier %d: fixed amount must be >= 0", i)
		}
		if t.MaxVolume != nil && !t.MaxVolume.GreaterThan(t.MinVolume) {
			return Schedule{}, fmt.Errorf("tier %d: max volume must exceed min volume", i)
		}
		if t.EffectiveTo != nil && !t.EffectiveTo.After(t.EffectiveFrom) {
			return Schedule{}, fmt.Errorf("tier %d: effective range is empty", i)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FeeType != sorted[j].FeeType {
			return sorted[i].FeeType < sorted[j].FeeType
		}
		return sorted[i].MinVolume.LessThan(sorted[j].MinVolume)
	})
	return Schedule{tiers: sorted}, nil
}

// Tiers returns a copy of the schedule's tiers.
func (s Schedule) Tiers() []Tier {
	out := make([]Tier, len(s.tiers))
	copy(out, s.tiers)
	return out
}

func (s Schedule) inForce(feeType FeeType, at time.Time) []Tier {
	var out []Tier
	for _, t := range s.tiers {
		if t.FeeType == feeType && t.inForce(at) {
			out = append(out, t)
		}
	}
	return out
}

func volume(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

// DefaultSchedule is the platform's standard schedule: percentage-only
// tiers with an unbounded top band for every fee type.
func DefaultSchedule() Schedule {
	pct := decimal.RequireFromString
	var tiers []Tier
	bands := []struct {
		lo    int64
		hi    *decimal.Decimal
		maker string
		taker string
	}{
		{0, volume(10_000), "0.10", "0.20"},
		{10_000, volume(100_000), "0.08", "0.15"},
		{100_000, volume(1_000_000), "0.05", "0.10"},
		{1_000_000, nil, "0.02", "0.05"},
	}
	for _, b := range bands {
		tiers = append(tiers,
			Tier{FeeType: FeeTypeMaker, Percentage: pct(b.maker), MinVolume: decimal.NewFromInt(b.lo), MaxVolume: b.hi},
			Tier{FeeType: FeeTypeTaker, Percentage: pct(b.taker), MinVolume: decimal.NewFromInt(b.lo), MaxVolume: b.hi},
		)
	}
	tiers = append(tiers,
		Tier{FeeType: FeeTypeDeposit, Percentage: decimal.Zero, MinVolume: decimal.Zero},
		Tier{FeeType: FeeTypeWithdrawal, Percentage: pct("0.10"), MinVolume: decimal.Zero},
	)
	s, err := NewSchedule(tiers...)
	if err != nil {
		panic(err)
	}
	return s
}

// Calculator applies a Schedule. It holds no mutable state.
type Calculator struct {
	schedule Schedule
	now      func() time.Time
}

// NewCalculator creates a Calculator over schedule.
func NewCalculator(schedule Schedule) *Calculator {
	return &Calculator{schedule: schedule, now: time.Now}
}

// TierFor selects the tier in force at `at` whose volume band contains
// trailingVolume. It returns domain.ErrNoFeeTier when none matches.
func (c *Calculator) TierFor(feeType FeeType, trailingVolume decimal.Decimal, at time.Time) (Tier, error) {
	for _, t := range c.schedule.inForce(feeType, at) {
		if t.containsVolume(trailingVolume) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %s fee for volume %s", domain.ErrNoFeeTier, feeType, trailingVolume)
}

// Calculate returns amount × percentage/100 + fixed for the matching tier.
func (c *Calculator) Calculate(amount decimal.Decimal, feeType FeeType, trailingVolume decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, domain.NewValidationError("amount must be >= 0")
	}
	tier, err := c.TierFor(feeType, trailingVolume, c.now())
	if err != nil {
		return decimal.Zero, err
	}
	fee := amount.Mul(tier.Percentage).Div(hundred).Add(tier.FixedAmount)
	return fee.Round(feeScale), nil
}

// RequiredGrossForNet returns the gross amount that leaves net after the
// fee is deducted: gross = (net + fixed) / (1 - percentage/100).
func (c *Calculator) RequiredGrossForNet(net decimal.Decimal, feeType FeeType, trailingVolume decimal.Decimal) (decimal.Decimal, error) {
	if net.IsNegative() {
		return decimal.Zero, domain.NewValidationError("net amount must be >= 0")
	}
	tier, err := c.TierFor(feeType, trailingVolume, c.now())
	if err != nil {
		return decimal.Zero, err
	}
	keep := decimal.NewFromInt(1).Sub(tier.Percentage.Div(hundred))
	gross := net.Add(tier.FixedAmount).DivRound(keep, feeScale+4)
	return gross.RoundUp(feeScale), nil
}

// NextTier describes how far a user is from the next cheaper band.
type NextTier struct {
	Remaining decimal.Decimal
	Tier      Tier
}

// VolumeToNextTier returns the additional volume needed to enter the next
// band. ok is false when trailingVolume is already in the top band.
func (c *Calculator) VolumeToNextTier(feeType FeeType, trailingVolume decimal.Decimal) (next NextTier, ok bool, err error) {
	at := c.now()
	current, err := c.TierFor(feeType, trailingVolume, at)
	if err != nil {
		return NextTier{}, false, err
	}
	if current.MaxVolume == nil {
		return NextTier{}, false, nil
	}
	for _, t := range c.schedule.inForce(feeType, at) {
		if t.MinVolume.GreaterThanOrEqual(*current.MaxVolume) {
			return NextTier{Remaining: t.MinVolume.Sub(trailingVolume), Tier: t}, true, nil
		}
	}
	return NextTier{}, false, nil
}
