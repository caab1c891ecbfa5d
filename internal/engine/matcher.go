package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/reputation"
)

// neutralPriceScore is assigned to candidates without a concrete price.
const neutralPriceScore = 50

// scoreEpsilon is the tolerance under which two totals rank as equal.
const scoreEpsilon = 1e-9

// Weights are the sub-score weights of a match. They must sum to 1.
type Weights struct {
	Price         float64
	Reputation    float64
	Availability  float64
	PaymentMethod float64
}

// DefaultWeights: price 40%, reputation 30%, availability 20%, payment 10%.
var DefaultWeights = Weights{Price: 0.4, Reputation: 0.3, Availability: 0.2, PaymentMethod: 0.1}

// Validate checks that every weight is non-negative and they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Price, w.Reputation, w.Availability, w.PaymentMethod} {
		if v < 0 {
			return fmt.Errorf("match weights must be >= 0")
		}
	}
	if sum := w.Price + w.Reputation + w.Availability + w.PaymentMethod; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("match weights must sum to 1, got %.6f", sum)
	}
	return nil
}

// MatchRequest describes what a taker wants.
type MatchRequest struct {
	TakerID        string
	Side           domain.OrderType // the taker's side; candidates are on the opposite side
	Asset          string
	Fiat           string
	Amount         decimal.Decimal
	PaymentMethods []string
	// ReferencePrice resolves floating-priced candidates. Zero leaves them
	// unpriced.
	ReferencePrice decimal.Decimal
	// Taker, when set, enables restriction filtering against the taker's
	// own history.
	Taker         *reputation.Stats
	TakerVerified bool
}

// ScoreBreakdown holds each 0–100 sub-score and the weighted total.
type ScoreBreakdown struct {
	Price         float64
	Reputation    float64
	Availability  float64
	PaymentMethod float64
	Total         float64
}

// Match is one ranked candidate.
type Match struct {
	Order          *domain.Order
	EffectivePrice decimal.Decimal
	Priced         bool
	Score          ScoreBreakdown
}

// Matcher ranks resting orders for a taker. It never mutates its inputs
// and holds only immutable configuration, so it is safe for concurrent use.
type Matcher struct {
	weights Weights
	scorer  *reputation.Scorer
}

// NewMatcher creates a Matcher.
func NewMatcher(w Weights, scorer *reputation.Scorer) (*Matcher, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = reputation.DefaultScorer()
	}
	return &Matcher{weights: w, scorer: scorer}, nil
}

// Match filters candidates that can serve req and returns them ranked by
// descending total score. Equal totals fall back to time priority.
// Users missing from reputationByUser are scored with an empty history.
func (m *Matcher) Match(req MatchRequest, candidates []*domain.Order, reputationByUser map[string]reputation.Stats) []Match {
	eligible := make([]Match, 0, len(candidates))
	for _, o := range candidates {
		if !m.eligible(req, o) {
			continue
		}
		price, priced := o.Pricing.Effective(req.ReferencePrice)
		eligible = append(eligible, Match{Order: o, EffectivePrice: price, Priced: priced})
	}
	if len(eligible) == 0 {
		return eligible
	}

	lo, hi, anyPriced := priceRange(eligible)
	for i := range eligible {
		c := &eligible[i]
		c.Score.Price = neutralPriceScore
		if c.Priced && anyPriced {
			c.Score.Price = priceScore(c.EffectivePrice, lo, hi)
		}
		c.Score.Reputation = m.scorer.Score(reputationByUser[c.Order.UserID])
		c.Score.Availability = availabilityScore(c.Order)
		c.Score.PaymentMethod = PaymentOverlapScore(req.PaymentMethods, c.Order.PaymentMethods)
		c.Score.Total = m.weights.Price*c.Score.Price +
			m.weights.Reputation*c.Score.Reputation +
			m.weights.Availability*c.Score.Availability +
			m.weights.PaymentMethod*c.Score.PaymentMethod
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if math.Abs(a.Score.Total-b.Score.Total) > scoreEpsilon {
			return a.Score.Total > b.Score.Total
		}
		return timePriorityLess(a.Order, b.Order)
	})
	return eligible
}

func (m *Matcher) eligible(req MatchRequest, o *domain.Order) bool {
	if o.Status != domain.OrderStatusActive || o.Type != req.Side.Opposite() {
		return false
	}
	if o.UserID == req.TakerID {
		return false
	}
	if (req.Asset != "" && o.Asset != req.Asset) || (req.Fiat != "" && o.Fiat != req.Fiat) {
		return false
	}
	if !o.Admits(req.Amount) {
		return false
	}
	if req.Taker != nil && !SatisfiesRestrictions(o.Restrictions, *req.Taker, req.TakerVerified) {
		return false
	}
	return true
}

// SatisfiesRestrictions reports whether a taker with history st may trade
// against an order carrying r.
func SatisfiesRestrictions(r domain.Restrictions, st reputation.Stats, verified bool) bool {
	if r.VerifiedOnly && !verified {
		return false
	}
	if st.CompletedTrades < r.MinTradeCount {
		return false
	}
	return st.CompletionRate >= r.MinCompletionRate
}

func priceRange(ms []Match) (lo, hi decimal.Decimal, ok bool) {
	for _, c := range ms {
		if !c.Priced {
			continue
		}
		if !ok {
			lo, hi, ok = c.EffectivePrice, c.EffectivePrice, true
			continue
		}
		lo = decimal.Min(lo, c.EffectivePrice)
		hi = decimal.Max(hi, c.EffectivePrice)
	}
	return lo, hi, ok
}

// priceScore rescales p linearly across [lo, hi]: the lowest price scores
// 100 and the highest 0, whichever side the taker is on.
func priceScore(p, lo, hi decimal.Decimal) float64 {
	spread := hi.Sub(lo)
	if spread.IsZero() {
		return 100
	}
	return hi.Sub(p).Div(spread).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

func availabilityScore(o *domain.Order) float64 {
	if !o.MaxAmount.IsPositive() {
		return 0
	}
	v := o.AvailableAmount.Div(o.MaxAmount).Mul(decimal.NewFromInt(100)).InexactFloat64()
	return math.Max(0, math.Min(100, v))
}

// PaymentOverlapScore is |a ∩ b| / max(|a|, |b|) × 100 over distinct methods.
func PaymentOverlapScore(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	denom := len(setA)
	if len(setB) > denom {
		denom = len(setB)
	}
	if denom == 0 {
		return 0
	}
	shared := 0
	for m := range setA {
		if setB[m] {
			shared++
		}
	}
	return float64(shared) / float64(denom) * 100
}

func toSet(xs []string) map[string]bool {
	s := make(map[string]bool, len(xs))
	for _, x := range xs {
		s[x] = true
	}
	return s
}

// SortByTimePriority orders candidates by ascending creation time, then by
// ID, without touching the caller's slice.
func SortByTimePriority(orders []*domain.Order) []*domain.Order {
	out := make([]*domain.Order, len(orders))
	copy(out, orders)
	sort.SliceStable(out, func(i, j int) bool {
		return timePriorityLess(out[i], out[j])
	})
	return out
}

func timePriorityLess(a, b *domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
