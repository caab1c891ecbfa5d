// Package reputation converts a user's trade and review history into a
// 0–100 trust score, a trust tier and an optional badge.
package reputation

import (
	"fmt"
	"math"
)

// VolumeSaturation is the completed-trade count at which the volume factor
// reaches 100.
const VolumeSaturation = 1000

// Stats is the history a score is computed from.
type Stats struct {
	TotalTrades     int
	CompletedTrades int
	CancelledTrades int
	// CancelledAfterPaymentSent counts cancellations this user made after
	// marking payment sent. Reported, not scored.
	CancelledAfterPaymentSent int
	CompletionRate            float64 // percent, 0..100
	AverageRating             float64 // 0 when unrated, else 1..5
	TotalReviews              int
	PositiveReviews           int
	DisputesAgainst           int
}

// Weights are the factor weights of the overall score. They must sum to 1.
type Weights struct {
	Rating     float64
	Completion float64
	Volume     float64
	Dispute    float64
}

// DefaultWeights: ratings 40%, completion 30%, volume 20%, disputes 10%.
var DefaultWeights = Weights{Rating: 0.4, Completion: 0.3, Volume: 0.2, Dispute: 0.1}

// Validate checks that every weight is non-negative and they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Rating, w.Completion, w.Volume, w.Dispute} {
		if v < 0 {
			return fmt.Errorf("reputation weights must be >= 0")
		}
	}
	if sum := w.Rating + w.Completion + w.Volume + w.Dispute; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("reputation weights must sum to 1, got %.6f", sum)
	}
	return nil
}

// Breakdown holds each 0–100 factor and the weighted total.
type Breakdown struct {
	Rating         float64
	Completion     float64
	Volume         float64
	DisputePenalty float64
	Total          float64
}

// TrustLevel is a named reputation band.
type TrustLevel struct {
	Name        string
	MinScore    float64
	Description string
}

// DefaultTrustLevels in descending order of MinScore.
var DefaultTrustLevels = []TrustLevel{
	{Name: "Elite", MinScore: 90, Description: "Exceptional trading history with consistently excellent feedback"},
	{Name: "Expert", MinScore: 75, Description: "Experienced trader with a strong completion record"},
	{Name: "Verified", MinScore: 60, Description: "Established trader with a reliable track record"},
	{Name: "Standard", MinScore: 40, Description: "Trader with a limited or mixed history"},
	{Name: "Caution", MinScore: 0, Description: "New or low-rated trader; trade with care"},
}

// BadgeRule awards a badge when every threshold is met.
type BadgeRule struct {
	Badge             string
	MinTrades         int
	MinCompletionRate float64
	MinAverageRating  float64
}

// DefaultBadgeRules in descending order of prestige.
var DefaultBadgeRules = []BadgeRule{
	{Badge: "diamond_trader", MinTrades: 500, MinCompletionRate: 99, MinAverageRating: 4.9},
	{Badge: "gold_trader", MinTrades: 100, MinCompletionRate: 95, MinAverageRating: 4.5},
	{Badge: "silver_trader", MinTrades: 20, MinCompletionRate: 90, MinAverageRating: 4.0},
}

// Profile is the full reputation view of a user.
type Profile struct {
	Score     float64
	Breakdown Breakdown
	Level     TrustLevel
	Badge     string // "" when no rule is satisfied
}

// Scorer is stateless apart from its immutable configuration.
type Scorer struct {
	weights Weights
	levels  []TrustLevel
	badges  []BadgeRule
}

// NewScorer creates a Scorer with the default tiers and badge rules.
func NewScorer(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: w, levels: DefaultTrustLevels, badges: DefaultBadgeRules}, nil
}

// DefaultScorer uses DefaultWeights.
func DefaultScorer() *Scorer {
	s, _ := NewScorer(DefaultWeights)
	return s
}

// Breakdown computes each factor and the weighted total.
func (s *Scorer) Breakdown(st Stats) Breakdown {
	b := Breakdown{
		Rating:         RatingScore(st.AverageRating),
		Completion:     clamp(st.CompletionRate),
		Volume:         VolumeScore(st.CompletedTrades),
		DisputePenalty: DisputePenalty(st.DisputesAgainst),
	}
	b.Total = clamp(s.weights.Rating*b.Rating +
		s.weights.Completion*b.Completion +
		s.weights.Volume*b.Volume +
		s.weights.Dispute*b.DisputePenalty)
	return b
}

// Score returns the weighted 0–100 score.
func (s *Scorer) Score(st Stats) float64 {
	return s.Breakdown(st).Total
}

// TrustLevel maps a score to its band.
func (s *Scorer) TrustLevel(score float64) TrustLevel {
	for _, l := range s.levels {
		if score >= l.MinScore {
			return l
		}
	}
	return s.levels[len(s.levels)-1]
}

// Badge returns the most prestigious badge whose rule st satisfies.
func (s *Scorer) Badge(st Stats) (string, bool) {
	for _, r := range s.badges {
		if st.CompletedTrades >= r.MinTrades &&
			st.CompletionRate >= r.MinCompletionRate &&
			st.AverageRating >= r.MinAverageRating {
			return r.Badge, true
		}
	}
	return "", false
}

// Profile combines score, tier and badge.
func (s *Scorer) Profile(st Stats) Profile {
	b := s.Breakdown(st)
	badge, _ := s.Badge(st)
	return Profile{Score: b.Total, Breakdown: b, Level: s.TrustLevel(b.Total), Badge: badge}
}

// RatingScore scales a 1–5 average rating to 0–100.
func RatingScore(avg float64) float64 {
	if avg <= 0 {
		return 0
	}
	return clamp(avg / 5 * 100)
}

// VolumeScore grows logarithmically with completed trades and saturates at
// VolumeSaturation.
func VolumeScore(completed int) float64 {
	if completed <= 0 {
		return 0
	}
	return clamp(math.Log10(float64(completed)+1) / math.Log10(VolumeSaturation+1) * 100)
}

// DisputePenalty is 100 minus 10 per dispute lost, floored at 0.
func DisputePenalty(disputesAgainst int) float64 {
	return math.Max(0, 100-10*float64(disputesAgainst))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
