package reputation

import (
	"math"
	"testing"
)

func TestDisputePenalty(t *testing.T) {
	st := Stats{TotalTrades: 100, CompletedTrades: 100, DisputesAgainst: 10}
	b := DefaultScorer().Breakdown(st)
	if b.DisputePenalty != 0 {
		t.Errorf("DisputePenalty = %v, want 0", b.DisputePenalty)
	}
	if DisputePenalty(0) != 100 || DisputePenalty(3) != 70 || DisputePenalty(25) != 0 {
		t.Error("unexpected dispute penalty curve")
	}
}

func TestVolumeScore_Saturates(t *testing.T) {
	if VolumeScore(0) != 0 {
		t.Errorf("VolumeScore(0) = %v, want 0", VolumeScore(0))
	}
	if got := VolumeScore(VolumeSaturation); math.Abs(got-100) > 1e-9 {
		t.Errorf("VolumeScore(%d) = %v, want 100", VolumeSaturation, got)
	}
	if VolumeScore(50000) != 100 {
		t.Errorf("VolumeScore above saturation should clamp to 100")
	}
	if !(VolumeScore(10) < VolumeScore(100)) {
		t.Error("VolumeScore should grow with trades")
	}
}

func TestScore_KnownValue(t *testing.T) {
	// rating 4.5 → 90, completion 95, volume(999) = log10(1000)/log10(1001)*100,
	// no disputes → 100.
	st := Stats{CompletedTrades: 999, CompletionRate: 95, AverageRating: 4.5}
	vol := math.Log10(1000) / math.Log10(1001) * 100
	want := 0.4*90 + 0.3*95 + 0.2*vol + 0.1*100
	if got := DefaultScorer().Score(st); math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}
}

func TestScore_RatingIncreaseRaisesScore(t *testing.T) {
	s := DefaultScorer()
	base := Stats{TotalTrades: 40, CompletedTrades: 36, CompletionRate: 90, AverageRating: 3.0, DisputesAgainst: 1}
	improved := base
	improved.AverageRating = 4.5
	if !(s.Score(improved) > s.Score(base)) {
		t.Errorf("score(4.5)=%v should exceed score(3.0)=%v", s.Score(improved), s.Score(base))
	}
}

func TestTrustLevel(t *testing.T) {
	s := DefaultScorer()
	tests := []struct {
		score float64
		want  string
	}{
		{100, "Elite"},
		{90, "Elite"},
		{89.99, "Expert"},
		{75, "Expert"},
		{60, "Verified"},
		{40, "Standard"},
		{39.9, "Caution"},
		{0, "Caution"},
	}
	for _, tt := range tests {
		got := s.TrustLevel(tt.score)
		if got.Name != tt.want {
			t.Errorf("TrustLevel(%v) = %s, want %s", tt.score, got.Name, tt.want)
		}
		if got.Description == "" {
			t.Errorf("TrustLevel(%v) has no description", tt.score)
		}
	}
}

func TestBadge_HighestRuleWins(t *testing.T) {
	s := DefaultScorer()
	tests := []struct {
		name string
		st   Stats
		want string
	}{
		{"diamond", Stats{CompletedTrades: 600, CompletionRate: 99.5, AverageRating: 4.95}, "diamond_trader"},
		{"gold when rating short of diamond", Stats{CompletedTrades: 600, CompletionRate: 99.5, AverageRating: 4.6}, "gold_trader"},
		{"silver", Stats{CompletedTrades: 25, CompletionRate: 92, AverageRating: 4.1}, "silver_trader"},
		{"none: all-of rule fails on completion", Stats{CompletedTrades: 1000, CompletionRate: 80, AverageRating: 5}, ""},
		{"none: new user", Stats{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Badge(tt.st)
			if got != tt.want || ok != (tt.want != "") {
				t.Errorf("Badge = (%q, %v), want %q", got, ok, tt.want)
			}
		})
	}
}

func TestNewScorer_RejectsBadWeights(t *testing.T) {
	if _, err := NewScorer(Weights{Rating: 0.5, Completion: 0.5, Volume: 0.5}); err == nil {
		t.Error("expected error for weights summing to 1.5")
	}
	if _, err := NewScorer(Weights{Rating: 1.2, Completion: -0.2}); err == nil {
		t.Error("expected error for negative weight")
	}
	if _, err := NewScorer(Weights{Rating: 0.25, Completion: 0.25, Volume: 0.25, Dispute: 0.25}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProfile(t *testing.T) {
	p := DefaultScorer().Profile(Stats{CompletedTrades: 120, CompletionRate: 97, AverageRating: 4.7})
	if p.Badge != "gold_trader" {
		t.Errorf("Badge = %q, want gold_trader", p.Badge)
	}
	if p.Level.Name != DefaultScorer().TrustLevel(p.Score).Name {
		t.Error("profile level does not match its score")
	}
}
