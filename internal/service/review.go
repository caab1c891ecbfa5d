package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2pdesk/escrow/internal/domain"
	"github.com/p2pdesk/escrow/internal/reputation"
)

const (
	minRating        = 1
	maxRating        = 5
	positiveRating   = 4
	maxCommentLength = 1000
)

// ReviewService is the review ledger and the source of reputation stats.
type ReviewService struct {
	reviews  ReviewRepository
	trades   TradeRepository
	disputes DisputeRepository
	scorer   *reputation.Scorer
	now      func() time.Time
}

// NewReviewService creates a ReviewService. A nil scorer uses the default
// weights.
func NewReviewService(reviews ReviewRepository, trades TradeRepository, disputes DisputeRepository, scorer *reputation.Scorer) *ReviewService {
	if scorer == nil {
		scorer = reputation.DefaultScorer()
	}
	return &ReviewService{
		reviews:  reviews,
		trades:   trades,
		disputes: disputes,
		scorer:   scorer,
		now:      time.Now,
	}
}

// Submit records the caller's review of their counterparty on a finished
// trade. Each participant may review a trade once.
func (s *ReviewService) Submit(ctx context.Context, caller domain.Caller, tradeID string, rating int, comment string) (*domain.Review, error) {
	if rating < minRating || rating > maxRating {
		return nil, domain.NewValidationError(fmt.Sprintf("rating must be between %d and %d", minRating, maxRating))
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return nil, domain.NewValidationError(fmt.Sprintf("comment must be at most %d characters", maxCommentLength))
	}

	t, err := s.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != caller.TenantID || t.NeverOpened() {
		return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, tradeID)
	}
	if !t.IsParticipant(caller.UserID) {
		return nil, fmt.Errorf("%w: only a participant can review a trade", domain.ErrUnauthorized)
	}
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, t.Status)
	}

	r := &domain.Review{
		ID:             uuid.New().String(),
		TradeID:        t.ID,
		ReviewerID:     caller.UserID,
		ReviewedUserID: t.Counterparty(caller.UserID),
		Rating:         rating,
		Comment:        comment,
		IsPositive:     rating >= positiveRating,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.reviews.CreateReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListForUser returns the reviews a user received.
func (s *ReviewService) ListForUser(ctx context.Context, userID string) ([]*domain.Review, error) {
	return s.reviews.ListReviewsForUser(ctx, userID)
}

// Stats aggregates a user's trades, received reviews and lost disputes.
// CompletionRate is completed over finished trades.
func (s *ReviewService) Stats(ctx context.Context, userID string) (reputation.Stats, error) {
	var st reputation.Stats

	trades, err := s.trades.ListTradesByUser(ctx, userID)
	if err != nil {
		return st, err
	}
	for _, t := range trades {
		if t.NeverOpened() {
			continue
		}
		st.TotalTrades++
		switch t.Status {
		case domain.TradeStatusCompleted:
			st.CompletedTrades++
		case domain.TradeStatusCancelled:
			st.CancelledTrades++
			if t.CancelledBy == userID && t.BuyerID == userID && t.PaymentSentAt != nil {
				st.CancelledAfterPaymentSent++
			}
		}
	}
	if finished := st.CompletedTrades + st.CancelledTrades; finished > 0 {
		st.CompletionRate = float64(st.CompletedTrades) / float64(finished) * 100
	}

	reviews, err := s.reviews.ListReviewsForUser(ctx, userID)
	if err != nil {
		return st, err
	}
	sum := 0
	for _, r := range reviews {
		sum += r.Rating
		if r.IsPositive {
			st.PositiveReviews++
		}
	}
	st.TotalReviews = len(reviews)
	if st.TotalReviews > 0 {
		st.AverageRating = float64(sum) / float64(st.TotalReviews)
	}

	disputes, err := s.disputes.ListDisputesByUser(ctx, userID)
	if err != nil {
		return st, err
	}
	for _, d := range disputes {
		if d.ResolvedInFavorOf != "" && d.ResolvedInFavorOf != userID {
			st.DisputesAgainst++
		}
	}
	return st, nil
}

// StatsByUsers collects Stats for each distinct id.
func (s *ReviewService) StatsByUsers(ctx context.Context, userIDs []string) (map[string]reputation.Stats, error) {
	out := make(map[string]reputation.Stats, len(userIDs))
	for _, id := range userIDs {
		if _, ok := out[id]; ok {
			continue
		}
		st, err := s.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// Reputation is a user's stats together with their scored profile.
type Reputation struct {
	UserID  string
	Stats   reputation.Stats
	Profile reputation.Profile
}

// Profile scores a user's history.
func (s *ReviewService) Profile(ctx context.Context, userID string) (Reputation, error) {
	st, err := s.Stats(ctx, userID)
	if err != nil {
		return Reputation{}, err
	}
	return Reputation{UserID: userID, Stats: st, Profile: s.scorer.Profile(st)}, nil
}
