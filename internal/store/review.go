package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/p2pdesk/escrow/internal/domain"
)

type reviewKey struct {
	tradeID    string
	reviewerID string
}

// ReviewStore is a thread-safe in-memory review ledger, unique per
// (trade_id, reviewer_id).
type ReviewStore struct {
	mu      sync.RWMutex
	seen    map[reviewKey]bool
	forUser map[string][]*domain.Review // reviewed_user_id → reviews
}

// NewReviewStore creates an empty ReviewStore.
func NewReviewStore() *ReviewStore {
	return &ReviewStore{
		seen:    make(map[reviewKey]bool),
		forUser: make(map[string][]*domain.Review),
	}
}

// CreateReview records a review once per reviewer and trade.
func (s *ReviewStore) CreateReview(_ context.Context, r *domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := reviewKey{r.TradeID, r.ReviewerID}
	if s.seen[k] {
		return fmt.Errorf("%w: trade %s already reviewed by %s", domain.ErrInvalidTransition, r.TradeID, r.ReviewerID)
	}
	s.seen[k] = true
	c := *r
	s.forUser[r.ReviewedUserID] = append(s.forUser[r.ReviewedUserID], &c)
	return nil
}

// ListReviewsForUser returns reviews received by userID, oldest first.
func (s *ReviewStore) ListReviewsForUser(_ context.Context, userID string) ([]*domain.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reviews := s.forUser[userID]
	result := make([]*domain.Review, len(reviews))
	for i, r := range reviews {
		c := *r
		result[i] = &c
	}
	return result, nil
}
