package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/p2pdesk/escrow/internal/domain"
)

// AppendMessage adds a chat message.
func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, trade_id, sender_id, recipient_id, body, attachments, is_read, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.TradeID, m.SenderID, m.RecipientID, m.Body, attachments, m.IsRead, m.IsSystem, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns a trade's messages in append order.
func (s *Store) ListMessages(ctx context.Context, tradeID string) ([]*domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, sender_id, recipient_id, body, attachments, is_read, is_system, created_at
		FROM messages WHERE trade_id = $1 ORDER BY seq`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.TradeID, &m.SenderID, &m.RecipientID, &m.Body, &m.Attachments,
			&m.IsRead, &m.IsSystem, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// MarkRead flags unread messages addressed to recipientID.
func (s *Store) MarkRead(ctx context.Context, tradeID, recipientID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE trade_id = $1 AND recipient_id = $2 AND NOT is_read`, tradeID, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateReview inserts a review, once per reviewer and trade.
func (s *Store) CreateReview(ctx context.Context, r *domain.Review) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reviews (id, trade_id, reviewer_id, reviewed_user_id, rating, comment, is_positive, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TradeID, r.ReviewerID, r.ReviewedUserID, r.Rating, r.Comment, r.IsPositive, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already reviewed trade %s", domain.ErrInvalidTransition, r.ReviewerID, r.TradeID)
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// ListReviewsForUser returns reviews received by userID, oldest first.
func (s *Store) ListReviewsForUser(ctx context.Context, userID string) ([]*domain.Review, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, reviewer_id, reviewed_user_id, rating, comment, is_positive, created_at
		FROM reviews WHERE reviewed_user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Review, 0)
	for rows.Next() {
		var r domain.Review
		if err := rows.Scan(&r.ID, &r.TradeID, &r.ReviewerID, &r.ReviewedUserID, &r.Rating, &r.Comment,
			&r.IsPositive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

const paymentMethodColumns = `id, user_id, type, name, details, is_active, is_verified, times_used, created_at, updated_at`

func scanPaymentMethod(row rowScanner) (*domain.PaymentMethod, error) {
	var pm domain.PaymentMethod
	err := row.Scan(&pm.ID, &pm.UserID, &pm.Type, &pm.Name, &pm.Details, &pm.IsActive, &pm.IsVerified,
		&pm.TimesUsed, &pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// CreatePaymentMethod inserts a saved payment method.
func (s *Store) CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_methods (`+paymentMethodColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pm.ID, pm.UserID, pm.Type, pm.Name, pm.Details, pm.IsActive, pm.IsVerified, pm.TimesUsed,
		pm.CreatedAt, pm.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment method %s already exists", pm.ID)
		}
		return fmt.Errorf("failed to insert payment method: %w", err)
	}
	return nil
}

// GetPaymentMethod retrieves a payment method by ID.
func (s *Store) GetPaymentMethod(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	pm, err := scanPaymentMethod(s.pool.QueryRow(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: payment method %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return pm, nil
}

// ListPaymentMethods returns a user's saved methods, oldest first.
func (s *Store) ListPaymentMethods(ctx context.Context, userID string) ([]*domain.PaymentMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.PaymentMethod, 0)
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

// UpdatePaymentMethod writes the editable fields. Owner, usage count and
// creation time are preserved.
func (s *Store) UpdatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_methods SET type = $2, name = $3, details = $4, is_active = $5, is_verified = $6, updated_at = $7
		WHERE id = $1`,
		pm.ID, pm.Type, pm.Name, pm.Details, pm.IsActive, pm.IsVerified, pm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment method %s", domain.ErrNotFound, pm.ID)
	}
	return nil
}

// IncrementUsage bumps the usage counter.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_methods SET times_used = times_used + 1, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to increment payment method usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment method %s", domain.ErrNotFound, id)
	}
	return nil
}
