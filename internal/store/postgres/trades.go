package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/p2pdesk/escrow/internal/domain"
)

const tradeColumns = `id, tenant_id, order_id, maker_id, taker_id, seller_id, buyer_id, asset, fiat,
	crypto_amount::text, fiat_amount::text, price::text, payment_method, payment_method_id, payment_details,
	maker_fee::text, taker_fee::text, status, cancel_reason, cancelled_by, payment_deadline,
	payment_sent_at, payment_confirmed_at, completed_at, cancelled_at, disputed_at, created_at, updated_at`

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var crypto, fiat, price, makerFee, takerFee string
	err := row.Scan(&t.ID, &t.TenantID, &t.OrderID, &t.MakerID, &t.TakerID, &t.SellerID, &t.BuyerID,
		&t.Asset, &t.Fiat, &crypto, &fiat, &price, &t.PaymentMethod, &t.PaymentMethodID, &t.PaymentDetails,
		&makerFee, &takerFee, &t.Status, &t.CancelReason, &t.CancelledBy, &t.PaymentDeadline,
		&t.PaymentSentAt, &t.PaymentConfirmedAt, &t.CompletedAt, &t.CancelledAt, &t.DisputedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(crypto, &t.CryptoAmount, fiat, &t.FiatAmount, price, &t.Price,
		makerFee, &t.MakerFee, takerFee, &t.TakerFee); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	defer rows.Close()
	result := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CreateTrade inserts a trade.
func (s *Store) CreateTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, tenant_id, order_id, maker_id, taker_id, seller_id, buyer_id, asset, fiat,
			crypto_amount, fiat_amount, price, payment_method, payment_method_id, payment_details,
			maker_fee, taker_fee, status, payment_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.TenantID, t.OrderID, t.MakerID, t.TakerID, t.SellerID, t.BuyerID, t.Asset, t.Fiat,
		t.CryptoAmount.String(), t.FiatAmount.String(), t.Price.String(), t.PaymentMethod, t.PaymentMethodID,
		t.PaymentDetails, t.MakerFee.String(), t.TakerFee.String(), string(t.Status),
		t.PaymentDeadline, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by ID.
func (s *Store) GetTrade(ctx context.Context, id string) (*domain.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// UpdateTrade writes the lifecycle fields of t when the stored status is
// one of expected.
func (s *Store) UpdateTrade(ctx context.Context, t *domain.Trade, expected ...domain.TradeStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			status = $2, cancel_reason = $3, cancelled_by = $4, payment_sent_at = $5,
			payment_confirmed_at = $6, completed_at = $7, cancelled_at = $8, disputed_at = $9, updated_at = $10
		WHERE id = $1 AND status = ANY($11::text[])`,
		t.ID, string(t.Status), t.CancelReason, t.CancelledBy, t.PaymentSentAt,
		t.PaymentConfirmedAt, t.CompletedAt, t.CancelledAt, t.DisputedAt, t.UpdatedAt, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetTrade(ctx, t.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: trade is %s", domain.ErrInvalidTransition, cur.Status)
}

// ListTradesByUser returns trades where userID is a participant, newest
// first.
func (s *Store) ListTradesByUser(ctx context.Context, userID string) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return collectTrades(rows)
}

// ListPastDeadline returns unpaid trades whose deadline is before now.
func (s *Store) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status IN ('pending', 'payment_sent') AND payment_deadline < $1
		ORDER BY payment_deadline, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue trades: %w", err)
	}
	return collectTrades(rows)
}
