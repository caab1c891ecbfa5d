package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

const orderColumns = `id, tenant_id, user_id, type, asset, fiat, price_type,
	price::text, price_margin::text, min_amount::text, max_amount::text, available_amount::text,
	payment_time_limit_seconds, payment_methods, min_trade_count, min_completion_rate, verified_only,
	terms, status, expires_at, created_at, updated_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var price, margin, minAmt, maxAmt, available string
	var limitSeconds int64
	err := row.Scan(&o.ID, &o.TenantID, &o.UserID, &o.Type, &o.Asset, &o.Fiat, &o.Pricing.Type,
		&price, &margin, &minAmt, &maxAmt, &available,
		&limitSeconds, &o.PaymentMethods, &o.Restrictions.MinTradeCount, &o.Restrictions.MinCompletionRate,
		&o.Restrictions.VerifiedOnly, &o.Terms, &o.Status, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(price, &o.Pricing.Price, margin, &o.Pricing.Margin,
		minAmt, &o.MinAmount, maxAmt, &o.MaxAmount, available, &o.AvailableAmount); err != nil {
		return nil, err
	}
	o.PaymentTimeLimit = time.Duration(limitSeconds) * time.Second
	return &o, nil
}

// CreateOrder inserts an order.
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, user_id, type, asset, fiat, price_type, price, price_margin,
			min_amount, max_amount, available_amount, payment_time_limit_seconds, payment_methods,
			min_trade_count, min_completion_rate, verified_only, terms, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.TenantID, o.UserID, string(o.Type), o.Asset, o.Fiat, string(o.Pricing.Type),
		o.Pricing.Price.String(), o.Pricing.Margin.String(),
		o.MinAmount.String(), o.MaxAmount.String(), o.AvailableAmount.String(),
		int64(o.PaymentTimeLimit/time.Second), nonNilStrings(o.PaymentMethods),
		o.Restrictions.MinTradeCount, o.Restrictions.MinCompletionRate, o.Restrictions.VerifiedOnly,
		o.Terms, string(o.Status), o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already exists", o.ID)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders returns matching orders newest first.
func (s *Store) ListOrders(ctx context.Context, f domain.OrderFilter) ([]*domain.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}
	add("tenant_id", f.TenantID)
	add("user_id", f.UserID)
	add("type", string(f.Type))
	add("asset", f.Asset)
	add("fiat", f.Fiat)
	add("status", string(f.Status))

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// UpdateOrder writes the mutable fields of o when the stored status is one
// of expected.
func (s *Store) UpdateOrder(ctx context.Context, o *domain.Order, expected ...domain.OrderStatus) (*domain.Order, error) {
	updated, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET
			price_type = $2, price = $3, price_margin = $4, min_amount = $5, max_amount = $6,
			available_amount = LEAST(available_amount, $6::numeric),
			payment_time_limit_seconds = $7, payment_methods = $8, min_trade_count = $9,
			min_completion_rate = $10, verified_only = $11, terms = $12, status = $13,
			expires_at = $14, updated_at = $15
		WHERE id = $1 AND (cardinality($16::text[]) = 0 OR status = ANY($16::text[]))
		RETURNING `+orderColumns,
		o.ID, string(o.Pricing.Type), o.Pricing.Price.String(), o.Pricing.Margin.String(),
		o.MinAmount.String(), o.MaxAmount.String(),
		int64(o.PaymentTimeLimit/time.Second), nonNilStrings(o.PaymentMethods),
		o.Restrictions.MinTradeCount, o.Restrictions.MinCompletionRate, o.Restrictions.VerifiedOnly,
		o.Terms, string(o.Status), o.ExpiresAt, o.UpdatedAt, statusStrings(expected)))
	if err == nil {
		return updated, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	cur, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, cur.Status)
}

// DeductAvailable subtracts amount in a single guarded statement, so two
// concurrent deductions can never both succeed past the available amount.
func (s *Store) DeductAvailable(ctx context.Context, id string, amount decimal.Decimal) (*domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET
			available_amount = available_amount - $2::numeric,
			status = CASE WHEN available_amount - $2::numeric = 0 THEN 'completed' ELSE status END,
			updated_at = $3
		WHERE id = $1 AND status = 'active' AND available_amount >= $2::numeric
		RETURNING `+orderColumns,
		id, amount.String(), time.Now().UTC()))
	if err == nil {
		return o, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to deduct order amount: %w", err)
	}
	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case domain.OrderStatusActive:
		return nil, fmt.Errorf("%w: %s available, %s requested", domain.ErrInsufficientAmount, cur.AvailableAmount, amount)
	case domain.OrderStatusCompleted:
		return nil, fmt.Errorf("%w: order is fully reserved", domain.ErrInsufficientAmount)
	}
	return nil, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, cur.Status)
}

// RestoreAvailable adds amount back, capped at max_amount.
func (s *Store) RestoreAvailable(ctx context.Context, id string, amount decimal.Decimal) (*domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET
			available_amount = LEAST(available_amount + $2::numeric, max_amount),
			status = CASE
				WHEN status = 'completed' AND LEAST(available_amount + $2::numeric, max_amount) > 0 THEN 'active'
				ELSE status END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+orderColumns,
		id, amount.String(), time.Now().UTC()))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to restore order amount: %w", err)
	}
	return o, nil
}

// ListExpiring returns active or inactive orders expiring at or before now.
func (s *Store) ListExpiring(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND status IN ('active', 'inactive')
		ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring orders: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
