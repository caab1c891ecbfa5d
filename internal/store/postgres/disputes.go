package postgres

import (
	"context"
	"fmt"

	"github.com/p2pdesk/escrow/internal/domain"
)

const disputeColumns = `id, tenant_id, trade_id, buyer_id, seller_id, opened_by, reason, description,
	evidence, status, assigned_to, resolution, resolved_in_favor_of, resolved_by,
	created_at, resolved_at, updated_at`

func scanDispute(row rowScanner) (*domain.Dispute, error) {
	var d domain.Dispute
	err := row.Scan(&d.ID, &d.TenantID, &d.TradeID, &d.BuyerID, &d.SellerID, &d.OpenedBy, &d.Reason,
		&d.Description, &d.Evidence, &d.Status, &d.AssignedTo, &d.Resolution, &d.ResolvedInFavorOf,
		&d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func evidenceOrEmpty(e []domain.Evidence) []domain.Evidence {
	if e == nil {
		return []domain.Evidence{}
	}
	return e
}

// CreateDispute inserts a dispute. The unique trade_id constraint rejects a
// second dispute on the same trade.
func (s *Store) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO disputes (id, tenant_id, trade_id, buyer_id, seller_id, opened_by, reason, description,
			evidence, status, assigned_to, resolution, resolved_in_favor_of, resolved_by,
			created_at, resolved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.TenantID, d.TradeID, d.BuyerID, d.SellerID, d.OpenedBy, string(d.Reason), d.Description,
		evidenceOrEmpty(d.Evidence), string(d.Status), d.AssignedTo, d.Resolution, d.ResolvedInFavorOf,
		d.ResolvedBy, d.CreatedAt, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: trade %s already has a dispute", domain.ErrInvalidTransition, d.TradeID)
		}
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

// GetDispute retrieves a dispute by ID.
func (s *Store) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

// GetDisputeByTrade retrieves the dispute opened on a trade.
func (s *Store) GetDisputeByTrade(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1`, tradeID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: dispute for trade %s", domain.ErrNotFound, tradeID)
		}
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

// UpdateDispute writes d when the stored status is one of expected, or
// unconditionally when expected is empty.
func (s *Store) UpdateDispute(ctx context.Context, d *domain.Dispute, expected ...domain.DisputeStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE disputes SET
			evidence = $2, status = $3, assigned_to = $4, resolution = $5, resolved_in_favor_of = $6,
			resolved_by = $7, resolved_at = $8, updated_at = $9
		WHERE id = $1 AND (cardinality($10::text[]) = 0 OR status = ANY($10::text[]))`,
		d.ID, evidenceOrEmpty(d.Evidence), string(d.Status), d.AssignedTo, d.Resolution, d.ResolvedInFavorOf,
		d.ResolvedBy, d.ResolvedAt, d.UpdatedAt, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetDispute(ctx, d.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: dispute is %s", domain.ErrInvalidTransition, cur.Status)
}

// ListDisputesByUser returns disputes where userID is a participant.
func (s *Store) ListDisputesByUser(ctx context.Context, userID string) ([]*domain.Dispute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
