package postgres

import (
	"context"
	"fmt"

	"github.com/p2pdesk/escrow/internal/domain"
)

const escrowColumns = `id, trade_id, holder_id, buyer_id, amount::text, buyer_amount::text, seller_amount::text,
	status, locked_at, disputed_at, settled_at, updated_at`

func scanEscrow(row rowScanner) (*domain.Escrow, error) {
	var e domain.Escrow
	var amount, buyerAmount, sellerAmount string
	err := row.Scan(&e.ID, &e.TradeID, &e.HolderID, &e.BuyerID, &amount, &buyerAmount, &sellerAmount,
		&e.Status, &e.LockedAt, &e.DisputedAt, &e.SettledAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(amount, &e.Amount, buyerAmount, &e.BuyerAmount, sellerAmount, &e.SellerAmount); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEscrow inserts an escrow. The unique trade_id constraint rejects a
// second escrow for the same trade.
func (s *Store) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrows (id, trade_id, holder_id, buyer_id, amount, buyer_amount, seller_amount,
			status, locked_at, disputed_at, settled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TradeID, e.HolderID, e.BuyerID, e.Amount.String(), e.BuyerAmount.String(), e.SellerAmount.String(),
		string(e.Status), e.LockedAt, e.DisputedAt, e.SettledAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: trade %s already has an escrow", domain.ErrInvalidEscrowState, e.TradeID)
		}
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

// GetEscrowByTrade retrieves the escrow backing a trade.
func (s *Store) GetEscrowByTrade(ctx context.Context, tradeID string) (*domain.Escrow, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE trade_id = $1`, tradeID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: escrow for trade %s", domain.ErrNotFound, tradeID)
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return e, nil
}

// UpdateEscrow writes e when the stored status is one of expected.
func (s *Store) UpdateEscrow(ctx context.Context, e *domain.Escrow, expected ...domain.EscrowStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrows SET
			buyer_amount = $2, seller_amount = $3, status = $4, disputed_at = $5, settled_at = $6, updated_at = $7
		WHERE trade_id = $1 AND status = ANY($8::text[])`,
		e.TradeID, e.BuyerAmount.String(), e.SellerAmount.String(), string(e.Status),
		e.DisputedAt, e.SettledAt, e.UpdatedAt, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetEscrowByTrade(ctx, e.TradeID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: escrow is %s", domain.ErrInvalidEscrowState, cur.Status)
}
