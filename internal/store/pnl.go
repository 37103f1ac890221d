package store

import (
	"context"
	"fmt"

	"tradehook/internal/core"
)

// InsertPnLRecord appends a per-cycle PnL snapshot row.
func (s *Store) InsertPnLRecord(ctx context.Context, r *core.PnLRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pnl_records (account_id, user_id, realized_pnl,
			unrealized_pnl, equity, ts)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)`,
		r.AccountID, r.UserID, r.RealizedPnL.String(), r.UnrealizedPnL.String(),
		r.Equity.String(), r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert pnl record: %w", err)
	}
	return nil
}
