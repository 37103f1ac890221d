package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5"
)

// LatestTradeTime returns the newest stored trade timestamp for an
// account and symbol. The reconciler fetches fills strictly after this
// watermark; the zero time means no trades are stored yet.
func (s *Store) LatestTradeTime(ctx context.Context, accountID, symbol string) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT ts FROM trades
		WHERE account_id = $1 AND symbol = $2
		ORDER BY ts DESC LIMIT 1`, accountID, symbol).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest trade time: %w", err)
	}
	return ts, nil
}

// InsertTrade records a fill. A replayed (trade_id, order_id) pair is
// silently skipped and reported as not inserted.
func (s *Store) InsertTrade(ctx context.Context, t *core.Trade) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trades (trade_id, order_id, account_id, symbol, side,
			quantity, price, fee, fee_currency, ts)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10)
		ON CONFLICT (trade_id, order_id) DO NOTHING`,
		t.TradeID, t.OrderID, t.AccountID, t.Symbol, t.Side,
		t.Quantity.String(), t.Price.String(), t.Fee.String(),
		t.FeeCurrency, t.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
