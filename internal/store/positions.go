package store

import (
	"context"
	"fmt"

	"tradehook/internal/core"

	"github.com/shopspring/decimal"
)

// ReplacePositions makes the stored snapshot for an account match the
// exchange-reported set in one transaction. Symbols the exchange no
// longer reports are removed, so a closed position never lingers at
// size zero.
func (s *Store) ReplacePositions(ctx context.Context, accountID string, positions []*core.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace positions: %w", err)
	}
	defer tx.Rollback(ctx)

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (account_id, symbol, exchange, side, size,
				entry_price, mark_price, unrealized_pnl, realized_pnl,
				leverage, liquidation_price, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric,
				$8::numeric, $9::numeric, $10, $11::numeric, now())
			ON CONFLICT (account_id, symbol) DO UPDATE SET
				side = EXCLUDED.side,
				size = EXCLUDED.size,
				entry_price = EXCLUDED.entry_price,
				mark_price = EXCLUDED.mark_price,
				unrealized_pnl = EXCLUDED.unrealized_pnl,
				realized_pnl = EXCLUDED.realized_pnl,
				leverage = EXCLUDED.leverage,
				liquidation_price = EXCLUDED.liquidation_price,
				updated_at = now()`,
			accountID, p.Symbol, p.Exchange, p.Side, p.Size.String(),
			p.EntryPrice.String(), p.MarkPrice.String(), p.UnrealizedPnL.String(),
			p.RealizedPnL.String(), p.Leverage, p.LiquidationPrice.String())
		if err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM positions
		WHERE account_id = $1 AND NOT (symbol = ANY($2))`, accountID, symbols); err != nil {
		return fmt.Errorf("prune stale positions: %w", err)
	}

	return tx.Commit(ctx)
}

// GetPositions returns the stored snapshot for an account.
func (s *Store) GetPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, symbol, exchange, side, size::text, entry_price::text,
		       mark_price::text, unrealized_pnl::text, realized_pnl::text,
		       leverage, liquidation_price::text, updated_at
		FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var p core.Position
		var size, entry, mark, upnl, rpnl, liq string
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Exchange, &p.Side, &size,
			&entry, &mark, &upnl, &rpnl, &p.Leverage, &liq, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("position size: %w", err)
		}
		if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("position entry price: %w", err)
		}
		if p.MarkPrice, err = decimal.NewFromString(mark); err != nil {
			return nil, fmt.Errorf("position mark price: %w", err)
		}
		if p.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
			return nil, fmt.Errorf("position unrealized pnl: %w", err)
		}
		if p.RealizedPnL, err = decimal.NewFromString(rpnl); err != nil {
			return nil, fmt.Errorf("position realized pnl: %w", err)
		}
		if p.LiquidationPrice, err = decimal.NewFromString(liq); err != nil {
			return nil, fmt.Errorf("position liquidation price: %w", err)
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}
