package store

import (
	"context"
	"errors"
	"fmt"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = `
	id, client_order_id, exchange_order_id, exchange, account_id, symbol,
	side, type, quantity::text, price::text, filled::text, remaining::text,
	status, reduce_only, created_at, updated_at`

func scanOrder(row pgx.Row) (*core.Order, error) {
	var o core.Order
	var quantity, price, filled, remaining string
	err := row.Scan(&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Exchange,
		&o.AccountID, &o.Symbol, &o.Side, &o.Type, &quantity, &price, &filled,
		&remaining, &o.Status, &o.ReduceOnly, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("order quantity: %w", err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("order price: %w", err)
	}
	if o.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("order filled: %w", err)
	}
	if o.Remaining, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("order remaining: %w", err)
	}
	return &o, nil
}

// UpsertOrder inserts or refreshes an order row keyed by client order
// id. The executor and the reconciler both write here; per-column
// last-writer-wins is acceptable.
func (s *Store) UpsertOrder(ctx context.Context, o *core.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, exchange_order_id, exchange,
			account_id, symbol, side, type, quantity, price, filled, remaining,
			status, reduce_only)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric,
			$11::numeric, $12::numeric, $13, $14)
		ON CONFLICT (client_order_id) DO UPDATE SET
			exchange_order_id = EXCLUDED.exchange_order_id,
			filled = EXCLUDED.filled,
			remaining = EXCLUDED.remaining,
			status = EXCLUDED.status,
			updated_at = now()`,
		o.ID, o.ClientOrderID, o.ExchangeOrderID, o.Exchange, o.AccountID,
		o.Symbol, o.Side, o.Type, o.Quantity.String(), o.Price.String(),
		o.Filled.String(), o.Remaining.String(), o.Status, o.ReduceOnly)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// GetLatestOpenOrder returns the most recent open order for a symbol.
// Third rung of the price-source fallback chain.
func (s *Store) GetLatestOpenOrder(ctx context.Context, accountID, symbol string) (*core.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = $1 AND symbol = $2
		  AND status IN ('submitted', 'open', 'partially_filled')
		ORDER BY created_at DESC LIMIT 1`, accountID, symbol))
}

// ListOpenOrderSymbols returns the symbols of every order still in a
// non-terminal status. The reconciler polls fills for these even after
// the position is gone, so an instant close still rolls up.
func (s *Store) ListOpenOrderSymbols(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT symbol FROM orders
		WHERE account_id = $1
		  AND status IN ('submitted', 'open', 'partially_filled')`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list open order symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("scan open order symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// FindOrderForTrade locates the owning order for a fill, by exchange
// order id first, falling back to client order id.
func (s *Store) FindOrderForTrade(ctx context.Context, accountID, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	if exchangeOrderID != "" {
		o, err := scanOrder(s.pool.QueryRow(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE account_id = $1 AND exchange_order_id = $2`, accountID, exchangeOrderID))
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if clientOrderID == "" {
		return nil, ErrNotFound
	}
	return scanOrder(s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = $1 AND client_order_id = $2`, accountID, clientOrderID))
}

// UpdateOrderFill refreshes fill progress on an order.
func (s *Store) UpdateOrderFill(ctx context.Context, orderID string, filled, remaining decimal.Decimal, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET filled = $2::numeric, remaining = $3::numeric, status = $4, updated_at = now()
		WHERE id = $1`, orderID, filled.String(), remaining.String(), status)
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	return nil
}
