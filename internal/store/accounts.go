package store

import (
	"context"
	"errors"
	"fmt"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5"
)

const accountColumns = `
	id, user_id, name, exchange, testnet, is_active, is_primary,
	api_key_enc, secret_enc, passphrase_enc, created_at, updated_at`

func scanAccount(row pgx.Row) (*core.ExchangeAccount, error) {
	var a core.ExchangeAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Exchange, &a.Testnet,
		&a.IsActive, &a.IsPrimary, &a.APIKeyEnc, &a.SecretEnc, &a.PassphraseEnc,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// GetAccount fetches one exchange account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*core.ExchangeAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM exchange_accounts WHERE id = $1`, id))
}

// GetPrimaryAccount resolves the owner's primary account for an
// exchange tag.
func (s *Store) GetPrimaryAccount(ctx context.Context, userID, exchange string) (*core.ExchangeAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM exchange_accounts
		 WHERE user_id = $1 AND exchange = $2 AND is_primary AND is_active`,
		userID, exchange))
}

// ListActiveAccounts enumerates every active account; the reconciler
// schedules one cycle per entry.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]*core.ExchangeAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM exchange_accounts WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*core.ExchangeAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeactivateAccount flags an account; the reconciler stops scheduling
// it until an operator reactivates.
func (s *Store) DeactivateAccount(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE exchange_accounts
		SET is_active = FALSE, deactivated_reason = $2, updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	return nil
}
