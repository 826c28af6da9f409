package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

// accountColumns selects a linked account plus its credential's reauth flag.
// LEFT JOIN: an account row briefly without a credential still lists.
const accountColumns = `
	a.id, a.app_user_id, a.external_account_id, a.username, a.display_name,
	a.avatar_url, a.is_primary, COALESCE(c.needs_reauth, 0), a.created_at, a.updated_at`

const accountFrom = `
	FROM linked_accounts a
	LEFT JOIN oauth_credentials c ON c.external_account_id = a.external_account_id`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner, a *model.LinkedAccount) error {
	return s.Scan(
		&a.ID,
		&a.AppUserID,
		&a.ExternalAccountID,
		&a.Username,
		&a.DisplayName,
		&a.AvatarURL,
		&a.IsPrimary,
		&a.NeedsReauth,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

// ListAccounts returns the app user's accounts, oldest first.
//
// Returns an empty slice (not nil) when there are none, so the API encodes
// [] rather than null.
func (db *DB) ListAccounts(ctx context.Context, appUserID string) ([]model.LinkedAccount, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT`+accountColumns+accountFrom+`
		 WHERE a.app_user_id = ?
		 ORDER BY a.created_at ASC, a.id ASC`,
		appUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing accounts for %s: %w", appUserID, err)
	}
	defer rows.Close()

	accounts := []model.LinkedAccount{}
	for rows.Next() {
		var a model.LinkedAccount
		if err := scanAccount(rows, &a); err != nil {
			return nil, fmt.Errorf("sqlite: scanning account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating account rows: %w", err)
	}

	return accounts, nil
}

// GetAccount returns a linked account by its row id.
// Returns apperror.ErrNotFound if it does not exist.
func (db *DB) GetAccount(ctx context.Context, id string) (*model.LinkedAccount, error) {
	return getAccount(ctx, db.conn, id)
}

func getAccount(ctx context.Context, q dbtx, id string) (*model.LinkedAccount, error) {
	var a model.LinkedAccount
	err := scanAccount(q.QueryRowContext(ctx, `SELECT`+accountColumns+accountFrom+` WHERE a.id = ?`, id), &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("linked account", id)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", id, err)
	}
	return &a, nil
}

// SetPrimaryAccount makes id the app user's only primary account.
//
// Clearing the old primary and setting the new one happen in one
// transaction; the partial unique index would reject the reverse order.
func (db *DB) SetPrimaryAccount(ctx context.Context, appUserID, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := ownedAccount(ctx, tx, appUserID, id); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE linked_accounts SET is_primary = 0, updated_at = ?
			 WHERE app_user_id = ? AND is_primary = 1 AND id != ?`,
			now, appUserID, id,
		); err != nil {
			return fmt.Errorf("sqlite: clearing primary for %s: %w", appUserID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE linked_accounts SET is_primary = 1, updated_at = ? WHERE id = ?`,
			now, id,
		); err != nil {
			return fmt.Errorf("sqlite: setting primary account %s: %w", id, err)
		}
		return nil
	})
}

// DeleteAccount unlinks an account and keeps the "exactly one primary"
// rule: if the deleted account was primary, the oldest remaining one is
// promoted. The credential is removed once no app user links it anymore.
func (db *DB) DeleteAccount(ctx context.Context, appUserID, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		a, err := ownedAccount(ctx, tx, appUserID, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM linked_accounts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: deleting account %s: %w", id, err)
		}

		if a.IsPrimary {
			if _, err := tx.ExecContext(ctx,
				`UPDATE linked_accounts SET is_primary = 1, updated_at = ?
				 WHERE id = (
					SELECT id FROM linked_accounts WHERE app_user_id = ?
					ORDER BY created_at ASC, id ASC LIMIT 1
				 )`,
				time.Now().UTC(), appUserID,
			); err != nil {
				return fmt.Errorf("sqlite: promoting primary for %s: %w", appUserID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM oauth_credentials
			 WHERE external_account_id = ?
			   AND NOT EXISTS (SELECT 1 FROM linked_accounts WHERE external_account_id = ?)`,
			a.ExternalAccountID, a.ExternalAccountID,
		); err != nil {
			return fmt.Errorf("sqlite: deleting orphaned credential: %w", err)
		}
		return nil
	})
}

// ownedAccount loads an account inside tx and checks it belongs to
// appUserID. Someone else's account reports NotFound rather than
// Forbidden so ids cannot be probed.
func ownedAccount(ctx context.Context, tx dbtx, appUserID, id string) (*model.LinkedAccount, error) {
	a, err := getAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if a.AppUserID != appUserID {
		return nil, apperror.NotFound("linked account", id)
	}
	return a, nil
}
