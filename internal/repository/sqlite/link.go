package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/repository"
)

// compile-time check that *DB implements repository.LinkCompleter
var _ repository.LinkCompleter = (*DB)(nil)

// CompleteLink persists a finished authorization in ONE transaction:
//
//  1. (cross-device only) pending → completed on the link session, guarded
//     by status and TTL in the WHERE clause. Two callbacks racing on the same
//     session both run this UPDATE; exactly one sees a row affected.
//  2. upsert the linked account. A new account is primary only if the app
//     user has no primary yet; existing flags are never touched.
//  3. upsert the credential, clearing needs_reauth and bumping version.
//
// Any failure rolls everything back. A failed step 1 returns
// SessionNotFound or SessionExpired.
func (db *DB) CompleteLink(ctx context.Context, c repository.LinkCompletion) (*model.LinkedAccount, error) {
	now := c.Now.UTC()
	if c.Now.IsZero() {
		now = time.Now().UTC()
	}

	access, refresh, err := db.sealPair(&c.Credential)
	if err != nil {
		return nil, err
	}

	var account *model.LinkedAccount
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if c.SessionID != "" {
			if err := completeSession(ctx, tx, c.SessionID, c.AppUserID, now); err != nil {
				return err
			}
		}

		id, err := upsertAccount(ctx, tx, c.AppUserID, c.Profile, now)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO oauth_credentials
			   (external_account_id, access_token, refresh_token, token_type, scope, expires_at, needs_reauth, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?)
			 ON CONFLICT(external_account_id) DO UPDATE SET
			   access_token  = excluded.access_token,
			   refresh_token = excluded.refresh_token,
			   token_type    = excluded.token_type,
			   scope         = excluded.scope,
			   expires_at    = excluded.expires_at,
			   needs_reauth  = 0,
			   version       = oauth_credentials.version + 1,
			   updated_at    = excluded.updated_at`,
			c.Profile.ID,
			access,
			refresh,
			c.Credential.TokenType,
			c.Credential.Scope,
			c.Credential.ExpiresAt.UTC(),
			now,
		)
		if err != nil {
			return fmt.Errorf("sqlite: storing credential for %s: %w", c.Profile.ID, err)
		}

		account, err = getAccount(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

func completeSession(ctx context.Context, tx *sql.Tx, sessionID, appUserID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE link_sessions SET status = 'completed', completed_at = ?
		 WHERE id = ? AND app_user_id = ? AND status = 'pending' AND expires_at > ?`,
		now, sessionID, appUserID, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: completing link session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking link session update: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: work out why, for the user-facing error.
	var status string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT status, expires_at FROM link_sessions WHERE id = ? AND app_user_id = ?`,
		sessionID, appUserID,
	).Scan(&status, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperror.SessionNotFound(sessionID)
	case err != nil:
		return fmt.Errorf("sqlite: reading link session %s: %w", sessionID, err)
	case model.LinkSessionStatus(status) == model.LinkSessionPending && !now.Before(expiresAt):
		return apperror.SessionExpired(sessionID)
	case model.LinkSessionStatus(status) == model.LinkSessionExpired:
		return apperror.SessionExpired(sessionID)
	default:
		return apperror.SessionNotFound(sessionID)
	}
}

// upsertAccount returns the row id of the (possibly new) linked account.
func upsertAccount(ctx context.Context, tx *sql.Tx, appUserID string, p model.ExternalProfile, now time.Time) (string, error) {
	var existingID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM linked_accounts WHERE app_user_id = ? AND external_account_id = ?`,
		appUserID, p.ID,
	).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: looking up account %s: %w", p.ID, err)
	}

	if existingID != "" {
		// Re-link: refresh the profile, keep is_primary as it is.
		_, err = tx.ExecContext(ctx,
			`UPDATE linked_accounts SET username = ?, display_name = ?, avatar_url = ?, updated_at = ?
			 WHERE id = ?`,
			p.Username, p.DisplayName, p.AvatarURL, now, existingID,
		)
		if err != nil {
			return "", fmt.Errorf("sqlite: updating account %s: %w", existingID, err)
		}
		return existingID, nil
	}

	var primaries int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM linked_accounts WHERE app_user_id = ? AND is_primary = 1`,
		appUserID,
	).Scan(&primaries); err != nil {
		return "", fmt.Errorf("sqlite: counting primary accounts: %w", err)
	}

	id := xid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO linked_accounts
		   (id, app_user_id, external_account_id, username, display_name, avatar_url, is_primary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, appUserID, p.ID, p.Username, p.DisplayName, p.AvatarURL, primaries == 0, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: inserting account %s: %w", p.ID, err)
	}
	return id, nil
}
