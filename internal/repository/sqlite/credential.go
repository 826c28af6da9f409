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

// compile-time check that *DB implements repository.CredentialRepository
var _ repository.CredentialRepository = (*DB)(nil)

// GetCredential returns the opened (plaintext) credential for an external
// account. Returns apperror.ErrNotFound if none is stored.
func (db *DB) GetCredential(ctx context.Context, externalAccountID string) (*model.OAuthCredential, error) {
	var c model.OAuthCredential
	var sealedAccess, sealedRefresh string

	err := db.conn.QueryRowContext(ctx,
		`SELECT external_account_id, access_token, refresh_token, token_type, scope,
		        expires_at, needs_reauth, version, updated_at
		 FROM oauth_credentials WHERE external_account_id = ?`,
		externalAccountID,
	).Scan(
		&c.ExternalAccountID,
		&sealedAccess,
		&sealedRefresh,
		&c.TokenType,
		&c.Scope,
		&c.ExpiresAt,
		&c.NeedsReauth,
		&c.Version,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("credential", externalAccountID)
		}
		return nil, fmt.Errorf("sqlite: getting credential %s: %w", externalAccountID, err)
	}

	if c.AccessToken, err = db.box.Open(sealedAccess); err != nil {
		return nil, fmt.Errorf("sqlite: opening access token for %s: %w", externalAccountID, err)
	}
	if c.RefreshToken, err = db.box.Open(sealedRefresh); err != nil {
		return nil, fmt.Errorf("sqlite: opening refresh token for %s: %w", externalAccountID, err)
	}

	return &c, nil
}

// SwapCredential replaces the token pair if the stored version still equals
// expectedVersion. It returns false when another writer bumped the version
// first; the row is then untouched. On success cred.Version is updated.
func (db *DB) SwapCredential(ctx context.Context, cred *model.OAuthCredential, expectedVersion int64) (bool, error) {
	access, refresh, err := db.sealPair(cred)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE oauth_credentials
		 SET access_token = ?, refresh_token = ?, token_type = ?, scope = ?, expires_at = ?,
		     needs_reauth = 0, version = version + 1, updated_at = ?
		 WHERE external_account_id = ? AND version = ?`,
		access,
		refresh,
		cred.TokenType,
		cred.Scope,
		cred.ExpiresAt.UTC(),
		now,
		cred.ExternalAccountID,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: swapping credential %s: %w", cred.ExternalAccountID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking swap result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	cred.Version = expectedVersion + 1
	cred.NeedsReauth = false
	cred.UpdatedAt = now
	return true, nil
}

// MarkNeedsReauth flags the credential as dead, again only if nobody has
// written it since expectedVersion. X rotates refresh tokens, so a request
// holding a stale refresh token gets invalid_grant right after another
// request refreshed successfully; that must not poison the fresh pair.
func (db *DB) MarkNeedsReauth(ctx context.Context, externalAccountID string, expectedVersion int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE oauth_credentials
		 SET needs_reauth = 1, version = version + 1, updated_at = ?
		 WHERE external_account_id = ? AND version = ?`,
		time.Now().UTC(), externalAccountID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: flagging credential %s: %w", externalAccountID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking flag result: %w", err)
	}
	return n > 0, nil
}

func (db *DB) sealPair(cred *model.OAuthCredential) (access, refresh string, err error) {
	if access, err = db.box.Seal(cred.AccessToken); err != nil {
		return "", "", fmt.Errorf("sqlite: sealing access token: %w", err)
	}
	if refresh, err = db.box.Seal(cred.RefreshToken); err != nil {
		return "", "", fmt.Errorf("sqlite: sealing refresh token: %w", err)
	}
	return access, refresh, nil
}
