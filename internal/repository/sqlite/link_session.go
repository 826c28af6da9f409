package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/repository"
)

// compile-time check that *DB implements repository.LinkSessionRepository
var _ repository.LinkSessionRepository = (*DB)(nil)

// CreateLinkSession inserts a new session. The caller fills every field;
// the verifier is sealed on the way in.
func (db *DB) CreateLinkSession(ctx context.Context, s *model.LinkSession) error {
	sealed, err := db.box.Seal(s.CodeVerifier)
	if err != nil {
		return fmt.Errorf("sqlite: sealing verifier for link session %s: %w", s.ID, err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO link_sessions (id, app_user_id, code_verifier, code_challenge, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.AppUserID,
		sealed,
		s.CodeChallenge,
		string(s.Status),
		s.CreatedAt.UTC(),
		s.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting link session %s: %w", s.ID, err)
	}
	return nil
}

// GetLinkSession returns the stored session as-is. It does not apply the
// TTL; callers decide what an elapsed pending session means.
func (db *DB) GetLinkSession(ctx context.Context, id string) (*model.LinkSession, error) {
	return db.getLinkSession(ctx, db.conn, id)
}

func (db *DB) getLinkSession(ctx context.Context, q dbtx, id string) (*model.LinkSession, error) {
	var (
		s           model.LinkSession
		status      string
		sealed      string
		completedAt sql.NullTime
	)

	err := q.QueryRowContext(ctx,
		`SELECT id, app_user_id, code_verifier, code_challenge, status, created_at, expires_at, completed_at
		 FROM link_sessions WHERE id = ?`,
		id,
	).Scan(
		&s.ID,
		&s.AppUserID,
		&sealed,
		&s.CodeChallenge,
		&status,
		&s.CreatedAt,
		&s.ExpiresAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("link session", id)
		}
		return nil, fmt.Errorf("sqlite: getting link session %s: %w", id, err)
	}

	s.Status = model.LinkSessionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}

	if s.CodeVerifier, err = db.box.Open(sealed); err != nil {
		return nil, fmt.Errorf("sqlite: opening verifier for link session %s: %w", id, err)
	}

	return &s, nil
}

// ExpireLinkSession marks a pending session expired. Sessions that already
// completed or expired are left alone, which keeps transitions monotonic.
func (db *DB) ExpireLinkSession(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE link_sessions SET status = 'expired' WHERE id = ? AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: expiring link session %s: %w", id, err)
	}
	return nil
}
