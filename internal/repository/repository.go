// Package repository declares the storage interfaces the services depend on.
// internal/repository/sqlite implements all of them on one *sqlite.DB.
package repository

import (
	"context"
	"time"

	"github.com/sakif/postlink/internal/model"
)

type LinkSessionRepository interface {
	CreateLinkSession(ctx context.Context, s *model.LinkSession) error
	GetLinkSession(ctx context.Context, id string) (*model.LinkSession, error)
	// ExpireLinkSession moves a pending session to expired. It is a no-op
	// for sessions that already left pending.
	ExpireLinkSession(ctx context.Context, id string) error
}

type AccountRepository interface {
	ListAccounts(ctx context.Context, appUserID string) ([]model.LinkedAccount, error)
	GetAccount(ctx context.Context, id string) (*model.LinkedAccount, error)
	SetPrimaryAccount(ctx context.Context, appUserID, id string) error
	// DeleteAccount unlinks an account. If it was primary, the oldest
	// remaining account of the same app user is promoted.
	DeleteAccount(ctx context.Context, appUserID, id string) error
}

// CredentialRepository stores provider tokens. Writes after the initial link
// are compare-and-swap on Version: they report false, not an error, when
// another writer got there first.
type CredentialRepository interface {
	GetCredential(ctx context.Context, externalAccountID string) (*model.OAuthCredential, error)
	SwapCredential(ctx context.Context, cred *model.OAuthCredential, expectedVersion int64) (bool, error)
	MarkNeedsReauth(ctx context.Context, externalAccountID string, expectedVersion int64) (bool, error)
}

// LinkCompletion is everything the callback learned, persisted in one
// transaction by LinkCompleter.
type LinkCompletion struct {
	AppUserID  string
	SessionID  string // empty for direct links
	Profile    model.ExternalProfile
	Credential model.OAuthCredential
	Now        time.Time
}

// LinkCompleter persists a finished authorization atomically: the link
// session (if any) is completed, the account upserted and the credential
// stored, or nothing is.
type LinkCompleter interface {
	CompleteLink(ctx context.Context, c LinkCompletion) (*model.LinkedAccount, error)
}
