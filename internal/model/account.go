// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. The `json:"..."` tags control
// what the API returns; anything secret carries `json:"-"` so it can never be
// serialized by accident.
package model

import "time"

// LinkedAccount is an external (provider) account attached to an app user.
//
// An app user may link several external accounts. Exactly one of them is
// primary while at least one exists; the database enforces "at most one" with
// a partial unique index and the service layer keeps "at least one" by
// promoting the oldest remaining account when the primary is unlinked.
//
// WHY TWO IDs?
// ID is our own xid (stable row key, safe to put in URLs). ExternalAccountID
// is the provider's numeric user id as a string; credentials are keyed by it.
type LinkedAccount struct {
	ID                string    `json:"id"`
	AppUserID         string    `json:"appUserId"`
	ExternalAccountID string    `json:"externalAccountId"`
	Username          string    `json:"username"`
	DisplayName       string    `json:"displayName"`
	AvatarURL         string    `json:"avatarUrl"`
	IsPrimary         bool      `json:"isPrimary"`
	NeedsReauth       bool      `json:"needsReauth"` // joined from the credential, read-only
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ExternalProfile is what the provider tells us about the account that
// just authorized us.
type ExternalProfile struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
}

// OAuthCredential holds the provider tokens for one external account.
//
// Version is bumped on every write. Refresh persists with a
// compare-and-swap on it so two requests racing to refresh cannot both
// overwrite the pair.
type OAuthCredential struct {
	ExternalAccountID string    `json:"-"`
	AccessToken       string    `json:"-"`
	RefreshToken      string    `json:"-"`
	TokenType         string    `json:"-"`
	Scope             string    `json:"-"`
	ExpiresAt         time.Time `json:"-"`
	NeedsReauth       bool      `json:"-"`
	Version           int64     `json:"-"`
	UpdatedAt         time.Time `json:"-"`
}

// AccessToken is the bearer token handed to publishing code. It is only
// ever produced by the token manager, so holders may assume it was valid
// (and not inside the safety margin) when returned.
type AccessToken struct {
	ExternalAccountID string
	Value             string
	TokenType         string
	ExpiresAt         time.Time
}
