package model

import (
	"fmt"
	"strings"
	"time"
)

// LinkSessionStatus is the lifecycle of a cross-device link session.
// Transitions only move forward: pending -> completed or pending -> expired.
type LinkSessionStatus string

const (
	LinkSessionPending   LinkSessionStatus = "pending"
	LinkSessionCompleted LinkSessionStatus = "completed"
	LinkSessionExpired   LinkSessionStatus = "expired"
)

// LinkSession lets device A (say, a desktop) start a link that device B
// (a phone) completes. Device A only ever sees ID, Challenge and expiry;
// the verifier stays in the database and is loaded server-side when the
// callback arrives.
type LinkSession struct {
	ID            string            `json:"id"`
	AppUserID     string            `json:"-"`
	CodeVerifier  string            `json:"-"`
	CodeChallenge string            `json:"codeChallenge"`
	Status        LinkSessionStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// IsExpired reports whether the TTL has passed. A session exactly at
// ExpiresAt counts as expired.
func (s *LinkSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// LinkAction tells the callback which flow started the authorization.
type LinkAction string

const (
	ActionDirect      LinkAction = "direct"
	ActionCrossDevice LinkAction = "cross_device"
)

// PendingAuthorization is the browser-side state between redirecting to
// the provider and handling its callback. It lives in signed cookies.
type PendingAuthorization struct {
	CodeVerifier string
	State        string
	Action       LinkAction
	SessionID    string // cross-device only
	AppUserID    string
}

const crossDeviceStatePrefix = "link_"

// CrossDeviceState embeds the session id in the state value so the
// callback can find the session even when device B has no cookie for it.
// Format: link_<sessionID>_<nonce>. The nonce alphabet excludes "_".
func CrossDeviceState(sessionID, nonce string) string {
	return fmt.Sprintf("%s%s_%s", crossDeviceStatePrefix, sessionID, nonce)
}

// ParseCrossDeviceState extracts the session id from a state built by
// CrossDeviceState. ok is false for direct-link states and malformed values.
func ParseCrossDeviceState(state string) (sessionID string, ok bool) {
	rest, found := strings.CutPrefix(state, crossDeviceStatePrefix)
	if !found {
		return "", false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0], true
}
