package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/postlink/internal/model"
)

// Cookie names for the pending authorization.
const (
	VerifierCookie = "postlink_verifier"
	StateCookie    = "postlink_state"
	LinkCookie     = "postlink_link"
)

// PendingMaxAge bounds how long a user may spend on X's consent screen.
const PendingMaxAge = 10 * time.Minute

// ErrNoPending means the callback arrived without (valid) pending cookies:
// they expired, were never set on this browser, or were tampered with.
var ErrNoPending = errors.New("auth: no pending authorization")

// cookie kinds, bound into each signed value so one cookie's value cannot be
// replayed as another's
const (
	kindVerifier = "verifier"
	kindState    = "state"
	kindLink     = "link"
)

type pendingClaims struct {
	jwt.RegisteredClaims
	Kind      string           `json:"knd"`
	Value     string           `json:"val,omitempty"`
	Action    model.LinkAction `json:"act,omitempty"`
	SessionID string           `json:"sid,omitempty"`
}

// PendingCookies stores a model.PendingAuthorization in the browser between
// the redirect to X and X's callback.
//
// COOKIE ATTRIBUTES:
//   - HttpOnly: page scripts cannot read the verifier.
//   - SameSite=Lax: sent on X's top-level redirect back to us, not on
//     cross-site subrequests.
//   - Secure: from COOKIE_SECURE, off only for local http development.
//   - Max-Age 10 minutes, and the JWT inside expires at the same time.
//
// The verifier cookie is only written for direct links. A cross-device
// verifier never leaves the database.
type PendingCookies struct {
	secret []byte
	secure bool
	now    func() time.Time
}

func NewPendingCookies(secret string, secure bool) (*PendingCookies, error) {
	if len(secret) < minSecretLength {
		return nil, errors.New("auth: cookie secret must be at least 16 characters")
	}
	return &PendingCookies{secret: []byte(secret), secure: secure, now: time.Now}, nil
}

// Write sets the pending cookies on w.
func (p *PendingCookies) Write(w http.ResponseWriter, pending *model.PendingAuthorization) error {
	if pending.Action == model.ActionDirect {
		if err := p.set(w, VerifierCookie, pendingClaims{Kind: kindVerifier, Value: pending.CodeVerifier}); err != nil {
			return err
		}
	}
	if err := p.set(w, StateCookie, pendingClaims{Kind: kindState, Value: pending.State}); err != nil {
		return err
	}

	link := pendingClaims{Kind: kindLink, Action: pending.Action, SessionID: pending.SessionID}
	link.Subject = pending.AppUserID
	return p.set(w, LinkCookie, link)
}

// Read recovers the pending authorization from r. It returns ErrNoPending
// when the state or link cookie is missing, expired or not ours.
func (p *PendingCookies) Read(r *http.Request) (*model.PendingAuthorization, error) {
	state, err := p.get(r, StateCookie, kindState)
	if err != nil {
		return nil, err
	}
	link, err := p.get(r, LinkCookie, kindLink)
	if err != nil {
		return nil, err
	}

	pending := &model.PendingAuthorization{
		State:     state.Value,
		Action:    link.Action,
		SessionID: link.SessionID,
		AppUserID: link.Subject,
	}

	if link.Action == model.ActionDirect {
		verifier, err := p.get(r, VerifierCookie, kindVerifier)
		if err != nil {
			return nil, err
		}
		pending.CodeVerifier = verifier.Value
	}
	return pending, nil
}

// Clear deletes all pending cookies. The callback calls it whatever the
// outcome, so a state value is never accepted twice.
func (p *PendingCookies) Clear(w http.ResponseWriter) {
	for _, name := range []string{VerifierCookie, StateCookie, LinkCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   p.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (p *PendingCookies) set(w http.ResponseWriter, name string, c pendingClaims) error {
	now := p.now()
	c.Issuer = Issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(PendingMaxAge))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
	if err != nil {
		return fmt.Errorf("auth: signing %s cookie: %w", name, err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(PendingMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (p *PendingCookies) get(r *http.Request, name, kind string) (*pendingClaims, error) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoPending
	}

	c := &pendingClaims{}
	if err := parseHS256(cookie.Value, c, p.secret, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(p.now)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoPending, name, err)
	}
	if c.Kind != kind {
		return nil, fmt.Errorf("%w: %s: wrong cookie kind", ErrNoPending, name)
	}
	return c, nil
}
