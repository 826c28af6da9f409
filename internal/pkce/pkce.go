// Package pkce generates the Proof Key for Code Exchange values used by the
// authorization flow (RFC 7636).
//
// HOW PKCE WORKS:
//  1. Before redirecting, we make a random secret: the code VERIFIER.
//  2. We send only its SHA-256 hash (the CHALLENGE) to the provider.
//  3. When exchanging the authorization code we send the verifier itself.
//     The provider hashes it and compares with the challenge it saw in step 2.
//
// Someone who intercepts the code in step 3 cannot use it without the
// verifier, which never left our server.
//
// STATE IS NOT PKCE:
// The state nonce protects the callback against CSRF. It is generated
// independently here and must never be derived from the verifier; a state
// leaks through browser history and referrers, a verifier must not.
package pkce

import (
	"crypto/rand"

	"golang.org/x/oauth2"
)

// Method is the only challenge method we emit. "plain" is never used.
const Method = "S256"

// NewVerifier returns a fresh code verifier: 32 random bytes, URL-safe
// base64 without padding (43 characters).
//
// crypto/rand failing is unrecoverable for the process, so this panics
// rather than returning an error.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge derives the S256 challenge: BASE64URL(SHA256(verifier)).
// Deterministic for a given verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewState returns a random CSRF nonce. The alphabet is base32 so it never
// contains "_", which keeps cross-device state values parseable.
func NewState() string {
	return rand.Text()
}
