// Package auth handles the two kinds of signed values this service trusts:
//
//  1. The app-user JWT. The surrounding product signs in its users and sets
//     an HS256 JWT in the "token" cookie. We only validate it (RequireAuth)
//     and read the user id from "sub". Generate exists for tests and local
//     tooling.
//  2. The pending-authorization cookies (pending.go). Between redirecting a
//     browser to X and handling X's callback we need to remember the PKCE
//     verifier, the CSRF state and which flow started. Those live in short
//     lived cookies that are themselves signed JWTs, so a browser cannot
//     forge or swap them.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: algorithm + token type → {"alg":"HS256","typ":"JWT"}
//	- Payload: claims (data) → {"sub":"userID","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the "iss" claim expected on app-user tokens.
const Issuer = "postlink"

// minSecretLength applies to both the JWT secret and the cookie secret.
const minSecretLength = 16

// TokenService validates app-user JWTs.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a 15 minute token for userID.
func (s *TokenService) Generate(userID string) (string, error) {
	return s.GenerateWithDuration(userID, 15*time.Minute)
}

// GenerateWithDuration signs a token that expires after d. A negative d
// yields an already expired token, which tests use.
func (s *TokenService) GenerateWithDuration(userID string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a JWT string and returns its subject.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Token is not expired (ExpiresAt is in the future)
//   - Issuer matches
//   - Algorithm is HS256 (prevents "alg":"none" and algorithm confusion)
func (s *TokenService) Validate(tokenStr string) (string, error) {
	c := &claims{}
	if err := parseHS256(tokenStr, c, s.secret, jwt.WithIssuer(Issuer)); err != nil {
		return "", err
	}

	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return c.Subject, nil
}

// parseHS256 verifies tokenStr into dst. Shared by app-user tokens and the
// pending-authorization cookies.
func parseHS256(tokenStr string, dst jwt.Claims, secret []byte, opts ...jwt.ParserOption) error {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	token, err := jwt.ParseWithClaims(tokenStr, dst, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("auth: token expired")
		}
		return fmt.Errorf("auth: invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("auth: invalid token claims")
	}
	return nil
}
