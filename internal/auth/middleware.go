package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is unexported so only this package can set or read the user id.
type contextKey string

const userIDKey contextKey = "userID"

// TokenCookie is the cookie the surrounding product stores its JWT in.
const TokenCookie = "token"

// RequireAuth enforces an app-user identity on protected routes.
//
// It reads the JWT from the "token" HttpOnly cookie (or an
// "Authorization: Bearer" header, for API clients), validates it, and stores
// the user id in the request context. Missing or invalid tokens get a JSON
// 401 and the chain stops.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves the authenticated user's id.
// Returns ("", false) outside RequireAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// extractUserID prefers the cookie and falls back to a bearer header.
func extractUserID(r *http.Request, tokens *TokenService) (string, error) {
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return tokens.Validate(cookie.Value)
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", http.ErrNoCookie
	}
	return tokens.Validate(strings.TrimSpace(raw))
}
