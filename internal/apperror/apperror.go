// Package apperror defines the error taxonomy shared by every layer.
//
// Services return these errors; handlers translate them to HTTP. Callers
// branch with errors.Is on the sentinels below, never on message text.
//
// SECRETS:
// Messages built here end up in API responses. Never put an access token,
// refresh token, authorization code or PKCE verifier into one.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// ErrConfiguration means the provider client id, secret or callback URL
	// is missing. Not retryable.
	ErrConfiguration = errors.New("configuration error")

	// User-flow errors. These redirect to an explanatory page and are not
	// logged as unexpected.
	ErrCSRFMismatch    = errors.New("csrf state mismatch")
	ErrSessionNotFound = errors.New("link session not found")
	ErrSessionExpired  = errors.New("link session expired")

	// ErrAuthorizationFailed means the provider rejected the code or grant.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrNeedsReauth means the stored refresh token is dead. The user has to
	// run the authorization flow again; callers must not retry.
	ErrNeedsReauth = errors.New("needs reauthorization")

	// ErrTransient is a network failure, timeout or provider 5xx. The caller
	// owns the retry policy.
	ErrTransient = errors.New("transient provider error")

	// ErrPublishFailed is a provider rejection of a publish call.
	ErrPublishFailed = errors.New("publish failed")
)

type AppError struct {
	Err        error  // actual error
	Message    string // Human-readable error message
	Field      string // Optional: field causing the error
	StatusCode int    // Optional: upstream provider status code
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Configuration reports which provider setting is missing.
func Configuration(setting string) *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: fmt.Sprintf("provider is not configured: %s is missing", setting),
		Field:   setting,
	}
}

func CSRFMismatch() *AppError {
	return &AppError{
		Err:     ErrCSRFMismatch,
		Message: "authorization state does not match",
	}
}

func SessionNotFound(id string) *AppError {
	return &AppError{
		Err:     ErrSessionNotFound,
		Message: fmt.Sprintf("link session %s not found or no longer pending", id),
	}
}

func SessionExpired(id string) *AppError {
	return &AppError{
		Err:     ErrSessionExpired,
		Message: fmt.Sprintf("link session %s has expired", id),
	}
}

// AuthorizationFailed wraps the provider's rejection. reason is the OAuth
// error code (e.g. "invalid_grant"), never the raw response body.
func AuthorizationFailed(reason string) *AppError {
	return &AppError{
		Err:     ErrAuthorizationFailed,
		Message: fmt.Sprintf("authorization was rejected: %s", reason),
	}
}

func NeedsReauth(accountID string) *AppError {
	return &AppError{
		Err:     ErrNeedsReauth,
		Message: fmt.Sprintf("account %s must be reconnected", accountID),
	}
}

// Transient wraps a retryable failure. The cause is kept for logging via
// errors.Unwrap chains but is not part of Message.
func Transient(op string, cause error) error {
	return fmt.Errorf("%w: %w", &AppError{
		Err:     ErrTransient,
		Message: fmt.Sprintf("%s failed temporarily, try again later", op),
	}, cause)
}

// PublishFailed carries the provider status and its (already sanitised)
// message.
func PublishFailed(status int, message string) *AppError {
	return &AppError{
		Err:        ErrPublishFailed,
		Message:    fmt.Sprintf("provider rejected the post (status %d): %s", status, message),
		StatusCode: status,
	}
}
