package metrics

import (
	"errors"

	"github.com/sakif/postlink/internal/apperror"
)

// ResultFor maps an operation's error to a result label.
func ResultFor(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, apperror.ErrCSRFMismatch):
		return ResultCSRF
	case errors.Is(err, apperror.ErrSessionNotFound):
		return ResultNotFound
	case errors.Is(err, apperror.ErrSessionExpired):
		return ResultExpired
	case errors.Is(err, apperror.ErrAuthorizationFailed):
		return ResultDenied
	case errors.Is(err, apperror.ErrNeedsReauth):
		return ResultNeedsReauth
	case errors.Is(err, apperror.ErrTransient):
		return ResultTransient
	case errors.Is(err, apperror.ErrPublishFailed):
		return ResultRejected
	case errors.Is(err, apperror.ErrValidation):
		return ResultInvalid
	default:
		return ResultError
	}
}
