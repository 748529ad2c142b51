// Package apperr defines the error kinds shared by the billing core and the
// HTTP layer. Domain code wraps one of the sentinels with a message; callers
// branch with errors.Is and never inspect message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnauthorizedAccess = errors.New("unauthorized access")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("version conflict")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnavailable        = errors.New("persistence unavailable")
	ErrTimeout            = errors.New("persistence timeout")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func InvalidTransition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorizedAccess, fmt.Sprintf(format, args...))
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Unavailable wraps a driver error. The driver text is kept for logs only.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// FromContext converts a context error into ErrTimeout, or returns nil.
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: deadline exceeded", ErrTimeout)
	default:
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// IsDomain reports whether err is a business-rule rejection as opposed to an
// infrastructure failure.
func IsDomain(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnauthorizedAccess) ||
		errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorizedAccess):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns text safe to show to end users. Domain errors carry
// their own message; infrastructure errors are replaced by a generic one.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDomain(err), errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrConflict):
		return err.Error()
	case errors.Is(err, ErrTimeout):
		return "the request timed out, please retry"
	case errors.Is(err, ErrUnavailable):
		return "storage is temporarily unavailable"
	default:
		return "internal server error"
	}
}
