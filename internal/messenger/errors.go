package messenger

import (
	"errors"
	"fmt"
	"time"
)

// Distinguished conditions raised by Client implementations.
var (
	ErrAuthInvalidated  = errors.New("authorization invalidated")
	ErrAuthDuplicated   = errors.New("authorization key used from two locations")
	ErrPermissionDenied = errors.New("permission denied")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrPasswordRequired = errors.New("two-factor password required")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrNotConnected     = errors.New("client not connected")
)

// RateLimitError is returned when the network demands a cooldown before the
// next request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// AsRateLimit extracts a RateLimitError from err's chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsSessionFatal reports whether err means the identity must log in again.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrAuthInvalidated) || errors.Is(err, ErrAuthDuplicated)
}
