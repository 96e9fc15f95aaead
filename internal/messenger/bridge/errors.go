package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

// Sentinel errors for gateway failures that are not protocol conditions.
var (
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	ErrGatewayTimeout     = errors.New("gateway timeout")
	ErrGatewayError       = errors.New("gateway error")
)

type errorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after,omitempty"`
	} `json:"error"`
}

// mapError converts a gateway error code to the messenger condition callers
// branch on.
func mapError(status int, body errorBody) error {
	code := body.Error.Code
	switch code {
	case "FLOOD_WAIT", "SLOWMODE_WAIT":
		return &messenger.RateLimitError{RetryAfter: time.Duration(body.Error.RetryAfter) * time.Second}
	case "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "AUTH_INVALIDATED":
		return fmt.Errorf("%w: %s", messenger.ErrAuthInvalidated, code)
	case "AUTH_KEY_DUPLICATED":
		return messenger.ErrAuthDuplicated
	case "CHAT_WRITE_FORBIDDEN", "CHAT_FORWARDS_RESTRICTED", "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "PERMISSION_DENIED":
		return fmt.Errorf("%w: %s", messenger.ErrPermissionDenied, code)
	case "PEER_NOT_FOUND", "PEER_ID_INVALID", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_INVALID":
		return fmt.Errorf("%w: %s", messenger.ErrEntityNotFound, code)
	case "SESSION_PASSWORD_NEEDED":
		return messenger.ErrPasswordRequired
	case "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PASSWORD_HASH_INVALID":
		return fmt.Errorf("%w: %s", messenger.ErrInvalidCode, code)
	case "SESSION_NOT_FOUND":
		return messenger.ErrNotConnected
	}
	if code == "" {
		return fmt.Errorf("%w: status %d", ErrGatewayError, status)
	}
	return fmt.Errorf("%w: %s (status %d)", ErrGatewayError, code, status)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
}
