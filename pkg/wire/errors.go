package wire

import (
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/polykey/pkg/constants"
)

// Error is an RPC error returned by a remote handler
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("rpc error %s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("rpc error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInternal:
		return "INTERNAL"
	case constants.ErrorUnknownMethod:
		return "UNKNOWN_METHOD"
	case constants.ErrorInvalidRequest:
		return "INVALID_REQUEST"
	case constants.ErrorSignalingUnavailable:
		return "SIGNALING_UNAVAILABLE"
	case constants.ErrorInvalidSignature:
		return "INVALID_SIGNATURE"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorNodeNotFound:
		return "NODE_NOT_FOUND"
	case constants.ErrorNoConnection:
		return "NO_CONNECTION"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// CodeOf extracts the code of a wrapped *Error, or 0
func CodeOf(err error) uint16 {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return 0
}

// ErrUnknownMethod creates an unknown-method error
func ErrUnknownMethod(method string) *Error {
	return NewError(constants.ErrorUnknownMethod, fmt.Sprintf("unknown method: %s", method))
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrInternal wraps an unexpected handler failure
func ErrInternal(err error) *Error {
	return NewError(constants.ErrorInternal, err.Error())
}
