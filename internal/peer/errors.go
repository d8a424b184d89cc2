package peer

import (
	"errors"
	"fmt"
	"net/http"
)

// UnreachableError means the hub did not answer: timeout, refused connection
// or any other transport-level failure. Callers treat this as "device
// offline" and may retry idempotent-safe operations.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	if e == nil {
		return "hub unreachable"
	}
	return fmt.Sprintf("hub unreachable during %s: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ResponseError means the hub answered but the payload or status was not
// usable. Never retried automatically.
type ResponseError struct {
	Op         string
	StatusCode int
	Reason     string
}

func (e *ResponseError) Error() string {
	if e == nil {
		return "invalid hub response"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("invalid hub response during %s (status %d): %s", e.Op, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("invalid hub response during %s: %s", e.Op, e.Reason)
}

// AuthMismatchError means the hub explicitly rejected the credentials, most
// likely because the rolling-code windows drifted apart. The hub firmware
// only signals this through 401/403; other rejects stay ResponseError.
type AuthMismatchError struct {
	Op         string
	StatusCode int
}

func (e *AuthMismatchError) Error() string {
	if e == nil {
		return "hub rejected authentication"
	}
	return fmt.Sprintf("hub rejected authentication during %s (status %d); check clock alignment", e.Op, e.StatusCode)
}

// IsUnreachable reports whether err classifies as the hub being absent.
func IsUnreachable(err error) bool {
	var unreachable *UnreachableError
	return errors.As(err, &unreachable)
}

// IsInvalidResponse reports whether the hub answered with something unusable.
func IsInvalidResponse(err error) bool {
	var response *ResponseError
	return errors.As(err, &response)
}

// IsAuthMismatch reports whether the hub rejected the token or rolling code.
func IsAuthMismatch(err error) bool {
	var mismatch *AuthMismatchError
	return errors.As(err, &mismatch)
}

func classifyStatus(op string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthMismatchError{Op: op, StatusCode: status}
	default:
		return &ResponseError{Op: op, StatusCode: status, Reason: "non-success status"}
	}
}
