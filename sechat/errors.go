package sechat

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Login errors
	ErrorLoginFailed
	ErrorInvalidCredentials
	ErrorCaptchaRequired

	// Request errors (from the chat server)
	ErrorRateLimited
	ErrorBadResponse
	ErrorProtocolDecode
	ErrorMessageNotFound

	// Client-side errors
	ErrorNotLoggedIn
	ErrorClosed
	ErrorConnection
	ErrorSerialization
	ErrorInvalidConfig
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorLoginFailed:
		return "login_failed"
	case ErrorInvalidCredentials:
		return "invalid_credentials"
	case ErrorCaptchaRequired:
		return "captcha_required"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorBadResponse:
		return "bad_response"
	case ErrorProtocolDecode:
		return "protocol_decode"
	case ErrorMessageNotFound:
		return "message_not_found"
	case ErrorNotLoggedIn:
		return "not_logged_in"
	case ErrorClosed:
		return "closed"
	case ErrorConnection:
		return "connection_error"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorInvalidConfig:
		return "invalid_config"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// Error is a structured error with code and context.
//
// StatusCode and Body are set for errors caused by an HTTP response
// (ErrorRateLimited, ErrorBadResponse) and are zero otherwise.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Body       string
	Wrapped    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + truncate(e.Body, 200)
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" (wrapped: %v)", e.Wrapped)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface for error comparison.
// Two errors match when their codes are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors for use with errors.Is.
var (
	ErrNotLoggedIn     = NewError(ErrorNotLoggedIn, "client must be logged in")
	ErrClosed          = NewError(ErrorClosed, "use of closed client or room")
	ErrRateLimited     = NewError(ErrorRateLimited, "rate limited")
	ErrMessageNotFound = NewError(ErrorMessageNotFound, "message not found")
)

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with an Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorUnknown
}

// IsLoginError checks if an error was raised by the login handshake.
func IsLoginError(err error) bool {
	switch CodeOf(err) {
	case ErrorLoginFailed, ErrorInvalidCredentials, ErrorCaptchaRequired:
		return true
	default:
		return false
	}
}

// IsRateLimited checks if the server rejected a request with 409.
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrorRateLimited
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	return CodeOf(err) == ErrorConnection
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
