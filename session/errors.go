package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrSessionExpired is returned by the Pipeline when a request was rejected with 401
// and the credential could not be refreshed.
// The FailureHandler has already run by the time a caller sees this error.
var ErrSessionExpired = errors.New("session expired")

// ErrRetryExhausted is matched (via errors.Is) by a RetryExhaustedError.
var ErrRetryExhausted = errors.New("refresh retries exhausted")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int

	// Message is the server provided message or a generic fallback.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// SecurityError is returned for a 403 response: the anti-forgery check failed
// or the server explicitly denied access.
// It is never retried and never triggers a refresh.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return "forbidden: " + e.Message
}

// NetworkError wraps a transport level failure (DNS, timeout, connection reset).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned when the backoff budget is consumed
// while the refresh endpoint still responds with transient failures.
type RetryExhaustedError struct {
	Attempts int

	// Err is the last transient failure.
	Err error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// statusText is used when a response carries no message.
func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}

	return "Something went wrong"
}

// NewResponseError converts a non-2xx response into a *SecurityError (403) or a *StatusError.
// The message is taken from the optional "message" field of a JSON body.
func NewResponseError(statusCode int, body []byte) error {
	message := ErrorMessage(body, statusCode)

	if statusCode == http.StatusForbidden {
		return &SecurityError{Message: message}
	}

	return &StatusError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// ErrorMessage extracts the "message" field of a JSON error body,
// falling back to a generic message for the status code.
func ErrorMessage(body []byte, statusCode int) string {
	if message := gjson.GetBytes(body, "message").String(); message != "" {
		return message
	}

	return statusText(statusCode)
}
