package session

import (
	"errors"
	"net/http"
	"time"
)

// Reference values of DefaultBackoffPolicy.
const (
	DefaultBackoffBase        = time.Second
	DefaultBackoffMaxAttempts = 3
)

// BackoffPolicy decides whether a failed refresh attempt is retried and how long to wait before it.
//
// Attempts are counted from zero: with MaxAttempts = 3 the transport is called at most four times
// (the initial call and three retries).
type BackoffPolicy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy waits 1s, 2s and 4s before giving up.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

// ShouldRetry reports whether attempt failed with err is eligible for another attempt.
func (p BackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}

	return IsTransient(err)
}

// DelayFor returns Base * 2^attempt.
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	return p.Base << uint(attempt)
}

// IsTransient reports whether err is a network failure, a 429 or a 5xx response.
// 401 and 403 are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsTransientStatus(statusErr.StatusCode)
	}

	return false
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500 && code <= 599
}
