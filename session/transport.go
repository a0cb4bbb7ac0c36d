package session

import (
	"context"
)

// RefreshTransport exchanges the current Credential for a new one in a single round-trip.
//
// Implementations never retry. Failures must be reported as *StatusError, *SecurityError or *NetworkError
// so that a BackoffPolicy can classify them.
type RefreshTransport interface {
	Exchange(ctx context.Context, credential *Credential) (Credential, error)
}

// LogoutTransport notifies the server that the session ends.
type LogoutTransport interface {
	Logout(ctx context.Context) error
}

// AntiForgeryTokenSource returns the current anti-forgery token.
// It is consulted on every state-changing request because the server may rotate the token.
type AntiForgeryTokenSource interface {
	AntiForgeryToken() (string, bool)
}

// AntiForgeryHeader carries the anti-forgery token.
const AntiForgeryHeader = "X-CSRF-Token"
