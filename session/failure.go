package session

import (
	"context"

	"go.uber.org/zap"
)

// DefaultSignInRoute is where the FailureHandler navigates to.
const DefaultSignInRoute = "/signin"

// Notices shown to the user.
const (
	SessionExpiredNotice = "Your session has expired. Please sign in again."
	SignedOutNotice      = "You have been signed out."
)

// View is the application's view-state holder.
type View interface {
	// ClearUser sets the current user to none.
	ClearUser()

	CurrentRoute() string
	Navigate(route string)

	// Notify shows a non-silent notification (toast, banner).
	Notify(message string)
}

// FailureHandler moves the application to the unauthenticated state.
//
// None of its methods return an error or panic: they run on last-resort cleanup paths,
// so every failure is logged and the remaining steps still run.
type FailureHandler struct {
	store       *CredentialStore
	bus         Bus
	view        View
	signInRoute string

	logger *zap.Logger
}

// NewFailureHandler returns a new FailureHandler.
// bus may be nil.
func NewFailureHandler(store *CredentialStore, bus Bus, opts ...FailureHandlerOption) *FailureHandler {
	h := &FailureHandler{
		store:       store,
		bus:         bus,
		signInRoute: DefaultSignInRoute,
	}

	for _, opt := range opts {
		opt.applyFailureHandler(h)
	}

	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	return h
}

// OnSessionInvalid clears the credential, tells sibling contexts and sends the user to the sign-in view.
func (h *FailureHandler) OnSessionInvalid(ctx context.Context) {
	h.invalidate(ctx, true, SessionExpiredNotice)
}

// OnRemoteLogout is OnSessionInvalid for a LoggedOut message received from a sibling:
// it does not publish again.
func (h *FailureHandler) OnRemoteLogout(ctx context.Context) {
	h.invalidate(ctx, false, SignedOutNotice)
}

// SignOut ends the session on request of the user.
//
// The server is notified on a best-effort basis; a failure there never blocks local cleanup.
func (h *FailureHandler) SignOut(ctx context.Context, server LogoutTransport) {
	if server != nil {
		h.safely("notifying server of logout", func() {
			if err := server.Logout(ctx); err != nil {
				h.logger.Warn("server logout failed", zap.Error(err))
			}
		})
	}

	h.invalidate(ctx, true, SignedOutNotice)
}

func (h *FailureHandler) invalidate(ctx context.Context, broadcast bool, notice string) {
	h.logger.Info("session invalidated", zap.Bool("broadcast", broadcast))

	h.safely("clearing credential", func() {
		if err := h.store.Clear(); err != nil {
			h.logger.Error("clearing credential", zap.Error(err))
		}
	})

	if broadcast && h.bus != nil {
		h.safely("broadcasting logout", func() {
			if err := h.bus.Publish(ctx, Message{Type: LoggedOut}); err != nil {
				h.logger.Error("broadcasting logout", zap.Error(err))
			}
		})
	}

	if h.view == nil {
		return
	}

	h.safely("updating view", func() {
		h.view.ClearUser()
		h.view.Notify(notice)

		if h.view.CurrentRoute() != h.signInRoute {
			h.view.Navigate(h.signInRoute)
		}
	})
}

func (h *FailureHandler) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("session cleanup step panicked", zap.String("step", step), zap.Any("panic", r))
		}
	}()

	fn()
}
