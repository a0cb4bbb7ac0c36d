package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/sessionkeeper/session/kv"
)

type panickingView struct {
	RecordingView
}

func (v *panickingView) ClearUser() {
	panic("view is gone")
}

type failingBus struct {
	busStub
}

func (b *failingBus) Publish(context.Context, Message) error {
	return errors.New("channel closed")
}

type logoutFunc func(ctx context.Context) error

func (fn logoutFunc) Logout(ctx context.Context) error {
	return fn(ctx)
}

func TestFailureHandler_OnSessionInvalid(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "a", RefreshToken: "r1"}))

		bus := &busStub{}
		view := NewRecordingView("/orders")

		handler := NewFailureHandler(store, bus, WithView(view))
		handler.OnSessionInvalid(context.Background())

		assert.Nil(t, store.Get())
		assert.Equal(t, []Message{{Type: LoggedOut}}, bus.Messages())
		assert.Equal(t, 1, view.Cleared())
		assert.Equal(t, []string{DefaultSignInRoute}, view.Navigations())
		assert.Equal(t, []string{SessionExpiredNotice}, view.Notices())
	})

	t.Run("AlreadyOnSignIn", func(t *testing.T) {
		view := NewRecordingView("/login")

		handler := NewFailureHandler(NewCredentialStore(&kv.Memory{}), nil, WithView(view), WithSignInRoute("/login"))
		handler.OnSessionInvalid(context.Background())

		assert.Equal(t, 1, view.Cleared())
		assert.Empty(t, view.Navigations())
	})

	t.Run("NeverPanics", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "a"}))

		handler := NewFailureHandler(store, &failingBus{}, WithView(&panickingView{}))

		assert.NotPanics(t, func() {
			handler.OnSessionInvalid(context.Background())
		})

		assert.Nil(t, store.Get())
	})
}

func TestFailureHandler_OnRemoteLogout(t *testing.T) {
	store := NewCredentialStore(&kv.Memory{})
	require.NoError(t, store.Set(Credential{Token: "a"}))

	bus := &busStub{}
	view := NewRecordingView("/orders")

	handler := NewFailureHandler(store, bus, WithView(view))
	handler.OnRemoteLogout(context.Background())

	assert.Nil(t, store.Get())
	assert.Empty(t, bus.Messages())
	assert.Equal(t, []string{DefaultSignInRoute}, view.Navigations())
	assert.Equal(t, []string{SignedOutNotice}, view.Notices())
}

func TestFailureHandler_SignOut(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "a"}))

		bus := &busStub{}
		called := false

		handler := NewFailureHandler(store, bus)
		handler.SignOut(context.Background(), logoutFunc(func(context.Context) error {
			called = true

			return nil
		}))

		assert.True(t, called)
		assert.Nil(t, store.Get())
		assert.Equal(t, []Message{{Type: LoggedOut}}, bus.Messages())
	})

	t.Run("ServerUnavailable", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "a"}))

		handler := NewFailureHandler(store, nil)
		handler.SignOut(context.Background(), logoutFunc(func(context.Context) error {
			return &NetworkError{Err: errors.New("connection refused")}
		}))

		assert.Nil(t, store.Get())
	})
}
