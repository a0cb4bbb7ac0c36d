package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/sessionkeeper/session/kv"
)

// busStub records published messages.
type busStub struct {
	mu       sync.Mutex
	messages []Message
}

func (b *busStub) Publish(_ context.Context, message Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, message)

	return nil
}

func (b *busStub) Subscribe(MessageHandler) func() {
	return func() {}
}

func (b *busStub) Close() error {
	return nil
}

func (b *busStub) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Message(nil), b.messages...)
}

func TestCoordinator_Trigger(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "old", RefreshToken: "r1"}))

		bus := &busStub{}

		var received *Credential
		transport := NewExchangeFunc(func(_ context.Context, credential *Credential) (Credential, error) {
			received = credential

			return Credential{Token: "new"}, nil
		})

		coordinator := NewCoordinator(transport, store, bus)

		ok, err := coordinator.Trigger(context.Background())
		require.NoError(t, err)

		assert.True(t, ok)
		assert.False(t, coordinator.IsInFlight())
		assert.Equal(t, &Credential{Token: "old", RefreshToken: "r1"}, received)
		assert.Equal(t, &Credential{Token: "new", RefreshToken: "r1"}, store.Get())
		assert.Equal(t, []Message{{Type: CredentialUpdated, Payload: &Credential{Token: "new", RefreshToken: "r1"}}}, bus.Messages())
	})

	t.Run("SessionOver", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		bus := &busStub{}

		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			return Credential{}, &StatusError{StatusCode: http.StatusUnauthorized, Message: "session expired"}
		})

		coordinator := NewCoordinator(transport, store, bus, WithClock(clockwork.NewFakeClock()))

		ok, err := coordinator.Trigger(context.Background())
		require.NoError(t, err)

		assert.False(t, ok)
		assert.Equal(t, 1, transport.Calls())
		assert.Empty(t, bus.Messages())
	})

	t.Run("Forbidden", func(t *testing.T) {
		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			return Credential{}, &SecurityError{Message: "invalid anti-forgery token"}
		})

		coordinator := NewCoordinator(transport, NewCredentialStore(&kv.Memory{}), nil, WithClock(clockwork.NewFakeClock()))

		ok, err := coordinator.Trigger(context.Background())
		require.NoError(t, err)

		assert.False(t, ok)
		assert.Equal(t, 1, transport.Calls())
	})

	t.Run("LoggedOutWhileInFlight", func(t *testing.T) {
		store := NewCredentialStore(&kv.Memory{})
		require.NoError(t, store.Set(Credential{Token: "old", RefreshToken: "r1"}))

		bus := &busStub{}

		started := make(chan struct{})
		release := make(chan struct{})

		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			close(started)
			<-release

			return Credential{Token: "new"}, nil
		})

		coordinator := NewCoordinator(transport, store, bus)
		failure := NewFailureHandler(store, nil)

		result := make(chan bool, 1)

		go func() {
			ok, err := coordinator.Trigger(context.Background())
			assert.NoError(t, err)

			result <- ok
		}()

		<-started

		failure.OnRemoteLogout(context.Background())

		close(release)

		assert.False(t, <-result)
		assert.Nil(t, store.Get())
		assert.Empty(t, bus.Messages())
	})

	t.Run("EmptyResponse", func(t *testing.T) {
		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			return Credential{}, nil
		})

		store := NewCredentialStore(&kv.Memory{})
		coordinator := NewCoordinator(transport, store, nil)

		ok, err := coordinator.Trigger(context.Background())
		require.NoError(t, err)

		assert.False(t, ok)
		assert.Nil(t, store.Get())
	})

	t.Run("RetriesTransientFailures", func(t *testing.T) {
		clock := clockwork.NewFakeClock()

		transport := NewExchangeFunc(nil)
		transport.fn = func(context.Context, *Credential) (Credential, error) {
			if transport.Calls() < 3 {
				return Credential{}, &StatusError{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
			}

			return Credential{Token: "new"}, nil
		}

		coordinator := NewCoordinator(transport, NewCredentialStore(&kv.Memory{}), nil, WithClock(clock))

		result := make(chan bool, 1)

		go func() {
			ok, _ := coordinator.Trigger(context.Background())
			result <- ok
		}()

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		clock.BlockUntil(1)
		clock.Advance(2 * time.Second)

		assert.True(t, <-result)
		assert.Equal(t, 3, transport.Calls())
	})

	t.Run("ContextBoundsWaitOnly", func(t *testing.T) {
		release := make(chan struct{})

		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			<-release

			return Credential{Token: "new"}, nil
		})

		store := NewCredentialStore(&kv.Memory{})
		coordinator := NewCoordinator(transport, store, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := coordinator.Trigger(ctx)
		require.ErrorIs(t, err, context.Canceled)

		assert.True(t, coordinator.IsInFlight())

		close(release)

		require.Eventually(t, func() bool { return !coordinator.IsInFlight() }, 5*time.Second, time.Millisecond)
		assert.Equal(t, &Credential{Token: "new"}, store.Get())
	})
}

func TestCoordinator_SingleFlight(t *testing.T) {
	const callers = 10

	release := make(chan struct{})

	transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
		<-release

		return Credential{Token: "new"}, nil
	})

	coordinator := NewCoordinator(transport, NewCredentialStore(&kv.Memory{}), nil)

	type outcome struct {
		ok  bool
		err error
	}

	start := make(chan struct{})
	outcomes := make(chan outcome, callers)

	var wg sync.WaitGroup
	wg.Add(callers)

	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start

			ok, err := coordinator.Trigger(context.Background())
			outcomes <- outcome{ok, err}
		}()
	}

	close(start)

	waitForCallers(t, coordinator, callers)
	assert.True(t, coordinator.IsInFlight())

	close(release)
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		require.NoError(t, o.err)
		assert.True(t, o.ok)
	}

	assert.Equal(t, 1, transport.Calls())
	assert.False(t, coordinator.IsInFlight())
}

func TestCoordinator_OnSettle(t *testing.T) {
	t.Run("Idle", func(t *testing.T) {
		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			return Credential{Token: "new"}, nil
		})

		coordinator := NewCoordinator(transport, NewCredentialStore(&kv.Memory{}), nil)

		var (
			called bool
			result = true
		)

		coordinator.OnSettle(func(success bool) {
			called = true
			result = success
		})

		assert.True(t, called)
		assert.False(t, result)
		assert.False(t, coordinator.IsInFlight())
		assert.Equal(t, 0, transport.Calls())
	})

	t.Run("InFlight", func(t *testing.T) {
		release := make(chan struct{})

		transport := NewExchangeFunc(func(context.Context, *Credential) (Credential, error) {
			<-release

			return Credential{Token: "new"}, nil
		})

		coordinator := NewCoordinator(transport, NewCredentialStore(&kv.Memory{}), nil)

		done := make(chan bool, 1)

		go coordinator.Trigger(context.Background())

		waitForCallers(t, coordinator, 1)

		coordinator.OnSettle(func(success bool) {
			done <- success
		})

		close(release)

		assert.True(t, <-done)
	})
}

func TestCoordinator_RetryExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()

	transport := NewExchangeFunc(nil)
	transport.fn = func(context.Context, *Credential) (Credential, error) {
		if transport.Calls() <= 3 {
			return Credential{}, &StatusError{StatusCode: http.StatusInternalServerError, Message: "Internal Server Error"}
		}

		return Credential{}, &NetworkError{Err: context.DeadlineExceeded}
	}

	store := NewCredentialStore(&kv.Memory{})
	require.NoError(t, store.Set(Credential{Token: "old"}))

	coordinator := NewCoordinator(transport, store, nil, WithClock(clock))

	errs := make(chan error, 1)

	go func() {
		_, err := coordinator.Trigger(context.Background())
		errs <- err
	}()

	settled := make(chan bool, 1)

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.BlockUntil(1)

		if i == 0 {
			coordinator.OnSettle(func(success bool) {
				settled <- success
			})
		}

		clock.Advance(delay)
	}

	err := <-errs
	require.ErrorIs(t, err, ErrRetryExhausted)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))

	assert.Equal(t, 4, exhausted.Attempts)

	var networkErr *NetworkError
	assert.True(t, errors.As(err, &networkErr))

	assert.False(t, <-settled)
	assert.Equal(t, 4, transport.Calls())
	assert.Equal(t, &Credential{Token: "old"}, store.Get())
	assert.False(t, coordinator.IsInFlight())
}
