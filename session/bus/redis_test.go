package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/bus"
)

type syncRecorder struct {
	mu       sync.Mutex
	messages []session.Message
}

func (r *syncRecorder) handle(message session.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, message)
}

func (r *syncRecorder) received() []session.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]session.Message(nil), r.messages...)
}

func newRedisBus(t *testing.T, addr string) *bus.Redis {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	b, err := bus.NewRedis(context.Background(), client, "", nil)
	require.NoError(t, err)

	t.Cleanup(func() { b.Close() })

	return b
}

func TestRedis(t *testing.T) {
	server := miniredis.RunT(t)

	first := newRedisBus(t, server.Addr())
	second := newRedisBus(t, server.Addr())

	var firstReceived, secondReceived syncRecorder

	first.Subscribe(firstReceived.handle)
	second.Subscribe(secondReceived.handle)

	updated := session.Message{
		Type:    session.CredentialUpdated,
		Payload: &session.Credential{Token: "b", RefreshToken: "r2"},
	}

	err := first.Publish(context.Background(), updated)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(secondReceived.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, updated, secondReceived.received()[0])

	err = second.Publish(context.Background(), session.Message{Type: session.LoggedOut})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(firstReceived.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The first bus got its own message before the second one's, and dropped it.
	assert.Equal(t, []session.Message{{Type: session.LoggedOut}}, firstReceived.received())
	assert.Len(t, secondReceived.received(), 1)
}

func TestRedis_UndecodableMessage(t *testing.T) {
	server := miniredis.RunT(t)

	b := newRedisBus(t, server.Addr())

	var received syncRecorder

	b.Subscribe(received.handle)

	server.Publish(bus.DefaultChannel, "not json")

	other := newRedisBus(t, server.Addr())

	err := other.Publish(context.Background(), session.Message{Type: session.LoggedOut})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(received.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, session.LoggedOut, received.received()[0].Type)
}
