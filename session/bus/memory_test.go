package bus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/bus"
)

type recorder struct {
	messages []session.Message
}

func (r *recorder) handle(message session.Message) {
	r.messages = append(r.messages, message)
}

func TestMemory(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		origin := bus.NewOrigin()

		publisher := origin.Join()
		subscriber := origin.Join()

		var own, sibling recorder

		publisher.Subscribe(own.handle)
		subscriber.Subscribe(sibling.handle)

		message := session.Message{
			Type:    session.CredentialUpdated,
			Payload: &session.Credential{Token: "b"},
		}

		err := publisher.Publish(context.Background(), message)
		require.NoError(t, err)

		assert.Empty(t, own.messages)
		require.Len(t, sibling.messages, 1)
		assert.Equal(t, message, sibling.messages[0])

		// Receivers get their own copy of the payload.
		sibling.messages[0].Payload.Token = "changed"
		assert.Equal(t, "b", message.Payload.Token)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		origin := bus.NewOrigin()

		publisher := origin.Join()
		subscriber := origin.Join()

		var first, second recorder

		unsubscribe := subscriber.Subscribe(first.handle)
		subscriber.Subscribe(second.handle)

		unsubscribe()

		err := publisher.Publish(context.Background(), session.Message{Type: session.LoggedOut})
		require.NoError(t, err)

		assert.Empty(t, first.messages)
		assert.Len(t, second.messages, 1)
	})

	t.Run("Closed", func(t *testing.T) {
		origin := bus.NewOrigin()

		publisher := origin.Join()
		subscriber := origin.Join()

		var received recorder

		subscriber.Subscribe(received.handle)

		require.NoError(t, subscriber.Close())
		require.NoError(t, subscriber.Close())

		err := publisher.Publish(context.Background(), session.Message{Type: session.LoggedOut})
		require.NoError(t, err)

		assert.Empty(t, received.messages)

		require.NoError(t, publisher.Close())

		err = publisher.Publish(context.Background(), session.Message{Type: session.LoggedOut})
		assert.ErrorIs(t, err, bus.ErrClosed)
	})

	t.Run("SeparateOrigins", func(t *testing.T) {
		publisher := bus.NewOrigin().Join()
		subscriber := bus.NewOrigin().Join()

		var received recorder

		subscriber.Subscribe(received.handle)

		err := publisher.Publish(context.Background(), session.Message{Type: session.LoggedOut})
		require.NoError(t, err)

		assert.Empty(t, received.messages)
	})
}
