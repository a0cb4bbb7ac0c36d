package session

import (
	"context"

	"go.uber.org/zap"
)

// MessageType tags a Message.
type MessageType string

// Message types.
const (
	CredentialUpdated MessageType = "CREDENTIAL_UPDATED"
	LoggedOut         MessageType = "LOGGED_OUT"
)

// Message is broadcast between execution contexts sharing an origin.
// Payload is only set for CredentialUpdated.
type Message struct {
	Type    MessageType `json:"type"`
	Payload *Credential `json:"payload,omitempty"`
}

// MessageHandler receives messages published by sibling contexts.
type MessageHandler func(message Message)

// Bus is a best-effort, one-to-many channel between execution contexts of the same origin.
//
// A message published while a sibling is not listening is lost.
// A Bus never delivers a message back to the context that published it.
type Bus interface {
	Publish(ctx context.Context, message Message) error

	// Subscribe registers handler and returns a function removing it.
	Subscribe(handler MessageHandler) (unsubscribe func())

	Close() error
}

// Listen keeps store in sync with sibling contexts.
//
// CredentialUpdated is merged into store. LoggedOut runs the local cleanup of failure
// without publishing again.
func Listen(bus Bus, store *CredentialStore, failure *FailureHandler, logger *zap.Logger) (unsubscribe func()) {
	if logger == nil {
		logger = zap.NewNop()
	}

	return bus.Subscribe(func(message Message) {
		switch message.Type {
		case CredentialUpdated:
			if message.Payload == nil {
				return
			}

			if err := store.Set(*message.Payload); err != nil {
				logger.Error("storing credential from sibling context", zap.Error(err))
			}

		case LoggedOut:
			failure.OnRemoteLogout(context.Background())

		default:
			logger.Debug("ignoring unknown message", zap.String("type", string(message.Type)))
		}
	})
}
