package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/distribution-auth/sessionkeeper/session"
)

// DefaultChannel is the well-known channel shared by every context of the application.
const DefaultChannel = "sessionkeeper:session"

// envelope is the wire format of a message on the Redis channel.
type envelope struct {
	Source string `json:"source"`

	session.Message
}

// Redis is a Bus over Redis PUBLISH/SUBSCRIBE.
//
// Every Redis bus has a random member ID; messages carrying its own ID are dropped on receipt.
type Redis struct {
	client  redis.UniversalClient
	channel string
	id      string

	pubsub *redis.PubSub
	done   chan struct{}

	mu            sync.Mutex
	subscriptions []subscription
	nextID        int

	logger *zap.Logger
}

// NewRedis subscribes to channel and returns a new Redis bus.
// The subscription is confirmed before NewRedis returns.
func NewRedis(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.Logger) (*Redis, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	pubsub := client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()

		return nil, err
	}

	b := &Redis{
		client:  client,
		channel: channel,
		id:      id.String(),
		pubsub:  pubsub,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("channel", channel), zap.String("member", id.String())),
	}

	go b.receive(pubsub.Channel())

	return b, nil
}

func (b *Redis) Publish(ctx context.Context, message session.Message) error {
	data, err := json.Marshal(envelope{
		Source:  b.id,
		Message: message,
	})
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *Redis) Subscribe(handler session.MessageHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.subscriptions = append(b.subscriptions, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subscriptions {
			if s.id == id {
				b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)

				return
			}
		}
	}
}

// Close unsubscribes and waits for the receive loop to stop.
// The Redis client itself is left open.
func (b *Redis) Close() error {
	err := b.pubsub.Close()

	<-b.done

	return err
}

func (b *Redis) receive(messages <-chan *redis.Message) {
	defer close(b.done)

	for msg := range messages {
		var env envelope

		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping undecodable message", zap.Error(err))

			continue
		}

		if env.Source == b.id {
			continue
		}

		b.mu.Lock()
		subscriptions := make([]subscription, len(b.subscriptions))
		copy(subscriptions, b.subscriptions)
		b.mu.Unlock()

		for _, s := range subscriptions {
			s.handler(env.Message)
		}
	}
}
