package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ClientConfig collects the collaborators of a Client.
type ClientConfig struct {
	BaseURL string

	KeyValueStore KeyValueStore

	// Transport exchanges credentials. If it also implements LogoutTransport, SignOut notifies the server.
	Transport RefreshTransport

	// Bus is optional.
	Bus Bus

	HTTPClient             *http.Client
	AntiForgeryTokenSource AntiForgeryTokenSource

	View        View
	SignInRoute string

	BackoffPolicy    BackoffPolicy
	ActivityDebounce time.Duration

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics Metrics
}

// Client is one execution context: a credential store, a refresh coordinator and a request pipeline
// kept in sync with sibling contexts over a Bus.
type Client struct {
	Store       *CredentialStore
	Coordinator *Coordinator
	Failure     *FailureHandler
	Pipeline    *Pipeline

	bus         Bus
	logout      LogoutTransport
	unsubscribe func()
}

// NewClient wires a Client and starts listening on the Bus.
func NewClient(config ClientConfig) (*Client, error) {
	if config.KeyValueStore == nil {
		return nil, errors.New("key/value store is required")
	}

	if config.Transport == nil {
		return nil, errors.New("refresh transport is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	policy := config.BackoffPolicy
	if policy == (BackoffPolicy{}) {
		policy = DefaultBackoffPolicy()
	}

	store := NewCredentialStore(config.KeyValueStore, WithClock(clock), WithLogger(logger.Named("store")))

	coordinator := NewCoordinator(
		config.Transport,
		store,
		config.Bus,
		WithBackoffPolicy(policy),
		WithClock(clock),
		WithLogger(logger.Named("coordinator")),
		WithMetrics(metrics),
	)

	failureOpts := []FailureHandlerOption{WithLogger(logger.Named("failure"))}
	if config.View != nil {
		failureOpts = append(failureOpts, WithView(config.View))
	}
	if config.SignInRoute != "" {
		failureOpts = append(failureOpts, WithSignInRoute(config.SignInRoute))
	}

	failure := NewFailureHandler(store, config.Bus, failureOpts...)

	pipelineOpts := []PipelineOption{
		WithClock(clock),
		WithLogger(logger.Named("pipeline")),
		WithMetrics(metrics),
	}
	if config.HTTPClient != nil {
		pipelineOpts = append(pipelineOpts, WithHTTPClient(config.HTTPClient))
	}
	if config.AntiForgeryTokenSource != nil {
		pipelineOpts = append(pipelineOpts, WithAntiForgeryTokenSource(config.AntiForgeryTokenSource))
	}
	if config.ActivityDebounce > 0 {
		pipelineOpts = append(pipelineOpts, WithActivityDebounce(config.ActivityDebounce))
	}

	pipeline, err := NewPipeline(config.BaseURL, store, coordinator, failure, pipelineOpts...)
	if err != nil {
		return nil, err
	}

	client := &Client{
		Store:       store,
		Coordinator: coordinator,
		Failure:     failure,
		Pipeline:    pipeline,
		bus:         config.Bus,
		unsubscribe: func() {},
	}

	if logout, ok := config.Transport.(LogoutTransport); ok {
		client.logout = logout
	}

	if config.Bus != nil {
		client.unsubscribe = Listen(config.Bus, store, failure, logger.Named("bus"))
	}

	return client, nil
}

// Send is a shorthand for Pipeline.Send.
func (c *Client) Send(ctx context.Context, r Request) (json.RawMessage, error) {
	return c.Pipeline.Send(ctx, r)
}

// SignOut ends the session in this and every sibling context.
func (c *Client) SignOut(ctx context.Context) {
	c.Failure.SignOut(ctx, c.logout)
}

// Close stops listening and closes the Bus.
func (c *Client) Close() error {
	c.unsubscribe()

	if c.bus == nil {
		return nil
	}

	return c.bus.Close()
}
