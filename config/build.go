package config

import (
	"context"

	"go.uber.org/zap"

	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/transport"
)

// Dependencies are the parts of a session.Client that configuration cannot describe.
// Every field is optional.
type Dependencies struct {
	Logger  *zap.Logger
	View    session.View
	Metrics session.Metrics
}

// Build assembles a session.Client from the configuration.
// The returned transport shares its cookie jar with the client's pipeline.
func (c Config) Build(ctx context.Context, deps Dependencies) (*session.Client, *transport.HTTP, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	kv, err := c.Store.Config.CreateStore()
	if err != nil {
		return nil, nil, err
	}

	httpClient, err := transport.NewHTTPClient(c.Timeout)
	if err != nil {
		return nil, nil, err
	}

	csrf, err := transport.NewCookieTokenSource(httpClient.Jar, c.APIBase)
	if err != nil {
		return nil, nil, err
	}

	refreshTransport, err := transport.NewHTTP(c.APIBase, httpClient, csrf, logger.Named("transport"))
	if err != nil {
		return nil, nil, err
	}

	var bus session.Bus

	if c.Bus.Type != "" {
		bus, err = c.Bus.Config.CreateBus(ctx, logger.Named("bus"))
		if err != nil {
			return nil, nil, err
		}
	}

	client, err := session.NewClient(session.ClientConfig{
		BaseURL:                c.APIBase,
		KeyValueStore:          kv,
		Transport:              refreshTransport,
		Bus:                    bus,
		HTTPClient:             httpClient,
		AntiForgeryTokenSource: csrf,
		View:                   deps.View,
		SignInRoute:            c.SignInRoute,
		BackoffPolicy: session.BackoffPolicy{
			Base:        c.Backoff.Base,
			MaxAttempts: c.Backoff.MaxAttempts,
		},
		ActivityDebounce: c.ActivityDebounce,
		Logger:           logger,
		Metrics:          deps.Metrics,
	})
	if err != nil {
		if bus != nil {
			bus.Close()
		}

		return nil, nil, err
	}

	return client, refreshTransport, nil
}
