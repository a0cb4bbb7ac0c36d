package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Coordinator makes sure at most one refresh is in flight at any time
// and hands its outcome to everyone who asked for it while it ran.
//
// The zero state is Idle. Trigger moves it to InFlight; the refresh settles back to Idle.
type Coordinator struct {
	transport RefreshTransport
	store     *CredentialStore
	bus       Bus
	policy    BackoffPolicy

	// mu guards call. A nil call means Idle.
	mu   sync.Mutex
	call *refreshCall

	clock   clockwork.Clock
	logger  *zap.Logger
	metrics Metrics
}

// refreshCall is the InFlight state. Its waiter list lives and dies with it.
type refreshCall struct {
	done chan struct{}

	// ok and err are written once, before done is closed.
	ok  bool
	err error

	waiters []func(success bool)

	// epoch is the store epoch when the refresh started; a Clear since then discards its result.
	epoch uint64

	// callers counts the Trigger calls sharing this refresh.
	callers int
}

func (call *refreshCall) wait(ctx context.Context) (bool, error) {
	select {
	case <-call.done:
		return call.ok, call.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// NewCoordinator returns a new Coordinator.
// bus may be nil, in which case refreshed credentials are not broadcast.
func NewCoordinator(transport RefreshTransport, store *CredentialStore, bus Bus, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		transport: transport,
		store:     store,
		bus:       bus,
		policy:    DefaultBackoffPolicy(),
	}

	for _, opt := range opts {
		opt.applyCoordinator(c)
	}

	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}

	return c
}

// Trigger starts a refresh unless one is already in flight and waits for its outcome.
//
// Every caller arriving while a refresh is in flight gets the outcome of that same refresh.
// The result is true when a new credential was stored, false when the server definitively refused.
// A *RetryExhaustedError is returned when transient failures consumed the backoff budget.
//
// ctx bounds the wait only: the refresh itself cannot be cancelled.
func (c *Coordinator) Trigger(ctx context.Context) (bool, error) {
	return c.trigger().wait(ctx)
}

func (c *Coordinator) trigger() *refreshCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.call != nil {
		c.call.callers++

		return c.call
	}

	call := &refreshCall{
		done:    make(chan struct{}),
		callers: 1,
		epoch:   c.store.Epoch(),
	}
	c.call = call

	go c.run(call)

	return call
}

// OnSettle registers callback to run when the in-flight refresh settles.
//
// When no refresh is in flight, callback is invoked immediately with false.
// Callbacks receive false (never an error) when retries were exhausted.
func (c *Coordinator) OnSettle(callback func(success bool)) {
	c.mu.Lock()

	if c.call == nil {
		c.mu.Unlock()

		callback(false)

		return
	}

	c.call.waiters = append(c.call.waiters, callback)
	c.mu.Unlock()
}

// IsInFlight reports whether a refresh is in progress.
func (c *Coordinator) IsInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.call != nil
}

func (c *Coordinator) run(call *refreshCall) {
	ok, err := c.refresh(context.Background(), call.epoch)

	c.mu.Lock()
	call.ok, call.err = ok, err
	waiters := call.waiters
	callers := call.callers
	call.waiters = nil
	c.call = nil
	c.mu.Unlock()

	c.logger.Debug("refresh settled", zap.Bool("success", ok), zap.Int("callers", callers), zap.Int("waiters", len(waiters)))

	close(call.done)

	for _, waiter := range waiters {
		waiter(ok)
	}
}

func (c *Coordinator) refresh(ctx context.Context, epoch uint64) (bool, error) {
	for attempt := 0; ; attempt++ {
		c.metrics.RefreshAttempt()

		credential, err := c.transport.Exchange(ctx, c.store.Get())
		if err == nil {
			return c.settle(ctx, credential, epoch)
		}

		if !IsTransient(err) {
			c.logger.Info("refresh refused", zap.Int("attempt", attempt), zap.Error(err))
			c.metrics.RefreshSettled(OutcomeFailure)

			return false, nil
		}

		if !c.policy.ShouldRetry(attempt, err) {
			c.logger.Warn("refresh retries exhausted", zap.Int("attempt", attempt), zap.Error(err))
			c.metrics.RefreshSettled(OutcomeExhausted)

			return false, &RetryExhaustedError{
				Attempts: attempt + 1,
				Err:      err,
			}
		}

		delay := c.policy.DelayFor(attempt)

		c.logger.Debug("refresh failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		<-c.clock.After(delay)
	}
}

func (c *Coordinator) settle(ctx context.Context, credential Credential, epoch uint64) (bool, error) {
	if credential.Token == "" {
		c.logger.Warn("refresh response carries no access token")
		c.metrics.RefreshSettled(OutcomeFailure)

		return false, nil
	}

	stored, err := c.store.SetInEpoch(credential, epoch)
	if err != nil {
		c.metrics.RefreshSettled(OutcomeFailure)

		return false, err
	}

	// The session ended while the refresh was in flight: a logout is terminal.
	if stored == nil {
		c.logger.Info("credential cleared while refreshing")
		c.metrics.RefreshSettled(OutcomeFailure)

		return false, nil
	}

	c.metrics.RefreshSettled(OutcomeSuccess)

	if c.bus == nil {
		return true, nil
	}

	// Siblings that miss this message discover the new credential on their next 401.
	if err := c.bus.Publish(ctx, Message{Type: CredentialUpdated, Payload: stored}); err != nil {
		c.logger.Warn("broadcasting refreshed credential", zap.Error(err))
	}

	return true, nil
}
