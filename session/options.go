package session

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CredentialStoreOption configures a CredentialStore.
type CredentialStoreOption interface {
	applyCredentialStore(s *CredentialStore)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption interface {
	applyCoordinator(c *Coordinator)
}

// PipelineOption configures a Pipeline.
type PipelineOption interface {
	applyPipeline(p *Pipeline)
}

// FailureHandlerOption configures a FailureHandler.
type FailureHandlerOption interface {
	applyFailureHandler(h *FailureHandler)
}

// WithClock sets the clock used for timestamps, expiry checks and backoff delays.
func WithClock(clock clockwork.Clock) ClockOption {
	return ClockOption{clock}
}

// ClockOption configures a CredentialStore, a Coordinator or a Pipeline.
type ClockOption struct {
	clock clockwork.Clock
}

func (o ClockOption) applyCredentialStore(s *CredentialStore) {
	s.clock = o.clock
}

func (o ClockOption) applyCoordinator(c *Coordinator) {
	c.clock = o.clock
}

func (o ClockOption) applyPipeline(p *Pipeline) {
	p.clock = o.clock
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LoggerOption {
	return LoggerOption{logger}
}

// LoggerOption configures every component.
type LoggerOption struct {
	logger *zap.Logger
}

func (o LoggerOption) applyCredentialStore(s *CredentialStore) {
	s.logger = o.logger
}

func (o LoggerOption) applyCoordinator(c *Coordinator) {
	c.logger = o.logger
}

func (o LoggerOption) applyPipeline(p *Pipeline) {
	p.logger = o.logger
}

func (o LoggerOption) applyFailureHandler(h *FailureHandler) {
	h.logger = o.logger
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) MetricsOption {
	return MetricsOption{metrics}
}

// MetricsOption configures a Coordinator or a Pipeline.
type MetricsOption struct {
	metrics Metrics
}

func (o MetricsOption) applyCoordinator(c *Coordinator) {
	c.metrics = o.metrics
}

func (o MetricsOption) applyPipeline(p *Pipeline) {
	p.metrics = o.metrics
}

// WithBackoffPolicy overrides DefaultBackoffPolicy.
func WithBackoffPolicy(policy BackoffPolicy) CoordinatorOption {
	return coordinatorOptionFunc(func(c *Coordinator) {
		c.policy = policy
	})
}

type coordinatorOptionFunc func(c *Coordinator)

func (fn coordinatorOptionFunc) applyCoordinator(c *Coordinator) {
	fn(c)
}

// WithHTTPClient sets the client used for business requests.
// It should share its cookie jar with the RefreshTransport.
func WithHTTPClient(client *http.Client) PipelineOption {
	return pipelineOptionFunc(func(p *Pipeline) {
		p.client = client
	})
}

// WithAntiForgeryTokenSource sets where the anti-forgery token is read from.
func WithAntiForgeryTokenSource(source AntiForgeryTokenSource) PipelineOption {
	return pipelineOptionFunc(func(p *Pipeline) {
		p.csrf = source
	})
}

// WithActivityDebounce sets the minimum interval between two activity timestamp writes.
func WithActivityDebounce(d time.Duration) PipelineOption {
	return pipelineOptionFunc(func(p *Pipeline) {
		p.debounce = d
	})
}

type pipelineOptionFunc func(p *Pipeline)

func (fn pipelineOptionFunc) applyPipeline(p *Pipeline) {
	fn(p)
}

// WithView sets the application view-state holder notified on session loss.
func WithView(view View) FailureHandlerOption {
	return failureHandlerOptionFunc(func(h *FailureHandler) {
		h.view = view
	})
}

// WithSignInRoute overrides DefaultSignInRoute.
func WithSignInRoute(route string) FailureHandlerOption {
	return failureHandlerOptionFunc(func(h *FailureHandler) {
		h.signInRoute = route
	})
}

type failureHandlerOptionFunc func(h *FailureHandler)

func (fn failureHandlerOptionFunc) applyFailureHandler(h *FailureHandler) {
	fn(h)
}
