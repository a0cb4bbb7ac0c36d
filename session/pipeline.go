package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultActivityDebounce is the minimum interval between two activity timestamp writes.
const DefaultActivityDebounce = 100 * time.Millisecond

// Request is an outbound business API call.
type Request struct {
	Method string

	// Path is resolved against the base URL of the Pipeline.
	Path  string
	Query url.Values

	Header http.Header

	// Body is encoded as JSON unless it is nil.
	Body any
}

// Pipeline sends business API requests with the current credential attached
// and transparently refreshes the credential once when a request is rejected with 401.
type Pipeline struct {
	baseURL     *url.URL
	client      *http.Client
	store       *CredentialStore
	coordinator *Coordinator
	failure     *FailureHandler
	csrf        AntiForgeryTokenSource
	debounce    time.Duration

	activityMu   sync.Mutex
	lastActivity time.Time

	// failedCall is the last failed refresh the FailureHandler already ran for.
	// Concurrent requests observing the same failed refresh escalate only once.
	failedCall atomic.Pointer[refreshCall]

	clock   clockwork.Clock
	logger  *zap.Logger
	metrics Metrics
}

// NewPipeline returns a new Pipeline sending requests relative to baseURL.
func NewPipeline(baseURL string, store *CredentialStore, coordinator *Coordinator, failure *FailureHandler, opts ...PipelineOption) (*Pipeline, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	p := &Pipeline{
		baseURL:     u,
		store:       store,
		coordinator: coordinator,
		failure:     failure,
		debounce:    DefaultActivityDebounce,
	}

	for _, opt := range opts {
		opt.applyPipeline(p)
	}

	if p.client == nil {
		p.client = http.DefaultClient
	}

	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}

	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	if p.metrics == nil {
		p.metrics = noopMetrics{}
	}

	return p, nil
}

// Send executes r and returns the JSON response body, or nil if the response has no body.
//
// A 401 triggers a refresh and a single retry of the identical request.
// If the refresh fails, the FailureHandler runs and ErrSessionExpired is returned.
// A 403 is returned as *SecurityError, any other non-2xx response as *StatusError.
func (p *Pipeline) Send(ctx context.Context, r Request) (json.RawMessage, error) {
	var body []byte

	if r.Body != nil {
		var err error

		body, err = json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	return p.send(ctx, r, body, false)
}

// SendJSON is Send decoding the response body into v.
// It reports whether there was a body to decode.
func (p *Pipeline) SendJSON(ctx context.Context, r Request, v any) (bool, error) {
	raw, err := p.Send(ctx, r)
	if err != nil {
		return false, err
	}

	if raw == nil {
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding response body: %w", err)
	}

	return true, nil
}

func (p *Pipeline) send(ctx context.Context, r Request, body []byte, retried bool) (json.RawMessage, error) {
	req, err := p.newRequest(ctx, r, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	p.metrics.Response(resp.StatusCode)

	logger := p.logger.With(zap.String("method", req.Method), zap.String("path", r.Path), zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		p.touchActivity()

		if resp.ContentLength == 0 || len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}

		if !json.Valid(data) {
			return nil, errors.New("response body is not valid JSON")
		}

		return json.RawMessage(data), nil

	case resp.StatusCode == http.StatusUnauthorized && !retried:
		logger.Debug("request unauthorized, refreshing credential")

		return p.refreshAndRetry(ctx, r, body)

	default:
		logger.Debug("request failed")

		return nil, NewResponseError(resp.StatusCode, data)
	}
}

func (p *Pipeline) refreshAndRetry(ctx context.Context, r Request, body []byte) (json.RawMessage, error) {
	call := p.coordinator.trigger()

	ok, err := call.wait(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		if p.failedCall.Swap(call) != call {
			p.failure.OnSessionInvalid(ctx)
		}

		return nil, ErrSessionExpired
	}

	return p.send(ctx, r, body, true)
}

func (p *Pipeline) newRequest(ctx context.Context, r Request, body []byte) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	u := p.baseURL.JoinPath(r.Path)
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if credential := p.store.Get(); credential != nil && credential.Token != "" {
		req.Header.Set("Authorization", "Bearer "+credential.Token)
	}

	if isStateChanging(method) && p.csrf != nil {
		if token, ok := p.csrf.AntiForgeryToken(); ok {
			req.Header.Set(AntiForgeryHeader, token)
		}
	}

	return req, nil
}

func (p *Pipeline) touchActivity() {
	p.activityMu.Lock()

	now := p.clock.Now()
	if !p.lastActivity.IsZero() && now.Sub(p.lastActivity) < p.debounce {
		p.activityMu.Unlock()

		return
	}

	p.lastActivity = now
	p.activityMu.Unlock()

	if err := p.store.TouchActivity(); err != nil {
		p.logger.Warn("recording activity", zap.Error(err))
	}
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
