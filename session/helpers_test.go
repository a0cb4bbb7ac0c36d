package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ExchangeFunc adapts a function to RefreshTransport and counts calls.
type ExchangeFunc struct {
	fn    func(ctx context.Context, credential *Credential) (Credential, error)
	calls atomic.Int32
}

func NewExchangeFunc(fn func(ctx context.Context, credential *Credential) (Credential, error)) *ExchangeFunc {
	return &ExchangeFunc{fn: fn}
}

func (f *ExchangeFunc) Exchange(ctx context.Context, credential *Credential) (Credential, error) {
	f.calls.Add(1)

	return f.fn(ctx, credential)
}

func (f *ExchangeFunc) Calls() int {
	return int(f.calls.Load())
}

// RecordingView is a View remembering what happened to it.
type RecordingView struct {
	mu          sync.Mutex
	route       string
	cleared     int
	notices     []string
	navigations []string
}

func NewRecordingView(route string) *RecordingView {
	return &RecordingView{route: route}
}

func (v *RecordingView) ClearUser() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cleared++
}

func (v *RecordingView) CurrentRoute() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.route
}

func (v *RecordingView) Navigate(route string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.route = route
	v.navigations = append(v.navigations, route)
}

func (v *RecordingView) Notify(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.notices = append(v.notices, message)
}

func (v *RecordingView) Cleared() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.cleared
}

func (v *RecordingView) Navigations() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]string(nil), v.navigations...)
}

func (v *RecordingView) Notices() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]string(nil), v.notices...)
}

// waitForCallers blocks until n Trigger calls share the in-flight refresh.
func waitForCallers(t *testing.T, c *Coordinator, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		return c.call != nil && c.call.callers == n
	}, 5*time.Second, time.Millisecond)
}
