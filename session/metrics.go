package session

// Refresh outcomes reported to Metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeExhausted = "exhausted"
)

// Metrics receives events from the Coordinator and the Pipeline.
type Metrics interface {
	RefreshAttempt()
	RefreshSettled(outcome string)
	Response(statusCode int)
}

type noopMetrics struct{}

func (noopMetrics) RefreshAttempt()       {}
func (noopMetrics) RefreshSettled(string) {}
func (noopMetrics) Response(int)          {}
