package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements session.Metrics with Prometheus collectors.
type Prometheus struct {
	refreshAttempts prometheus.Counter
	refreshOutcomes *prometheus.CounterVec
	responses       *prometheus.CounterVec
}

// NewPrometheus registers the collectors with registerer.
func NewPrometheus(registerer prometheus.Registerer) (*Prometheus, error) {
	m := &Prometheus{
		refreshAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "refresh_attempts_total",
			Help:      "Number of calls to the refresh endpoint, retries included.",
		}),
		refreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "refresh_outcomes_total",
			Help:      "Number of settled refreshes by outcome.",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionkeeper",
			Name:      "responses_total",
			Help:      "Number of business API responses by status code.",
		}, []string{"code"}),
	}

	for _, collector := range []prometheus.Collector{m.refreshAttempts, m.refreshOutcomes, m.responses} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Prometheus) RefreshAttempt() {
	m.refreshAttempts.Inc()
}

func (m *Prometheus) RefreshSettled(outcome string) {
	m.refreshOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) Response(statusCode int) {
	m.responses.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}
