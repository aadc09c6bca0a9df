package items

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shardgate/internal/fault"
)

// Metrics tracks pipeline outcomes. Security denials get their own counter
// so they can be alarmed separately from ordinary failures.
type Metrics struct {
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
	denials  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shardgate_requests_total",
			Help: "Completed item operations by outcome.",
		}, []string{"op", "outcome"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shardgate_failures_total",
			Help: "Pipeline failures by fault kind.",
		}, []string{"kind"}),
		denials: f.NewCounter(prometheus.CounterOpts{
			Name: "shardgate_security_denials_total",
			Help: "Security-relevant denials (policy rejected, identity untrusted, access denied).",
		}),
	}
}

func (m *Metrics) Outcome(op, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Failure(kind fault.Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind.String()).Inc()
	if fault.Security(kind) {
		m.denials.Inc()
	}
}
