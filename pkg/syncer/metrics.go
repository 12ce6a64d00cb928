package syncer

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded on loan_sync_operations_total.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRetry     = "retry"
	OutcomeRejected  = "rejected"
)

// Metrics are the sync counters exported at /metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	depth      prometheus.Gauge
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_sync_operations_total",
			Help: "Queued operations attempted against the remote service, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loan_sync_queue_depth",
			Help: "Operations awaiting delivery to the remote service.",
		}),
	}
	reg.MustRegister(m.operations, m.depth)
	return m
}

func (m *Metrics) observe(kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}
