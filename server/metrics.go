package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible coordinator metrics.
//
// Metrics exposed (all namespaced with "flux_"):
//
//  1. executions_total (counter): executions reaching each state.
//     Labels: state.
//  2. connected_workers (gauge): workers with a live control stream.
//  3. dispatch_latency_ms (histogram): time from SCHEDULED to a successful
//     claim.
//  4. checkpoint_conflicts_total (counter): stale checkpoint_seq rejections.
//  5. claim_conflicts_total (counter): losing claim attempts.
//
// Create with NewMetrics on a caller-supplied registry and expose via
// promhttp on /metrics. All methods are safe for concurrent use.
type Metrics struct {
	executions          *prometheus.CounterVec
	connectedWorkers    prometheus.Gauge
	dispatchLatency     prometheus.Histogram
	checkpointConflicts prometheus.Counter
	claimConflicts      prometheus.Counter
}

// NewMetrics registers the coordinator metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flux_executions_total",
			Help: "Executions reaching each lifecycle state.",
		}, []string{"state"}),
		connectedWorkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flux_connected_workers",
			Help: "Workers with a live control stream.",
		}),
		dispatchLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "flux_dispatch_latency_ms",
			Help:    "Milliseconds from SCHEDULED to a successful claim.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		checkpointConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flux_checkpoint_conflicts_total",
			Help: "Checkpoint POSTs rejected for a stale checkpoint_seq.",
		}),
		claimConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flux_claim_conflicts_total",
			Help: "Claim POSTs that lost the at-most-one claim race.",
		}),
	}
}

func (m *Metrics) executionState(state string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(state).Inc()
}

func (m *Metrics) workerConnected(delta float64) {
	if m == nil {
		return
	}
	m.connectedWorkers.Add(delta)
}

func (m *Metrics) observeDispatch(ms float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(ms)
}

func (m *Metrics) checkpointConflict() {
	if m == nil {
		return
	}
	m.checkpointConflicts.Inc()
}

func (m *Metrics) claimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}
