// Package metrics exposes the agent daemon's Prometheus gauges,
// counters, and histograms: peer counts, sync cycles, and RPC volume.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Peer mesh metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "halvor_peers_total",
			Help: "Total number of known peers by status",
		},
		[]string{"status"},
	)

	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "halvor_sync_cycles_total",
			Help: "Total number of peer mesh sync cycles run",
		},
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "halvor_sync_cycle_duration_seconds",
			Help:    "Time taken to complete one peer mesh sync cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "halvor_sync_failures_total",
			Help: "Total number of failed SyncDatabase calls by peer hostname",
		},
		[]string{"peer"},
	)

	// Agent server metrics
	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "halvor_agent_requests_total",
			Help: "Total number of agent protocol requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AgentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "halvor_agent_request_duration_seconds",
			Help:    "Agent protocol request duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Join state machine metrics
	JoinAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "halvor_join_attempts_total",
			Help: "Total number of join state machine runs by outcome",
		},
		[]string{"outcome"},
	)

	JoinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "halvor_join_duration_seconds",
			Help:    "Time taken for the join state machine to reach a terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	VerifyAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "halvor_verify_attempts_total",
			Help: "Total number of cluster verifier polling attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(SyncFailuresTotal)
	prometheus.MustRegister(AgentRequestsTotal)
	prometheus.MustRegister(AgentRequestDuration)
	prometheus.MustRegister(JoinAttemptsTotal)
	prometheus.MustRegister(JoinDuration)
	prometheus.MustRegister(VerifyAttemptsTotal)
}

// Handler returns the Prometheus HTTP handler for the agent's metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
