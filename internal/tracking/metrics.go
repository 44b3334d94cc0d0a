package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are process-local counters for one batched client. They are reset
// only by ResetMetrics.
type Metrics struct {
	TotalUpdates  int64   `json:"totalUpdates"`
	LastBatchSize int     `json:"lastBatchSize"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	Reconnects    int64   `json:"reconnects"`
	Errors        int64   `json:"errors"`
	Dropped       int64   `json:"dropped"`
}

// latencyWeight is the share of a new sample in the running average.
const latencyWeight = 0.2

func (m *Metrics) observeLatency(ms float64, first bool) {
	if first {
		m.AvgLatencyMs = ms
		return
	}
	m.AvgLatencyMs = m.AvgLatencyMs*(1-latencyWeight) + ms*latencyWeight
}

var (
	emittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_tracking_emitted_total",
			Help: "Location events written to the tracking channel",
		},
		[]string{"event"},
	)

	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_tracking_throttled_total",
			Help: "Location samples dropped by a throttle window",
		},
		[]string{"event"},
	)

	peerUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_tracking_peer_updates_total",
			Help: "Peer location updates ingested from the server",
		},
	)

	batchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patrol_tracking_batch_latency_seconds",
			Help:    "Delay between the server batch timestamp and local ingestion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_tracking_reconnects_total",
			Help: "Tracking channel reconnects",
		},
	)

	serverErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_tracking_server_errors_total",
			Help: "Error events received on the tracking channel",
		},
		[]string{"code"},
	)
)
