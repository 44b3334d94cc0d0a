package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedGuards = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patrol_stream_connected_clients",
			Help: "Open tracking channels",
		},
		[]string{"namespace"},
	)

	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_stream_events_received_total",
			Help: "Events received from devices",
		},
		[]string{"event"},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_stream_rate_limited_total",
			Help: "Location events rejected by the rate limiter",
		},
	)

	batchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_stream_batches_flushed_total",
			Help: "locations:batch frames sent to subscribers",
		},
	)

	droppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_stream_dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full",
		},
	)
)
