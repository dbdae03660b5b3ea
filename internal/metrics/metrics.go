// Package metrics provides Prometheus instrumentation for the chat room
// server. It exposes gauges for connection and room counts, counters for
// frame throughput and drops, and a histogram for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms currently loaded in memory.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Current number of active rooms",
	})

	// FramesTotal counts accepted client frames, labeled by type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_total",
		Help: "Total number of client frames applied",
	}, []string{"type"}) // type = "add", "update", "read"

	// FramesDropped counts client frames that were ignored, labeled by reason.
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_dropped_total",
		Help: "Total number of client frames dropped",
	}, []string{"reason"})

	// PersistLatency records how long a single store write takes.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_persist_latency_seconds",
		Help:    "Durable log write latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PersistFailures counts store writes that failed and stopped a room.
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_persist_failures_total",
		Help: "Total number of failed durable log writes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		FramesTotal,
		FramesDropped,
		PersistLatency,
		PersistFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
