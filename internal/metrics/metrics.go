// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by the HTTP server at
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_events_published_total",
		Help: "Events accepted by Publish, labelled by event type.",
	}, []string{"event_type"})

	EnvelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_envelopes_sent_total",
		Help: "Envelopes written to client connections, labelled by category.",
	}, []string{"category"})

	SerializationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamd_serialization_failures_total",
		Help: "Envelopes sent in degraded form because the payload could not be encoded.",
	})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_admission_rejections_total",
		Help: "Stream requests refused before a connection opened, labelled by kind.",
	}, []string{"kind"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamd_active_connections",
		Help: "Connections currently running.",
	})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_connections_closed_total",
		Help: "Closed connections, labelled by reason and cleanliness.",
	}, []string{"reason", "clean"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_connection_state_transitions_total",
		Help: "Connection state transitions, labelled by target state.",
	}, []string{"state"})

	Replays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamd_replays_total",
		Help: "Completed replays.",
	})

	ReplayedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamd_replayed_events_total",
		Help: "Events re-delivered by replays.",
	})

	ReplayGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamd_replay_gaps_total",
		Help: "Sequence ranges reported as unrecoverable during replay.",
	})

	BufferedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamd_buffered_events",
		Help: "Envelopes held in the replay buffer.",
	})

	BufferEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_buffer_evictions_total",
		Help: "Envelopes evicted from the replay buffer, labelled by reason.",
	}, []string{"reason"})

	StorePruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamd_store_pruned_total",
		Help: "Event records removed from the durable store by retention.",
	})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamd_publish_duration_ms",
		Help:    "Publish latency from sequence assignment to fan-out, in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
	})

	StorageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamd_storage_op_duration_ms",
		Help:    "Storage operation latency in milliseconds, labelled by operation.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
	}, []string{"op"})

	StorageBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamd_storage_bytes_total",
		Help: "Bytes moved through the storage engine, labelled by operation.",
	}, []string{"op"})
)

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// ObservePublish records one publish latency.
func ObservePublish(d time.Duration) { PublishDuration.Observe(ms(d)) }

// Storage adapts the storage engine's metrics hook onto the collectors.
type Storage struct{}

func (Storage) ObserveWrite(elapsed time.Duration, bytes int) {
	StorageOpDuration.WithLabelValues("write").Observe(ms(elapsed))
	StorageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (Storage) ObserveRead(elapsed time.Duration, bytes int) {
	StorageOpDuration.WithLabelValues("read").Observe(ms(elapsed))
	StorageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (Storage) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	StorageOpDuration.WithLabelValues("batch_commit").Observe(ms(elapsed))
	StorageBytes.WithLabelValues("batch_commit").Add(float64(bytes))
}
