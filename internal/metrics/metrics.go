// Package metrics defines the Prometheus instruments of a collabd replica.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

// Metrics groups every instrument. Create one per registry with New.
type Metrics struct {
	// Sessions is the number of ACTIVE sync sessions on this replica.
	Sessions prometheus.Gauge
	// Streams is the number of open document streams.
	Streams prometheus.Gauge

	// MessagesIn counts decoded client frames.
	// Labels: type
	MessagesIn *prometheus.CounterVec
	// MessagesOut counts frames queued to clients.
	// Labels: type
	MessagesOut *prometheus.CounterVec

	ProtocolErrors prometheus.Counter
	// MergeErrors counts rejected deltas.
	// Labels: reason (invalid, stale_epoch, future_epoch, read_only)
	MergeErrors   *prometheus.CounterVec
	SlowConsumers prometheus.Counter

	// BusEvents counts events received from other replicas.
	// Labels: kind
	BusEvents          *prometheus.CounterVec
	BusPublishFailures prometheus.Counter

	SnapshotSaves    prometheus.Counter
	SnapshotFailures prometheus.Counter
	SnapshotDuration prometheus.Histogram
	Rollbacks        prometheus.Counter
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Active sync sessions",
		}),
		Streams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "open",
			Help:      "Open document streams",
		}),
		MessagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_in_total",
			Help:      "Client frames received by type",
		}, []string{"type"}),
		MessagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_out_total",
			Help:      "Frames sent to clients by type",
		}, []string{"type"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Malformed client frames",
		}),
		MergeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "merge_errors_total",
			Help:      "Deltas rejected by the store",
		}, []string{"reason"}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "slow_consumers_total",
			Help:      "Sessions dropped because their outbound queue filled",
		}),
		BusEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_received_total",
			Help:      "Events received from other replicas by kind",
		}, []string{"kind"}),
		BusPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Events that could not be published",
		}),
		SnapshotSaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "saves_total",
			Help:      "Snapshots persisted",
		}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Snapshot writes that failed",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Time to persist one snapshot",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "rollbacks_total",
			Help:      "Completed rollbacks",
		}),
	}
}

// Discard returns instruments registered on a private registry.
func Discard() *Metrics { return New(prometheus.NewRegistry()) }
