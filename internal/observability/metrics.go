package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Settlement ---
	OperationsCommitted    *prometheus.CounterVec
	OperationsRejected     *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	ExchangeRoundtrip      prometheus.Histogram
	ReleaseFailures        prometheus.Counter
	VaultTotal             prometheus.Gauge
	VaultAvailableCapacity prometheus.Gauge
	VaultSequence          prometheus.Gauge

	// --- Channels & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDropped  prometheus.Counter
	EventsDropped      prometheus.Counter

	// --- Outbound Events ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten   prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistFlushSeconds prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetries      prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Recovery ---
	ReplayOperations prometheus.Counter
	ReplaySeconds    prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Query & HTTP API ---
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	flushBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		// Settlement
		OperationsCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kipu_operations_committed_total",
			Help: "Operations committed to the ledger",
		}, []string{"kind"}),

		OperationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kipu_operations_rejected_total",
			Help: "Operations rejected before commit",
		}, []string{"kind", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kipu_operation_duration_seconds",
			Help:    "End-to-end settlement duration, external calls included",
			Buckets: settleBuckets,
		}, []string{"kind"}),

		ExchangeRoundtrip: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kipu_exchange_roundtrip_seconds",
			Help:    "Time spent inside venue swap execution",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),

		ReleaseFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_release_failures_total",
			Help: "Committed withdrawals whose custody release failed",
		}),

		VaultTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_vault_total",
			Help: "Aggregate custodial balance in unit minor units",
		}),

		VaultAvailableCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_vault_available_capacity",
			Help: "Remaining headroom under the capacity ceiling",
		}),

		VaultSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_vault_sequence",
			Help: "Next operation sequence number",
		}),

		// Channels & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kipu_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kipu_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kipu_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_projection_drops_total",
			Help: "Operations dropped due to full projection channel",
		}),

		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_event_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Outbound Events
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kipu_events_published_total",
			Help: "Events published to the outbound stream",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_publish_errors_total",
			Help: "Failed publish attempts",
		}),

		// Persistence
		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_persist_operations_written_total",
			Help: "Operations written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kipu_persist_batch_size",
			Help:    "Operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistFlushSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kipu_persist_flush_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: flushBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kipu_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Recovery
		ReplayOperations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_replay_operations_total",
			Help: "Operations replayed on startup",
		}),

		ReplaySeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Snapshots
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kipu_snapshots_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kipu_snapshot_duration_seconds",
			Help:    "Snapshot save duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kipu_snapshot_last_sequence",
			Help: "Last applied sequence covered by a snapshot",
		}),

		// Query & HTTP API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kipu_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kipu_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kipu_http_request_duration_seconds",
			Help:    "HTTP handler latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
		}, []string{"route", "method", "status"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
