package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Core ---
	CoreOpsApplied  *prometheus.CounterVec
	CoreOpsRejected *prometheus.CounterVec
	CoreOpDuration  *prometheus.HistogramVec
	CoreJournals    *prometheus.CounterVec
	CoreRollbacks   *prometheus.CounterVec
	CoreSequence    prometheus.Gauge

	// --- Vaults & normalization ---
	VaultsOpen          prometheus.Gauge
	NormalizationFactor prometheus.Gauge
	NormalizationPokes  *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations      *prometheus.CounterVec
	LiquidationRepaid prometheus.Counter
	LiquidationSeized prometheus.Counter

	// --- Composite operations ---
	CompositeOps        *prometheus.CounterVec
	CompositeOpDuration *prometheus.HistogramVec

	// --- Oracle ---
	OracleErrors *prometheus.CounterVec

	// --- Channels ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	PriceSequenceGaps     *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg (tests use a private registry).
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_core_ops_applied_total",
			Help: "Operations committed by the controller",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_core_ops_rejected_total",
			Help: "Operations rolled back, by reason",
		}, []string{"op", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pp_core_op_duration_seconds",
			Help:    "Time to execute one atomic operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_core_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		CoreRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_core_rollbacks_total",
			Help: "Atomic units rolled back",
		}, []string{"op"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_core_sequence",
			Help: "Current global sequence number",
		}),

		VaultsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_vaults_open",
			Help: "Vaults with collateral, debt or an LP position",
		}),

		NormalizationFactor: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_normalization_factor",
			Help: "Current normalization factor (1.0 at genesis)",
		}),

		NormalizationPokes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_normalization_settlements_total",
			Help: "Normalization settlements, by outcome",
		}, []string{"outcome"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_liquidations_total",
			Help: "Liquidations executed, by kind",
		}, []string{"kind"}),

		LiquidationRepaid: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_liquidation_debt_repaid_osqth_total",
			Help: "Normalized debt repaid by liquidators",
		}),

		LiquidationSeized: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_liquidation_collateral_seized_eth_total",
			Help: "Collateral paid out to liquidators",
		}),

		CompositeOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_composite_ops_total",
			Help: "Composite operations by kind and final state",
		}, []string{"kind", "state"}),

		CompositeOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pp_composite_op_duration_seconds",
			Help:    "Composite operation latency",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		OracleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_oracle_errors_total",
			Help: "Oracle failures by pool and kind",
		}, []string{"pool", "kind"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_publish_drops_total",
			Help: "Events that failed to publish",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_ingest_messages_total",
			Help: "Inbound messages by event type and outcome",
		}, []string{"event_type", "outcome"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_idempotency_duplicates_total",
			Help: "Duplicate requests rejected",
		}, []string{"tier"}),

		PriceSequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_price_sequence_gaps_total",
			Help: "Gaps in inbound price observation sequences",
		}, []string{"pool"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pp_persist_batch_duration_seconds",
			Help:    "Persistence batch commit time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_persist_last_sequence",
			Help: "Highest persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "pp_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "pp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pp_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pp_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
