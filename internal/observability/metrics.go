package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Percolator.
type Metrics struct {
	// --- Order pipeline ---
	OrdersCommitted   *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	OrderCommitDur    *prometheus.HistogramVec
	OpenInterest      *prometheus.GaugeVec

	// --- Holds ---
	HoldsReserved  *prometheus.CounterVec
	HoldsCancelled *prometheus.CounterVec
	HoldsExpired   *prometheus.CounterVec
	HoldsOpen      prometheus.Gauge

	// --- Caps ---
	CapsMinted      *prometheus.CounterVec
	CapDebits       *prometheus.CounterVec
	CapsOutstanding prometheus.Gauge

	// --- Funding ---
	FundingTicksApplied     *prometheus.CounterVec
	FundingPositionsSettled *prometheus.CounterVec
	FundingRateClamped      *prometheus.CounterVec
	FundingRoundingResidual *prometheus.GaugeVec
	FundingShortfall        *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationChecked   *prometheus.CounterVec
	LiquidationExecuted  *prometheus.CounterVec
	LiquidationDeficit   *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Event log ---
	EventsEmitted       *prometheus.CounterVec
	EventsDeduplicated  *prometheus.CounterVec
	EventSequence       prometheus.Gauge

	// --- Oracle ingestion ---
	OracleUpdates     *prometheus.CounterVec
	OracleStaleRejects *prometheus.CounterVec
	NATSPullLatency   *prometheus.HistogramVec

	// --- Persistence ---
	PersistRowsWritten  prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistLastSequence prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Order pipeline
		OrdersCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_orders_committed_total",
			Help: "Orders fully committed (hold consumed, cap debited, fill applied)",
		}, []string{"market_id", "side"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_orders_rejected_total",
			Help: "Order attempts rejected, by guard",
		}, []string{"market_id", "reason"}),

		OrderCommitDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perc_order_commit_duration_seconds",
			Help:    "Reserve-to-commit duration for one order attempt",
			Buckets: latencyBuckets,
		}, []string{"market_id"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perc_open_interest",
			Help: "Market-wide open interest (scaled fixed point)",
		}, []string{"market_id"}),

		// Holds
		HoldsReserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_holds_reserved_total",
			Help: "Hold receipts created",
		}, []string{"market_id"}),

		HoldsCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_holds_cancelled_total",
			Help: "Holds cancelled, by origin (trader/pipeline)",
		}, []string{"market_id", "origin"}),

		HoldsExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_holds_expired_total",
			Help: "Holds swept or lazily observed past TTL",
		}, []string{"market_id"}),

		HoldsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perc_holds_open",
			Help: "Holds currently in Open state",
		}),

		// Caps
		CapsMinted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_caps_minted_total",
			Help: "Cap tokens minted",
		}, []string{"market_id"}),

		CapDebits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_cap_debits_total",
			Help: "Cap debit attempts, by outcome",
		}, []string{"market_id", "outcome"}),

		CapsOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perc_caps_outstanding",
			Help: "Cap tokens currently tracked",
		}),

		// Funding
		FundingTicksApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_funding_ticks_applied_total",
			Help: "Funding ticks applied",
		}, []string{"market_id"}),

		FundingPositionsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_funding_positions_settled_total",
			Help: "Positions settled per funding tick",
		}, []string{"market_id"}),

		FundingRateClamped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_funding_rate_clamped_total",
			Help: "Funding rates clamped to the cap",
		}, []string{"market_id"}),

		FundingRoundingResidual: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perc_funding_rounding_residual",
			Help: "Rounding residual per funding tick",
		}, []string{"market_id"}),

		FundingShortfall: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_funding_shortfall_total",
			Help: "Positions unable to pay full funding",
		}, []string{"market_id"}),

		// Liquidation
		LiquidationChecked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_liquidation_checked_total",
			Help: "Maintenance margin checks performed",
		}, []string{"market_id"}),

		LiquidationExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_liquidation_executed_total",
			Help: "Forced reductions executed",
		}, []string{"market_id"}),

		LiquidationDeficit: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_liquidation_deficit_total",
			Help: "Deficit beyond margin (insurance fund draws)",
		}, []string{"market_id"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perc_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		// Event log
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_events_emitted_total",
			Help: "Envelopes appended to the outbound log",
		}, []string{"event_type"}),

		EventsDeduplicated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_events_deduplicated_total",
			Help: "Events dropped by the idempotency checker",
		}, []string{"event_type"}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perc_event_sequence",
			Help: "Last assigned outbound sequence number",
		}),

		// Oracle ingestion
		OracleUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_oracle_updates_total",
			Help: "Oracle price updates accepted",
		}, []string{"market_id"}),

		OracleStaleRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_oracle_stale_rejects_total",
			Help: "Reads rejected on stale oracle data",
		}, []string{"market_id"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perc_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		// Persistence
		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perc_persist_rows_written_total",
			Help: "Journal rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perc_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perc_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perc_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perc_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perc_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perc_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perc_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perc_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),
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
