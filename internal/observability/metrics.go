package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool core.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreSequence         prometheus.Gauge

	// --- Orders ---
	OrdersPending    prometheus.Gauge
	OrdersExecuted   *prometheus.CounterVec
	OrdersCancelled  *prometheus.CounterVec
	OrdersKeptPending *prometheus.CounterVec

	// --- Risk ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsRefused  *prometheus.CounterVec
	AdlLatchEnabled      *prometheus.GaugeVec
	AdlExecutions        *prometheus.CounterVec
	PoolPnlFactor        *prometheus.GaugeVec

	// --- Transfers ---
	PayoutsHeld   *prometheus.CounterVec
	HeldFundsClaimed *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge
	PersistBatchDur      prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, economic state)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_core_sequence",
			Help: "Current global event sequence number",
		}),

		OrdersPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_orders_pending",
			Help: "Orders currently pending execution",
		}),

		OrdersExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_orders_executed_total",
			Help: "Orders executed successfully",
		}, []string{"market_id", "kind"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_orders_cancelled_total",
			Help: "Orders cancelled on validation failure",
		}, []string{"market_id", "reason"}),

		OrdersKeptPending: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_orders_kept_pending_total",
			Help: "Execution attempts that left the order pending",
		}, []string{"market_id", "reason"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_liquidations_executed_total",
			Help: "Positions force-closed by liquidation",
		}, []string{"market_id"}),

		LiquidationsRefused: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_liquidations_refused_total",
			Help: "Liquidation attempts against healthy positions",
		}, []string{"market_id"}),

		AdlLatchEnabled: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_adl_latch_enabled",
			Help: "Deleveraging latch state per market side (0/1)",
		}, []string{"market_id", "side"}),

		AdlExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_adl_executions_total",
			Help: "Forced decreases applied by deleveraging",
		}, []string{"market_id"}),

		PoolPnlFactor: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_pnl_factor",
			Help: "Trader PnL over pool value per market side (factor scale)",
		}, []string{"market_id", "side"}),

		PayoutsHeld: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_payouts_held_total",
			Help: "Payouts parked as held funds after transfer failure",
		}, []string{"asset"}),

		HeldFundsClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_held_funds_claimed_total",
			Help: "Held payouts successfully re-delivered",
		}, []string{"asset"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
