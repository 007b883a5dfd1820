package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradenova_cycles_total",
			Help: "Total trading cycles completed.",
		},
	)

	CyclesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradenova_cycles_skipped_total",
			Help: "Ticks dropped because the previous cycle was still running.",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradenova_cycle_duration_seconds",
			Help:    "Wall time of one full trading cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	StageRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradenova_stage_rejections_total",
			Help: "Pipeline rejections by stage and reason.",
		},
		[]string{"stage", "reason"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradenova_decisions_total",
			Help: "Pipeline stage decisions by stage and verdict.",
		},
		[]string{"stage", "verdict"},
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradenova_signals_total",
			Help: "Agent signals emitted by agent and direction.",
		},
		[]string{"agent", "direction"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradenova_orders_placed_total",
			Help: "Orders submitted to the broker by side and outcome.",
		},
		[]string{"side", "outcome"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradenova_positions_open",
			Help: "Currently open option positions.",
		},
	)

	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradenova_exits_total",
			Help: "Confirmed exit fills by reason.",
		},
		[]string{"reason"},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradenova_equity",
			Help: "Account equity from the latest broker snapshot.",
		},
	)

	PortfolioGreeks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradenova_portfolio_greeks",
			Help: "Aggregated portfolio greeks with contract multiplier applied.",
		},
		[]string{"greek"},
	)

	UVaRGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradenova_uvar_dollars",
			Help: "1-day 99th percentile portfolio loss estimate.",
		},
	)

	PortfolioHeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradenova_portfolio_heat",
			Help: "Premium at risk, reservations included, as a fraction of equity.",
		},
	)

	DataFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradenova_data_fetch_duration_seconds",
			Help:    "Market data fetch latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "source"},
	)

	BrokerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradenova_broker_retries_total",
			Help: "Broker calls retried after a transient failure.",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradenova_events_dropped_total",
			Help: "Decision events dropped because a subscriber buffer was full.",
		},
	)

	SchedulerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradenova_scheduler_state",
			Help: "Current scheduler state (1 for active state, 0 otherwise).",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CyclesSkipped,
		CycleDuration,
		StageRejections,
		DecisionsTotal,
		SignalsEmitted,
		OrdersPlaced,
		PositionsOpen,
		ExitsTotal,
		EquityGauge,
		PortfolioGreeks,
		UVaRGauge,
		PortfolioHeat,
		DataFetchDuration,
		BrokerRetries,
		EventsDropped,
		SchedulerState,
	)
}
