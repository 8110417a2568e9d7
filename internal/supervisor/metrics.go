package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the read-only observability surface: scanner cadence, signal
// flow, execution outcomes, breaker state and per-endpoint health.
type Metrics struct {
	TickDuration      prometheus.Histogram
	OpportunitiesTick prometheus.Gauge
	SignalsEmitted    prometheus.Counter
	SignalsConsumed   prometheus.Counter
	ExecutionStates   *prometheus.GaugeVec
	BreakerTripped    prometheus.Gauge
	BreakerFailures   prometheus.Gauge
	EndpointLatency   *prometheus.GaugeVec
	EndpointErrors    *prometheus.GaugeVec
	ChainHealthy      *prometheus.GaugeVec
}

// NewMetrics registers the metric family on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "titan",
			Subsystem: "scanner",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one full scan tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpportunitiesTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "scanner",
			Name:      "opportunities_last_tick",
			Help:      "Opportunity candidates surviving the profit engine in the last tick.",
		}),
		SignalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "titan",
			Subsystem: "bus",
			Name:      "signals_emitted_total",
			Help:      "Signals placed on the bus.",
		}),
		SignalsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "titan",
			Subsystem: "bus",
			Name:      "signals_consumed_total",
			Help:      "Signals taken from the bus.",
		}),
		ExecutionStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "executor",
			Name:      "records_by_state",
			Help:      "Execution records per state machine state.",
		}, []string{"state"}),
		BreakerTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "breaker",
			Name:      "tripped",
			Help:      "Whether the circuit breaker is currently degraded.",
		}),
		BreakerFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "breaker",
			Name:      "consecutive_failures",
			Help:      "Current consecutive execution failure streak.",
		}),
		EndpointLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "rpc",
			Name:      "endpoint_latency_seconds",
			Help:      "Rolling latency EWMA per RPC endpoint.",
		}, []string{"chain", "endpoint"}),
		EndpointErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "rpc",
			Name:      "endpoint_error_ratio",
			Help:      "Failed request share per RPC endpoint.",
		}, []string{"chain", "endpoint"}),
		ChainHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "rpc",
			Name:      "chain_healthy",
			Help:      "Whether the chain has at least one healthy endpoint.",
		}, []string{"chain"}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.OpportunitiesTick,
		m.SignalsEmitted,
		m.SignalsConsumed,
		m.ExecutionStates,
		m.BreakerTripped,
		m.BreakerFailures,
		m.EndpointLatency,
		m.EndpointErrors,
		m.ChainHealthy,
	)
	return m
}
