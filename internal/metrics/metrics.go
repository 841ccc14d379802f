// Package metrics holds the Prometheus collectors updated by the exit loop.
//
//   - exitbot_orders_total{kind}                 orders issued (open|close|liquidate_all)
//   - exitbot_signals_total{signal}              signal decisions evaluated
//   - exitbot_buckets_resolved_total{status,reason}
//   - exitbot_quotes_total{result}               accepted|dropped|overflow
//   - exitbot_resume_index                       first bucket not yet filled
//   - exitbot_engine_state{state}                1 for the current state
//   - exitbot_liquidations_total
//
// Collectors are registered in init() and served at /metrics by cmd/exitbot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitbot_orders_total",
			Help: "Orders issued to the broker",
		},
		[]string{"kind"},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitbot_signals_total",
			Help: "Signal decisions evaluated by the bucket loop",
		},
		[]string{"signal"},
	)

	bucketsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitbot_buckets_resolved_total",
			Help: "Closing orders resolved, by terminal status and close reason",
		},
		[]string{"status", "reason"},
	)

	quotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitbot_quotes_total",
			Help: "Quotes received from the stream by ingest result",
		},
		[]string{"result"},
	)

	resumeIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exitbot_resume_index",
			Help: "First bucket index not yet confirmed filled",
		},
	)

	// One labeled series per state, flipped between 0 and 1.
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exitbot_engine_state",
			Help: "Current orchestrator state (1 = active)",
		},
		[]string{"state"},
	)

	liquidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exitbot_liquidations_total",
			Help: "Close-all-positions safety liquidations issued",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal, signalsTotal, bucketsResolved)
	prometheus.MustRegister(quotesTotal, resumeIndex)
	prometheus.MustRegister(engineState, liquidations)
}

func IncOrder(kind string)                    { ordersTotal.WithLabelValues(kind).Inc() }
func IncSignal(signal string)                 { signalsTotal.WithLabelValues(signal).Inc() }
func IncBucketResolved(status, reason string) { bucketsResolved.WithLabelValues(status, reason).Inc() }
func AddQuotes(result string, n int)          { quotesTotal.WithLabelValues(result).Add(float64(n)) }
func SetResumeIndex(idx int)                  { resumeIndex.Set(float64(idx)) }
func IncLiquidation()                         { liquidations.Inc() }

// SetEngineState marks state as the only active series.
func SetEngineState(state string) {
	engineState.Reset()
	engineState.WithLabelValues(state).Set(1)
}
