// Package metrics – Prometheus metrics for observability.
//
// Exposed series:
//   - oms_intents_total{verdict}        – gate outcomes (accept|stage|reject)
//   - oms_gate_rejections_total{reason} – rejections split by gate reason
//   - oms_orders_placed_total{side}     – orders that reached the broker
//   - oms_broker_errors_total{op}       – failed broker calls by operation
//   - oms_open_orders                   – currently open orders (gauge)
//   - oms_fills_total                   – fully filled orders
//
// Registered in init() and served at /metrics by cmd/trader when a metrics
// address is configured.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_intents_total",
			Help: "Intents evaluated, split by gate verdict",
		},
		[]string{"verdict"}, // accept|stage|reject
	)

	gateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_gate_rejections_total",
			Help: "Gate rejections split by reason code",
		},
		[]string{"reason"},
	)

	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_orders_placed_total",
			Help: "Orders handed to the broker adapter",
		},
		[]string{"side"}, // BUY|SELL
	)

	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oms_broker_errors_total",
			Help: "Failed broker calls split by operation",
		},
		[]string{"op"}, // place|modify|cancel|status|open_orders
	)

	openOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oms_open_orders",
			Help: "Orders currently in a non-terminal state",
		},
	)

	fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oms_fills_total",
			Help: "Orders observed fully filled",
		},
	)
)

func init() {
	prometheus.MustRegister(intents, gateRejections, ordersPlaced, brokerErrors)
	prometheus.MustRegister(openOrders, fills)
}

func IncIntent(verdict string) { intents.WithLabelValues(verdict).Inc() }

func IncGateRejection(reason string) { gateRejections.WithLabelValues(reason).Inc() }

func IncOrderPlaced(side string) { ordersPlaced.WithLabelValues(side).Inc() }

func IncBrokerError(op string) { brokerErrors.WithLabelValues(op).Inc() }

func SetOpenOrders(n int) { openOrders.Set(float64(n)) }

func IncFills() { fills.Inc() }
