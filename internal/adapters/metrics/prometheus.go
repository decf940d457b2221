package metrics

import (
	"strings"

	"pullbackbot/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements ports.Metrics on a Prometheus registry.
type Metrics struct {
	ordersSubmitted *prometheus.CounterVec
	ordersFilled    *prometheus.CounterVec
	ordersTimedOut  *prometheus.CounterVec
	signals         *prometheus.CounterVec
	trades          *prometheus.CounterVec
	openPositions   prometheus.Gauge
}

// New creates and registers the bot's metric set. A nil registerer falls back
// to the process-wide default registry served at /metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ordersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_submitted_total",
				Help: "Limit orders submitted to the exchange",
			},
			[]string{"side"}, // BUY|SELL
		),
		ordersFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_filled_total",
				Help: "Limit orders confirmed fully filled",
			},
			[]string{"side"}, // BUY|SELL
		),
		ordersTimedOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_timeout_total",
				Help: "Limit orders cancelled after their fill window expired",
			},
			[]string{"side"}, // BUY|SELL
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_signals_total",
				Help: "Confirmed entry signals emitted by the dip detector",
			},
			[]string{"symbol"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_trades_total",
				Help: "Completed round trips split by exit reason and result",
			},
			[]string{"reason", "result"}, // result: win|loss
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_open_positions",
				Help: "Positions currently held",
			},
		),
	}

	reg.MustRegister(m.ordersSubmitted, m.ordersFilled, m.ordersTimedOut, m.signals, m.trades, m.openPositions)
	return m
}

func (m *Metrics) OrderSubmitted(side domain.OrderSide) {
	m.ordersSubmitted.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) OrderFilled(side domain.OrderSide) {
	m.ordersFilled.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) OrderTimedOut(side domain.OrderSide) {
	m.ordersTimedOut.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) SignalDetected(symbol string) {
	m.signals.WithLabelValues(symbol).Inc()
}

func (m *Metrics) TradeClosed(reason domain.CloseReason, profitable bool) {
	result := "loss"
	if profitable {
		result = "win"
	}
	m.trades.WithLabelValues(strings.ToLower(string(reason)), result).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	m.openPositions.Set(float64(n))
}
