package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 交易相关的 Prometheus 指标，nil 时所有方法为空操作
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec
	ExchangeRetries *prometheus.CounterVec
	FillWaits       *prometheus.CounterVec
	Invocations     *prometheus.CounterVec
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: "automation",
			Name:      "orders_submitted_total",
			Help:      "Limit orders accepted by the exchange",
		}, []string{"symbol", "side"}),
		ExchangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: "automation",
			Name:      "exchange_retries_total",
			Help:      "Exchange calls retried after a network error",
		}, []string{"operation"}),
		FillWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: "automation",
			Name:      "fill_waits_total",
			Help:      "Order fill waits by outcome",
		}, []string{"outcome"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: "automation",
			Name:      "invocations_total",
			Help:      "Engine invocations by entry point and result",
		}, []string{"entry", "result"}),
	}
	reg.MustRegister(m.OrdersSubmitted, m.ExchangeRetries, m.FillWaits, m.Invocations)
	return m
}

func (m *Metrics) OrderSubmitted(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.ExchangeRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) FillWait(outcome string) {
	if m == nil {
		return
	}
	m.FillWaits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Invocation(entry string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Invocations.WithLabelValues(entry, result).Inc()
}
