// Package metrics счётчики Prometheus для квот, платежей и генерации.
// Все методы безопасно вызывать на nil: сервисы в тестах работают без метрик.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tarot"

// Metrics набор метрик бота.
type Metrics struct {
	admissions *prometheus.CounterVec
	denials    *prometheus.CounterVec
	refunds    *prometheus.CounterVec
	orders     *prometheus.CounterVec
	payments   *prometheus.CounterVec
	generation *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "admissions_total",
			Help:      "Admitted readings by quota source",
		}, []string{"source"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "denials_total",
			Help:      "Denied readings by reason",
		}, []string{"reason"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "refunds_total",
			Help:      "Refunded readings by quota source",
		}, []string{"source"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "orders_opened_total",
			Help:      "Payment orders opened by tariff",
		}, []string{"tariff"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "confirmations_total",
			Help:      "Payment confirmation outcomes",
		}, []string{"outcome"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reading",
			Name:      "generation_seconds",
			Help:      "Text generation latency including retries",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
		}, []string{"result"}),
	}
	reg.MustRegister(m.admissions, m.denials, m.refunds, m.orders, m.payments, m.generation)
	return m
}

// Admitted учитывает списание из источника source.
func (m *Metrics) Admitted(source string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(source).Inc()
}

// Denied учитывает отказ.
func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

// Refunded учитывает возврат в источник source.
func (m *Metrics) Refunded(source string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(source).Inc()
}

// OrderOpened учитывает созданный заказ.
func (m *Metrics) OrderOpened(tariff string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(tariff).Inc()
}

// PaymentOutcome учитывает результат сверки платежа.
func (m *Metrics) PaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

// GenerationObserved учитывает длительность генерации.
func (m *Metrics) GenerationObserved(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.generation.WithLabelValues(result).Observe(d.Seconds())
}
