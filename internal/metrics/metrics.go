// Package metrics defines the Prometheus instruments for the payment
// reconciliation domain. HTTP-level metrics (request counts, latency) live in
// the middleware package; these cover business outcomes: orders created,
// gateway failures, webhook and redirect reconciliation results.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics bundles the domain instruments. Construct exactly once per
// process with NewPaymentMetrics (promauto registers on the default
// registry) and share the instance across services.
type PaymentMetrics struct {
	OrdersCreatedTotal   prometheus.CounterVec
	OrderFailuresTotal   prometheus.CounterVec
	WebhooksAppliedTotal prometheus.CounterVec
	RedirectsTotal       prometheus.CounterVec
	TransitionsTotal     prometheus.CounterVec
	ReconcileDuration    prometheus.HistogramVec
	GatewayCallDuration  prometheus.Histogram
}

// NewPaymentMetrics creates and registers the domain metrics on the default
// registry.
func NewPaymentMetrics() *PaymentMetrics {
	return NewPaymentMetricsWith(prometheus.DefaultRegisterer)
}

// NewPaymentMetricsWith registers the domain metrics on reg. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate-registration panics.
func NewPaymentMetricsWith(reg prometheus.Registerer) *PaymentMetrics {
	f := promauto.With(reg)
	return &PaymentMetrics{
		OrdersCreatedTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_orders_created_total",
				Help: "Orders accepted and persisted, by final creation status.",
			},
			[]string{"status"},
		),

		OrderFailuresTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_order_failures_total",
				Help: "Order creation failures by cause (validation, gateway, store).",
			},
			[]string{"cause"},
		),

		WebhooksAppliedTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhooks_applied_total",
				Help: "Webhook callbacks processed, by reported status and outcome.",
			},
			[]string{"status", "outcome"},
		),

		RedirectsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_redirects_total",
				Help: "Browser redirect returns processed, by outcome.",
			},
			[]string{"outcome"},
		),

		TransitionsTotal: *f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_status_transitions_total",
				Help: "Transaction status transitions, labelled from -> to.",
			},
			[]string{"from", "to"},
		),

		ReconcileDuration: *f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_reconcile_duration_seconds",
				Help:    "Time spent applying a callback under the per-order lock.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"source"},
		),

		GatewayCallDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payment_gateway_call_duration_seconds",
				Help:    "Round-trip time of create-order calls to the gateway.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}
}

// RecordOrderCreated counts a persisted order by its creation status.
func (m *PaymentMetrics) RecordOrderCreated(status string) {
	m.OrdersCreatedTotal.WithLabelValues(status).Inc()
}

// RecordOrderFailure counts a failed creation attempt by cause.
func (m *PaymentMetrics) RecordOrderFailure(cause string) {
	m.OrderFailuresTotal.WithLabelValues(cause).Inc()
}

// RecordWebhookApplied counts a processed webhook by reported status and
// outcome ("applied", "not_found", "error").
func (m *PaymentMetrics) RecordWebhookApplied(status, outcome string) {
	m.WebhooksAppliedTotal.WithLabelValues(status, outcome).Inc()
}

// RecordRedirect counts a processed redirect return by outcome
// ("applied", "ignored", "orphan", "error").
func (m *PaymentMetrics) RecordRedirect(outcome string) {
	m.RedirectsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a status change on a stored transaction.
func (m *PaymentMetrics) RecordTransition(from, to string) {
	if from == to {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReconcileDuration observes time spent under the per-order lock.
func (m *PaymentMetrics) RecordReconcileDuration(source string, seconds float64) {
	m.ReconcileDuration.WithLabelValues(source).Observe(seconds)
}

// RecordGatewayCallDuration observes a create-order round trip.
func (m *PaymentMetrics) RecordGatewayCallDuration(seconds float64) {
	m.GatewayCallDuration.Observe(seconds)
}
