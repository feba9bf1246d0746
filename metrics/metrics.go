// Package metrics holds the Prometheus collectors for the settlement engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sodap/settlement-engine/ledger"
)

const namespace = "settlement"

type Metrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	reconcile    *prometheus.CounterVec
	escrow       *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	throttles    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations including optimistic retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Rejected engine operations segmented by error kind and code.",
		}, []string{"operation", "kind", "code"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "reconciliation_alerts_total",
			Help:      "Escrow audits where the balance disagreed with the journal.",
		}, []string{"store"}),
		escrow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "balance",
			Help:      "Last audited escrow balance per store in the smallest unit.",
		}, []string{"store"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by method, route and status.",
		}, []string{"method", "route", "status"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttles_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.errors, m.reconcile, m.escrow, m.httpRequests, m.throttles)
	}
	return m
}

// Observe records one engine operation that started at start.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil {
		m.operations.WithLabelValues(operation, "ok").Inc()
		return
	}
	m.operations.WithLabelValues(operation, "error").Inc()
	m.errors.WithLabelValues(operation, ledger.KindOf(err).String(), ledger.Code(err)).Inc()
}

// ReconciliationAlert counts an escrow audit mismatch.
func (m *Metrics) ReconciliationAlert(store ledger.StoreID) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(string(store)).Inc()
}

// EscrowBalance records the audited balance of a store escrow.
func (m *Metrics) EscrowBalance(store ledger.StoreID, balance ledger.Money) {
	if m == nil {
		return
	}
	m.escrow.WithLabelValues(string(store)).Set(float64(balance))
}

// HTTPRequest counts a served request.
func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Throttled counts a rate-limited request.
func (m *Metrics) Throttled(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(route).Inc()
}
