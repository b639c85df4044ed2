package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	reconcile   *prometheus.CounterVec
	deploy      *prometheus.CounterVec
	ledgerCalls *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	registry    *metrics
)

func engineMetrics() *metrics {
	metricsOnce.Do(func() {
		registry = &metrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Name:      "transitions_total",
				Help:      "Count of deal actions by outcome.",
			}, []string{"action", "outcome"}),
			reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Name:      "reconcile_total",
				Help:      "Count of ledger observations applied to deals by outcome.",
			}, []string{"outcome"}),
			deploy: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dealescrow",
				Name:      "deploy_total",
				Help:      "Count of contract deployments by outcome.",
			}, []string{"outcome"}),
			ledgerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dealescrow",
				Name:      "ledger_request_seconds",
				Help:      "Latency of ledger API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.reconcile,
			registry.deploy,
			registry.ledgerCalls,
		)
	})
	return registry
}

func (m *metrics) transition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *metrics) reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(outcome).Inc()
}

func (m *metrics) deployed(outcome string) {
	if m == nil {
		return
	}
	m.deploy.WithLabelValues(outcome).Inc()
}

// ObserveLedgerRequest подключается к HTTP-клиенту леджера через SetObserver.
func ObserveLedgerRequest(method string, elapsed time.Duration) {
	engineMetrics().ledgerCalls.WithLabelValues(method).Observe(elapsed.Seconds())
}
