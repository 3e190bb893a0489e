// Package metrics owns the Prometheus registry exported at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiendaflow/api/internal/platform/inbox"
)

const namespace = "tiendaflow"

// Registry bundles the service's collectors on a dedicated registry.
type Registry struct {
	reg *prometheus.Registry

	WebhooksReceived  *prometheus.CounterVec
	EnqueueFailures   prometheus.Counter
	Reconciliations   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	InboxMessages     *prometheus.GaugeVec
	CacheRequests     *prometheus.CounterVec
	CacheErrors       *prometheus.CounterVec
}

// NewRegistry registers every collector plus the Go and process collectors.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_received_total",
		Help:      "Payment webhooks received, by notification kind.",
	}, []string{"kind"})
	enqueueFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_enqueue_failures_total",
		Help:      "Webhooks acknowledged but not persisted to the inbox.",
	})
	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_total",
		Help:      "Reconciliation attempts by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Wall time of one reconciliation including the gateway call.",
		Buckets:   prometheus.DefBuckets,
	})
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inbox_depth",
		Help:      "Messages currently stored in the webhook inbox.",
	}, []string{"state"})
	cacheRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"})
	cacheErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_errors_total",
		Help:      "Swallowed cache store errors by operation.",
	}, []string{"op"})

	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		received, enqueueFailures, reconciled, duration, depth, cacheRequests, cacheErrors,
	)

	return &Registry{
		reg:               r,
		WebhooksReceived:  received,
		EnqueueFailures:   enqueueFailures,
		Reconciliations:   reconciled,
		ReconcileDuration: duration,
		InboxMessages:     depth,
		CacheRequests:     cacheRequests,
		CacheErrors:       cacheErrors,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) CacheLookup(hit bool) {
	if hit {
		r.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	r.CacheRequests.WithLabelValues("miss").Inc()
}

func (r *Registry) CacheError(op string) { r.CacheErrors.WithLabelValues(op).Inc() }

func (r *Registry) InboxDepth(state inbox.State, n int) {
	r.InboxMessages.WithLabelValues(string(state)).Set(float64(n))
}

func (r *Registry) WebhookReceived(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	r.WebhooksReceived.WithLabelValues(kind).Inc()
}

func (r *Registry) WebhookEnqueueFailed() { r.EnqueueFailures.Inc() }

func (r *Registry) ReconcileObserved(outcome string, elapsed time.Duration) {
	r.Reconciliations.WithLabelValues(outcome).Inc()
	r.ReconcileDuration.Observe(elapsed.Seconds())
}
