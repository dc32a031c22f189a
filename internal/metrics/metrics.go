// Package metrics exposes this service's Prometheus instrumentation,
// scraped at METRICS_PORT per spec.md §6's operational configuration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors a kme-server or local-km process
// registers. A single Registry is created per process and shared by the
// modules that record metrics (the kmeapi and localkm routers and the
// localkm sync manager).
type Registry struct {
	registerer prometheus.Registerer

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	PoolAvailable *prometheus.GaugeVec
	PoolTotal     *prometheus.GaugeVec
	PoolLow       *prometheus.GaugeVec

	KeysGeneratedTotal prometheus.Counter
	KeysDeliveredTotal *prometheus.CounterVec

	SyncTotal          *prometheus.CounterVec
	SyncDurationMS     prometheus.Histogram
	SyncKeysDelivered  prometheus.Counter
	SyncFallbackTotal  prometheus.Counter
}

// New constructs and registers a Registry against a fresh prometheus
// registry, mirroring the teacher's convention of one instrumented
// registry per process rather than relying on the global default.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registerer: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qkd_kme",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status class.",
		}, []string{"route", "method", "status"}),
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qkd_kme",
			Name:      "pool_available_keys",
			Help:      "Available (unconsumed) keys per SAE or shared pool.",
		}, []string{"sae_id"}),
		PoolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qkd_kme",
			Name:      "pool_total_keys",
			Help:      "Total keys (available + used) per SAE or shared pool.",
		}, []string{"sae_id"}),
		PoolLow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qkd_kme",
			Name:      "pool_is_low",
			Help:      "1 if the pool is below its low-water threshold, else 0.",
		}, []string{"sae_id"}),
		KeysGeneratedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "keys_generated_total",
			Help:      "Total quantum keys generated by this process.",
		}),
		KeysDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "keys_delivered_total",
			Help:      "Total keys delivered to callers, by endpoint.",
		}, []string{"endpoint"}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "local_km_sync_total",
			Help:      "Local Key Manager sync runs by trigger reason and outcome.",
		}, []string{"reason", "outcome"}),
		SyncDurationMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qkd_kme",
			Name:      "local_km_sync_duration_ms",
			Help:      "Local Key Manager sync run duration in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
		SyncKeysDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "local_km_sync_keys_delivered_total",
			Help:      "Keys delivered into per-user pools by sync runs.",
		}),
		SyncFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qkd_kme",
			Name:      "local_km_sync_fallback_total",
			Help:      "Sync runs that fell back to local key generation.",
		}),
	}

	reg.MustRegister(
		r.RequestDuration, r.RequestsTotal,
		r.PoolAvailable, r.PoolTotal, r.PoolLow,
		r.KeysGeneratedTotal, r.KeysDeliveredTotal,
		r.SyncTotal, r.SyncDurationMS, r.SyncKeysDelivered, r.SyncFallbackTotal,
	)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registerer.(prometheus.Gatherer), promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request's outcome.
func (r *Registry) ObserveRequest(route, method, statusClass string, seconds float64) {
	r.RequestDuration.WithLabelValues(route, method, statusClass).Observe(seconds)
	r.RequestsTotal.WithLabelValues(route, method, statusClass).Inc()
}

// ObservePoolStats records a point-in-time snapshot of one pool's stats.
// Pool operations do not call it; the pool gauges change only when a
// caller invokes it.
func (r *Registry) ObservePoolStats(saeID string, available, total int, isLow bool) {
	r.PoolAvailable.WithLabelValues(saeID).Set(float64(available))
	r.PoolTotal.WithLabelValues(saeID).Set(float64(total))
	low := 0.0
	if isLow {
		low = 1.0
	}
	r.PoolLow.WithLabelValues(saeID).Set(low)
}

// ObserveSync records one completed Local Key Manager sync run.
func (r *Registry) ObserveSync(reason, outcome string, durationMS float64, keysDelivered int, fallback bool) {
	r.SyncTotal.WithLabelValues(reason, outcome).Inc()
	r.SyncDurationMS.Observe(durationMS)
	r.SyncKeysDelivered.Add(float64(keysDelivered))
	if fallback {
		r.SyncFallbackTotal.Inc()
	}
}
