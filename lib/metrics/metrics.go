// Package metrics exposes the wallet metrics to Prometheus: the runtime cache counters and the REST API requests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/rgbwallet/lib/rgb/cache"
)

const namespace = "rgbwallet"

// CacheCollector reads the runtime cache stats on every scrape.
type CacheCollector struct {
	stats func() cache.Stats

	live, leased, poisoned, waiters, peak *prometheus.Desc
	hits, misses, evictions              *prometheus.Desc
}

var _ prometheus.Collector = (*CacheCollector)(nil)

// NewCacheCollector returns a collector over stats.
func NewCacheCollector(stats func() cache.Stats) *CacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "runtime_cache", name), help, nil, nil)
	}

	return &CacheCollector{
		stats:     stats,
		live:      desc("live", "Runtimes loaded in memory."),
		leased:    desc("leased", "Runtimes currently leased."),
		poisoned:  desc("poisoned", "Runtimes poisoned by a failed flush."),
		waiters:   desc("waiters", "Callers waiting for a lease."),
		peak:      desc("peak_waiters", "Largest number of callers ever waiting for a lease."),
		hits:      desc("hits_total", "Leases served by a loaded runtime."),
		misses:    desc("misses_total", "Leases that loaded the runtime from disk."),
		evictions: desc("evictions_total", "Runtimes evicted."),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.live, c.leased, c.poisoned, c.waiters, c.peak, c.hits, c.misses,
		c.evictions} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.Live))
	ch <- prometheus.MustNewConstMetric(c.leased, prometheus.GaugeValue, float64(s.Leased))
	ch <- prometheus.MustNewConstMetric(c.poisoned, prometheus.GaugeValue, float64(s.Poisoned))
	ch <- prometheus.MustNewConstMetric(c.waiters, prometheus.GaugeValue, float64(s.Waiters))
	ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(s.PeakWaiters))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
}

// HTTP counts and times REST API requests by route template.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTP registers the request metrics with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	f := promauto.With(reg)

	return &HTTP{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST API requests by route and status code.",
		}, []string{"route", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

type recorder struct {
	http.ResponseWriter
	code int
}

func (r *recorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the routes of a gorilla/mux router.
func (h *HTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		timer := prometheus.NewTimer(h.duration.WithLabelValues(route))
		rec := &recorder{ResponseWriter: rw, code: http.StatusOK}

		next.ServeHTTP(rec, r)

		timer.ObserveDuration()
		h.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

// Handler returns the /metrics handler of the registry.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
