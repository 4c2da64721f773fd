// Package metrics exposes Prometheus collectors for retries, the quote cache,
// provider breakers and HTTP requests
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/trogers1052/portfolio-valuation/internal/cache"
	"github.com/trogers1052/portfolio-valuation/internal/retry"
)

const namespace = "valuation"

// Metrics is the set of collectors registered for the daemon
type Metrics struct {
	registry *prometheus.Registry

	RetryEvents  *prometheus.CounterVec
	RetryBackoff *prometheus.HistogramVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "events_total",
			Help:      "Retry state transitions by operation, provider and state",
		}, []string{"op", "provider", "state"}),
		RetryBackoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff chosen before a retry",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "provider"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"route", "method", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.RetryEvents,
		m.RetryBackoff,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing Handler
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// splitOpName splits "quote:yahoo:AAPL" into op and provider; the ticker is
// dropped to keep label cardinality bounded
func splitOpName(name string) (op, provider string) {
	parts := strings.SplitN(name, ":", 3)
	op = parts[0]
	if len(parts) > 1 {
		provider = parts[1]
	}
	return op, provider
}

// RetryObserver counts retry transitions
func (m *Metrics) RetryObserver() retry.Observer {
	return retry.ObserverFunc(func(ev retry.Event) {
		op, provider := splitOpName(ev.Name)
		m.RetryEvents.WithLabelValues(op, provider, ev.State.String()).Inc()
		if ev.State == retry.StateWaiting {
			m.RetryBackoff.WithLabelValues(op, provider).Observe(ev.Delay.Seconds())
		}
	})
}

// RegisterCache exposes the cache counters, read at scrape time
func (m *Metrics) RegisterCache(store *cache.Store) error {
	counter := func(name, help string, read func(cache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(store.Stats())) })
	}

	collectors := []prometheus.Collector{
		counter("hits_total", "Lookups served from a live entry", func(s cache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Lookups with no live entry", func(s cache.Stats) uint64 { return s.Misses }),
		counter("stale_served_total", "Expired entries served after a failed refresh", func(s cache.Stats) uint64 { return s.StaleServed }),
		counter("evictions_total", "Entries evicted for capacity", func(s cache.Stats) uint64 { return s.Evictions }),
		counter("fetches_total", "Upstream fetches started", func(s cache.Stats) uint64 { return s.Fetches }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held",
		}, func() float64 { return float64(store.Len()) }),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// BreakerState is implemented by guarded providers
type BreakerState interface {
	Name() string
	State() gobreaker.State
}

// RegisterBreakers exposes each provider's breaker state: 0 closed,
// 1 half-open, 2 open
func (m *Metrics) RegisterBreakers(breakers []BreakerState) error {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
	}, []string{"provider"})
	if err := m.registry.Register(&breakerCollector{gauge: gauge, breakers: breakers}); err != nil {
		return err
	}
	return nil
}

type breakerCollector struct {
	gauge    *prometheus.GaugeVec
	breakers []BreakerState
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) { c.gauge.Describe(ch) }

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.breakers {
		c.gauge.WithLabelValues(b.Name()).Set(float64(b.State()))
	}
	c.gauge.Collect(ch)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency by route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
