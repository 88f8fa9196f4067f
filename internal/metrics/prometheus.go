package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hypr_opaque_media"

// Prometheus exports the daemon telemetry on its own registry.
type Prometheus struct {
	registry  *prometheus.Registry
	counters  *prometheus.CounterVec
	cacheSize prometheus.Gauge
	maxCache  prometheus.Gauge
	events    *prometheus.HistogramVec
	reloads   prometheus.Histogram

	mu      sync.Mutex
	maxSeen int
}

// NewPrometheus registers the daemon collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	p := &Prometheus{
		registry: reg,
		counters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_total",
			Help:      "Daemon counters by name",
		}, []string{"name"}),
		cacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size",
			Help:      "Windows currently tracked in the registry",
		}),
		maxCache: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_max",
			Help:      "Largest registry size observed",
		}),
		events: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Event processing duration by normalized event name",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"event"}),
		reloads: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "config_reload_duration_seconds",
			Help:      "Configuration reload duration including the registry rebuild",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	for _, name := range Counters {
		p.counters.WithLabelValues(string(name))
	}
	return p
}

func (p *Prometheus) Add(name Counter, delta uint64) {
	p.counters.WithLabelValues(string(name)).Add(float64(delta))
}

func (p *Prometheus) SetCacheSize(n int) {
	p.cacheSize.Set(float64(n))
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.maxSeen {
		p.maxSeen = n
		p.maxCache.Set(float64(n))
	}
}

func (p *Prometheus) ObserveEvent(kind string, d time.Duration) {
	p.events.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Prometheus) ObserveReload(d time.Duration) {
	p.reloads.Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ Sink = (*Prometheus)(nil)
