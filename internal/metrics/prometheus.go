package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds the collectors for pools, cache traffic and the
// origin. Every recorder is a no-op until InitPrometheus runs.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Pool
	poolClients      *prometheus.GaugeVec
	poolWaiters      *prometheus.GaugeVec
	acquireWait      *prometheus.HistogramVec
	clientsCreated   *prometheus.CounterVec
	clientsDestroyed *prometheus.CounterVec
	invalidReleases  *prometheus.CounterVec
	transitions      *prometheus.CounterVec

	// Cache
	cacheCommands      *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec

	// Origin
	originFetch        *prometheus.HistogramVec
	originBreakerState prometheus.Gauge

	// HTTP
	httpRequests *prometheus.CounterVec
}

// Default histogram buckets in milliseconds.
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus creates a fresh registry with all collectors. Calling it
// again replaces the previous registry.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		poolClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_clients",
				Help:      "Live cache clients per pool by state (idle, in_use, pending)",
			},
			[]string{"pool", "state"},
		),
		poolWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_waiters",
				Help:      "Callers blocked waiting for a client",
			},
			[]string{"pool"},
		),
		acquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_wait_milliseconds",
				Help:      "Time to acquire a client, including any dial, by result",
				Buckets:   buckets,
			},
			[]string{"pool", "result"},
		),
		clientsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_clients_created_total",
				Help:      "Cache clients created by the pool factory",
			},
			[]string{"pool"},
		),
		clientsDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_clients_destroyed_total",
				Help:      "Cache clients destroyed, by reason",
			},
			[]string{"pool", "reason"},
		),
		invalidReleases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_invalid_releases_total",
				Help:      "Release calls for clients not borrowed from the pool",
			},
			[]string{"pool"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_state_transitions_total",
				Help:      "Cache client lifecycle transitions by target state",
			},
			[]string{"pool", "state"},
		),

		cacheCommands: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_command_duration_milliseconds",
				Help:      "Cluster command round trip time",
				Buckets:   buckets,
			},
			[]string{"command", "status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache-aside lookups by result (hit, miss, error)",
			},
			[]string{"pool", "result"},
		),
		cacheWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_write_failures_total",
				Help:      "Cache writes that failed after a successful origin fetch",
			},
			[]string{"pool"},
		),

		originFetch: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "origin_fetch_duration_milliseconds",
				Help:      "Origin fetch latency by result",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		originBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "origin_breaker_state",
				Help:      "Origin circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	registry.MustRegister(
		pm.poolClients,
		pm.poolWaiters,
		pm.acquireWait,
		pm.clientsCreated,
		pm.clientsDestroyed,
		pm.invalidReleases,
		pm.transitions,
		pm.cacheCommands,
		pm.cacheLookups,
		pm.cacheWriteFailures,
		pm.originFetch,
		pm.originBreakerState,
		pm.httpRequests,
	)

	promMetrics = pm
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SetPoolClients updates the idle/in-use/pending gauges of a pool.
func SetPoolClients(pool string, idle, inUse, pending int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolClients.WithLabelValues(pool, "idle").Set(float64(idle))
	promMetrics.poolClients.WithLabelValues(pool, "in_use").Set(float64(inUse))
	promMetrics.poolClients.WithLabelValues(pool, "pending").Set(float64(pending))
}

func SetPoolWaiters(pool string, waiters int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolWaiters.WithLabelValues(pool).Set(float64(waiters))
}

// ObserveAcquireWait records how long an acquire waited and how it ended.
func ObserveAcquireWait(pool, result string, wait time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.acquireWait.WithLabelValues(pool, result).Observe(ms(wait))
}

func RecordClientCreated(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.clientsCreated.WithLabelValues(pool).Inc()
}

func RecordClientDestroyed(pool, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.clientsDestroyed.WithLabelValues(pool, reason).Inc()
}

func RecordInvalidRelease(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invalidReleases.WithLabelValues(pool).Inc()
}

func RecordClientTransition(pool, state string) {
	if promMetrics == nil {
		return
	}
	promMetrics.transitions.WithLabelValues(pool, state).Inc()
}

// ObserveCacheCommand records one cluster command; status is ok, miss or error.
func ObserveCacheCommand(command, status string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheCommands.WithLabelValues(command, status).Observe(ms(d))
}

func RecordCacheLookup(pool, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheLookups.WithLabelValues(pool, result).Inc()
}

func RecordCacheWriteFailure(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheWriteFailures.WithLabelValues(pool).Inc()
}

func ObserveOriginFetch(result string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.originFetch.WithLabelValues(result).Observe(ms(d))
}

func SetOriginBreakerState(state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.originBreakerState.Set(float64(state))
}

func RecordHTTPRequest(route string, code int) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// PrometheusHandler serves the registry in the exposition format.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Prometheus metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the active registry, or nil before init.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
