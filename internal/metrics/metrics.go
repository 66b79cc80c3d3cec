package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all Prometheus metrics. Record methods are safe to call on
// a nil *Registry so components can run without metrics wired.
type Registry struct {
	*prometheus.Registry

	// Outbound HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Fetcher metrics
	fetchesTotal  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	limiterWait   *prometheus.HistogramVec
	cooldownsHit  *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	enrichTotal   *prometheus.CounterVec
	enrichLatency prometheus.Histogram
	completeness  prometheus.Histogram

	// Batch metrics
	batchTasks    *prometheus.CounterVec
	batchRetries  prometheus.Counter
	batchInFlight prometheus.Gauge
	batchDuration prometheus.Histogram
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_client_requests_total",
				Help: "Total number of outbound HTTP requests",
			},
			[]string{"host", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_client_request_duration_seconds",
				Help:    "Outbound HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_client_requests_in_flight",
				Help: "Number of outbound HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	r.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_fetches_total",
			Help: "Provider fetches by outcome",
		},
		[]string{"provider", "outcome"},
	)
	r.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"provider", "result"},
	)
	r.limiterWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trenchcoat_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	r.cooldownsHit = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_provider_cooldowns_total",
			Help: "Number of times a provider entered cooldown after HTTP 429",
		},
		[]string{"provider"},
	)
	r.breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"provider", "to"},
	)
	r.enrichTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_enrichments_total",
			Help: "Aggregated token enrichments by result",
		},
		[]string{"result"},
	)
	r.enrichLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trenchcoat_enrichment_duration_seconds",
			Help:    "Fan-out duration for one token",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	r.completeness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trenchcoat_enrichment_completeness",
			Help:    "Fraction of tracked fields filled per record",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	r.batchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenchcoat_batch_tasks_total",
			Help: "Batch tasks reaching a terminal state",
		},
		[]string{"status"},
	)
	r.batchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trenchcoat_batch_retries_total",
			Help: "Total task retries performed by the batch orchestrator",
		},
	)
	r.batchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trenchcoat_batch_tasks_in_flight",
			Help: "Tasks currently being enriched",
		},
	)
	r.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trenchcoat_batch_duration_seconds",
			Help:    "Batch run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
		},
	)

	reg.MustRegister(r.fetchesTotal)
	reg.MustRegister(r.cacheLookups)
	reg.MustRegister(r.limiterWait)
	reg.MustRegister(r.cooldownsHit)
	reg.MustRegister(r.breakerTrips)
	reg.MustRegister(r.enrichTotal)
	reg.MustRegister(r.enrichLatency)
	reg.MustRegister(r.completeness)
	reg.MustRegister(r.batchTasks)
	reg.MustRegister(r.batchRetries)
	reg.MustRegister(r.batchInFlight)
	reg.MustRegister(r.batchDuration)

	return r
}

// RecordRequest records metrics for an outbound HTTP request.
func (r *Registry) RecordRequest(host string, status int, duration float64) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(host, statusToString(status)).Inc()
	r.httpRequestDuration.WithLabelValues(host).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	if r == nil {
		return
	}
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	if r == nil {
		return
	}
	r.httpRequestsInFlight.Dec()
}

// RecordFetch counts a provider fetch. Outcome is "ok" or the failure kind.
func (r *Registry) RecordFetch(provider, outcome string) {
	if r == nil {
		return
	}
	r.fetchesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (r *Registry) RecordCacheLookup(provider string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(provider, result).Inc()
}

// RecordLimiterWait records time spent suspended on a token bucket.
func (r *Registry) RecordLimiterWait(provider string, seconds float64) {
	if r == nil {
		return
	}
	r.limiterWait.WithLabelValues(provider).Observe(seconds)
}

// RecordCooldown counts a provider entering 429 cooldown.
func (r *Registry) RecordCooldown(provider string) {
	if r == nil {
		return
	}
	r.cooldownsHit.WithLabelValues(provider).Inc()
}

// RecordBreakerState counts a circuit breaker transition.
func (r *Registry) RecordBreakerState(provider, to string) {
	if r == nil {
		return
	}
	r.breakerTrips.WithLabelValues(provider, to).Inc()
}

// RecordEnrichment records one aggregated record.
func (r *Registry) RecordEnrichment(completeness, duration float64) {
	if r == nil {
		return
	}
	result := "empty"
	if completeness > 0 {
		result = "enriched"
	}
	r.enrichTotal.WithLabelValues(result).Inc()
	r.enrichLatency.Observe(duration)
	r.completeness.Observe(completeness)
}

// RecordTask counts a batch task reaching a terminal state.
func (r *Registry) RecordTask(status string) {
	if r == nil {
		return
	}
	r.batchTasks.WithLabelValues(status).Inc()
}

// RecordRetry counts one batch retry.
func (r *Registry) RecordRetry() {
	if r == nil {
		return
	}
	r.batchRetries.Inc()
}

// SetTasksInFlight sets the number of tasks currently being enriched.
func (r *Registry) SetTasksInFlight(n int) {
	if r == nil {
		return
	}
	r.batchInFlight.Set(float64(n))
}

// RecordBatch records a finished batch run.
func (r *Registry) RecordBatch(duration float64) {
	if r == nil {
		return
	}
	r.batchDuration.Observe(duration)
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status == 0:
		return "error"
	default:
		return "1xx"
	}
}
