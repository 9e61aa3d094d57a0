package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_jobs_total",
			Help: "Number of jobs by status",
		},
		[]string{"status"},
	)

	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_dispatched_total",
			Help: "Total number of jobs assigned to a runner",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_failed_total",
			Help: "Total number of jobs that ended in failure",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_dispatch_latency_seconds",
			Help:    "Time from job creation to runner assignment in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_queue_depth",
			Help: "Ready messages per priority band",
		},
		[]string{"band"},
	)

	QueueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_queue_in_flight",
			Help: "Messages currently reserved by workers",
		},
	)

	QueueDeadLetters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_queue_dead_letters",
			Help: "Messages parked in the dead-letter bucket",
		},
	)

	QueueReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_queue_reservations_total",
			Help: "Total number of queue reservations handed out",
		},
	)

	// Runner and pool metrics
	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_runners_total",
			Help: "Number of runners by status",
		},
		[]string{"status"},
	)

	ScalingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_scaling_events_total",
			Help: "Scaling decisions by repository and direction",
		},
		[]string{"repository", "direction"},
	)

	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_containers_total",
			Help: "Number of containers by lifecycle state",
		},
		[]string{"state"},
	)

	CleanupActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_cleanup_actions_total",
			Help: "Cleanup engine actions by policy and action",
		},
		[]string{"policy", "action"},
	)

	CleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_cleanup_failures_total",
			Help: "Cleanup actions that failed",
		},
	)

	// Upstream metrics
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_upstream_requests_total",
			Help: "Upstream API requests by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamRateRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_upstream_rate_remaining",
			Help: "Remaining upstream rate-limit budget",
		},
	)

	// Webhook metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_webhooks_total",
			Help: "Webhook deliveries by result",
		},
		[]string{"result"},
	)

	// Network metrics
	NetworksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_networks_active",
			Help: "Active isolation networks",
		},
	)

	NetworkAllocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_network_allocations_total",
			Help: "Total subnet allocations performed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runnerhub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueInFlight)
	prometheus.MustRegister(QueueDeadLetters)
	prometheus.MustRegister(QueueReservations)
	prometheus.MustRegister(RunnersTotal)
	prometheus.MustRegister(ScalingEvents)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(CleanupActions)
	prometheus.MustRegister(CleanupFailures)
	prometheus.MustRegister(UpstreamRequests)
	prometheus.MustRegister(UpstreamRateRemaining)
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(NetworksActive)
	prometheus.MustRegister(NetworkAllocations)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on a labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labelValues ...string) {
	vec.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
