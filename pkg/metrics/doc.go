/*
Package metrics provides Prometheus metrics, health checking, and
readiness reporting for RunnerHub.

All metrics are registered with the default Prometheus registry at
package init and exposed through Handler() on /metrics. A Collector
samples point-in-time gauges from the store and the job queue every
15 seconds; counters and histograms are updated inline at their call
sites. The HealthChecker aggregates per-component health into the
/health and /ready endpoints.

# Architecture

	┌──────────────────── METRICS SYSTEM ────────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐          │
	│  │          Prometheus Registry              │          │
	│  │  - Global DefaultRegistry                 │          │
	│  │  - MustRegister at package init           │          │
	│  │  - Automatic Go runtime metrics           │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │           Metric Categories               │          │
	│  │                                           │          │
	│  │  Jobs: totals, dispatch latency, failures │          │
	│  │  Queue: depth per band, in-flight, DLQ    │          │
	│  │  Runners: totals, scaling events          │          │
	│  │  Containers: totals, cleanup actions      │          │
	│  │  Upstream: requests, rate budget          │          │
	│  │  Webhooks: received by result             │          │
	│  │  Networks: active count, allocations      │          │
	│  │  API: request count, duration             │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │          HTTP Endpoints                   │          │
	│  │  - /metrics: Prometheus text exposition   │          │
	│  │  - /health:  component health JSON        │          │
	│  │  - /ready:   readiness gate JSON          │          │
	│  └───────────────────────────────────────────┘          │
	└─────────────────────────────────────────────────────────┘

# Metrics Catalog

Job Metrics:

runnerhub_jobs_total{status}:
  - Type: Gauge
  - Description: Jobs by lifecycle status (QUEUED/ASSIGNED/RUNNING/...)
  - Example: runnerhub_jobs_total{status="RUNNING"} 12

runnerhub_jobs_dispatched_total:
  - Type: Counter
  - Description: Jobs handed to a runner since process start

runnerhub_jobs_failed_total:
  - Type: Counter
  - Description: Jobs that reached FAILED

runnerhub_dispatch_latency_seconds:
  - Type: Histogram
  - Description: Webhook receipt to runner assignment
  - Buckets: exponential, 0.5s to ~1024s

Queue Metrics:

runnerhub_queue_depth{band}:
  - Type: Gauge
  - Description: Ready messages per priority band

runnerhub_queue_in_flight:
  - Type: Gauge
  - Description: Messages reserved by workers, not yet acked

runnerhub_queue_dead_letters:
  - Type: Gauge
  - Description: Messages parked in the dead letter queue

runnerhub_queue_reservations_total:
  - Type: Counter
  - Description: Successful Reserve calls

Runner and Scaling Metrics:

runnerhub_runners_total{status}:
  - Type: Gauge
  - Description: Runners by status (STARTING/IDLE/BUSY/...)

runnerhub_scaling_events_total{repository, direction}:
  - Type: Counter
  - Description: Scale decisions by repository and direction (up/down)

Container and Cleanup Metrics:

runnerhub_containers_total{state}:
  - Type: Gauge
  - Description: Tracked containers by state machine state

runnerhub_cleanup_actions_total{policy, action}:
  - Type: Counter
  - Description: Cleanup actions taken, by policy and action kind

runnerhub_cleanup_failures_total:
  - Type: Counter
  - Description: Cleanup actions that errored

Upstream Metrics:

runnerhub_upstream_requests_total{outcome}:
  - Type: Counter
  - Description: Upstream API calls by outcome (ok/retried/failed/throttled)

runnerhub_upstream_rate_remaining:
  - Type: Gauge
  - Description: Remaining upstream rate-limit budget from response headers

Webhook and Network Metrics:

runnerhub_webhooks_received_total{result}:
  - Type: Counter
  - Description: Deliveries by result (accepted/duplicate/invalid/rejected)

runnerhub_networks_active:
  - Type: Gauge
  - Description: Isolation networks currently provisioned

runnerhub_network_allocations_total:
  - Type: Counter
  - Description: Subnet allocations performed

API Metrics:

runnerhub_api_requests_total{method, status}:
  - Type: Counter
  - Description: REST requests by HTTP method and response status

runnerhub_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: REST handler latency

# Usage

Updating metrics inline:

	import "github.com/runnerhub/runnerhub/pkg/metrics"

	metrics.JobsDispatched.Inc()
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	metrics.UpstreamRateRemaining.Set(4980)

Timing an operation:

	timer := metrics.NewTimer()
	// ... dispatch the job ...
	timer.ObserveDuration(metrics.DispatchLatency)

Running the collector:

	collector := metrics.NewCollector(store, queue)
	collector.Start()
	defer collector.Stop()

Health checking:

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("queue", true, "")

	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/metrics", metrics.Handler())

# Health Semantics

Components register themselves once started and update their status as
conditions change. The critical set (store, queue, runtime, api) gates
readiness: /ready returns 503 until every critical component reports
healthy, and again once SetDraining(true) is called during shutdown.
/health returns 503 only when a critical component is unhealthy; a sick
non-critical component (for example the upstream client during a rate
limit) degrades the report but keeps serving 200.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - No runtime registration needed by callers

Label Discipline:
  - Bounded label values only (status, band, direction, policy)
  - Repository is the highest-cardinality label and is bounded by the
    number of configured pools
  - Never label by job ID, container ID, or delivery ID

Collector Pattern:
  - Gauges describing stored state are sampled, not event-driven
  - Every known label value is published each cycle so stale series
    reset to zero instead of lingering
*/
package metrics
