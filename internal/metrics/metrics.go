package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator. Every Record
// method is safe to call on a nil *Metrics.
type Metrics struct {
	// Queue metrics
	TasksEnqueued *prometheus.CounterVec
	EnqueueErrors *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Task lifecycle metrics
	TasksClaimed    *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TaskCost        *prometheus.CounterVec
	BusyRequeues    *prometheus.CounterVec
	DelegationsSent *prometheus.CounterVec

	// Recovery metrics
	WatchdogResets *prometheus.CounterVec
	NudgesCreated  *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
	SweepErrors    *prometheus.CounterVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_tasks_enqueued_total",
					Help: "Jobs placed on tenant queues",
				},
				[]string{"tenant", "backend"},
			),
			EnqueueErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_enqueue_errors_total",
					Help: "Failed enqueue attempts",
				},
				[]string{"tenant", "backend"},
			),
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gc_queue_jobs",
					Help: "Jobs per tenant queue by state",
				},
				[]string{"tenant", "state"},
			),
			TasksClaimed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_tasks_claimed_total",
					Help: "Tasks moved from pending to running",
				},
				[]string{"tenant"},
			),
			TasksFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_tasks_finished_total",
					Help: "Tasks that reached a final run status",
				},
				[]string{"tenant", "status"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gc_task_duration_seconds",
					Help:    "Agent runtime duration per task",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
				},
				[]string{"tenant", "status"},
			),
			TaskCost: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_task_cost_usd_total",
					Help: "Runtime cost reported by agents",
				},
				[]string{"tenant"},
			),
			BusyRequeues: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_busy_requeues_total",
					Help: "Jobs delayed because the agent was running another task",
				},
				[]string{"tenant"},
			),
			DelegationsSent: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_delegation_results_total",
					Help: "Child results delivered to parent workspaces",
				},
				[]string{"tenant", "requeued"},
			),
			WatchdogResets: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_watchdog_resets_total",
					Help: "Stuck agents reset by the watchdog",
				},
				[]string{"tenant"},
			),
			NudgesCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_nudges_created_total",
					Help: "Nudge tasks created for idle agents",
				},
				[]string{"tenant"},
			),
			SweepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gc_sweep_duration_seconds",
					Help:    "Duration of periodic sweeps",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"sweep"},
			),
			SweepErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_sweep_errors_total",
					Help: "Errors observed during periodic sweeps",
				},
				[]string{"sweep"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_events_published_total",
					Help: "Events emitted on the bus",
				},
				[]string{"type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gc_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gc_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return sharedMetrics
}

func (m *Metrics) RecordEnqueue(tenant, backend string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EnqueueErrors.WithLabelValues(tenant, backend).Inc()
		return
	}
	m.TasksEnqueued.WithLabelValues(tenant, backend).Inc()
}

func (m *Metrics) RecordQueueDepth(tenant string, waiting, delayed, active, failed int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(tenant, "waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues(tenant, "delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues(tenant, "active").Set(float64(active))
	m.QueueDepth.WithLabelValues(tenant, "failed").Set(float64(failed))
}

func (m *Metrics) RecordClaim(tenant string) {
	if m == nil {
		return
	}
	m.TasksClaimed.WithLabelValues(tenant).Inc()
}

func (m *Metrics) RecordBusyRequeue(tenant string) {
	if m == nil {
		return
	}
	m.BusyRequeues.WithLabelValues(tenant).Inc()
}

// RecordTaskFinished records the outcome, runtime duration and cost of a run.
func (m *Metrics) RecordTaskFinished(tenant, status string, durationMs int64, costUSD float64) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(tenant, status).Inc()
	m.TaskDuration.WithLabelValues(tenant, status).Observe(float64(durationMs) / 1000)
	if costUSD > 0 {
		m.TaskCost.WithLabelValues(tenant).Add(costUSD)
	}
}

func (m *Metrics) RecordDelegation(tenant string, requeued bool) {
	if m == nil {
		return
	}
	label := "false"
	if requeued {
		label = "true"
	}
	m.DelegationsSent.WithLabelValues(tenant, label).Inc()
}

func (m *Metrics) RecordWatchdogReset(tenant string) {
	if m == nil {
		return
	}
	m.WatchdogResets.WithLabelValues(tenant).Inc()
}

func (m *Metrics) RecordNudge(tenant string) {
	if m == nil {
		return
	}
	m.NudgesCreated.WithLabelValues(tenant).Inc()
}

// RecordSweep records one sweep run and whether it reported an error.
func (m *Metrics) RecordSweep(sweep string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(sweep).Observe(seconds)
	if err != nil {
		m.SweepErrors.WithLabelValues(sweep).Inc()
	}
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
