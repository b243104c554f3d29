package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_queue_depth",
			Help: "Number of pending jobs per job type",
		},
		[]string{"type"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_jobs_submitted_total",
			Help: "Total number of jobs submitted by type",
		},
		[]string{"type"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_jobs_completed_total",
			Help: "Total number of jobs completed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_jobs_dead_lettered_total",
			Help: "Total number of jobs routed to the dead-letter queue",
		},
		[]string{"type"},
	)

	JobsRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_jobs_requeued_total",
			Help: "Total number of job retry requeues by type",
		},
		[]string{"type"},
	)

	// Pool metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_instances_total",
			Help: "Number of container instances by type and state",
		},
		[]string{"type", "state"},
	)

	ScaleUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_scale_ups_total",
			Help: "Total number of scale-up actions by type",
		},
		[]string{"type"},
	)

	ScaleDowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_scale_downs_total",
			Help: "Total number of scale-down actions by type",
		},
		[]string{"type"},
	)

	StartupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_instance_startup_failures_total",
			Help: "Total number of instances that failed startup verification",
		},
		[]string{"type"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsAssigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_jobs_assigned_total",
			Help: "Total number of jobs bound to instances",
		},
		[]string{"type"},
	)

	ProcessingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_job_processing_seconds",
			Help:    "Wall-clock processing time per job type",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	// Cost metrics
	AccumulatedCost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_accumulated_cost",
			Help: "Accumulated estimated spend per job type",
		},
		[]string{"type"},
	)

	BudgetExhausted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_budget_exhausted",
			Help: "Whether the hard budget limit is reached (1) per job type",
		},
		[]string{"type"},
	)

	// Health metrics
	HealthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_health_check_failures_total",
			Help: "Total number of failed instance health checks",
		},
		[]string{"type"},
	)

	// Webhook metrics
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_webhook_deliveries_total",
			Help: "Total number of webhook callback deliveries by result",
		},
		[]string{"result"},
	)

	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_events_total",
			Help: "Total number of orchestrator events by type",
		},
		[]string{"event"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ScaleUps)
	prometheus.MustRegister(ScaleDowns)
	prometheus.MustRegister(StartupFailures)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(JobsAssigned)
	prometheus.MustRegister(ProcessingSeconds)
	prometheus.MustRegister(AccumulatedCost)
	prometheus.MustRegister(BudgetExhausted)
	prometheus.MustRegister(HealthCheckFailures)
	prometheus.MustRegister(WebhookDeliveries)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
