package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_requests_submitted_total",
			Help: "Total number of research requests submitted",
		},
	)

	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_requests_completed_total",
			Help: "Total number of requests reaching a terminal status",
		},
		[]string{"status"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// Task metrics
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_dispatched_total",
			Help: "Total number of task dispatches to workers",
		},
		[]string{"capability"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_task_retries_total",
			Help: "Total number of task requeues",
		},
		[]string{"capability", "reason"},
	)

	TasksFailedPermanently = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_failed_permanently_total",
			Help: "Total number of tasks that exhausted retries",
		},
		[]string{"capability"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Worker execution duration per task in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)

	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_active_workers",
			Help: "Number of in-flight worker executions per capability",
		},
		[]string{"capability"},
	)

	// Quality gate metrics
	FindingsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_findings_evaluated_total",
			Help: "Total findings evaluated by the quality gate",
		},
		[]string{"validation"},
	)

	QualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_finding_quality_score",
			Help:    "Confidence scores assigned by the quality gate",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"capability"},
	)

	CapabilityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_capability_historical_score",
			Help: "Current EWMA quality score per capability",
		},
		[]string{"capability"},
	)

	// Knowledge store metrics
	KnowledgeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_knowledge_writes_total",
			Help: "Total knowledge store writes",
		},
		[]string{"outcome"},
	)

	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_knowledge_store_conflicts_total",
			Help: "Total optimistic-concurrency conflicts during writes",
		},
	)

	KnowledgeCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_knowledge_cache_hits_total",
			Help: "Knowledge cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_stream_subscribers",
			Help: "Number of active event stream subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Total orchestration events published",
		},
		[]string{"type"},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_decisions_total",
			Help: "Total admission policy decisions",
		},
		[]string{"decision"},
	)

	PolicyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"mode"},
	)

	PolicyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_cache_lookups_total",
			Help: "Admission decision cache lookups by result",
		},
		[]string{"result"},
	)

	// Circuit breaker metrics
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per capability",
		},
		[]string{"capability", "to_state"},
	)

	// Decomposition metrics
	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_decomposition_errors_total",
			Help: "Decomposer calls that fell back to an atomic task",
		},
	)

	DecompositionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_decomposition_duration_seconds",
			Help:    "Time spent decomposing queries into subtasks",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)
