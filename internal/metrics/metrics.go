package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mission metrics
	MissionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_missions_started_total",
			Help: "Total number of missions started",
		},
	)

	MissionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_missions_completed_total",
			Help: "Total number of missions reaching a terminal status",
		},
		[]string{"status"},
	)

	MissionsResumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_missions_resumed_total",
			Help: "Total number of mission resumes",
		},
		[]string{"source"},
	)

	MissionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_missions_active",
			Help: "Number of missions currently executing",
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_phase_duration_seconds",
			Help:    "Mission phase execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"phase"},
	)

	// Dispatch metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_model_calls_total",
			Help: "Total number of model calls by outcome",
		},
		[]string{"role", "provider", "model", "status"},
	)

	ModelCallRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_model_call_retries_total",
			Help: "Total number of model call retry attempts",
		},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_model_call_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role", "provider"},
	)

	ModelCallTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_model_call_tokens",
			Help:    "Tokens consumed per model call",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 50000},
		},
	)

	ModelCallCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_model_call_cost_usd",
			Help:    "Cost in USD per model call",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	AdmissionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_admission_wait_seconds",
			Help:    "Time spent waiting for a dispatch slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pool"},
	)

	// Research metrics
	QuestionsExplored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_questions_explored_total",
			Help: "Total number of exploration questions processed",
		},
	)

	ResearchCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_research_cycles_total",
			Help: "Total number of section research cycles",
		},
		[]string{"outcome"},
	)

	OutlineRevisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_outline_revisions_total",
			Help: "Total number of inter-round outline revisions",
		},
		[]string{"outcome"},
	)

	NotesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_notes_discarded_total",
			Help: "Total number of notes removed by the redundancy filter",
		},
	)

	SectionAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_section_assignments_total",
			Help: "Total number of section note assignments",
		},
		[]string{"status"},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_search_requests_total",
			Help: "Total number of search service requests",
		},
		[]string{"kind", "status"},
	)

	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_search_latency_seconds",
			Help:    "Search service latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Calls priced without a table entry still need a cost estimate.
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_pricing_fallback_total",
			Help: "Model calls priced via the default rate because the model is not in the table",
		},
		[]string{"reason"},
	)

	// Store metrics
	LogEntriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_log_entries_dropped_total",
			Help: "Total number of execution log entries dropped",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_events_published_total",
			Help: "Total number of mission events published",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_events_dropped_total",
			Help: "Total number of mission events dropped",
		},
		[]string{"reason"},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_event_subscribers",
			Help: "Number of live event subscribers",
		},
	)

	// Circuit breaker metrics
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "state"},
	)
)

// RecordMissionCompleted records a terminal mission status.
func RecordMissionCompleted(status string) {
	MissionsCompleted.WithLabelValues(status).Inc()
	MissionsActive.Dec()
}

// RecordModelCall records one finished model call.
func RecordModelCall(role, provider, model, status string, durationSeconds float64, tokens int, costUSD float64) {
	ModelCalls.WithLabelValues(role, provider, model, status).Inc()
	ModelCallDuration.WithLabelValues(role, provider).Observe(durationSeconds)
	if tokens > 0 {
		ModelCallTokens.Observe(float64(tokens))
	}
	if costUSD > 0 {
		ModelCallCostUSD.Observe(costUSD)
	}
}

// RecordSearch records one search service round trip.
func RecordSearch(kind, status string, durationSeconds float64) {
	SearchRequests.WithLabelValues(kind, status).Inc()
	if durationSeconds > 0 {
		SearchLatency.WithLabelValues(kind).Observe(durationSeconds)
	}
}
