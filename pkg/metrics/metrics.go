package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	GoalsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_goals_total",
			Help: "Total number of goals by status",
		},
		[]string{"status"},
	)

	DeadLetterTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcom_dead_letter_total",
			Help: "Total number of dead-lettered tasks",
		},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_agents_total",
			Help: "Total number of registered agents by FSM state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	SchedulerAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_scheduler_attempts_total",
			Help: "Total number of scheduling attempts",
		},
	)

	SchedulerAssignments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_scheduler_assignments_total",
			Help: "Total number of task assignments made by the scheduler",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcom_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Hub FSM metrics
	HubState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_hub_state",
			Help: "Current hub FSM state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	HubTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_hub_transitions_total",
			Help: "Total number of hub FSM transitions by target state",
		},
		[]string{"to"},
	)

	// Rate limiter metrics
	RateLimitChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_rate_limit_checks_total",
			Help: "Total number of rate limit checks by verdict",
		},
		[]string{"verdict"},
	)

	// Budget metrics
	BudgetDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_budget_denials_total",
			Help: "Total number of budget check denials by hub state",
		},
		[]string{"hub_state"},
	)

	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_invocations_total",
			Help: "Total number of recorded invocations by hub state",
		},
		[]string{"hub_state"},
	)

	// Store metrics
	StoreMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_store_mutations_total",
			Help: "Total number of store mutations by table",
		},
		[]string{"table"},
	)

	StoreCorruptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_store_corruptions_total",
			Help: "Total number of detected table corruptions",
		},
		[]string{"table"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	// Event bus metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_events_dropped_total",
			Help: "Total number of events dropped by the bus due to full buffers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(GoalsTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(SchedulerAttempts)
	prometheus.MustRegister(SchedulerAssignments)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(HubState)
	prometheus.MustRegister(HubTransitions)
	prometheus.MustRegister(RateLimitChecks)
	prometheus.MustRegister(BudgetDenials)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(StoreMutations)
	prometheus.MustRegister(StoreCorruptions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetHubState updates the hub state gauge so exactly one state is active
func SetHubState(active string) {
	for _, s := range []string{"resting", "executing", "improving", "contemplating", "healing"} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		HubState.WithLabelValues(s).Set(v)
	}
}
