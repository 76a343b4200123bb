package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the delay engine.
type Registry struct {
	// Pipeline metrics
	ObservationsTotal    *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	ReconcileConflicts   *prometheus.CounterVec
	FieldsAccepted       prometheus.Counter
	CommitRetries        prometheus.Counter
	DeadLettered         prometheus.Counter
	ShardQueueDepth      *prometheus.GaugeVec

	// Business metrics
	EligibilityTransitions *prometheus.CounterVec
	DelayRecordsWritten    prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry registers all metrics on the default Prometheus registerer.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.DefaultRegisterer)
}

// NewRegistryWith registers all metrics on the given registerer. Tests pass
// a private registry so repeated construction never collides.
func NewRegistryWith(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ObservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delay_engine_observations_total",
				Help: "Observations processed by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		DuplicatesSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "delay_engine_duplicates_suppressed_total",
				Help: "Observations suppressed by the dedup ledger",
			},
		),
		ReconcileConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delay_engine_reconcile_conflicts_total",
				Help: "Observations rejected during reconciliation by reason",
			},
			[]string{"reason"},
		),
		FieldsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "delay_engine_fields_accepted_total",
				Help: "Flight state fields overwritten by the merge rule",
			},
		),
		CommitRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "delay_engine_commit_retries_total",
				Help: "Persistence commits retried after a conflict or outage",
			},
		),
		DeadLettered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "delay_engine_dead_lettered_total",
				Help: "Observations parked on the dead-letter stream",
			},
		),
		ShardQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "delay_engine_shard_queue_depth",
				Help: "Observations queued per pipeline shard",
			},
			[]string{"shard"},
		),
		EligibilityTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delay_engine_eligibility_transitions_total",
				Help: "Claim eligibility transitions by from and to state",
			},
			[]string{"from", "to"},
		),
		DelayRecordsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "delay_engine_delay_records_total",
				Help: "Delay records appended to the history",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delay_engine_http_requests_total",
				Help: "HTTP requests by endpoint, method, and status code",
			},
			[]string{"endpoint", "method", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delay_engine_http_request_duration_seconds",
				Help:    "HTTP request latency distribution in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint", "method"},
		),
	}
}
