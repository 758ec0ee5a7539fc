package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_batches_total",
			Help: "Total number of classified batches processed",
		},
		[]string{"status"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_incidents_ingest_duration_seconds",
			Help:    "Duration of batch find-or-create in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IncidentsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_incidents_created_total",
			Help: "Total number of incidents created",
		},
	)

	IncidentTypesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_incident_types_created_total",
			Help: "Total number of incident types created",
		},
	)

	// Lifecycle metrics
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_transitions_total",
			Help: "Total number of requested state transitions",
		},
		[]string{"target", "result"},
	)

	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_merges_total",
			Help: "Total number of merges by entity kind",
		},
		[]string{"kind", "result"},
	)

	RefinementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_refinements_total",
			Help: "Total number of incident type refinements",
		},
	)

	SanitizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_sanitized_total",
			Help: "Total number of entities removed or repaired by sanitation",
		},
		[]string{"entity"},
	)

	// Classifier metrics
	ClassifierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_classifier_requests_total",
			Help: "Total number of classifier RPCs",
		},
		[]string{"status"},
	)

	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_incidents_classifier_duration_seconds",
			Help:    "Duration of classifier RPCs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Mapping metrics
	MappingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_mapping_runs_total",
			Help: "Total number of mapping runs",
		},
		[]string{"result"},
	)

	MappingTypesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_mapping_types_total",
			Help: "Incident types handled by mapping runs, by outcome",
		},
		[]string{"outcome"},
	)

	// Status metrics
	StatusSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_status_samples_total",
			Help: "Total number of connectivity samples recorded",
		},
		[]string{"connected"},
	)

	// Messaging metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_events_published_total",
			Help: "Total number of lifecycle events published",
		},
		[]string{"kind", "status"},
	)

	ArchivedTrainingDataTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_incidents_archived_training_data_total",
			Help: "Training data documents sent to the archive",
		},
		[]string{"status"},
	)

	// Lock metrics
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_incidents_lock_wait_duration_seconds",
			Help:    "Time spent waiting for per-key locks in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"scope"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_incidents_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
