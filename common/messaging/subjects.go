package messaging

// Subjects follow {service}.{kind}.{name}.
const (
	// Inbound work
	SubjectBatchesClassified = "incidents.batches.classified" // classified log batches from the classifier pipeline
	SubjectStatusSamples     = "incidents.status.samples"     // per-poll connectivity samples

	// Scheduler triggers; all are safe to deliver more than once
	SubjectJobsRunMapping        = "incidents.jobs.run_mapping"
	SubjectJobsSanitize          = "incidents.jobs.sanitize"
	SubjectJobsPurgeTrainingData = "incidents.jobs.purge_training_data"
	SubjectJobsRegisterModel     = "incidents.jobs.register_model"

	// Outbound alert/reaction events
	SubjectEventsNewIncident                 = "incidents.events.new_incident"
	SubjectEventsNewIncidentType             = "incidents.events.new_incident_type"
	SubjectEventsNewIncidentWithIncidentType = "incidents.events.new_incident_with_incident_type"
	SubjectEventsIncidentReopened            = "incidents.events.incident_reopened"

	// Classifier request/reply
	SubjectClassifierClassify = "classifier.rpc.classify"
)

// Queue group names for load-balanced consumers.
const (
	QueueIncidentsWorkers = "incidents-workers"
)

// InboundSubjects lists every subject the incidents workers consume.
func InboundSubjects() []string {
	return []string{
		SubjectBatchesClassified,
		SubjectStatusSamples,
		SubjectJobsRunMapping,
		SubjectJobsSanitize,
		SubjectJobsPurgeTrainingData,
		SubjectJobsRegisterModel,
	}
}
