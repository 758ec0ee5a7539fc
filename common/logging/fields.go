package logging

import "log/slog"

// Field names shared by every component so log queries stay uniform.
const (
	FieldService        = "service"
	FieldRequestID      = "request_id"
	FieldDatasourceID   = "datasource_id"
	FieldEnvironmentID  = "environment_id"
	FieldIncidentID     = "incident_id"
	FieldIncidentTypeID = "incident_type_id"
	FieldModelID        = "model_id"
	FieldClusterID      = "cluster_id"
	FieldRuleID         = "rule_id"
	FieldActor          = "actor"
	FieldSubject        = "subject"
	FieldDuration       = "duration_ms"
	FieldError          = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// DatasourceID returns a slog attribute for a datasource.
func DatasourceID(id int64) slog.Attr {
	return slog.Int64(FieldDatasourceID, id)
}

// EnvironmentID returns a slog attribute for an environment.
func EnvironmentID(id int64) slog.Attr {
	return slog.Int64(FieldEnvironmentID, id)
}

// IncidentID returns a slog attribute for an incident.
func IncidentID(id int64) slog.Attr {
	return slog.Int64(FieldIncidentID, id)
}

// IncidentTypeID returns a slog attribute for an incident type.
func IncidentTypeID(id int64) slog.Attr {
	return slog.Int64(FieldIncidentTypeID, id)
}

// ModelID returns a slog attribute for a classifier model.
func ModelID(id int64) slog.Attr {
	return slog.Int64(FieldModelID, id)
}

// ClusterID returns a slog attribute for a classifier cluster.
func ClusterID(id int64) slog.Attr {
	return slog.Int64(FieldClusterID, id)
}

// RuleID returns a slog attribute for an incident rule.
func RuleID(id int64) slog.Attr {
	return slog.Int64(FieldRuleID, id)
}

// Actor returns a slog attribute for the user performing an operation.
func Actor(id string) slog.Attr {
	return slog.String(FieldActor, id)
}

// Subject returns a slog attribute for a message bus subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
