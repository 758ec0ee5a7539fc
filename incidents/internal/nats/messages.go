// Package nats connects the incidents service to the message bus: it
// publishes lifecycle events and consumes classified batches, status
// samples and scheduler triggers.
package nats

import (
	"time"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// StatusSampleMessage is received on incidents.status.samples for every
// connectivity poll of an environment.
type StatusSampleMessage struct {
	DatasourceID  int64         `json:"datasource_id"`
	EnvironmentID int64         `json:"environment_id"`
	Sample        models.Sample `json:"sample"`
}

// JobRequest is the payload of every incidents.jobs.* trigger. Fields a job
// does not use are ignored.
type JobRequest struct {
	JobID        string `json:"job_id,omitempty"`
	DatasourceID int64  `json:"datasource_id"`

	// ModelID is the new classifier model for register_model.
	ModelID int64 `json:"model_id,omitempty"`

	// Before is the purge cutoff for purge_training_data. When zero,
	// OlderThan is subtracted from the time the job is handled.
	Before    time.Time `json:"before,omitzero"`
	OlderThan Duration  `json:"older_than,omitempty"`
}

// JobResponse is sent to the reply subject of a job request, if any.
type JobResponse struct {
	JobID        string `json:"job_id,omitempty"`
	DatasourceID int64  `json:"datasource_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Result       any    `json:"result,omitempty"`
	TookMs       int64  `json:"took_ms"`
}

// Duration decodes from a Go duration string such as "720h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
