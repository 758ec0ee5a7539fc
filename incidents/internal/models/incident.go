package models

import (
	"slices"
	"time"
)

// State is an incident lifecycle state.
type State string

const (
	StateDiscovered    State = "DISCOVERED"
	StateInvestigating State = "INVESTIGATING"
	StateResolved      State = "RESOLVED"
	StateArchived      State = "ARCHIVED"
	StateClosed        State = "CLOSED"
)

// ParseState validates a state name.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateDiscovered, StateInvestigating, StateResolved, StateArchived, StateClosed:
		return st, true
	}
	return "", false
}

// Incident is one occurrence bucket of an incident type within an environment.
type Incident struct {
	ID              int64     `json:"id"`
	DatasourceID    int64     `json:"datasource_id"`
	IncidentTypeID  int64     `json:"incident_type_id"`
	EnvironmentID   int64     `json:"environment_id"`
	CurrentState    State     `json:"current_state"`
	Occurrences     int64     `json:"occurrences"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
	Hosts           []string  `json:"hosts"`
	Loggers         []string  `json:"loggers"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *Incident) Clone() *Incident {
	c := *i
	c.Hosts = slices.Clone(i.Hosts)
	c.Loggers = slices.Clone(i.Loggers)
	return &c
}

// Observe folds one occurrence seen at ts into the counters.
func (i *Incident) Observe(ts time.Time, hosts, loggers []string) {
	i.Occurrences++
	if i.FirstOccurrence.IsZero() || ts.Before(i.FirstOccurrence) {
		i.FirstOccurrence = ts
	}
	if ts.After(i.LastOccurrence) {
		i.LastOccurrence = ts
	}
	i.Hosts = UnionStrings(i.Hosts, hosts)
	i.Loggers = UnionStrings(i.Loggers, loggers)
}

// Absorb folds the counters of other into i.
func (i *Incident) Absorb(other *Incident) {
	i.Occurrences += other.Occurrences
	if !other.FirstOccurrence.IsZero() && (i.FirstOccurrence.IsZero() || other.FirstOccurrence.Before(i.FirstOccurrence)) {
		i.FirstOccurrence = other.FirstOccurrence
	}
	if other.LastOccurrence.After(i.LastOccurrence) {
		i.LastOccurrence = other.LastOccurrence
	}
	i.Hosts = UnionStrings(i.Hosts, other.Hosts)
	i.Loggers = UnionStrings(i.Loggers, other.Loggers)
}

// IncidentStateEvent is one append-only state history row.
type IncidentStateEvent struct {
	ID           int64     `json:"id"`
	DatasourceID int64     `json:"datasource_id"`
	IncidentID   int64     `json:"incident_id"`
	State        State     `json:"state"`
	Actor        string    `json:"actor"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogLine is one classified log line carried by a training datum.
type LogLine struct {
	LogCategoryID int64     `json:"log_category_id"`
	Logger        string    `json:"logger"`
	Host          string    `json:"host"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrainingDatum is the evidence of one classified batch.
// Only Label and Severity change after creation, except when a merge or
// refinement moves the datum to another owner.
type TrainingDatum struct {
	ID             int64     `json:"id"`
	DatasourceID   int64     `json:"datasource_id"`
	IncidentTypeID int64     `json:"incident_type_id"`
	IncidentID     int64     `json:"incident_id"`
	Lines          []LogLine `json:"lines"`
	Label          string    `json:"label"`
	Severity       string    `json:"severity"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Clone returns a deep copy.
func (d *TrainingDatum) Clone() *TrainingDatum {
	c := *d
	c.Lines = slices.Clone(d.Lines)
	return &c
}

// Hosts returns the distinct hosts of the datum's lines.
func (d *TrainingDatum) Hosts() []string {
	hosts := make([]string, 0, len(d.Lines))
	for _, l := range d.Lines {
		hosts = append(hosts, l.Host)
	}
	return UnionStrings(hosts)
}

// Loggers returns the distinct loggers of the datum's lines.
func (d *TrainingDatum) Loggers() []string {
	loggers := make([]string, 0, len(d.Lines))
	for _, l := range d.Lines {
		loggers = append(loggers, l.Logger)
	}
	return UnionStrings(loggers)
}

// EventKind names an outbound alert/reaction event.
type EventKind string

const (
	EventNewIncident                 EventKind = "new_incident"
	EventNewIncidentType             EventKind = "new_incident_type"
	EventNewIncidentWithIncidentType EventKind = "new_incident_with_incident_type"
	EventIncidentReopened            EventKind = "incident_reopened"
)

// LifecycleEvent is published to alert and reaction subscribers after commit.
type LifecycleEvent struct {
	ID             string    `json:"id"`
	Kind           EventKind `json:"kind"`
	DatasourceID   int64     `json:"datasource_id"`
	IncidentTypeID int64     `json:"incident_type_id"`
	IncidentID     int64     `json:"incident_id,omitempty"`
	EnvironmentID  int64     `json:"environment_id,omitempty"`
	Label          string    `json:"label"`
	Severity       string    `json:"severity"`
	State          State     `json:"state,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
