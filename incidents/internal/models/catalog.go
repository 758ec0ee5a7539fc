package models

import (
	"slices"
	"strings"
	"time"
)

// Defaults for operator-assigned incident type fields.
const (
	DefaultLabel    = "Unknown"
	DefaultSeverity = "unknown"

	// SolutionSeparator joins two distinct solutions during a merge.
	SolutionSeparator = "*** Other scripts ***"
)

// Datasource is a monitored log source. Type selects the lifecycle policy.
type Datasource struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// LogCategory is an archetype log line, unique per datasource by Signature.
type LogCategory struct {
	ID           int64     `json:"id"`
	DatasourceID int64     `json:"datasource_id"`
	LogArchetype string    `json:"log_archetype"`
	Logger       string    `json:"logger"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClassifierModel records a classifier run. Its ID is assigned by the classifier.
type ClassifierModel struct {
	ID           int64     `json:"id"`
	DatasourceID int64     `json:"datasource_id"`
	Current      bool      `json:"current"`
	CreatedAt    time.Time `json:"created_at"`
}

// IncidentType is the catalog identity of one classifier cluster.
// (ModelID, ClusterID) identifies at most one live type per datasource.
type IncidentType struct {
	ID              int64     `json:"id"`
	DatasourceID    int64     `json:"datasource_id"`
	ClusterID       int64     `json:"cluster_id"`
	ModelID         int64     `json:"model_id"`
	LogCategories   []int64   `json:"log_categories"`
	Label           string    `json:"label"`
	Severity        string    `json:"severity"`
	Refinement      bool      `json:"refinement"`
	RefinedFrom     *int64    `json:"refined_from,omitempty"`
	Solution        string    `json:"solution,omitempty"`
	NumberSolutions int       `json:"number_solutions"`
	FeatureVector   []float64 `json:"feature_vector,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewIncidentType returns a type carrying the default label and severity.
func NewIncidentType(datasourceID, modelID, clusterID int64) *IncidentType {
	return &IncidentType{
		DatasourceID: datasourceID,
		ModelID:      modelID,
		ClusterID:    clusterID,
		Label:        DefaultLabel,
		Severity:     DefaultSeverity,
	}
}

// NormalizeLabel folds a label to its comparison form: surrounding and
// repeated whitespace removed, lower case.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// IsDefaultLabel reports whether label carries no operator classification.
func IsDefaultLabel(label string) bool {
	n := NormalizeLabel(label)
	return n == "" || n == NormalizeLabel(DefaultLabel)
}

// IsDefaultSeverity reports whether severity is unset.
func IsDefaultSeverity(severity string) bool {
	s := strings.ToLower(strings.TrimSpace(severity))
	return s == "" || s == DefaultSeverity
}

// HasDefaultLabel reports whether the type is still unlabeled.
func (t *IncidentType) HasDefaultLabel() bool { return IsDefaultLabel(t.Label) }

// HasDefaultSeverity reports whether the type has no operator severity.
func (t *IncidentType) HasDefaultSeverity() bool { return IsDefaultSeverity(t.Severity) }

// HasSolution reports whether a solution has been recorded on the type itself.
func (t *IncidentType) HasSolution() bool {
	return strings.TrimSpace(t.Solution) != "" || t.NumberSolutions > 0
}

// IsRefined reports whether the type was produced by a refinement and
// therefore has no classifier cluster of its own.
func (t *IncidentType) IsRefined() bool {
	return t.RefinedFrom != nil || t.ClusterID < 0
}

// HasCategory reports whether id is one of the type's log categories.
func (t *IncidentType) HasCategory(id int64) bool {
	return slices.Contains(t.LogCategories, id)
}

// Clone returns a deep copy.
func (t *IncidentType) Clone() *IncidentType {
	c := *t
	c.LogCategories = slices.Clone(t.LogCategories)
	c.FeatureVector = slices.Clone(t.FeatureVector)
	if t.RefinedFrom != nil {
		v := *t.RefinedFrom
		c.RefinedFrom = &v
	}
	return &c
}

// History fields recorded on IncidentTypeEvent.
const (
	EventFieldLabel      = "label"
	EventFieldSeverity   = "severity"
	EventFieldRefinement = "refinement"
	EventFieldSolution   = "solution"
	EventFieldMapping    = "mapping"
	EventFieldMerge      = "merge"
)

// IncidentTypeEvent is one append-only history row of an incident type.
type IncidentTypeEvent struct {
	ID             int64     `json:"id"`
	DatasourceID   int64     `json:"datasource_id"`
	IncidentTypeID int64     `json:"incident_type_id"`
	Field          string    `json:"field"`
	OldValue       string    `json:"old_value"`
	NewValue       string    `json:"new_value"`
	Actor          string    `json:"actor"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExternalSolution is a solution proposed by an outside source (ticket, runbook).
type ExternalSolution struct {
	ID             int64     `json:"id"`
	DatasourceID   int64     `json:"datasource_id"`
	IncidentTypeID int64     `json:"incident_type_id"`
	Source         string    `json:"source"`
	Reference      string    `json:"reference"`
	Accepted       bool      `json:"accepted"`
	CreatedAt      time.Time `json:"created_at"`
}

// IncidentTypeMerge records that SourceID was absorbed into TargetID.
type IncidentTypeMerge struct {
	ID           int64     `json:"id"`
	DatasourceID int64     `json:"datasource_id"`
	SourceID     int64     `json:"source_id"`
	TargetID     int64     `json:"target_id"`
	MergedBy     string    `json:"merged_by"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// UnionIDs returns the sorted distinct union of the given id sets.
func UnionIDs(sets ...[]int64) []int64 {
	var out []int64
	for _, s := range sets {
		out = append(out, s...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// UnionStrings returns the sorted distinct union of the given string sets.
func UnionStrings(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		for _, v := range s {
			if v != "" {
				out = append(out, v)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
