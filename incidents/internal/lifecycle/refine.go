package lifecycle

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// RefineResult describes a split.
type RefineResult struct {
	Original          *models.IncidentType `json:"original"`
	Refined           *models.IncidentType `json:"refined"`
	MovedTrainingData int                  `json:"moved_training_data"`
	SplitTrainingData int                  `json:"split_training_data"`
	CreatedIncidents  int                  `json:"created_incidents"`
	DeletedIncidents  int                  `json:"deleted_incidents"`
}

// RefineRequest names the log categories split off into a new type. The
// new type inherits label and severity from the original unless Label or
// Severity override them.
type RefineRequest struct {
	LogCategories []int64 `json:"log_categories"`
	Label         *string `json:"label,omitempty"`
	Severity      *string `json:"severity,omitempty"`
}

// RefineIncidentType splits the log categories of req off type id into a
// new refined type. Lines of every training datum follow their category;
// incidents are mirrored on the new type and recounted on both sides, and
// incidents left without evidence are deleted.
func (e *Engine) RefineIncidentType(ctx context.Context, actor auth.Actor, datasourceID, id int64, req RefineRequest) (*RefineResult, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentTypeUpdate, datasourceID); err != nil {
		return nil, err
	}
	if req.Label != nil && strings.TrimSpace(*req.Label) == "" {
		return nil, fmt.Errorf("%w: label must not be empty", models.ErrInvalidInput)
	}
	if e.mapping != nil {
		busy, err := e.mapping.InProgress(ctx, datasourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to check mapping state: %w", err)
		}
		if busy {
			return nil, fmt.Errorf("datasource %d: %w", datasourceID, models.ErrMappingInProgress)
		}
	}

	original, err := e.repo.GetIncidentType(ctx, datasourceID, id)
	if err != nil {
		return nil, err
	}
	partition := models.UnionIDs(req.LogCategories)
	if err := validatePartition(original, partition); err != nil {
		return nil, err
	}

	var result *RefineResult
	key := locks.IncidentTypeKey(datasourceID, original.ModelID, original.ClusterID)
	err = e.withTypeLocks(ctx, datasourceID, []int64{id}, []string{key}, func(tx repository.Store) error {
		a, err := tx.GetIncidentTypeForUpdate(ctx, datasourceID, id)
		if err != nil {
			return err
		}
		if err := validatePartition(a, partition); err != nil {
			return err
		}
		result, err = refineTx(ctx, tx, actor.ID, a, partition, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RefinementsTotal.Inc()
	e.publish(ctx, []models.LifecycleEvent{lifecycleEvent(models.EventNewIncidentType, result.Refined, nil)})
	e.logger.InfoContext(ctx, "incident type refined",
		logging.DatasourceID(datasourceID),
		logging.IncidentTypeID(id),
		logging.Actor(actor.ID))
	return result, nil
}

func validatePartition(it *models.IncidentType, partition []int64) error {
	if len(partition) == 0 {
		return fmt.Errorf("%w: partition is empty", models.ErrInvalidInput)
	}
	for _, c := range partition {
		if !it.HasCategory(c) {
			return fmt.Errorf("%w: log category %d is not part of incident type %d", models.ErrInvalidInput, c, it.ID)
		}
	}
	if len(partition) >= len(it.LogCategories) {
		return fmt.Errorf("%w: partition must leave categories on incident type %d", models.ErrInvalidInput, it.ID)
	}
	return nil
}

func refineTx(ctx context.Context, tx repository.Store, actor string, a *models.IncidentType, partition []int64, req RefineRequest) (*RefineResult, error) {
	result := &RefineResult{Original: a}

	// The placeholder cluster cannot collide with a classifier cluster or
	// another refinement's final -(id) key.
	b := models.NewIncidentType(a.DatasourceID, a.ModelID, math.MinInt64+a.ID)
	b.LogCategories = slices.Clone(partition)
	b.Refinement = true
	b.RefinedFrom = &a.ID
	b.Label, b.Severity = a.Label, a.Severity
	if req.Label != nil {
		b.Label = strings.TrimSpace(*req.Label)
	}
	if req.Severity != nil {
		b.Severity = strings.TrimSpace(*req.Severity)
		if b.Severity == "" {
			b.Severity = models.DefaultSeverity
		}
	}
	if err := tx.CreateIncidentType(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create refined incident type: %w", err)
	}
	b.ClusterID = -b.ID
	if err := tx.UpdateIncidentType(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to key refined incident type %d: %w", b.ID, err)
	}
	result.Refined = b

	a.LogCategories = slices.DeleteFunc(slices.Clone(a.LogCategories), func(c int64) bool {
		return slices.Contains(partition, c)
	})
	if err := tx.UpdateIncidentType(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update incident type %d: %w", a.ID, err)
	}
	history := []*models.IncidentTypeEvent{
		typeEvent(a, models.EventFieldRefinement, "", "split into "+strconv.FormatInt(b.ID, 10), actor),
		typeEvent(b, models.EventFieldRefinement, "", "split from "+strconv.FormatInt(a.ID, 10), actor),
	}
	if !b.HasDefaultLabel() {
		history = append(history, typeEvent(b, models.EventFieldLabel, models.DefaultLabel, b.Label, actor))
	}
	if !b.HasDefaultSeverity() {
		history = append(history, typeEvent(b, models.EventFieldSeverity, models.DefaultSeverity, b.Severity, actor))
	}
	for _, ev := range history {
		if err := tx.AppendIncidentTypeEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to append refinement history: %w", err)
		}
	}

	data, err := tx.ListTrainingDataByType(ctx, a.DatasourceID, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list training data of type %d: %w", a.ID, err)
	}

	mirrors := make(map[int64]*models.Incident)
	fullyMoved := make(map[int64]int64)
	var touched []int64
	mirror := func(incidentID int64) (*models.Incident, error) {
		if m, ok := mirrors[incidentID]; ok {
			return m, nil
		}
		src, err := tx.GetIncident(ctx, a.DatasourceID, incidentID)
		if err != nil {
			return nil, err
		}
		m := &models.Incident{
			DatasourceID:   a.DatasourceID,
			IncidentTypeID: b.ID,
			EnvironmentID:  src.EnvironmentID,
			CurrentState:   src.CurrentState,
		}
		if err := tx.CreateIncident(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to create refined incident: %w", err)
		}
		comment := "refined from incident " + strconv.FormatInt(src.ID, 10)
		if err := tx.AppendIncidentStateEvent(ctx, stateEvent(m, actor, comment)); err != nil {
			return nil, fmt.Errorf("failed to append state event: %w", err)
		}
		mirrors[incidentID] = m
		touched = append(touched, incidentID)
		result.CreatedIncidents++
		return m, nil
	}

	for _, d := range data {
		var moved, kept []models.LogLine
		for _, l := range d.Lines {
			if slices.Contains(partition, l.LogCategoryID) {
				moved = append(moved, l)
			} else {
				kept = append(kept, l)
			}
		}
		if len(moved) == 0 {
			continue
		}
		m, err := mirror(d.IncidentID)
		if err != nil {
			return nil, err
		}
		observeLines(m, moved)

		if len(kept) == 0 {
			fullyMoved[d.IncidentID]++
			d.IncidentTypeID, d.IncidentID = b.ID, m.ID
			d.Label, d.Severity = b.Label, b.Severity
			if err := tx.UpdateTrainingDatum(ctx, d); err != nil {
				return nil, fmt.Errorf("failed to move training datum %d: %w", d.ID, err)
			}
			result.MovedTrainingData++
			continue
		}
		d.Lines = kept
		if err := tx.UpdateTrainingDatum(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to split training datum %d: %w", d.ID, err)
		}
		split := &models.TrainingDatum{
			DatasourceID:   b.DatasourceID,
			IncidentTypeID: b.ID,
			IncidentID:     m.ID,
			Lines:          moved,
			Label:          b.Label,
			Severity:       b.Severity,
			ReceivedAt:     d.ReceivedAt,
		}
		if err := tx.CreateTrainingDatum(ctx, split); err != nil {
			return nil, fmt.Errorf("failed to store split training datum: %w", err)
		}
		result.SplitTrainingData++
	}

	for _, incidentID := range touched {
		m := mirrors[incidentID]
		if err := tx.UpdateIncident(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to update refined incident %d: %w", m.ID, err)
		}
		src, err := tx.GetIncident(ctx, a.DatasourceID, incidentID)
		if err != nil {
			return nil, err
		}
		remaining, err := tx.ListTrainingDataByIncident(ctx, a.DatasourceID, incidentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list training data of incident %d: %w", incidentID, err)
		}
		if len(remaining) == 0 {
			if err := tx.DeleteIncident(ctx, a.DatasourceID, incidentID); err != nil {
				return nil, fmt.Errorf("failed to delete emptied incident %d: %w", incidentID, err)
			}
			result.DeletedIncidents++
			continue
		}
		recount(src, remaining, src.Occurrences-fullyMoved[incidentID])
		if err := tx.UpdateIncident(ctx, src); err != nil {
			return nil, fmt.Errorf("failed to update incident %d: %w", src.ID, err)
		}
	}
	return result, nil
}

// observeLines folds one datum's lines into inc as a single occurrence.
func observeLines(inc *models.Incident, lines []models.LogLine) {
	first, last := lines[0].Timestamp, lines[0].Timestamp
	hosts := make([]string, 0, len(lines))
	loggers := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.Timestamp.Before(first) {
			first = l.Timestamp
		}
		if l.Timestamp.After(last) {
			last = l.Timestamp
		}
		hosts = append(hosts, l.Host)
		loggers = append(loggers, l.Logger)
	}
	inc.Observe(first, hosts, loggers)
	if last.After(inc.LastOccurrence) {
		inc.LastOccurrence = last
	}
}

// recount rebuilds inc's counters from its remaining data. occurrences is
// kept when it is still at least the number of data.
func recount(inc *models.Incident, data []*models.TrainingDatum, occurrences int64) {
	inc.Occurrences = 0
	inc.FirstOccurrence, inc.LastOccurrence = time.Time{}, time.Time{}
	inc.Hosts, inc.Loggers = nil, nil
	for _, d := range data {
		if len(d.Lines) > 0 {
			observeLines(inc, d.Lines)
		}
	}
	inc.Occurrences = max(occurrences, int64(len(data)))
}
