package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// MergeResult summarizes a merge. A merge whose source no longer exists or
// equals the target is a no-op and carries ErrConflictingMerge in Conflict.
type MergeResult struct {
	TargetID            int64 `json:"target_id"`
	SourceID            int64 `json:"source_id"`
	NoOp                bool  `json:"no_op"`
	Conflict            error `json:"-"`
	MergedIncidents     int   `json:"merged_incidents"`
	ReparentedIncidents int   `json:"reparented_incidents"`
	MovedTrainingData   int   `json:"moved_training_data"`
}

func noOpMerge(targetID, sourceID int64, reason string) *MergeResult {
	return &MergeResult{
		TargetID: targetID,
		SourceID: sourceID,
		NoOp:     true,
		Conflict: fmt.Errorf("%w: %s", models.ErrConflictingMerge, reason),
	}
}

// MergeIncidentTypes absorbs child into parent. Every incident, history row,
// external solution and training datum of child ends up under parent, and
// child is deleted, all in one transaction.
func (e *Engine) MergeIncidentTypes(ctx context.Context, actor auth.Actor, datasourceID, parentID, childID int64) (*MergeResult, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentTypeMerge, datasourceID); err != nil {
		return nil, err
	}
	policy, err := e.policyFor(ctx, e.repo, datasourceID)
	if err != nil {
		return nil, err
	}

	parent, err := resolveType(ctx, e.repo, datasourceID, parentID)
	if err != nil {
		return nil, err
	}
	if _, err := e.repo.GetIncidentType(ctx, datasourceID, childID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if _, mErr := e.repo.FindMergeBySource(ctx, datasourceID, childID); mErr != nil {
			return nil, err
		}
		metrics.MergesTotal.WithLabelValues("incident_type", "noop").Inc()
		return noOpMerge(parent.ID, childID, fmt.Sprintf("incident type %d was already merged", childID)), nil
	}
	if parent.ID == childID {
		metrics.MergesTotal.WithLabelValues("incident_type", "noop").Inc()
		return noOpMerge(parent.ID, childID, "source and target are the same incident type"), nil
	}

	result := &MergeResult{TargetID: parent.ID, SourceID: childID}
	err = e.withTypeLocks(ctx, datasourceID, []int64{parent.ID, childID}, nil, func(tx repository.Store) error {
		locked, err := lockTypes(ctx, tx, datasourceID, parent.ID, childID)
		if err != nil {
			return err
		}
		stats, err := e.mergeTypesTx(ctx, tx, policy, actor.ID, "operator", locked[parent.ID], locked[childID])
		if err != nil {
			return err
		}
		result.MergedIncidents = stats.MergedIncidents
		result.ReparentedIncidents = stats.ReparentedIncidents
		result.MovedTrainingData = stats.MovedTrainingData
		return nil
	})
	if err != nil {
		metrics.MergesTotal.WithLabelValues("incident_type", "failed").Inc()
		return nil, err
	}
	metrics.MergesTotal.WithLabelValues("incident_type", "merged").Inc()
	e.logger.InfoContext(ctx, "incident types merged",
		logging.DatasourceID(datasourceID),
		logging.Actor(actor.ID),
		slog.Int64("target_id", parent.ID),
		slog.Int64("source_id", childID),
		slog.Int("merged_incidents", result.MergedIncidents),
		slog.Int("reparented_incidents", result.ReparentedIncidents))
	return result, nil
}

// mergeScalar returns the parent's value unless it is the default and the
// child's is not.
func mergeScalar(parent, child string, isDefault func(string) bool) string {
	if isDefault(parent) && !isDefault(child) {
		return child
	}
	return parent
}

// mergeSolutions combines two solution texts and their counts. An empty
// text contributes nothing to the count.
func mergeSolutions(parentText string, parentN int, childText string, childN int) (string, int) {
	pt, ct := strings.TrimSpace(parentText), strings.TrimSpace(childText)
	switch {
	case pt == "" && ct == "":
		return "", 0
	case ct == "" || pt == ct:
		return parentText, max(parentN, 1)
	case pt == "":
		return childText, max(childN, 1)
	default:
		return parentText + "\n" + models.SolutionSeparator + "\n" + childText, max(parentN, 1) + max(childN, 1)
	}
}

// mergeTypesTx absorbs child into parent inside tx. The caller holds the
// incident keys of both types.
func (e *Engine) mergeTypesTx(ctx context.Context, tx repository.Store, policy Policy, actor, reason string, parent, child *models.IncidentType) (*MergeResult, error) {
	stats := &MergeResult{TargetID: parent.ID, SourceID: child.ID}

	// Attributes
	before := parent.Clone()
	parent.LogCategories = models.UnionIDs(parent.LogCategories, child.LogCategories)
	parent.Label = mergeScalar(parent.Label, child.Label, models.IsDefaultLabel)
	parent.Severity = mergeScalar(parent.Severity, child.Severity, models.IsDefaultSeverity)
	parent.Refinement = parent.Refinement || child.Refinement
	if len(parent.FeatureVector) == 0 {
		parent.FeatureVector = slices.Clone(child.FeatureVector)
	}
	parent.Solution, parent.NumberSolutions = mergeSolutions(parent.Solution, parent.NumberSolutions, child.Solution, child.NumberSolutions)

	events := []*models.IncidentTypeEvent{
		typeEvent(parent, models.EventFieldMerge, strconv.FormatInt(child.ID, 10), strconv.FormatInt(parent.ID, 10), actor),
	}
	if before.Label != parent.Label {
		events = append(events, typeEvent(parent, models.EventFieldLabel, before.Label, parent.Label, actor))
	}
	if before.Severity != parent.Severity {
		events = append(events, typeEvent(parent, models.EventFieldSeverity, before.Severity, parent.Severity, actor))
	}
	if before.Refinement != parent.Refinement {
		events = append(events, typeEvent(parent, models.EventFieldRefinement, strconv.FormatBool(before.Refinement), strconv.FormatBool(parent.Refinement), actor))
	}
	if before.Solution != parent.Solution {
		events = append(events, typeEvent(parent, models.EventFieldSolution, before.Solution, parent.Solution, actor))
	}

	// History and external solutions
	if _, err := tx.ReassignIncidentTypeEvents(ctx, parent.DatasourceID, child.ID, parent.ID); err != nil {
		return nil, fmt.Errorf("failed to reassign history of type %d: %w", child.ID, err)
	}
	if _, err := tx.ReassignExternalSolutions(ctx, parent.DatasourceID, child.ID, parent.ID); err != nil {
		return nil, fmt.Errorf("failed to reassign external solutions of type %d: %w", child.ID, err)
	}
	for _, ev := range events {
		if err := tx.AppendIncidentTypeEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to append history of type %d: %w", parent.ID, err)
		}
	}

	// Incidents
	parentIncidents, err := tx.ListIncidentsByType(ctx, parent.DatasourceID, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents of type %d: %w", parent.ID, err)
	}
	openByEnv := make(map[int64]*models.Incident)
	for _, inc := range parentIncidents {
		if _, seen := openByEnv[inc.EnvironmentID]; !seen && policy.IsOpen(inc.CurrentState) {
			openByEnv[inc.EnvironmentID] = inc
		}
	}
	childIncidents, err := tx.ListIncidentsByType(ctx, child.DatasourceID, child.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents of type %d: %w", child.ID, err)
	}
	for _, inc := range childIncidents {
		if target, ok := openByEnv[inc.EnvironmentID]; ok && policy.IsOpen(inc.CurrentState) {
			moved, err := mergeIncidentsTx(ctx, tx, actor, target, inc)
			if err != nil {
				return nil, err
			}
			stats.MergedIncidents++
			stats.MovedTrainingData += moved
			continue
		}
		inc.IncidentTypeID = parent.ID
		if err := tx.UpdateIncident(ctx, inc); err != nil {
			return nil, fmt.Errorf("failed to reparent incident %d: %w", inc.ID, err)
		}
		if policy.IsOpen(inc.CurrentState) {
			openByEnv[inc.EnvironmentID] = inc
		}
		stats.ReparentedIncidents++
	}

	// Training data
	data, err := tx.ListTrainingDataByType(ctx, child.DatasourceID, child.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list training data of type %d: %w", child.ID, err)
	}
	for _, d := range data {
		d.IncidentTypeID = parent.ID
		if err := tx.UpdateTrainingDatum(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to move training datum %d: %w", d.ID, err)
		}
		stats.MovedTrainingData++
	}

	if err := tx.CreateIncidentTypeMerge(ctx, &models.IncidentTypeMerge{
		DatasourceID: parent.DatasourceID,
		SourceID:     child.ID,
		TargetID:     parent.ID,
		MergedBy:     actor,
		Reason:       reason,
	}); err != nil {
		return nil, fmt.Errorf("failed to record merge: %w", err)
	}
	if err := tx.DeleteIncidentType(ctx, child.DatasourceID, child.ID); err != nil {
		return nil, fmt.Errorf("failed to delete incident type %d: %w", child.ID, err)
	}
	if err := tx.UpdateIncidentType(ctx, parent); err != nil {
		return nil, fmt.Errorf("failed to update incident type %d: %w", parent.ID, err)
	}
	if _, err := relabelTrainingData(ctx, tx, parent); err != nil {
		return nil, err
	}
	return stats, nil
}

// mergeIncidentsTx folds source into target: counters, history and
// training data move to target and source is deleted.
func mergeIncidentsTx(ctx context.Context, tx repository.Store, actor string, target, source *models.Incident) (int, error) {
	target.Absorb(source)
	if _, err := tx.ReassignIncidentStateEvents(ctx, source.DatasourceID, source.ID, target.ID); err != nil {
		return 0, fmt.Errorf("failed to reassign history of incident %d: %w", source.ID, err)
	}
	data, err := tx.ListTrainingDataByIncident(ctx, source.DatasourceID, source.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list training data of incident %d: %w", source.ID, err)
	}
	for _, d := range data {
		d.IncidentID = target.ID
		d.IncidentTypeID = target.IncidentTypeID
		if err := tx.UpdateTrainingDatum(ctx, d); err != nil {
			return 0, fmt.Errorf("failed to move training datum %d: %w", d.ID, err)
		}
	}
	if err := tx.DeleteIncident(ctx, source.DatasourceID, source.ID); err != nil {
		return 0, fmt.Errorf("failed to delete incident %d: %w", source.ID, err)
	}
	if err := tx.UpdateIncident(ctx, target); err != nil {
		return 0, fmt.Errorf("failed to update incident %d: %w", target.ID, err)
	}
	comment := fmt.Sprintf("merged incident %d", source.ID)
	if err := tx.AppendIncidentStateEvent(ctx, stateEvent(target, actor, comment)); err != nil {
		return 0, fmt.Errorf("failed to append state event: %w", err)
	}
	return len(data), nil
}

// MergeIncidents folds source into target. Both must belong to the same
// incident type and environment.
func (e *Engine) MergeIncidents(ctx context.Context, actor auth.Actor, datasourceID, targetID, sourceID int64) (*MergeResult, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentUpdate, datasourceID); err != nil {
		return nil, err
	}
	if targetID == sourceID {
		metrics.MergesTotal.WithLabelValues("incident", "noop").Inc()
		return noOpMerge(targetID, sourceID, "source and target are the same incident"), nil
	}
	target, err := e.repo.GetIncident(ctx, datasourceID, targetID)
	if err != nil {
		return nil, err
	}
	source, err := e.repo.GetIncident(ctx, datasourceID, sourceID)
	if err != nil {
		return nil, err
	}
	if target.IncidentTypeID != source.IncidentTypeID || target.EnvironmentID != source.EnvironmentID {
		return nil, fmt.Errorf("%w: incidents %d and %d differ in type or environment", models.ErrInvalidInput, targetID, sourceID)
	}

	result := &MergeResult{TargetID: targetID, SourceID: sourceID, MergedIncidents: 1}
	err = e.withIncidentLock(ctx, datasourceID, targetID, func(tx repository.Store, t *models.Incident) error {
		s, err := tx.GetIncident(ctx, datasourceID, sourceID)
		if err != nil {
			return err
		}
		if s.IncidentTypeID != t.IncidentTypeID || s.EnvironmentID != t.EnvironmentID {
			return fmt.Errorf("%w: incidents %d and %d differ in type or environment", models.ErrInvalidInput, targetID, sourceID)
		}
		moved, err := mergeIncidentsTx(ctx, tx, actor.ID, t, s)
		result.MovedTrainingData = moved
		return err
	})
	if err != nil {
		metrics.MergesTotal.WithLabelValues("incident", "failed").Inc()
		return nil, err
	}
	metrics.MergesTotal.WithLabelValues("incident", "merged").Inc()
	return result, nil
}

// RankSurvivor orders merge candidates best first: a non-default label,
// then a recorded solution, then a non-default severity, then the lowest id.
func RankSurvivor(types []*models.IncidentType) []*models.IncidentType {
	ranked := slices.Clone(types)
	flag := func(b bool) int {
		if b {
			return 0
		}
		return 1
	}
	slices.SortFunc(ranked, func(a, b *models.IncidentType) int {
		return cmp.Or(
			cmp.Compare(flag(!a.HasDefaultLabel()), flag(!b.HasDefaultLabel())),
			cmp.Compare(flag(a.HasSolution()), flag(b.HasSolution())),
			cmp.Compare(flag(!a.HasDefaultSeverity()), flag(!b.HasDefaultSeverity())),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return ranked
}
