package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// UpdateIncidentTypeRequest carries operator edits. Nil fields are unchanged.
type UpdateIncidentTypeRequest struct {
	Label    *string `json:"label,omitempty"`
	Severity *string `json:"severity,omitempty"`
	Solution *string `json:"solution,omitempty"`
}

// UpdateIncidentType applies operator edits to a type. A new non-default
// label that another live type already carries (compared after
// NormalizeLabel) merges this type into that one; the remaining edits are
// then applied to the survivor, which is returned.
func (e *Engine) UpdateIncidentType(ctx context.Context, actor auth.Actor, datasourceID, id int64, req UpdateIncidentTypeRequest) (*models.IncidentType, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentTypeUpdate, datasourceID); err != nil {
		return nil, err
	}
	if req.Label != nil && strings.TrimSpace(*req.Label) == "" {
		return nil, fmt.Errorf("%w: label must not be empty", models.ErrInvalidInput)
	}

	it, err := e.repo.GetIncidentType(ctx, datasourceID, id)
	if err != nil {
		return nil, err
	}

	if req.Label != nil && !models.IsDefaultLabel(*req.Label) &&
		models.NormalizeLabel(*req.Label) != models.NormalizeLabel(it.Label) {
		target, err := e.findByLabel(ctx, datasourceID, id, *req.Label)
		if err != nil {
			return nil, err
		}
		if target != nil {
			return e.mergeIntoLabeled(ctx, actor, datasourceID, target.ID, id, req)
		}
	}

	var updated *models.IncidentType
	err = e.repo.WithTx(ctx, func(tx repository.Store) error {
		it, err := tx.GetIncidentTypeForUpdate(ctx, datasourceID, id)
		if err != nil {
			return err
		}
		if err := applyTypeEdits(ctx, tx, actor.ID, it, req); err != nil {
			return err
		}
		updated = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "incident type updated",
		logging.DatasourceID(datasourceID), logging.IncidentTypeID(id), logging.Actor(actor.ID))
	return updated, nil
}

// findByLabel returns the lowest-id live type other than exclude whose
// label matches, or nil.
func (e *Engine) findByLabel(ctx context.Context, datasourceID, exclude int64, label string) (*models.IncidentType, error) {
	types, err := e.repo.ListIncidentTypes(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident types: %w", err)
	}
	want := models.NormalizeLabel(label)
	for _, t := range types {
		if t.ID != exclude && models.NormalizeLabel(t.Label) == want {
			return t, nil
		}
	}
	return nil, nil
}

func (e *Engine) mergeIntoLabeled(ctx context.Context, actor auth.Actor, datasourceID, targetID, sourceID int64, req UpdateIncidentTypeRequest) (*models.IncidentType, error) {
	policy, err := e.policyFor(ctx, e.repo, datasourceID)
	if err != nil {
		return nil, err
	}
	var survivor *models.IncidentType
	err = e.withTypeLocks(ctx, datasourceID, []int64{targetID, sourceID}, nil, func(tx repository.Store) error {
		locked, err := lockTypes(ctx, tx, datasourceID, targetID, sourceID)
		if err != nil {
			return err
		}
		target, source := locked[targetID], locked[sourceID]
		if _, err := e.mergeTypesTx(ctx, tx, policy, actor.ID, "label", target, source); err != nil {
			return err
		}
		rest := req
		rest.Label = nil
		if err := applyTypeEdits(ctx, tx, actor.ID, target, rest); err != nil {
			return err
		}
		survivor = target
		return nil
	})
	if err != nil {
		metrics.MergesTotal.WithLabelValues("incident_type", "failed").Inc()
		return nil, err
	}
	metrics.MergesTotal.WithLabelValues("incident_type", "merged").Inc()
	e.logger.InfoContext(ctx, "incident type merged by label",
		logging.DatasourceID(datasourceID),
		logging.Actor(actor.ID),
		slog.Int64("target_id", targetID),
		slog.Int64("source_id", sourceID))
	return survivor, nil
}

// applyTypeEdits writes req onto it with history rows and relabels the
// type's training data.
func applyTypeEdits(ctx context.Context, tx repository.Store, actor string, it *models.IncidentType, req UpdateIncidentTypeRequest) error {
	var events []*models.IncidentTypeEvent
	if req.Label != nil {
		label := strings.TrimSpace(*req.Label)
		if label != it.Label {
			events = append(events, typeEvent(it, models.EventFieldLabel, it.Label, label, actor))
			it.Label = label
		}
	}
	if req.Severity != nil {
		severity := strings.TrimSpace(*req.Severity)
		if severity == "" {
			severity = models.DefaultSeverity
		}
		if severity != it.Severity {
			events = append(events, typeEvent(it, models.EventFieldSeverity, it.Severity, severity, actor))
			it.Severity = severity
		}
	}
	if req.Solution != nil && *req.Solution != it.Solution {
		events = append(events, typeEvent(it, models.EventFieldSolution, it.Solution, *req.Solution, actor))
		it.Solution = *req.Solution
		it.NumberSolutions = 0
		if strings.TrimSpace(it.Solution) != "" {
			it.NumberSolutions = 1
		}
	}
	if len(events) == 0 {
		return nil
	}
	if err := tx.UpdateIncidentType(ctx, it); err != nil {
		return fmt.Errorf("failed to update incident type %d: %w", it.ID, err)
	}
	for _, ev := range events {
		if err := tx.AppendIncidentTypeEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to append history of type %d: %w", it.ID, err)
		}
	}
	_, err := relabelTrainingData(ctx, tx, it)
	return err
}

// AddExternalSolution attaches a proposed solution to a type.
func (e *Engine) AddExternalSolution(ctx context.Context, actor auth.Actor, datasourceID, typeID int64, source, reference string) (*models.ExternalSolution, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentTypeUpdate, datasourceID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: external solution needs a reference", models.ErrInvalidInput)
	}
	sol := &models.ExternalSolution{
		DatasourceID:   datasourceID,
		IncidentTypeID: typeID,
		Source:         strings.TrimSpace(source),
		Reference:      strings.TrimSpace(reference),
	}
	err := e.repo.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.GetIncidentType(ctx, datasourceID, typeID); err != nil {
			return err
		}
		return tx.CreateExternalSolution(ctx, sol)
	})
	if err != nil {
		return nil, err
	}
	return sol, nil
}

// AcceptExternalSolution marks a proposed solution accepted, which lets
// incidents of its type close.
func (e *Engine) AcceptExternalSolution(ctx context.Context, actor auth.Actor, datasourceID, solutionID int64) (*models.ExternalSolution, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentTypeUpdate, datasourceID); err != nil {
		return nil, err
	}
	var sol *models.ExternalSolution
	err := e.repo.WithTx(ctx, func(tx repository.Store) error {
		var err error
		sol, err = tx.GetExternalSolution(ctx, datasourceID, solutionID)
		if err != nil {
			return err
		}
		if sol.Accepted {
			return nil
		}
		it, err := tx.GetIncidentType(ctx, datasourceID, sol.IncidentTypeID)
		if err != nil {
			return err
		}
		sol.Accepted = true
		if err := tx.UpdateExternalSolution(ctx, sol); err != nil {
			return fmt.Errorf("failed to accept external solution %d: %w", sol.ID, err)
		}
		ref := sol.Reference
		if sol.Source != "" {
			ref = sol.Source + ":" + sol.Reference
		}
		return tx.AppendIncidentTypeEvent(ctx, typeEvent(it, models.EventFieldSolution, "", ref, actor.ID))
	})
	if err != nil {
		return nil, err
	}
	return sol, nil
}

// DeleteIncidentType removes a type with its incidents. Its training data
// is archived first.
func (e *Engine) DeleteIncidentType(ctx context.Context, actor auth.Actor, datasourceID, id int64) error {
	if err := auth.Require(ctx, e.authz, actor, auth.CapCatalogDelete, datasourceID); err != nil {
		return err
	}
	err := e.withTypeLocks(ctx, datasourceID, []int64{id}, nil, func(tx repository.Store) error {
		if _, err := tx.GetIncidentType(ctx, datasourceID, id); err != nil {
			return err
		}
		data, err := tx.ListTrainingDataByType(ctx, datasourceID, id)
		if err != nil {
			return fmt.Errorf("failed to list training data: %w", err)
		}
		if err := e.archiveAndDelete(ctx, tx, "incident type deleted", data); err != nil {
			return err
		}
		incidents, err := tx.ListIncidentsByType(ctx, datasourceID, id)
		if err != nil {
			return fmt.Errorf("failed to list incidents: %w", err)
		}
		for _, inc := range incidents {
			if err := tx.DeleteIncident(ctx, datasourceID, inc.ID); err != nil {
				return fmt.Errorf("failed to delete incident %d: %w", inc.ID, err)
			}
		}
		return tx.DeleteIncidentType(ctx, datasourceID, id)
	})
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "incident type deleted",
		logging.DatasourceID(datasourceID), logging.IncidentTypeID(id), logging.Actor(actor.ID))
	return nil
}

// DeleteLogCategory removes a category and drops it from every type. It
// returns the number of types that referenced it.
func (e *Engine) DeleteLogCategory(ctx context.Context, actor auth.Actor, datasourceID, id int64) (int, error) {
	if err := auth.Require(ctx, e.authz, actor, auth.CapCatalogDelete, datasourceID); err != nil {
		return 0, err
	}
	affected := 0
	err := e.repo.WithTx(ctx, func(tx repository.Store) error {
		affected = 0
		if _, err := tx.GetLogCategory(ctx, datasourceID, id); err != nil {
			return err
		}
		types, err := tx.ListIncidentTypesForUpdate(ctx, datasourceID)
		if err != nil {
			return fmt.Errorf("failed to list incident types: %w", err)
		}
		for _, it := range types {
			if !it.HasCategory(id) {
				continue
			}
			it.LogCategories = slices.DeleteFunc(it.LogCategories, func(c int64) bool { return c == id })
			if err := tx.UpdateIncidentType(ctx, it); err != nil {
				return fmt.Errorf("failed to update incident type %d: %w", it.ID, err)
			}
			affected++
		}
		return tx.DeleteLogCategory(ctx, datasourceID, id)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}
