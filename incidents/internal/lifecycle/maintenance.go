package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// SanitizeSummary counts what a sanitation sweep changed.
type SanitizeSummary struct {
	DeletedIncidents     int `json:"deleted_incidents"`
	DeletedTrainingData  int `json:"deleted_training_data"`
	ArchivedTrainingData int `json:"archived_training_data"`
	RepairedIncidents    int `json:"repaired_incidents"`
	RepairedTrainingData int `json:"repaired_training_data"`
	DeletedModels        int `json:"deleted_models"`
}

// Sanitize restores catalog invariants for a datasource in one transaction:
// rows pointing at absorbed types follow the merge, rows pointing at deleted
// entities are removed, duplicate open incidents are folded, archived
// incidents lose their training data, counters are raised to the evidence
// they hold and orphaned models are deleted. Running it twice changes
// nothing the second time.
func (e *Engine) Sanitize(ctx context.Context, datasourceID int64) (*SanitizeSummary, error) {
	policy, err := e.policyFor(ctx, e.repo, datasourceID)
	if err != nil {
		return nil, err
	}
	var summary *SanitizeSummary
	err = e.repo.WithTx(ctx, func(tx repository.Store) error {
		summary = &SanitizeSummary{}
		return e.sanitizeTx(ctx, tx, policy, datasourceID, summary)
	})
	if err != nil {
		return nil, err
	}

	metrics.SanitizedTotal.WithLabelValues("incident").Add(float64(summary.DeletedIncidents + summary.RepairedIncidents))
	metrics.SanitizedTotal.WithLabelValues("training_datum").Add(float64(summary.DeletedTrainingData + summary.ArchivedTrainingData + summary.RepairedTrainingData))
	metrics.SanitizedTotal.WithLabelValues("model").Add(float64(summary.DeletedModels))
	e.logger.InfoContext(ctx, "datasource sanitized",
		logging.DatasourceID(datasourceID),
		slog.Int("deleted_incidents", summary.DeletedIncidents),
		slog.Int("repaired_incidents", summary.RepairedIncidents),
		slog.Int("deleted_training_data", summary.DeletedTrainingData),
		slog.Int("archived_training_data", summary.ArchivedTrainingData),
		slog.Int("repaired_training_data", summary.RepairedTrainingData),
		slog.Int("deleted_models", summary.DeletedModels))
	return summary, nil
}

func (e *Engine) sanitizeTx(ctx context.Context, tx repository.Store, policy Policy, datasourceID int64, summary *SanitizeSummary) error {
	types, err := tx.ListIncidentTypes(ctx, datasourceID)
	if err != nil {
		return fmt.Errorf("failed to list incident types: %w", err)
	}
	live := make(map[int64]bool, len(types))
	for _, it := range types {
		live[it.ID] = true
	}
	// owner maps a missing type id to its merge survivor, or 0.
	owner := func(typeID int64) (int64, error) {
		if live[typeID] {
			return typeID, nil
		}
		it, err := resolveType(ctx, tx, datasourceID, typeID)
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return it.ID, nil
	}

	// Incidents whose type is gone
	incidents, err := tx.ListIncidentsForUpdate(ctx, datasourceID)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	for _, inc := range incidents {
		if live[inc.IncidentTypeID] {
			continue
		}
		target, err := owner(inc.IncidentTypeID)
		if err != nil {
			return err
		}
		if target != 0 {
			inc.IncidentTypeID = target
			if err := tx.UpdateIncident(ctx, inc); err != nil {
				return fmt.Errorf("failed to reparent incident %d: %w", inc.ID, err)
			}
			summary.RepairedIncidents++
			continue
		}
		data, err := tx.ListTrainingDataByIncident(ctx, datasourceID, inc.ID)
		if err != nil {
			return fmt.Errorf("failed to list training data of incident %d: %w", inc.ID, err)
		}
		summary.DeletedTrainingData += len(data)
		if err := e.archiveAndDelete(ctx, tx, "sanitize: incident type missing", data); err != nil {
			return err
		}
		if err := tx.DeleteIncident(ctx, datasourceID, inc.ID); err != nil {
			return fmt.Errorf("failed to delete incident %d: %w", inc.ID, err)
		}
		summary.DeletedIncidents++
	}

	// Duplicate open incidents per type and environment
	incidents, err = tx.ListIncidentsForUpdate(ctx, datasourceID)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	type slot struct{ typeID, envID int64 }
	open := make(map[slot]*models.Incident)
	byID := make(map[int64]*models.Incident, len(incidents))
	for _, inc := range incidents {
		if !policy.IsOpen(inc.CurrentState) {
			byID[inc.ID] = inc
			continue
		}
		key := slot{inc.IncidentTypeID, inc.EnvironmentID}
		if first, ok := open[key]; ok {
			if _, err := mergeIncidentsTx(ctx, tx, auth.SystemActor.ID, first, inc); err != nil {
				return err
			}
			summary.RepairedIncidents++
			continue
		}
		open[key] = inc
		byID[inc.ID] = inc
	}

	// Training data
	data, err := tx.ListTrainingData(ctx, datasourceID)
	if err != nil {
		return fmt.Errorf("failed to list training data: %w", err)
	}
	var orphaned, archived []*models.TrainingDatum
	counts := make(map[int64]int64)
	for _, d := range data {
		inc, ok := byID[d.IncidentID]
		if !ok {
			// The incident may have been created after the locked listing.
			_, err := tx.GetIncident(ctx, datasourceID, d.IncidentID)
			switch {
			case errors.Is(err, models.ErrNotFound):
				orphaned = append(orphaned, d)
			case err != nil:
				return fmt.Errorf("failed to get incident %d: %w", d.IncidentID, err)
			}
			continue
		}
		if inc.CurrentState == models.StateArchived {
			archived = append(archived, d)
			continue
		}
		counts[inc.ID]++
		if d.IncidentTypeID != inc.IncidentTypeID {
			d.IncidentTypeID = inc.IncidentTypeID
			if err := tx.UpdateTrainingDatum(ctx, d); err != nil {
				return fmt.Errorf("failed to repair training datum %d: %w", d.ID, err)
			}
			summary.RepairedTrainingData++
		}
	}
	if err := e.archiveAndDelete(ctx, tx, "sanitize: incident missing", orphaned); err != nil {
		return err
	}
	summary.DeletedTrainingData += len(orphaned)
	if err := e.archiveAndDelete(ctx, tx, "incident archived", archived); err != nil {
		return err
	}
	summary.ArchivedTrainingData += len(archived)

	// Counters below the evidence they hold
	for id, n := range counts {
		inc := byID[id]
		if inc.Occurrences >= n {
			continue
		}
		inc.Occurrences = n
		if err := tx.UpdateIncident(ctx, inc); err != nil {
			return fmt.Errorf("failed to repair incident %d: %w", inc.ID, err)
		}
		summary.RepairedIncidents++
	}

	deleted, err := pruneModelsTx(ctx, tx, datasourceID)
	if err != nil {
		return err
	}
	summary.DeletedModels = deleted
	return nil
}

// DeleteTrainingData archives and deletes the datasource's training data
// received before the cutoff.
func (e *Engine) DeleteTrainingData(ctx context.Context, datasourceID int64, before time.Time) (int, error) {
	if before.IsZero() {
		return 0, fmt.Errorf("%w: cutoff date is required", models.ErrInvalidInput)
	}
	if _, err := e.repo.GetDatasource(ctx, datasourceID); err != nil {
		return 0, err
	}
	deleted := 0
	err := e.repo.WithTx(ctx, func(tx repository.Store) error {
		data, err := tx.ListTrainingData(ctx, datasourceID)
		if err != nil {
			return fmt.Errorf("failed to list training data: %w", err)
		}
		var expired []*models.TrainingDatum
		for _, d := range data {
			if d.ReceivedAt.Before(before) {
				expired = append(expired, d)
			}
		}
		if len(expired) == 0 {
			return nil
		}
		if err := e.archiver.Archive(ctx, "retention", expired); err != nil {
			return fmt.Errorf("failed to archive training data: %w", err)
		}
		deleted, err = tx.DeleteTrainingDataBefore(ctx, datasourceID, before)
		if err != nil {
			return fmt.Errorf("failed to delete training data: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.InfoContext(ctx, "training data purged",
		logging.DatasourceID(datasourceID),
		slog.Time("before", before),
		slog.Int("deleted", deleted))
	return deleted, nil
}

// PruneModels deletes classifier models that are not current and that no
// live type references.
func (e *Engine) PruneModels(ctx context.Context, datasourceID int64) (int, error) {
	deleted := 0
	err := e.repo.WithTx(ctx, func(tx repository.Store) error {
		var err error
		deleted, err = pruneModelsTx(ctx, tx, datasourceID)
		return err
	})
	return deleted, err
}

func pruneModelsTx(ctx context.Context, tx repository.Store, datasourceID int64) (int, error) {
	all, err := tx.ListModels(ctx, datasourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list models: %w", err)
	}
	types, err := tx.ListIncidentTypes(ctx, datasourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list incident types: %w", err)
	}
	referenced := make(map[int64]bool, len(types))
	for _, it := range types {
		referenced[it.ModelID] = true
	}
	deleted := 0
	for _, m := range all {
		if m.Current || referenced[m.ID] {
			continue
		}
		if err := tx.DeleteModel(ctx, datasourceID, m.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete model %d: %w", m.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
