package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// mappingActor is recorded on history rows written by mapping runs.
const mappingActor = "mapping"

var errOccupantChanged = errors.New("cluster occupant changed")

// FoldGate decides whether two logger sets may be folded into one type.
type FoldGate interface {
	Allows(a, b []string) bool
}

// RemapGroup is the set of types the classifier now assigns to one cluster.
type RemapGroup struct {
	DatasourceID int64
	ModelID      int64
	ClusterID    int64
	Members      []int64
}

// RemapResult reports what a group remap changed.
type RemapResult struct {
	SurvivorID int64 `json:"survivor_id"`
	Remapped   int   `json:"remapped"`
	Merged     int   `json:"merged"`
	Skipped    int   `json:"skipped"`
}

// Remap moves a group onto its new (model, cluster) key. A single member is
// re-keyed in place. Larger groups, together with any type already holding
// the key, are merged into the best-ranked survivor. Members the gate
// forbids folding into the survivor, and refined types, are left untouched.
func (e *Engine) Remap(ctx context.Context, group RemapGroup, gate FoldGate) (*RemapResult, error) {
	policy, err := e.policyFor(ctx, e.repo, group.DatasourceID)
	if err != nil {
		return nil, err
	}
	targetKey := locks.IncidentTypeKey(group.DatasourceID, group.ModelID, group.ClusterID)

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		occupantID := int64(0)
		occupant, err := e.repo.FindLiveIncidentType(ctx, group.DatasourceID, group.ModelID, group.ClusterID)
		switch {
		case err == nil:
			occupantID = occupant.ID
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("failed to find cluster occupant: %w", err)
		}
		typeIDs := models.UnionIDs(group.Members)
		if occupantID != 0 {
			typeIDs = models.UnionIDs(typeIDs, []int64{occupantID})
		}

		var result *RemapResult
		err = e.withTypeLocks(ctx, group.DatasourceID, typeIDs, []string{targetKey}, func(tx repository.Store) error {
			r, err := e.remapTx(ctx, tx, policy, group, occupantID, gate)
			result = r
			return err
		})
		if errors.Is(err, errOccupantChanged) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if result.Remapped > 0 {
			metrics.MappingTypesTotal.WithLabelValues("remapped").Add(float64(result.Remapped))
		}
		if result.Skipped > 0 {
			metrics.MappingTypesTotal.WithLabelValues("skipped").Add(float64(result.Skipped))
		}
		e.logger.DebugContext(ctx, "group remapped",
			logging.DatasourceID(group.DatasourceID),
			logging.ModelID(group.ModelID),
			logging.ClusterID(group.ClusterID),
			logging.IncidentTypeID(result.SurvivorID),
			slog.Int("merged", result.Merged),
			slog.Int("skipped", result.Skipped))
		return result, nil
	}
	return nil, fmt.Errorf("cluster %d of model %d kept changing owner: %w", group.ClusterID, group.ModelID, errOccupantChanged)
}

func (e *Engine) remapTx(ctx context.Context, tx repository.Store, policy Policy, group RemapGroup, occupantID int64, gate FoldGate) (*RemapResult, error) {
	result := &RemapResult{}

	current, err := tx.FindLiveIncidentType(ctx, group.DatasourceID, group.ModelID, group.ClusterID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if occupantID != 0 {
			return nil, errOccupantChanged
		}
	case err != nil:
		return nil, fmt.Errorf("failed to find cluster occupant: %w", err)
	case current.ID != occupantID:
		return nil, errOccupantChanged
	}

	ids := models.UnionIDs(group.Members)
	if occupantID != 0 {
		ids = models.UnionIDs(ids, []int64{occupantID})
	}
	var occupant *models.IncidentType
	var candidates []*models.IncidentType
	for _, id := range ids {
		it, err := tx.GetIncidentTypeForUpdate(ctx, group.DatasourceID, id)
		if errors.Is(err, models.ErrNotFound) {
			if id == occupantID {
				return nil, errOccupantChanged
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if id == occupantID {
			if it.ModelID != group.ModelID || it.ClusterID != group.ClusterID {
				return nil, errOccupantChanged
			}
			occupant = it
			candidates = append(candidates, it)
			continue
		}
		if it.IsRefined() {
			result.Skipped++
			continue
		}
		candidates = append(candidates, it)
	}
	if len(candidates) == 0 {
		return result, nil
	}

	loggers := make(map[int64][]string, len(candidates))
	for _, it := range candidates {
		l, err := typeLoggers(ctx, tx, it)
		if err != nil {
			return nil, err
		}
		loggers[it.ID] = l
	}
	allows := func(a, b *models.IncidentType) bool {
		return gate == nil || gate.Allows(loggers[a.ID], loggers[b.ID])
	}

	ranked := RankSurvivor(candidates)
	survivor := ranked[0]
	if occupant != nil && survivor.ID != occupant.ID && !allows(survivor, occupant) {
		survivor = occupant
	}
	result.SurvivorID = survivor.ID

	for _, it := range ranked {
		if it.ID == survivor.ID {
			continue
		}
		if !allows(survivor, it) {
			result.Skipped++
			continue
		}
		if _, err := e.mergeTypesTx(ctx, tx, policy, mappingActor, "mapping", survivor, it); err != nil {
			return nil, err
		}
		result.Merged++
		result.Remapped++
	}

	if survivor.ModelID != group.ModelID || survivor.ClusterID != group.ClusterID {
		old := fmt.Sprintf("%d/%d", survivor.ModelID, survivor.ClusterID)
		survivor.ModelID, survivor.ClusterID = group.ModelID, group.ClusterID
		if err := tx.UpdateIncidentType(ctx, survivor); err != nil {
			return nil, fmt.Errorf("failed to re-key incident type %d: %w", survivor.ID, err)
		}
		ev := typeEvent(survivor, models.EventFieldMapping, old, fmt.Sprintf("%d/%d", group.ModelID, group.ClusterID), mappingActor)
		if err := tx.AppendIncidentTypeEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to append history of type %d: %w", survivor.ID, err)
		}
		result.Remapped++
	}
	return result, nil
}
