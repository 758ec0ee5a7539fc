// Package mapping keeps incident type identities aligned with the latest
// classifier model.
package mapping

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/classifier"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/rules"
)

// Remapper applies group remaps. Implemented by *lifecycle.Engine.
type Remapper interface {
	Remap(ctx context.Context, group lifecycle.RemapGroup, gate lifecycle.FoldGate) (*lifecycle.RemapResult, error)
	PruneModels(ctx context.Context, datasourceID int64) (int, error)
}

// Summary reports one mapping run. Counts are filled even when some types
// failed. Settled types are those the classifier places exactly where they
// already are; they need no remap.
type Summary struct {
	DatasourceID        int64 `json:"datasource_id"`
	CurrentModelID      int64 `json:"current_model_id"`
	Considered          int   `json:"considered"`
	Remapped            int   `json:"remapped"`
	Merged              int   `json:"merged"`
	Skipped             int   `json:"skipped"`
	Settled             int   `json:"settled"`
	Failed              int   `json:"failed"`
	OrphanModelsDeleted int   `json:"orphan_models_deleted"`
	NothingToMap        bool  `json:"nothing_to_map"`
}

// Config tunes the reconciler.
type Config struct {
	// Concurrency bounds parallel classifier calls.
	Concurrency int

	// Timeout bounds a single classifier call.
	Timeout time.Duration

	Logger *slog.Logger
}

// Reconciler runs mapping passes.
type Reconciler struct {
	repo       repository.Repository
	remapper   Remapper
	classifier classifier.Classifier
	tracker    *RunTracker
	cfg        Config
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo repository.Repository, remapper Remapper, c classifier.Classifier, tracker *RunTracker, cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{repo: repo, remapper: remapper, classifier: c, tracker: tracker, cfg: cfg, logger: logger}
}

type candidate struct {
	it         *models.IncidentType
	assignment classifier.Assignment
	ok         bool
}

// Run re-queries the classifier for every live type that is not on the
// current model, groups the answers by (model, cluster) and remaps each
// group. Types the classifier leaves where they are count as settled; a
// run in which every answered type settled reports NothingToMap. A classifier failure skips that type only; it is retried on the
// next run.
func (r *Reconciler) Run(ctx context.Context, datasourceID int64) (*Summary, error) {
	end, err := r.tracker.Begin(ctx, datasourceID)
	if err != nil {
		metrics.MappingRunsTotal.WithLabelValues("busy").Inc()
		return nil, err
	}
	defer end()

	summary, err := r.run(ctx, datasourceID)
	switch {
	case err != nil:
		metrics.MappingRunsTotal.WithLabelValues("failed").Inc()
		return summary, err
	case summary.NothingToMap:
		metrics.MappingRunsTotal.WithLabelValues("nothing_to_map").Inc()
	case summary.Failed > 0:
		metrics.MappingRunsTotal.WithLabelValues("partial").Inc()
	default:
		metrics.MappingRunsTotal.WithLabelValues("completed").Inc()
	}
	r.logger.InfoContext(ctx, "mapping run finished",
		logging.DatasourceID(datasourceID),
		logging.ModelID(summary.CurrentModelID),
		slog.Int("considered", summary.Considered),
		slog.Int("remapped", summary.Remapped),
		slog.Int("merged", summary.Merged),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Bool("nothing_to_map", summary.NothingToMap))
	return summary, nil
}

func (r *Reconciler) run(ctx context.Context, datasourceID int64) (*Summary, error) {
	summary := &Summary{DatasourceID: datasourceID}
	if _, err := r.repo.GetDatasource(ctx, datasourceID); err != nil {
		return summary, err
	}
	current, err := r.repo.GetCurrentModel(ctx, datasourceID)
	if errors.Is(err, models.ErrNotFound) {
		summary.NothingToMap = true
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("failed to get current model: %w", err)
	}
	summary.CurrentModelID = current.ID

	types, err := r.repo.ListIncidentTypes(ctx, datasourceID)
	if err != nil {
		return summary, fmt.Errorf("failed to list incident types: %w", err)
	}
	byModel := make(map[int64][]*models.IncidentType)
	for _, it := range types {
		if it.ModelID == current.ID || it.IsRefined() {
			continue
		}
		byModel[it.ModelID] = append(byModel[it.ModelID], it)
	}

	var candidates []*candidate
	for _, modelID := range slices.Sorted(maps.Keys(byModel)) {
		stale := byModel[modelID]
		r.logger.DebugContext(ctx, "incident types off the current model",
			logging.DatasourceID(datasourceID), logging.ModelID(modelID), slog.Int("count", len(stale)))
		for _, it := range stale {
			summary.Considered++
			if len(it.FeatureVector) == 0 {
				summary.Skipped++
				metrics.MappingTypesTotal.WithLabelValues("skipped").Inc()
				r.logger.WarnContext(ctx, "incident type has no feature vector, skipping",
					logging.DatasourceID(datasourceID), logging.IncidentTypeID(it.ID))
				continue
			}
			candidates = append(candidates, &candidate{it: it})
		}
	}
	if summary.Considered == 0 {
		summary.NothingToMap = true
		return summary, nil
	}

	r.classify(ctx, datasourceID, candidates)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	groups := make(map[classifier.Assignment][]int64)
	for _, c := range candidates {
		switch {
		case !c.ok:
			summary.Failed++
		case c.assignment == (classifier.Assignment{ModelID: c.it.ModelID, ClusterID: c.it.ClusterID}):
			summary.Settled++
		default:
			groups[c.assignment] = append(groups[c.assignment], c.it.ID)
		}
	}
	if summary.Failed > 0 {
		metrics.MappingTypesTotal.WithLabelValues("failed").Add(float64(summary.Failed))
	}
	if summary.Settled > 0 {
		metrics.MappingTypesTotal.WithLabelValues("settled").Add(float64(summary.Settled))
	}
	if len(groups) == 0 {
		summary.NothingToMap = summary.Failed == 0
		return summary, nil
	}

	if err := r.adoptModels(ctx, datasourceID, current.ID, groups); err != nil {
		return summary, err
	}
	gate, err := rules.LoadGate(ctx, r.repo, datasourceID, r.logger)
	if err != nil {
		return summary, err
	}

	keys := slices.SortedFunc(maps.Keys(groups), func(a, b classifier.Assignment) int {
		return cmp.Or(cmp.Compare(a.ModelID, b.ModelID), cmp.Compare(a.ClusterID, b.ClusterID))
	})
	for _, key := range keys {
		members := groups[key]
		res, err := r.remapper.Remap(ctx, lifecycle.RemapGroup{
			DatasourceID: datasourceID,
			ModelID:      key.ModelID,
			ClusterID:    key.ClusterID,
			Members:      members,
		}, gate)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failed += len(members)
			metrics.MappingTypesTotal.WithLabelValues("failed").Add(float64(len(members)))
			r.logger.WarnContext(ctx, "failed to remap group",
				logging.DatasourceID(datasourceID),
				logging.ModelID(key.ModelID),
				logging.ClusterID(key.ClusterID),
				logging.Error(err))
			continue
		}
		summary.Remapped += res.Remapped
		summary.Merged += res.Merged
		summary.Skipped += res.Skipped
	}

	deleted, err := r.remapper.PruneModels(ctx, datasourceID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to prune classifier models",
			logging.DatasourceID(datasourceID), logging.Error(err))
	}
	summary.OrphanModelsDeleted = deleted
	return summary, nil
}

// classify queries the classifier for every candidate with bounded
// concurrency. No lock is held while waiting on it.
func (r *Reconciler) classify(ctx context.Context, datasourceID int64, candidates []*candidate) {
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	var mu sync.Mutex
	for _, c := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			a, err := r.classifier.Classify(callCtx, datasourceID, c.it.FeatureVector)
			if err != nil {
				r.logger.WarnContext(ctx, "classifier unavailable for incident type, will retry next run",
					logging.DatasourceID(datasourceID),
					logging.IncidentTypeID(c.it.ID),
					logging.Error(err))
				return nil
			}
			mu.Lock()
			c.assignment, c.ok = a, true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// adoptModels records the models named by the classifier. A single model
// newer than the current one becomes current; several at once, or an older
// one, are recorded without promotion.
func (r *Reconciler) adoptModels(ctx context.Context, datasourceID, currentID int64, groups map[classifier.Assignment][]int64) error {
	var seen []int64
	for a := range groups {
		seen = append(seen, a.ModelID)
	}
	seen = models.UnionIDs(seen)
	promote := len(seen) == 1 && seen[0] > currentID
	if len(seen) > 1 {
		r.logger.WarnContext(ctx, "classifier answered with several models",
			logging.DatasourceID(datasourceID), slog.Any("models", seen))
	}
	for _, id := range seen {
		if _, err := r.repo.EnsureModel(ctx, datasourceID, id, promote); err != nil {
			return fmt.Errorf("failed to record model %d: %w", id, err)
		}
	}
	return nil
}

// RegisterModel marks modelID as the current model of the datasource. It is
// the retrain signal; the next run moves types onto it.
func (r *Reconciler) RegisterModel(ctx context.Context, datasourceID, modelID int64) (*models.ClassifierModel, error) {
	if modelID <= 0 {
		return nil, fmt.Errorf("%w: model id must be positive", models.ErrInvalidInput)
	}
	if _, err := r.repo.GetDatasource(ctx, datasourceID); err != nil {
		return nil, err
	}
	m, err := r.repo.EnsureModel(ctx, datasourceID, modelID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to register model %d: %w", modelID, err)
	}
	r.logger.InfoContext(ctx, "classifier model registered",
		logging.DatasourceID(datasourceID), logging.ModelID(modelID))
	return m, nil
}

// InProgress reports whether a run holds the datasource.
func (r *Reconciler) InProgress(ctx context.Context, datasourceID int64) (bool, error) {
	return r.tracker.InProgress(ctx, datasourceID)
}
