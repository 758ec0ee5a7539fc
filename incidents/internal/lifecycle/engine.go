// Package lifecycle decides where every classified batch lands in the
// incident catalog and executes operator changes (transitions, merges,
// relabels, refinements) as single transactions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/archive"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// maxLockAttempts bounds retries when the lock set computed before a
// transaction turns out to be stale inside it.
const maxLockAttempts = 3

// maxMergeHops bounds the walk along merge records.
const maxMergeHops = 32

var errStaleLocks = errors.New("lock set changed")

// EventPublisher delivers lifecycle events to alert and reaction subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.LifecycleEvent) error
}

// MappingState reports whether a mapping run holds a datasource.
type MappingState interface {
	InProgress(ctx context.Context, datasourceID int64) (bool, error)
}

// Options wires an Engine. Repo and Locker are required.
type Options struct {
	Repo     repository.Repository
	Locker   locks.Locker
	Authz    auth.Authorizer
	Events   EventPublisher
	Archiver archive.Archiver
	Mapping  MappingState
	Policies *Policies
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine is the incident lifecycle engine.
type Engine struct {
	repo     repository.Repository
	locker   locks.Locker
	authz    auth.Authorizer
	events   EventPublisher
	archiver archive.Archiver
	mapping  MappingState
	policies *Policies
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		repo:     opts.Repo,
		locker:   opts.Locker,
		authz:    opts.Authz,
		events:   opts.Events,
		archiver: opts.Archiver,
		mapping:  opts.Mapping,
		policies: opts.Policies,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.archiver == nil {
		e.archiver = archive.Nop{}
	}
	if e.policies == nil {
		e.policies = NewPolicies(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) policyFor(ctx context.Context, store repository.Store, datasourceID int64) (Policy, error) {
	ds, err := store.GetDatasource(ctx, datasourceID)
	if err != nil {
		return Policy{}, err
	}
	return e.policies.For(ds.Type), nil
}

func (e *Engine) lock(ctx context.Context, scope string, keys ...string) (locks.Unlock, error) {
	start := time.Now()
	unlock, err := locks.LockAll(ctx, e.locker, keys)
	metrics.LockWaitDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s lock: %w", scope, err)
	}
	return unlock, nil
}

// incidentKeys returns the incident lock keys covering every environment in
// which any of the types has an incident, crossed with every type. Incidents
// moved between the types during a merge stay under a held key.
func incidentKeys(ctx context.Context, store repository.Store, datasourceID int64, typeIDs []int64) ([]string, error) {
	var envs []int64
	for _, id := range typeIDs {
		incidents, err := store.ListIncidentsByType(ctx, datasourceID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list incidents of type %d: %w", id, err)
		}
		for _, inc := range incidents {
			envs = append(envs, inc.EnvironmentID)
		}
	}
	envs = models.UnionIDs(envs)
	keys := make([]string, 0, len(typeIDs)*len(envs))
	for _, id := range typeIDs {
		for _, env := range envs {
			keys = append(keys, locks.IncidentKey(datasourceID, id, env))
		}
	}
	return keys, nil
}

// withTypeLocks runs fn in a transaction while holding the incident keys of
// every listed type plus extraKeys. If an incident in a new environment
// appears between computing the keys and opening the transaction, the whole
// attempt is retried with the wider set.
func (e *Engine) withTypeLocks(ctx context.Context, datasourceID int64, typeIDs []int64, extraKeys []string, fn func(tx repository.Store) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		keys, err := incidentKeys(ctx, e.repo, datasourceID, typeIDs)
		if err != nil {
			return err
		}
		unlock, err := e.lock(ctx, "incident", append(keys, extraKeys...)...)
		if err != nil {
			return err
		}
		err = e.repo.WithTx(ctx, func(tx repository.Store) error {
			current, err := incidentKeys(ctx, tx, datasourceID, typeIDs)
			if err != nil {
				return err
			}
			for _, k := range current {
				if !slices.Contains(keys, k) {
					return errStaleLocks
				}
			}
			return fn(tx)
		})
		unlock()
		if errors.Is(err, errStaleLocks) {
			e.logger.DebugContext(ctx, "incident lock set changed, retrying",
				logging.DatasourceID(datasourceID), slog.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return fmt.Errorf("incidents of types %v kept changing during %d attempts: %w", typeIDs, maxLockAttempts, errStaleLocks)
}

// lockTypes reads the types for update in ascending id order, so two
// transactions locking overlapping sets cannot deadlock.
func lockTypes(ctx context.Context, tx repository.Store, datasourceID int64, ids ...int64) (map[int64]*models.IncidentType, error) {
	sorted := models.UnionIDs(ids)
	out := make(map[int64]*models.IncidentType, len(sorted))
	for _, id := range sorted {
		it, err := tx.GetIncidentTypeForUpdate(ctx, datasourceID, id)
		if err != nil {
			return nil, err
		}
		out[id] = it
	}
	return out, nil
}

// resolveType returns the live type for id, following merge records when id
// was absorbed.
func resolveType(ctx context.Context, store repository.Store, datasourceID, id int64) (*models.IncidentType, error) {
	current := id
	for hop := 0; hop < maxMergeHops; hop++ {
		it, err := store.GetIncidentType(ctx, datasourceID, current)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		m, mErr := store.FindMergeBySource(ctx, datasourceID, current)
		if mErr != nil {
			if errors.Is(mErr, models.ErrNotFound) {
				return nil, err
			}
			return nil, mErr
		}
		current = m.TargetID
	}
	return nil, fmt.Errorf("incident type %d: merge chain longer than %d: %w", id, maxMergeHops, models.ErrNotFound)
}

// typeLoggers returns the loggers of the type's log categories.
func typeLoggers(ctx context.Context, store repository.Store, it *models.IncidentType) ([]string, error) {
	cats, err := store.ListLogCategories(ctx, it.DatasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log categories: %w", err)
	}
	var loggers []string
	for _, c := range cats {
		if it.HasCategory(c.ID) {
			loggers = append(loggers, c.Logger)
		}
	}
	return models.UnionStrings(loggers), nil
}

func typeEvent(it *models.IncidentType, field, oldValue, newValue, actor string) *models.IncidentTypeEvent {
	return &models.IncidentTypeEvent{
		DatasourceID:   it.DatasourceID,
		IncidentTypeID: it.ID,
		Field:          field,
		OldValue:       oldValue,
		NewValue:       newValue,
		Actor:          actor,
	}
}

func stateEvent(inc *models.Incident, actor, comment string) *models.IncidentStateEvent {
	return &models.IncidentStateEvent{
		DatasourceID: inc.DatasourceID,
		IncidentID:   inc.ID,
		State:        inc.CurrentState,
		Actor:        actor,
		Comment:      comment,
	}
}

func lifecycleEvent(kind models.EventKind, it *models.IncidentType, inc *models.Incident) models.LifecycleEvent {
	ev := models.LifecycleEvent{
		Kind:           kind,
		DatasourceID:   it.DatasourceID,
		IncidentTypeID: it.ID,
		Label:          it.Label,
		Severity:       it.Severity,
	}
	if inc != nil {
		ev.IncidentID = inc.ID
		ev.EnvironmentID = inc.EnvironmentID
		ev.State = inc.CurrentState
	}
	return ev
}

// publish delivers events after commit. Delivery failures are logged; the
// committed change stands.
func (e *Engine) publish(ctx context.Context, events []models.LifecycleEvent) {
	for _, ev := range events {
		ev.ID = uuid.NewString()
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = e.now().UTC()
		}
		if e.events == nil {
			continue
		}
		if err := e.events.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind), "failed").Inc()
			e.logger.WarnContext(ctx, "failed to publish lifecycle event",
				slog.String("kind", string(ev.Kind)),
				logging.DatasourceID(ev.DatasourceID),
				logging.IncidentTypeID(ev.IncidentTypeID),
				logging.IncidentID(ev.IncidentID),
				logging.Error(err))
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind), "published").Inc()
	}
}

// archiveAndDelete archives data and then deletes it through store.
func (e *Engine) archiveAndDelete(ctx context.Context, store repository.Store, reason string, data []*models.TrainingDatum) error {
	if len(data) == 0 {
		return nil
	}
	if err := e.archiver.Archive(ctx, reason, data); err != nil {
		return fmt.Errorf("failed to archive training data: %w", err)
	}
	for _, d := range data {
		if err := store.DeleteTrainingDatum(ctx, d.DatasourceID, d.ID); err != nil {
			return fmt.Errorf("failed to delete training datum %d: %w", d.ID, err)
		}
	}
	return nil
}

// relabelTrainingData rewrites label and severity of the type's data.
func relabelTrainingData(ctx context.Context, store repository.Store, it *models.IncidentType) (int, error) {
	data, err := store.ListTrainingDataByType(ctx, it.DatasourceID, it.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list training data of type %d: %w", it.ID, err)
	}
	n := 0
	for _, d := range data {
		if d.Label == it.Label && d.Severity == it.Severity {
			continue
		}
		d.Label, d.Severity = it.Label, it.Severity
		if err := store.UpdateTrainingDatum(ctx, d); err != nil {
			return n, fmt.Errorf("failed to relabel training datum %d: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}
