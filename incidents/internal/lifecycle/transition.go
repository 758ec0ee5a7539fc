package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// requiredCapability returns the capability guarding a move into target.
func requiredCapability(policy Policy, target models.State) auth.Capability {
	if policy.IsClosing(target) || target == models.StateArchived {
		return auth.CapIncidentClose
	}
	return auth.CapIncidentUpdate
}

// Transition moves an incident to target.
func (e *Engine) Transition(ctx context.Context, actor auth.Actor, datasourceID, incidentID int64, target models.State, comment string) (*models.Incident, error) {
	inc, reopened, err := e.transition(ctx, actor, datasourceID, incidentID, target, comment)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(target), "rejected").Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(target), "ok").Inc()
	if reopened {
		it, err := e.repo.GetIncidentType(ctx, datasourceID, inc.IncidentTypeID)
		if err == nil {
			e.publish(ctx, []models.LifecycleEvent{lifecycleEvent(models.EventIncidentReopened, it, inc)})
		}
	}
	e.logger.InfoContext(ctx, "incident transitioned",
		logging.DatasourceID(datasourceID),
		logging.IncidentID(incidentID),
		logging.Actor(actor.ID),
		slog.String("state", string(target)))
	return inc, nil
}

func (e *Engine) transition(ctx context.Context, actor auth.Actor, datasourceID, incidentID int64, target models.State, comment string) (*models.Incident, bool, error) {
	if _, ok := models.ParseState(string(target)); !ok {
		return nil, false, fmt.Errorf("%w: unknown state %q", models.ErrInvalidInput, target)
	}
	policy, err := e.policyFor(ctx, e.repo, datasourceID)
	if err != nil {
		return nil, false, err
	}
	if err := auth.Require(ctx, e.authz, actor, requiredCapability(policy, target), datasourceID); err != nil {
		return nil, false, err
	}

	var (
		result   *models.Incident
		reopened bool
	)
	err = e.withIncidentLock(ctx, datasourceID, incidentID, func(tx repository.Store, inc *models.Incident) error {
		from := inc.CurrentState
		if !CanTransition(from, target) {
			return fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, from, target)
		}
		if policy.IsClosing(target) {
			ok, err := hasSolution(ctx, tx, datasourceID, inc.IncidentTypeID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("incident %d: %w", inc.ID, models.ErrSolutionRequired)
			}
		}
		if policy.IsOpen(target) && !policy.IsOpen(from) {
			if err := ensureNoOtherOpen(ctx, tx, policy, inc); err != nil {
				return err
			}
		}
		if target == models.StateArchived {
			data, err := tx.ListTrainingDataByIncident(ctx, datasourceID, inc.ID)
			if err != nil {
				return fmt.Errorf("failed to list training data: %w", err)
			}
			if err := e.archiveAndDelete(ctx, tx, "incident archived", data); err != nil {
				return err
			}
		}

		inc.CurrentState = target
		if err := tx.UpdateIncident(ctx, inc); err != nil {
			return fmt.Errorf("failed to update incident %d: %w", inc.ID, err)
		}
		if err := tx.AppendIncidentStateEvent(ctx, stateEvent(inc, actor.ID, comment)); err != nil {
			return fmt.Errorf("failed to append state event: %w", err)
		}
		reopened = policy.IsOpen(target) && !policy.IsOpen(from)
		result = inc
		return nil
	})
	return result, reopened, err
}

// Restore brings an archived incident back to the state it held before it
// was archived.
func (e *Engine) Restore(ctx context.Context, actor auth.Actor, datasourceID, incidentID int64) (*models.Incident, error) {
	policy, err := e.policyFor(ctx, e.repo, datasourceID)
	if err != nil {
		return nil, err
	}
	if err := auth.Require(ctx, e.authz, actor, auth.CapIncidentClose, datasourceID); err != nil {
		return nil, err
	}

	var result *models.Incident
	err = e.withIncidentLock(ctx, datasourceID, incidentID, func(tx repository.Store, inc *models.Incident) error {
		if inc.CurrentState != models.StateArchived {
			return fmt.Errorf("%w: incident %d is %s, not archived", models.ErrInvalidTransition, inc.ID, inc.CurrentState)
		}
		history, err := tx.ListIncidentStateEvents(ctx, datasourceID, inc.ID)
		if err != nil {
			return fmt.Errorf("failed to list state history: %w", err)
		}
		restored := models.StateResolved
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].State != models.StateArchived {
				restored = history[i].State
				break
			}
		}
		if policy.IsOpen(restored) {
			if err := ensureNoOtherOpen(ctx, tx, policy, inc); err != nil {
				return err
			}
		}
		inc.CurrentState = restored
		if err := tx.UpdateIncident(ctx, inc); err != nil {
			return fmt.Errorf("failed to update incident %d: %w", inc.ID, err)
		}
		if err := tx.AppendIncidentStateEvent(ctx, stateEvent(inc, actor.ID, "restored from archive")); err != nil {
			return fmt.Errorf("failed to append state event: %w", err)
		}
		result = inc
		return nil
	})
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("restore", "rejected").Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("restore", "ok").Inc()
	return result, nil
}

// withIncidentLock runs fn in a transaction holding the incident's
// (type, environment) key, retrying if a merge moved the incident meanwhile.
func (e *Engine) withIncidentLock(ctx context.Context, datasourceID, incidentID int64, fn func(tx repository.Store, inc *models.Incident) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		snapshot, err := e.repo.GetIncident(ctx, datasourceID, incidentID)
		if err != nil {
			return err
		}
		unlock, err := e.lock(ctx, "incident", locks.IncidentKey(datasourceID, snapshot.IncidentTypeID, snapshot.EnvironmentID))
		if err != nil {
			return err
		}
		err = e.repo.WithTx(ctx, func(tx repository.Store) error {
			inc, err := tx.GetIncidentForUpdate(ctx, datasourceID, incidentID)
			if err != nil {
				return err
			}
			if inc.IncidentTypeID != snapshot.IncidentTypeID || inc.EnvironmentID != snapshot.EnvironmentID {
				return errStaleLocks
			}
			return fn(tx, inc)
		})
		unlock()
		if errors.Is(err, errStaleLocks) {
			continue
		}
		return err
	}
	return fmt.Errorf("incident %d kept moving: %w", incidentID, errStaleLocks)
}

// hasSolution reports whether the type has a recorded or an accepted
// external solution.
func hasSolution(ctx context.Context, store repository.Store, datasourceID, typeID int64) (bool, error) {
	it, err := store.GetIncidentType(ctx, datasourceID, typeID)
	if err != nil {
		return false, err
	}
	if it.HasSolution() {
		return true, nil
	}
	solutions, err := store.ListExternalSolutions(ctx, datasourceID, typeID)
	if err != nil {
		return false, fmt.Errorf("failed to list external solutions: %w", err)
	}
	for _, s := range solutions {
		if s.Accepted {
			return true, nil
		}
	}
	return false, nil
}

// ensureNoOtherOpen rejects opening inc while another incident of the same
// type and environment is open.
func ensureNoOtherOpen(ctx context.Context, store repository.Store, policy Policy, inc *models.Incident) error {
	siblings, err := store.ListIncidentsByType(ctx, inc.DatasourceID, inc.IncidentTypeID)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	for _, s := range siblings {
		if s.ID != inc.ID && s.EnvironmentID == inc.EnvironmentID && policy.IsOpen(s.CurrentState) {
			return fmt.Errorf("%w: incident %d is already open for this type and environment", models.ErrForbidden, s.ID)
		}
	}
	return nil
}
