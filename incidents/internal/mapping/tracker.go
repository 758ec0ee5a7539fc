package mapping

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// RunTracker records which datasources have a mapping run in flight. State
// lives in the locker, so with a Redis locker every replica sees it.
type RunTracker struct {
	locker locks.Locker

	mu   sync.Mutex
	held map[int64]locks.Unlock
}

// NewRunTracker creates a tracker backed by locker.
func NewRunTracker(locker locks.Locker) *RunTracker {
	return &RunTracker{locker: locker, held: make(map[int64]locks.Unlock)}
}

// Begin claims the datasource for a run. It fails with
// models.ErrMappingInProgress if another run holds it. The returned func
// ends the run.
func (t *RunTracker) Begin(ctx context.Context, datasourceID int64) (func(), error) {
	unlock, ok, err := t.locker.TryLock(ctx, locks.MappingKey(datasourceID))
	if err != nil {
		return nil, fmt.Errorf("failed to claim mapping run: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("datasource %d: %w", datasourceID, models.ErrMappingInProgress)
	}
	t.mu.Lock()
	t.held[datasourceID] = unlock
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, datasourceID)
			t.mu.Unlock()
			unlock()
		})
	}, nil
}

// InProgress reports whether a run holds the datasource.
func (t *RunTracker) InProgress(ctx context.Context, datasourceID int64) (bool, error) {
	t.mu.Lock()
	_, local := t.held[datasourceID]
	t.mu.Unlock()
	if local {
		return true, nil
	}
	unlock, ok, err := t.locker.TryLock(ctx, locks.MappingKey(datasourceID))
	if err != nil {
		return false, fmt.Errorf("failed to probe mapping state: %w", err)
	}
	if !ok {
		return true, nil
	}
	unlock()
	return false, nil
}
