// Package locks provides per-key mutual exclusion. Keys are scoped by
// datasource so unrelated datasources and environments never contend.
package locks

import (
	"context"
	"fmt"
	"slices"
)

// Unlock releases a held lock. Calling it more than once is safe.
type Unlock func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Lock blocks until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)

	// TryLock acquires key only if it is free.
	TryLock(ctx context.Context, key string) (Unlock, bool, error)
}

// IncidentTypeKey guards find-or-create of the live type for a cluster.
func IncidentTypeKey(datasourceID, modelID, clusterID int64) string {
	return fmt.Sprintf("itype:%d:%d:%d", datasourceID, modelID, clusterID)
}

// IncidentKey guards find-or-create of the open incident of a type in an environment.
func IncidentKey(datasourceID, incidentTypeID, environmentID int64) string {
	return fmt.Sprintf("incident:%d:%d:%d", datasourceID, incidentTypeID, environmentID)
}

// MappingKey marks a mapping run in progress for a datasource.
func MappingKey(datasourceID int64) string {
	return fmt.Sprintf("mapping:%d", datasourceID)
}

// LockAll acquires every key in sorted order so concurrent callers cannot
// deadlock. On failure nothing stays held.
func LockAll(ctx context.Context, l Locker, keys []string) (Unlock, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]Unlock, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range sorted {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}
