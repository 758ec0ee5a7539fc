package status

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

type bucketKey struct {
	datasourceID  int64
	environmentID int64
	granularity   models.Granularity
	start         int64
}

// MemoryStore keeps buckets in process. Used when Redis is disabled.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*models.Bucket
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[bucketKey]*models.Bucket)}
}

// Apply implements Store.
func (m *MemoryStore) Apply(_ context.Context, datasourceID, environmentID int64, s models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range models.Granularities {
		key := bucketKey{datasourceID, environmentID, g, g.Truncate(s.PollingTimestamp).Unix()}
		b, ok := m.buckets[key]
		if !ok {
			b = newBucket(datasourceID, environmentID, g, s.PollingTimestamp)
			m.buckets[key] = b
		}
		b.Add(s)
	}
	return nil
}

// Range implements Store.
func (m *MemoryStore) Range(_ context.Context, datasourceID, environmentID int64, g models.Granularity, from, to time.Time) ([]*models.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Bucket{}
	for k, b := range m.buckets {
		if k.datasourceID != datasourceID || k.environmentID != environmentID || k.granularity != g {
			continue
		}
		if b.Start.Before(from) || b.Start.After(to) {
			continue
		}
		out = append(out, b.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Bucket) int { return a.Start.Compare(b.Start) })
	return out, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, datasourceID, environmentID int64, g models.Granularity) (*models.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Bucket
	for k, b := range m.buckets {
		if k.datasourceID != datasourceID || k.environmentID != environmentID || k.granularity != g {
			continue
		}
		if latest == nil || b.Start.After(latest.Start) {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}
