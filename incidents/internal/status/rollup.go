// Package status folds per-poll connectivity samples into minute, hour and
// day buckets and classifies datasource health from them.
//
// Bucket merges are commutative and associative (OR of connected, key-wise
// sums), so samples may be applied out of order and retried.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Store persists buckets.
type Store interface {
	// Apply folds s into the minute, hour and day buckets containing its timestamp.
	Apply(ctx context.Context, datasourceID, environmentID int64, s models.Sample) error

	// Range returns the buckets of granularity g starting in [from, to], oldest first.
	Range(ctx context.Context, datasourceID, environmentID int64, g models.Granularity, from, to time.Time) ([]*models.Bucket, error)

	// Latest returns the most recent bucket of granularity g, or nil.
	Latest(ctx context.Context, datasourceID, environmentID int64, g models.Granularity) (*models.Bucket, error)
}

// Rollup records samples and answers status queries.
type Rollup struct {
	store  Store
	logger *slog.Logger
}

// NewRollup creates a Rollup over store.
func NewRollup(store Store, logger *slog.Logger) *Rollup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollup{store: store, logger: logger}
}

// RecordSample folds one poll into its buckets.
func (r *Rollup) RecordSample(ctx context.Context, datasourceID, environmentID int64, s models.Sample) error {
	if s.PollingTimestamp.IsZero() {
		return fmt.Errorf("%w: sample has no polling timestamp", models.ErrInvalidInput)
	}
	if s.ErrorsReceived < 0 {
		return fmt.Errorf("%w: negative error count", models.ErrInvalidInput)
	}
	if err := r.store.Apply(ctx, datasourceID, environmentID, s); err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	metrics.StatusSamplesTotal.WithLabelValues(strconv.FormatBool(s.Connected)).Inc()
	r.logger.DebugContext(ctx, "status sample recorded",
		logging.DatasourceID(datasourceID), logging.EnvironmentID(environmentID), slog.Bool("connected", s.Connected))
	return nil
}

// GetStatus returns the buckets of granularity g whose start lies in [from, to].
func (r *Rollup) GetStatus(ctx context.Context, datasourceID, environmentID int64, g models.Granularity, from, to time.Time) ([]*models.Bucket, error) {
	if _, ok := models.ParseGranularity(string(g)); !ok {
		return nil, fmt.Errorf("%w: unknown granularity %q", models.ErrInvalidInput, g)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: time range ends before it starts", models.ErrInvalidInput)
	}
	return r.store.Range(ctx, datasourceID, environmentID, g, g.Truncate(from), to)
}

// Health classifies the environment from its most recent bucket. Minute
// buckets are consulted first; coarser ones cover expired minute data.
// No bucket at all means the datasource is still connecting.
func (r *Rollup) Health(ctx context.Context, datasourceID, environmentID int64) (models.Health, error) {
	for _, g := range models.Granularities {
		b, err := r.store.Latest(ctx, datasourceID, environmentID, g)
		if err != nil {
			return "", fmt.Errorf("failed to read %s bucket: %w", g, err)
		}
		if b == nil {
			continue
		}
		if b.Connected {
			return models.HealthOnline, nil
		}
		return models.HealthOffline, nil
	}
	return models.HealthConnecting, nil
}

func newBucket(datasourceID, environmentID int64, g models.Granularity, ts time.Time) *models.Bucket {
	return &models.Bucket{
		DatasourceID:  datasourceID,
		EnvironmentID: environmentID,
		Granularity:   g,
		Start:         g.Truncate(ts),
		Hosts:         map[string]int64{},
		Loggers:       map[string]int64{},
	}
}
