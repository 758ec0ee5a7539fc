package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// runStoreSuite exercises the behaviour both Repository implementations share.
func runStoreSuite(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("datasource scoping", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		other := seedDatasource(t, repo, "log")

		it := models.NewIncidentType(ds.ID, 1, 10)
		require.NoError(t, repo.CreateIncidentType(ctx, it))

		_, err := repo.GetIncidentType(ctx, other.ID, it.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		got, err := repo.GetIncidentType(ctx, ds.ID, it.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultLabel, got.Label)
	})

	t.Run("live type uniqueness", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")

		require.NoError(t, repo.CreateIncidentType(ctx, models.NewIncidentType(ds.ID, 1, 10)))
		err := repo.CreateIncidentType(ctx, models.NewIncidentType(ds.ID, 1, 10))
		assert.ErrorIs(t, err, ErrDuplicate)

		found, err := repo.FindLiveIncidentType(ctx, ds.ID, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(10), found.ClusterID)
	})

	t.Run("ensure log category is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")

		c := &models.LogCategory{DatasourceID: ds.ID, Logger: "nova", Signature: "sig-1", LogArchetype: "instance * failed"}
		first, created, err := repo.EnsureLogCategory(ctx, c)
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := repo.EnsureLogCategory(ctx, c)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("single current model", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")

		_, err := repo.GetCurrentModel(ctx, ds.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = repo.EnsureModel(ctx, ds.ID, 1, true)
		require.NoError(t, err)
		_, err = repo.EnsureModel(ctx, ds.ID, 2, true)
		require.NoError(t, err)
		_, err = repo.EnsureModel(ctx, ds.ID, 3, false)
		require.NoError(t, err)

		cur, err := repo.GetCurrentModel(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), cur.ID)

		all, err := repo.ListModels(ctx, ds.ID)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		it := models.NewIncidentType(ds.ID, 1, 10)
		require.NoError(t, repo.CreateIncidentType(ctx, it))

		boom := errors.New("boom")
		err := repo.WithTx(ctx, func(s Store) error {
			it.Label = "changed"
			if err := s.UpdateIncidentType(ctx, it); err != nil {
				return err
			}
			inc := &models.Incident{DatasourceID: ds.ID, IncidentTypeID: it.ID, EnvironmentID: 1,
				CurrentState: models.StateDiscovered, FirstOccurrence: time.Now(), LastOccurrence: time.Now()}
			if err := s.CreateIncident(ctx, inc); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.GetIncidentType(ctx, ds.ID, it.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultLabel, got.Label)

		incidents, err := repo.ListIncidentsByType(ctx, ds.ID, it.ID)
		require.NoError(t, err)
		assert.Empty(t, incidents)
	})

	t.Run("reassign history", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		a := models.NewIncidentType(ds.ID, 1, 1)
		b := models.NewIncidentType(ds.ID, 1, 2)
		require.NoError(t, repo.CreateIncidentType(ctx, a))
		require.NoError(t, repo.CreateIncidentType(ctx, b))

		require.NoError(t, repo.AppendIncidentTypeEvent(ctx, &models.IncidentTypeEvent{
			DatasourceID: ds.ID, IncidentTypeID: b.ID, Field: models.EventFieldLabel, NewValue: "x", Actor: "alice"}))
		require.NoError(t, repo.CreateExternalSolution(ctx, &models.ExternalSolution{
			DatasourceID: ds.ID, IncidentTypeID: b.ID, Source: "jira", Reference: "OPS-1"}))

		n, err := repo.ReassignIncidentTypeEvents(ctx, ds.ID, b.ID, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = repo.ReassignExternalSolutions(ctx, ds.ID, b.ID, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		events, err := repo.ListIncidentTypeEvents(ctx, ds.ID, a.ID)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("training data retention", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		for i, ts := range []time.Time{old, old.Add(48 * time.Hour)} {
			d := &models.TrainingDatum{DatasourceID: ds.ID, IncidentTypeID: 1, IncidentID: int64(i + 1),
				Label: models.DefaultLabel, Severity: models.DefaultSeverity, ReceivedAt: ts,
				Lines: []models.LogLine{{LogCategoryID: 1, Logger: "nova", Host: "web-1", Message: "boom", Timestamp: ts}}}
			require.NoError(t, repo.CreateTrainingDatum(ctx, d))
		}

		n, err := repo.DeleteTrainingDataBefore(ctx, ds.ID, old.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rest, err := repo.ListTrainingData(ctx, ds.ID)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "nova", rest[0].Lines[0].Logger)
	})

	t.Run("locked read-modify-write keeps concurrent edits", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		it := models.NewIncidentType(ds.ID, 1, 10)
		it.LogCategories = []int64{1}
		require.NoError(t, repo.CreateIncidentType(ctx, it))

		edits := []func(*models.IncidentType){
			func(t *models.IncidentType) { t.Label = "Disk full" },
			func(t *models.IncidentType) { t.LogCategories = models.UnionIDs(t.LogCategories, []int64{2}) },
			func(t *models.IncidentType) { t.Severity = "high" },
		}
		var wg sync.WaitGroup
		errs := make(chan error, len(edits))
		for _, edit := range edits {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- repo.WithTx(ctx, func(tx Store) error {
					locked, err := tx.GetIncidentTypeForUpdate(ctx, ds.ID, it.ID)
					if err != nil {
						return err
					}
					time.Sleep(20 * time.Millisecond)
					edit(locked)
					return tx.UpdateIncidentType(ctx, locked)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.GetIncidentType(ctx, ds.ID, it.ID)
		require.NoError(t, err)
		assert.Equal(t, "Disk full", got.Label)
		assert.Equal(t, "high", got.Severity)
		assert.Equal(t, []int64{1, 2}, got.LogCategories)
	})

	t.Run("locked incident counters are not lost", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")
		it := models.NewIncidentType(ds.ID, 1, 10)
		require.NoError(t, repo.CreateIncidentType(ctx, it))
		inc := &models.Incident{DatasourceID: ds.ID, IncidentTypeID: it.ID, EnvironmentID: 1,
			CurrentState: models.StateDiscovered, Occurrences: 1,
			FirstOccurrence: time.Now(), LastOccurrence: time.Now()}
		require.NoError(t, repo.CreateIncident(ctx, inc))

		const writers = 5
		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.WithTx(ctx, func(tx Store) error {
					locked, err := tx.GetIncidentForUpdate(ctx, ds.ID, inc.ID)
					if err != nil {
						return err
					}
					time.Sleep(10 * time.Millisecond)
					locked.Occurrences++
					return tx.UpdateIncident(ctx, locked)
				}))
			}()
		}
		wg.Wait()

		got, err := repo.GetIncident(ctx, ds.ID, inc.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1+writers, got.Occurrences)
	})

	t.Run("concurrent first promotions leave one current model", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")

		var wg sync.WaitGroup
		for i := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.WithTx(ctx, func(tx Store) error {
					_, err := tx.EnsureModel(ctx, ds.ID, int64(i%2+1), true)
					return err
				}))
			}()
		}
		wg.Wait()

		all, err := repo.ListModels(ctx, ds.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		current := 0
		for _, m := range all {
			if m.Current {
				current++
			}
		}
		assert.Equal(t, 1, current)
	})

	t.Run("composite rule operands", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		ds := seedDatasource(t, repo, "log")

		r := &models.IncidentRule{DatasourceID: ds.ID, Kind: models.RuleKindComposite, Opcode: models.OpAnd,
			LeftRuleID: 7, RightRuleID: 8, Active: true, CreatedBy: "alice"}
		require.NoError(t, repo.CreateRule(ctx, r))

		got, err := repo.GetRule(ctx, ds.ID, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.LeftRuleID)
		assert.Equal(t, models.OpAnd, got.Opcode)

		require.NoError(t, repo.DeleteRule(ctx, ds.ID, r.ID))
		assert.ErrorIs(t, repo.DeleteRule(ctx, ds.ID, r.ID), models.ErrNotFound)
	})
}

func seedDatasource(t *testing.T, repo Repository, typ string) *models.Datasource {
	t.Helper()
	d := &models.Datasource{Name: "ds-" + typ, Type: typ}
	require.NoError(t, repo.CreateDatasource(context.Background(), d))
	return d
}
