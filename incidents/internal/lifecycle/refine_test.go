package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/testutil"
)

func TestRefineIncidentType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	nova := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	neutron := testutil.SeedLogCategory(t, h.repo, ds.ID, "neutron")
	glance := testutil.SeedLogCategory(t, h.repo, ds.ID, "glance")
	a := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1,
		testutil.WithCategories(nova, neutron, glance), testutil.WithLabel("Compute failure"))

	// mixed: one datum with both sides; onlyMoved: every datum moves.
	mixed := testutil.SeedIncident(t, h.repo, a, 1, models.StateInvestigating, 2)
	testutil.SeedTrainingDatum(t, h.repo, a, mixed, testutil.LogLines(testutil.Epoch, nova, neutron))
	testutil.SeedTrainingDatum(t, h.repo, a, mixed, testutil.LogLines(testutil.Epoch, nova))
	onlyMoved := testutil.SeedIncident(t, h.repo, a, 2, models.StateResolved, 1)
	testutil.SeedTrainingDatum(t, h.repo, a, onlyMoved, testutil.LogLines(testutil.Epoch, neutron))
	untouched := testutil.SeedIncident(t, h.repo, a, 3, models.StateDiscovered, 1)
	testutil.SeedTrainingDatum(t, h.repo, a, untouched, testutil.LogLines(testutil.Epoch, glance))

	res, err := h.engine.RefineIncidentType(ctx, analyst, ds.ID, a.ID, RefineRequest{LogCategories: []int64{neutron.ID}})
	require.NoError(t, err)

	b := res.Refined
	assert.True(t, b.Refinement)
	require.NotNil(t, b.RefinedFrom)
	assert.Equal(t, a.ID, *b.RefinedFrom)
	assert.Equal(t, -b.ID, b.ClusterID)
	assert.Equal(t, "Compute failure", b.Label, "refined type keeps the original's label")
	assert.Equal(t, a.Severity, b.Severity)
	assert.Equal(t, []int64{neutron.ID}, b.LogCategories)
	assert.Equal(t, []int64{nova.ID, glance.ID}, res.Original.LogCategories)
	assert.Equal(t, 1, res.MovedTrainingData)
	assert.Equal(t, 1, res.SplitTrainingData)
	assert.Equal(t, 2, res.CreatedIncidents)
	assert.Equal(t, 1, res.DeletedIncidents)

	_, err = h.repo.GetIncident(ctx, ds.ID, onlyMoved.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "incident left without evidence is deleted")

	stillMixed, err := h.repo.GetIncident(ctx, ds.ID, mixed.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stillMixed.Occurrences)
	assert.Equal(t, []string{"nova"}, stillMixed.Loggers)

	refinedIncidents, err := h.repo.ListIncidentsByType(ctx, ds.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, refinedIncidents, 2)
	byEnv := make(map[int64]*models.Incident)
	for _, inc := range refinedIncidents {
		byEnv[inc.EnvironmentID] = inc
		assert.EqualValues(t, 1, inc.Occurrences)
		assert.Equal(t, []string{"neutron"}, inc.Loggers)
	}
	assert.Equal(t, models.StateInvestigating, byEnv[1].CurrentState)
	assert.Equal(t, models.StateResolved, byEnv[2].CurrentState)

	refinedData, err := h.repo.ListTrainingDataByType(ctx, ds.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, refinedData, 2)
	for _, d := range refinedData {
		for _, l := range d.Lines {
			assert.Equal(t, neutron.ID, l.LogCategoryID)
		}
		assert.Equal(t, "Compute failure", d.Label)
	}
	remaining, err := h.repo.ListTrainingDataByType(ctx, ds.ID, a.ID)
	require.NoError(t, err)
	for _, d := range remaining {
		for _, l := range d.Lines {
			assert.NotEqual(t, neutron.ID, l.LogCategoryID)
		}
	}

	assert.Equal(t, []models.EventKind{models.EventNewIncidentType}, h.events.kinds())
	assert.True(t, b.IsRefined())
}

func TestRefineIncidentType_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("mapping in progress", func(t *testing.T) {
		h := newHarness(t)
		h.mapping.inProgressFn = func(context.Context, int64) (bool, error) { return true, nil }
		ds := testutil.SeedDatasource(t, h.repo, "log")
		c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "a")
		c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "b")
		it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1, c2))

		_, err := h.engine.RefineIncidentType(ctx, admin, ds.ID, it.ID, RefineRequest{LogCategories: []int64{c1.ID}})
		assert.ErrorIs(t, err, models.ErrMappingInProgress)
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("mapping state unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.mapping.inProgressFn = func(context.Context, int64) (bool, error) { return false, errors.New("redis down") }
		ds := testutil.SeedDatasource(t, h.repo, "log")
		it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)

		_, err := h.engine.RefineIncidentType(ctx, admin, ds.ID, it.ID, RefineRequest{LogCategories: []int64{1}})
		assert.Error(t, err)
	})

	partitions := []struct {
		name      string
		partition func(c1, c2, other *models.LogCategory) []int64
	}{
		{name: "empty", partition: func(_, _, _ *models.LogCategory) []int64 { return nil }},
		{name: "whole type", partition: func(c1, c2, _ *models.LogCategory) []int64 { return []int64{c1.ID, c2.ID} }},
		{name: "foreign category", partition: func(c1, _, other *models.LogCategory) []int64 { return []int64{c1.ID, other.ID} }},
	}
	for _, tt := range partitions {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ds := testutil.SeedDatasource(t, h.repo, "log")
			c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "a")
			c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "b")
			other := testutil.SeedLogCategory(t, h.repo, ds.ID, "c")
			it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1, c2))

			_, err := h.engine.RefineIncidentType(ctx, admin, ds.ID, it.ID, RefineRequest{LogCategories: tt.partition(c1, c2, other)})
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}

	t.Run("viewer", func(t *testing.T) {
		h := newHarness(t)
		ds := testutil.SeedDatasource(t, h.repo, "log")
		it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)
		_, err := h.engine.RefineIncidentType(ctx, viewer, ds.ID, it.ID, RefineRequest{LogCategories: []int64{1}})
		assert.ErrorIs(t, err, models.ErrForbidden)
	})
}

func TestRefineIncidentType_Overrides(t *testing.T) {
	tests := []struct {
		name         string
		req          func(partition []int64) RefineRequest
		wantLabel    string
		wantSeverity string
		wantErr      error
	}{
		{
			name:         "inherits",
			req:          func(p []int64) RefineRequest { return RefineRequest{LogCategories: p} },
			wantLabel:    "Disk full",
			wantSeverity: "high",
		},
		{
			name: "label override",
			req: func(p []int64) RefineRequest {
				return RefineRequest{LogCategories: p, Label: ptr(" Inode exhaustion ")}
			},
			wantLabel:    "Inode exhaustion",
			wantSeverity: "high",
		},
		{
			name: "severity reset",
			req: func(p []int64) RefineRequest {
				return RefineRequest{LogCategories: p, Severity: ptr("")}
			},
			wantLabel:    "Disk full",
			wantSeverity: models.DefaultSeverity,
		},
		{
			name: "blank label",
			req: func(p []int64) RefineRequest {
				return RefineRequest{LogCategories: p, Label: ptr("  ")}
			},
			wantErr: models.ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			ds := testutil.SeedDatasource(t, h.repo, "log")
			c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "xfs")
			c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "ext4")
			a := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1, c2),
				testutil.WithLabel("Disk full"), testutil.WithSeverity("high"))

			res, err := h.engine.RefineIncidentType(ctx, admin, ds.ID, a.ID, tt.req([]int64{c2.ID}))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				types, err := h.repo.ListIncidentTypes(ctx, ds.ID)
				require.NoError(t, err)
				assert.Len(t, types, 1)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, res.Refined.Label)
			assert.Equal(t, tt.wantSeverity, res.Refined.Severity)

			history, err := h.repo.ListIncidentTypeEvents(ctx, ds.ID, res.Refined.ID)
			require.NoError(t, err)
			fields := make(map[string]string)
			for _, ev := range history {
				fields[ev.Field] = ev.NewValue
			}
			assert.Equal(t, tt.wantLabel, fields[models.EventFieldLabel])
		})
	}
}

func TestIngest_AfterRefineKeepsCategoriesApart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")

	first, err := h.engine.Ingest(ctx, batch(ds.ID, 1, 1, 1, "nova", "neutron"))
	require.NoError(t, err)
	a := first.IncidentType
	nova, neutron := first.Datum.Lines[0].LogCategoryID, first.Datum.Lines[1].LogCategoryID

	refined, err := h.engine.RefineIncidentType(ctx, admin, ds.ID, a.ID, RefineRequest{LogCategories: []int64{neutron}})
	require.NoError(t, err)
	b := refined.Refined

	t.Run("mixed batch is split", func(t *testing.T) {
		res, err := h.engine.Ingest(ctx, batch(ds.ID, 1, 1, 1, "nova", "neutron"))
		require.NoError(t, err)
		assert.Equal(t, a.ID, res.IncidentType.ID)
		assert.Equal(t, []int64{nova}, categoriesOf(res.Datum))
		require.Len(t, res.Refined, 1)
		assert.Equal(t, b.ID, res.Refined[0].IncidentType.ID)
		assert.Equal(t, []int64{neutron}, categoriesOf(res.Refined[0].Datum))
		assert.False(t, res.Refined[0].NewIncident, "the mirrored incident is reused")
	})

	t.Run("refined-only batch lands on the refined type", func(t *testing.T) {
		res, err := h.engine.Ingest(ctx, batch(ds.ID, 1, 1, 1, "neutron"))
		require.NoError(t, err)
		assert.Equal(t, b.ID, res.IncidentType.ID)
		assert.Empty(t, res.Refined)
	})

	t.Run("new categories stay on the cluster type", func(t *testing.T) {
		res, err := h.engine.Ingest(ctx, batch(ds.ID, 1, 1, 1, "glance", "neutron"))
		require.NoError(t, err)
		assert.Equal(t, a.ID, res.IncidentType.ID)
		assert.Equal(t, 1, res.NewLogCategories)
		require.Len(t, res.Refined, 1)
		assert.Equal(t, b.ID, res.Refined[0].IncidentType.ID)
	})

	gotA, err := h.repo.GetIncidentType(ctx, ds.ID, a.ID)
	require.NoError(t, err)
	gotB, err := h.repo.GetIncidentType(ctx, ds.ID, b.ID)
	require.NoError(t, err)
	assert.NotContains(t, gotA.LogCategories, neutron)
	assert.Equal(t, []int64{neutron}, gotB.LogCategories)
	for _, c := range gotA.LogCategories {
		assert.NotContains(t, gotB.LogCategories, c, "a category belongs to one type")
	}
}

func categoriesOf(d *models.TrainingDatum) []int64 {
	var ids []int64
	for _, l := range d.Lines {
		ids = append(ids, l.LogCategoryID)
	}
	return models.UnionIDs(ids)
}
