package lifecycle

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/testutil"
)

// forbidPair forbids folding whenever one side has a and the other has b.
type forbidPair struct{ a, b string }

func (f forbidPair) Allows(x, y []string) bool {
	return !(slices.Contains(x, f.a) && slices.Contains(y, f.b)) &&
		!(slices.Contains(x, f.b) && slices.Contains(y, f.a))
}

func TestRemap_SingleMemberIsRekeyed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 5)

	res, err := h.engine.Remap(ctx, RemapGroup{DatasourceID: ds.ID, ModelID: 2, ClusterID: 9, Members: []int64{it.ID}}, nil)
	require.NoError(t, err)
	assert.Equal(t, it.ID, res.SurvivorID)
	assert.Equal(t, 1, res.Remapped)
	assert.Zero(t, res.Merged)

	got, err := h.repo.FindLiveIncidentType(ctx, ds.ID, 2, 9)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)

	history, err := h.repo.ListIncidentTypeEvents(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.EventFieldMapping, history[0].Field)
	assert.Equal(t, "1/5", history[0].OldValue)
	assert.Equal(t, "2/9", history[0].NewValue)

	again, err := h.engine.Remap(ctx, RemapGroup{DatasourceID: ds.ID, ModelID: 2, ClusterID: 9, Members: []int64{it.ID}}, nil)
	require.NoError(t, err)
	assert.Zero(t, again.Remapped, "already on the target key")
}

func TestRemap_GroupMergesIntoLabeledSurvivor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova-api")
	plain := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1))
	labeled := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 2, testutil.WithCategories(c2), testutil.WithLabel("Nova down"))
	testutil.SeedIncident(t, h.repo, plain, 1, models.StateDiscovered, 2)
	testutil.SeedIncident(t, h.repo, labeled, 1, models.StateDiscovered, 3)

	res, err := h.engine.Remap(ctx, RemapGroup{DatasourceID: ds.ID, ModelID: 2, ClusterID: 4, Members: []int64{plain.ID, labeled.ID}}, nil)
	require.NoError(t, err)
	assert.Equal(t, labeled.ID, res.SurvivorID)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 2, res.Remapped)

	survivor, err := h.repo.FindLiveIncidentType(ctx, ds.ID, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, labeled.ID, survivor.ID)
	assert.Equal(t, []int64{c1.ID, c2.ID}, survivor.LogCategories)

	incidents, err := h.repo.ListIncidentsByType(ctx, ds.ID, labeled.ID)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.EqualValues(t, 5, incidents[0].Occurrences)

	merge, err := h.repo.FindMergeBySource(ctx, ds.ID, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, mappingActor, merge.MergedBy)
}

func TestRemap_GateAndRefinedTypesAreLeftAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	nova := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	mysql := testutil.SeedLogCategory(t, h.repo, ds.ID, "mysql")
	a := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(nova))
	b := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 2, testutil.WithCategories(mysql))
	refinedFrom := a.ID
	refined := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, -100, func(it *models.IncidentType) {
		it.Refinement = true
		it.RefinedFrom = &refinedFrom
	})

	res, err := h.engine.Remap(ctx, RemapGroup{
		DatasourceID: ds.ID, ModelID: 2, ClusterID: 1, Members: []int64{a.ID, b.ID, refined.ID},
	}, forbidPair{"nova", "mysql"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.SurvivorID)
	assert.Zero(t, res.Merged)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Remapped)

	stillB, err := h.repo.GetIncidentType(ctx, ds.ID, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stillB.ModelID, "forbidden member keeps its old key")
	_, err = h.repo.GetIncidentType(ctx, ds.ID, refined.ID)
	require.NoError(t, err)
}

func TestRemap_OccupantJoinsTheGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	occupant := testutil.SeedIncidentType(t, h.repo, ds.ID, 2, 7)
	old := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 3, testutil.WithLabel("Quota exceeded"))

	res, err := h.engine.Remap(ctx, RemapGroup{DatasourceID: ds.ID, ModelID: 2, ClusterID: 7, Members: []int64{old.ID}}, nil)
	require.NoError(t, err)
	assert.Equal(t, old.ID, res.SurvivorID)
	assert.Equal(t, 1, res.Merged)

	live, err := h.repo.FindLiveIncidentType(ctx, ds.ID, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, old.ID, live.ID)
	_, err = h.repo.GetIncidentType(ctx, ds.ID, occupant.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemap_ForbiddenOccupantKeepsTheKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	nova := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	mysql := testutil.SeedLogCategory(t, h.repo, ds.ID, "mysql")
	occupant := testutil.SeedIncidentType(t, h.repo, ds.ID, 2, 7, testutil.WithCategories(mysql))
	old := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 3, testutil.WithCategories(nova), testutil.WithLabel("Quota exceeded"))

	res, err := h.engine.Remap(ctx, RemapGroup{DatasourceID: ds.ID, ModelID: 2, ClusterID: 7, Members: []int64{old.ID}}, forbidPair{"nova", "mysql"})
	require.NoError(t, err)
	assert.Equal(t, occupant.ID, res.SurvivorID)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Remapped)

	kept, err := h.repo.GetIncidentType(ctx, ds.ID, old.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, kept.ModelID)
}
