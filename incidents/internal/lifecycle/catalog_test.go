package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/testutil"
)

func TestUpdateIncidentType_FieldsAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	cat := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(cat))
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)
	testutil.SeedTrainingDatum(t, h.repo, it, inc, testutil.LogLines(testutil.Epoch, cat))

	updated, err := h.engine.UpdateIncidentType(ctx, analyst, ds.ID, it.ID, UpdateIncidentTypeRequest{
		Label:    ptr("  Disk full "),
		Severity: ptr("critical"),
		Solution: ptr("rotate logs"),
	})
	require.NoError(t, err)
	assert.Equal(t, it.ID, updated.ID)
	assert.Equal(t, "Disk full", updated.Label)
	assert.Equal(t, "critical", updated.Severity)
	assert.Equal(t, 1, updated.NumberSolutions)

	history, err := h.repo.ListIncidentTypeEvents(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.EventFieldLabel, history[0].Field)
	assert.Equal(t, models.DefaultLabel, history[0].OldValue)
	assert.Equal(t, "Disk full", history[0].NewValue)
	assert.Equal(t, analyst.ID, history[0].Actor)

	data, err := h.repo.ListTrainingDataByType(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "Disk full", data[0].Label)
	assert.Equal(t, "critical", data[0].Severity)

	again, err := h.engine.UpdateIncidentType(ctx, analyst, ds.ID, it.ID, UpdateIncidentTypeRequest{Severity: ptr("critical")})
	require.NoError(t, err)
	assert.Equal(t, "critical", again.Severity)
	history, err = h.repo.ListIncidentTypeEvents(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "unchanged fields write no history")
}

func TestUpdateIncidentType_LabelMergesIntoExistingType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "cinder")
	existing := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1), testutil.WithLabel("Disk Full"))
	fresh := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 2, testutil.WithCategories(c2))
	testutil.SeedIncident(t, h.repo, fresh, 1, models.StateDiscovered, 4)

	survivor, err := h.engine.UpdateIncidentType(ctx, analyst, ds.ID, fresh.ID, UpdateIncidentTypeRequest{
		Label:    ptr("  disk   FULL"),
		Severity: ptr("high"),
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, survivor.ID)
	assert.Equal(t, "Disk Full", survivor.Label, "the survivor keeps its own spelling")
	assert.Equal(t, "high", survivor.Severity)
	assert.Equal(t, []int64{c1.ID, c2.ID}, survivor.LogCategories)

	_, err = h.repo.GetIncidentType(ctx, ds.ID, fresh.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	incidents, err := h.repo.ListIncidentsByType(ctx, ds.ID, existing.ID)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestUpdateIncidentType_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)

	_, err := h.engine.UpdateIncidentType(ctx, viewer, ds.ID, it.ID, UpdateIncidentTypeRequest{Label: ptr("x")})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.engine.UpdateIncidentType(ctx, admin, ds.ID, it.ID, UpdateIncidentTypeRequest{Label: ptr("   ")})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = h.engine.UpdateIncidentType(ctx, admin, ds.ID, 9999, UpdateIncidentTypeRequest{Label: ptr("x")})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExternalSolutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)

	_, err := h.engine.AddExternalSolution(ctx, admin, ds.ID, it.ID, "jira", " ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = h.engine.AddExternalSolution(ctx, admin, ds.ID, 9999, "jira", "OPS-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	sol, err := h.engine.AddExternalSolution(ctx, admin, ds.ID, it.ID, "jira", "OPS-1")
	require.NoError(t, err)
	assert.False(t, sol.Accepted)

	accepted, err := h.engine.AcceptExternalSolution(ctx, admin, ds.ID, sol.ID)
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)

	history, err := h.repo.ListIncidentTypeEvents(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "jira:OPS-1", history[0].NewValue)

	_, err = h.engine.AcceptExternalSolution(ctx, admin, ds.ID, sol.ID)
	require.NoError(t, err)
	history, err = h.repo.ListIncidentTypeEvents(ctx, ds.ID, it.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "accepting twice records once")
}

func TestDeleteIncidentType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	cat := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(cat))
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)
	testutil.SeedTrainingDatum(t, h.repo, it, inc, testutil.LogLines(testutil.Epoch, cat))

	require.ErrorIs(t, h.engine.DeleteIncidentType(ctx, analyst, ds.ID, it.ID), models.ErrForbidden)
	require.NoError(t, h.engine.DeleteIncidentType(ctx, admin, ds.ID, it.ID))

	assert.Len(t, h.archiver.archived, 1)
	_, err := h.repo.GetIncidentType(ctx, ds.ID, it.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.repo.GetIncident(ctx, ds.ID, inc.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	data, err := h.repo.ListTrainingData(ctx, ds.ID)
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.ErrorIs(t, h.engine.DeleteIncidentType(ctx, admin, ds.ID, it.ID), models.ErrNotFound)
}

func TestDeleteLogCategory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	c1 := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	c2 := testutil.SeedLogCategory(t, h.repo, ds.ID, "neutron")
	a := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(c1, c2))
	b := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 2, testutil.WithCategories(c1))
	c := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 3, testutil.WithCategories(c2))

	n, err := h.engine.DeleteLogCategory(ctx, admin, ds.ID, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[int64][]int64{a.ID: {c2.ID}, b.ID: {}, c.ID: {c2.ID}} {
		it, err := h.repo.GetIncidentType(ctx, ds.ID, id)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, it.LogCategories)
	}
	_, err = h.repo.GetLogCategory(ctx, ds.ID, c1.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.engine.DeleteLogCategory(ctx, admin, ds.ID, c1.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
