package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/testutil"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.State
		want     bool
	}{
		{models.StateDiscovered, models.StateInvestigating, true},
		{models.StateDiscovered, models.StateResolved, true},
		{models.StateInvestigating, models.StateClosed, true},
		{models.StateInvestigating, models.StateDiscovered, false},
		{models.StateResolved, models.StateDiscovered, true},
		{models.StateClosed, models.StateDiscovered, true},
		{models.StateResolved, models.StateInvestigating, false},
		{models.StateArchived, models.StateDiscovered, false},
		{models.StateArchived, models.StateResolved, false},
		{models.StateDiscovered, models.StateDiscovered, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPolicies(t *testing.T) {
	p := NewPolicies(map[string]Policy{
		"pager": {ClosingStates: []models.State{models.StateClosed}},
	})

	log := p.For("log")
	assert.True(t, log.IsOpen(models.StateInvestigating))
	assert.True(t, log.IsClosing(models.StateResolved))
	assert.False(t, log.Reopens(models.StateResolved))

	assert.True(t, p.For("ticketing").Reopens(models.StateResolved))
	assert.Equal(t, log, p.For("something-else"))

	pager := p.For("pager")
	assert.True(t, pager.IsOpen(models.StateDiscovered), "open states default when omitted")
	assert.False(t, pager.IsClosing(models.StateResolved))
	assert.True(t, pager.IsClosing(models.StateClosed))
}

func TestRequiredCapability(t *testing.T) {
	log := LogPolicy()
	assert.Equal(t, auth.CapIncidentClose, requiredCapability(log, models.StateResolved))
	assert.Equal(t, auth.CapIncidentClose, requiredCapability(log, models.StateArchived))
	assert.Equal(t, auth.CapIncidentUpdate, requiredCapability(log, models.StateInvestigating))
	assert.Equal(t, auth.CapIncidentUpdate, requiredCapability(log, models.StateDiscovered))
}

func TestTransition_Rules(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		actor    auth.Actor
		solution bool
		from     models.State
		to       models.State
		want     error
	}{
		{name: "investigate", actor: analyst, from: models.StateDiscovered, to: models.StateInvestigating},
		{name: "resolve with solution", actor: analyst, solution: true, from: models.StateInvestigating, to: models.StateResolved},
		{name: "resolve without solution", actor: analyst, from: models.StateInvestigating, to: models.StateResolved, want: models.ErrSolutionRequired},
		{name: "close without solution", actor: admin, from: models.StateDiscovered, to: models.StateClosed, want: models.ErrSolutionRequired},
		{name: "viewer cannot investigate", actor: viewer, from: models.StateDiscovered, to: models.StateInvestigating, want: models.ErrForbidden},
		{name: "viewer cannot resolve", actor: viewer, solution: true, from: models.StateDiscovered, to: models.StateResolved, want: models.ErrForbidden},
		{name: "outside state machine", actor: admin, from: models.StateInvestigating, to: models.StateDiscovered, want: models.ErrInvalidTransition},
		{name: "archived is terminal", actor: admin, from: models.StateArchived, to: models.StateDiscovered, want: models.ErrInvalidTransition},
		{name: "reopen", actor: analyst, from: models.StateResolved, to: models.StateDiscovered},
		{name: "unknown state", actor: admin, from: models.StateDiscovered, to: "PAUSED", want: models.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ds := testutil.SeedDatasource(t, h.repo, "log")
			var opts []testutil.IncidentTypeOption
			if tt.solution {
				opts = append(opts, testutil.WithSolution("restart the agent"))
			}
			it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, opts...)
			inc := testutil.SeedIncident(t, h.repo, it, 1, tt.from, 1)

			got, err := h.engine.Transition(ctx, tt.actor, ds.ID, inc.ID, tt.to, "note")
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				stored, getErr := h.repo.GetIncident(ctx, ds.ID, inc.ID)
				require.NoError(t, getErr)
				assert.Equal(t, tt.from, stored.CurrentState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.CurrentState)

			history, err := h.repo.ListIncidentStateEvents(ctx, ds.ID, inc.ID)
			require.NoError(t, err)
			last := history[len(history)-1]
			assert.Equal(t, tt.to, last.State)
			assert.Equal(t, tt.actor.ID, last.Actor)
			assert.Equal(t, "note", last.Comment)
		})
	}
}

func TestTransition_SolutionRequiredIsForbidden(t *testing.T) {
	assert.True(t, errors.Is(models.ErrSolutionRequired, models.ErrForbidden))
}

func TestTransition_AcceptedExternalSolutionAllowsClosing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateInvestigating, 3)

	sol, err := h.engine.AddExternalSolution(ctx, analyst, ds.ID, it.ID, "jira", "OPS-1234")
	require.NoError(t, err)
	_, err = h.engine.Transition(ctx, analyst, ds.ID, inc.ID, models.StateResolved, "")
	require.ErrorIs(t, err, models.ErrSolutionRequired, "proposed but not accepted")

	_, err = h.engine.AcceptExternalSolution(ctx, analyst, ds.ID, sol.ID)
	require.NoError(t, err)
	got, err := h.engine.Transition(ctx, analyst, ds.ID, inc.ID, models.StateResolved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateResolved, got.CurrentState)
}

func TestTransition_ReopenConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithSolution("fix"))
	closed := testutil.SeedIncident(t, h.repo, it, 1, models.StateResolved, 2)
	testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)
	otherEnv := testutil.SeedIncident(t, h.repo, it, 2, models.StateResolved, 1)

	_, err := h.engine.Transition(ctx, admin, ds.ID, closed.ID, models.StateDiscovered, "")
	assert.ErrorIs(t, err, models.ErrForbidden)

	h.events.reset()
	reopened, err := h.engine.Transition(ctx, admin, ds.ID, otherEnv.ID, models.StateDiscovered, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovered, reopened.CurrentState)
	assert.Equal(t, []models.EventKind{models.EventIncidentReopened}, h.events.kinds())
}

func TestTransition_ArchiveMovesTrainingDataToArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	cat := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(cat))
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 2)
	testutil.SeedTrainingDatum(t, h.repo, it, inc, testutil.LogLines(testutil.Epoch, cat))
	testutil.SeedTrainingDatum(t, h.repo, it, inc, testutil.LogLines(testutil.Epoch, cat))

	_, err := h.engine.Transition(ctx, admin, ds.ID, inc.ID, models.StateArchived, "noise")
	require.NoError(t, err)
	assert.Len(t, h.archiver.archived, 2)

	data, err := h.repo.ListTrainingDataByIncident(ctx, ds.ID, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestTransition_ArchiveFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.archiver.archiveFn = func(context.Context, string, []*models.TrainingDatum) error {
		return errors.New("opensearch unavailable")
	}
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	cat := testutil.SeedLogCategory(t, h.repo, ds.ID, "nova")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1, testutil.WithCategories(cat))
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)
	testutil.SeedTrainingDatum(t, h.repo, it, inc, testutil.LogLines(testutil.Epoch, cat))

	_, err := h.engine.Transition(ctx, admin, ds.ID, inc.ID, models.StateArchived, "")
	require.Error(t, err)

	stored, err := h.repo.GetIncident(ctx, ds.ID, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscovered, stored.CurrentState)
	data, err := h.repo.ListTrainingDataByIncident(ctx, ds.ID, inc.ID)
	require.NoError(t, err)
	assert.Len(t, data, 1)
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateInvestigating, 1)

	_, err := h.engine.Restore(ctx, admin, ds.ID, inc.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "only archived incidents restore")

	_, err = h.engine.Transition(ctx, admin, ds.ID, inc.ID, models.StateArchived, "")
	require.NoError(t, err)

	_, err = h.engine.Restore(ctx, viewer, ds.ID, inc.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	restored, err := h.engine.Restore(ctx, admin, ds.ID, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInvestigating, restored.CurrentState)
}

func TestRestore_ConflictWithOpenIncident(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := testutil.SeedDatasource(t, h.repo, "log")
	it := testutil.SeedIncidentType(t, h.repo, ds.ID, 1, 1)
	inc := testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)
	_, err := h.engine.Transition(ctx, admin, ds.ID, inc.ID, models.StateArchived, "")
	require.NoError(t, err)
	testutil.SeedIncident(t, h.repo, it, 1, models.StateDiscovered, 1)

	_, err = h.engine.Restore(ctx, admin, ds.ID, inc.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
}
