// Package testutil builds typed fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// Epoch is a fixed reference time for deterministic timestamps.
var Epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// SeedDatasource stores a datasource of the given policy type.
func SeedDatasource(t testing.TB, store repository.Store, typ string) *models.Datasource {
	t.Helper()
	d := &models.Datasource{Name: gofakeit.AppName(), Type: typ}
	require.NoError(t, store.CreateDatasource(context.Background(), d))
	return d
}

// SeedLogCategory stores a log category emitted by logger.
func SeedLogCategory(t testing.TB, store repository.Store, datasourceID int64, logger string) *models.LogCategory {
	t.Helper()
	c, _, err := store.EnsureLogCategory(context.Background(), &models.LogCategory{
		DatasourceID: datasourceID,
		LogArchetype: gofakeit.HackerPhrase(),
		Logger:       logger,
		Signature:    gofakeit.UUID(),
	})
	require.NoError(t, err)
	return c
}

// IncidentTypeOption customizes SeedIncidentType.
type IncidentTypeOption func(*models.IncidentType)

// WithLabel sets the label.
func WithLabel(label string) IncidentTypeOption {
	return func(t *models.IncidentType) { t.Label = label }
}

// WithSeverity sets the severity.
func WithSeverity(severity string) IncidentTypeOption {
	return func(t *models.IncidentType) { t.Severity = severity }
}

// WithSolution records a solution on the type.
func WithSolution(text string) IncidentTypeOption {
	return func(t *models.IncidentType) {
		t.Solution = text
		t.NumberSolutions = 1
	}
}

// WithCategories sets the log categories.
func WithCategories(cats ...*models.LogCategory) IncidentTypeOption {
	return func(t *models.IncidentType) {
		for _, c := range cats {
			t.LogCategories = append(t.LogCategories, c.ID)
		}
		t.LogCategories = models.UnionIDs(t.LogCategories)
	}
}

// WithFeatureVector sets the representative feature vector.
func WithFeatureVector(v ...float64) IncidentTypeOption {
	return func(t *models.IncidentType) { t.FeatureVector = v }
}

// SeedIncidentType stores a live type for (modelID, clusterID).
func SeedIncidentType(t testing.TB, store repository.Store, datasourceID, modelID, clusterID int64, opts ...IncidentTypeOption) *models.IncidentType {
	t.Helper()
	it := models.NewIncidentType(datasourceID, modelID, clusterID)
	for _, opt := range opts {
		opt(it)
	}
	require.NoError(t, store.CreateIncidentType(context.Background(), it))
	return it
}

// SeedIncident stores an incident of type it in environment env.
func SeedIncident(t testing.TB, store repository.Store, it *models.IncidentType, env int64, state models.State, occurrences int64) *models.Incident {
	t.Helper()
	inc := &models.Incident{
		DatasourceID:    it.DatasourceID,
		IncidentTypeID:  it.ID,
		EnvironmentID:   env,
		CurrentState:    state,
		Occurrences:     occurrences,
		FirstOccurrence: Epoch,
		LastOccurrence:  Epoch.Add(time.Duration(occurrences) * time.Minute),
		Hosts:           []string{gofakeit.DomainName()},
	}
	ctx := context.Background()
	require.NoError(t, store.CreateIncident(ctx, inc))
	require.NoError(t, store.AppendIncidentStateEvent(ctx, &models.IncidentStateEvent{
		DatasourceID: it.DatasourceID,
		IncidentID:   inc.ID,
		State:        state,
		Actor:        "testutil",
	}))
	return inc
}

// LogLines returns one line per category, timestamped from ts onwards.
func LogLines(ts time.Time, cats ...*models.LogCategory) []models.LogLine {
	lines := make([]models.LogLine, 0, len(cats))
	for i, c := range cats {
		lines = append(lines, models.LogLine{
			LogCategoryID: c.ID,
			Logger:        c.Logger,
			Host:          fmt.Sprintf("node-%d.%s", i%3, "example.internal"),
			Message:       gofakeit.HackerPhrase(),
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
		})
	}
	return lines
}

// SeedTrainingDatum stores a datum for incident inc carrying lines.
func SeedTrainingDatum(t testing.TB, store repository.Store, it *models.IncidentType, inc *models.Incident, lines []models.LogLine) *models.TrainingDatum {
	t.Helper()
	d := &models.TrainingDatum{
		DatasourceID:   it.DatasourceID,
		IncidentTypeID: it.ID,
		IncidentID:     inc.ID,
		Lines:          lines,
		Label:          it.Label,
		Severity:       it.Severity,
		ReceivedAt:     Epoch,
	}
	require.NoError(t, store.CreateTrainingDatum(context.Background(), d))
	return d
}

// Actor returns a fresh operator id.
func Actor() string {
	return gofakeit.Username()
}
