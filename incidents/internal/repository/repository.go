// Package repository persists the incident catalog. Every write that must
// stay consistent with its history rows runs inside WithTx.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// ErrDuplicate is returned when a write would break a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate entity")

// Store holds every entity operation. Lookups by id are scoped to the
// datasource and return an error wrapping models.ErrNotFound when absent.
//
// The ForUpdate variants also lock the rows they return until the
// transaction ends. Every read-modify-write of an incident type or incident
// inside WithTx reads through them; outside a transaction they behave like
// the plain reads.
type Store interface {
	// Datasources
	CreateDatasource(ctx context.Context, d *models.Datasource) error
	GetDatasource(ctx context.Context, id int64) (*models.Datasource, error)
	ListDatasources(ctx context.Context) ([]*models.Datasource, error)

	// Log categories
	EnsureLogCategory(ctx context.Context, c *models.LogCategory) (*models.LogCategory, bool, error)
	GetLogCategory(ctx context.Context, datasourceID, id int64) (*models.LogCategory, error)
	ListLogCategories(ctx context.Context, datasourceID int64) ([]*models.LogCategory, error)
	DeleteLogCategory(ctx context.Context, datasourceID, id int64) error

	// Classifier models
	EnsureModel(ctx context.Context, datasourceID, id int64, current bool) (*models.ClassifierModel, error)
	GetCurrentModel(ctx context.Context, datasourceID int64) (*models.ClassifierModel, error)
	ListModels(ctx context.Context, datasourceID int64) ([]*models.ClassifierModel, error)
	DeleteModel(ctx context.Context, datasourceID, id int64) error

	// Incident types
	CreateIncidentType(ctx context.Context, t *models.IncidentType) error
	GetIncidentType(ctx context.Context, datasourceID, id int64) (*models.IncidentType, error)
	GetIncidentTypeForUpdate(ctx context.Context, datasourceID, id int64) (*models.IncidentType, error)
	FindLiveIncidentType(ctx context.Context, datasourceID, modelID, clusterID int64) (*models.IncidentType, error)
	ListIncidentTypes(ctx context.Context, datasourceID int64) ([]*models.IncidentType, error)
	ListIncidentTypesForUpdate(ctx context.Context, datasourceID int64) ([]*models.IncidentType, error)
	UpdateIncidentType(ctx context.Context, t *models.IncidentType) error
	DeleteIncidentType(ctx context.Context, datasourceID, id int64) error

	AppendIncidentTypeEvent(ctx context.Context, e *models.IncidentTypeEvent) error
	ListIncidentTypeEvents(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.IncidentTypeEvent, error)
	ReassignIncidentTypeEvents(ctx context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error)

	CreateExternalSolution(ctx context.Context, s *models.ExternalSolution) error
	GetExternalSolution(ctx context.Context, datasourceID, id int64) (*models.ExternalSolution, error)
	UpdateExternalSolution(ctx context.Context, s *models.ExternalSolution) error
	ListExternalSolutions(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.ExternalSolution, error)
	ReassignExternalSolutions(ctx context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error)

	CreateIncidentTypeMerge(ctx context.Context, m *models.IncidentTypeMerge) error
	FindMergeBySource(ctx context.Context, datasourceID, sourceID int64) (*models.IncidentTypeMerge, error)

	// Incidents
	CreateIncident(ctx context.Context, i *models.Incident) error
	GetIncident(ctx context.Context, datasourceID, id int64) (*models.Incident, error)
	GetIncidentForUpdate(ctx context.Context, datasourceID, id int64) (*models.Incident, error)
	UpdateIncident(ctx context.Context, i *models.Incident) error
	DeleteIncident(ctx context.Context, datasourceID, id int64) error
	ListIncidents(ctx context.Context, datasourceID int64) ([]*models.Incident, error)
	ListIncidentsForUpdate(ctx context.Context, datasourceID int64) ([]*models.Incident, error)
	ListIncidentsByType(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.Incident, error)

	AppendIncidentStateEvent(ctx context.Context, e *models.IncidentStateEvent) error
	ListIncidentStateEvents(ctx context.Context, datasourceID, incidentID int64) ([]*models.IncidentStateEvent, error)
	ReassignIncidentStateEvents(ctx context.Context, datasourceID, fromIncidentID, toIncidentID int64) (int, error)

	// Training data
	CreateTrainingDatum(ctx context.Context, d *models.TrainingDatum) error
	UpdateTrainingDatum(ctx context.Context, d *models.TrainingDatum) error
	DeleteTrainingDatum(ctx context.Context, datasourceID, id int64) error
	ListTrainingData(ctx context.Context, datasourceID int64) ([]*models.TrainingDatum, error)
	ListTrainingDataByType(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.TrainingDatum, error)
	ListTrainingDataByIncident(ctx context.Context, datasourceID, incidentID int64) ([]*models.TrainingDatum, error)
	DeleteTrainingDataBefore(ctx context.Context, datasourceID int64, before time.Time) (int, error)

	// Rules
	CreateRule(ctx context.Context, r *models.IncidentRule) error
	GetRule(ctx context.Context, datasourceID, id int64) (*models.IncidentRule, error)
	UpdateRule(ctx context.Context, r *models.IncidentRule) error
	DeleteRule(ctx context.Context, datasourceID, id int64) error
	ListRules(ctx context.Context, datasourceID int64) ([]*models.IncidentRule, error)
}

// Repository is a Store that can also run a function atomically.
// The Store handed to fn must be the only one used inside it; on error
// every write made through it is rolled back.
type Repository interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, models.ErrNotFound)
}
