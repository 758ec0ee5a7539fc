package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-incidents/common/database"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	*pgStore
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pgStore: &pgStore{q: pool}, pool: pool}, nil
}

// WithTx runs fn inside a database transaction bounded by
// database.DefaultTxTimeout.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	ctx, cancel := database.TxContext(ctx)
	defer cancel()
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgStore{q: tx})
	})
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type pgStore struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func expectRow(tag pgconn.CommandTag, entity string, id int64) error {
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}

// Datasources

func (s *pgStore) CreateDatasource(ctx context.Context, d *models.Datasource) error {
	var err error
	if d.ID != 0 {
		err = s.q.QueryRow(ctx,
			`INSERT INTO datasources (id, name, type) VALUES ($1, $2, $3) RETURNING created_at`,
			d.ID, d.Name, d.Type).Scan(&d.CreatedAt)
	} else {
		err = s.q.QueryRow(ctx,
			`INSERT INTO datasources (name, type) VALUES ($1, $2) RETURNING id, created_at`,
			d.Name, d.Type).Scan(&d.ID, &d.CreatedAt)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("datasource %d: %w", d.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}
	return nil
}

func (s *pgStore) GetDatasource(ctx context.Context, id int64) (*models.Datasource, error) {
	d := &models.Datasource{}
	err := s.q.QueryRow(ctx, `SELECT id, name, type, created_at FROM datasources WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Type, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("datasource", id)
		}
		return nil, fmt.Errorf("failed to get datasource: %w", err)
	}
	return d, nil
}

func (s *pgStore) ListDatasources(ctx context.Context) ([]*models.Datasource, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name, type, created_at FROM datasources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.Datasource, error) {
		d := &models.Datasource{}
		return d, row.Scan(&d.ID, &d.Name, &d.Type, &d.CreatedAt)
	})
}

func collect[T any](rows pgx.Rows, scan func(pgx.CollectableRow) (*T, error)) ([]*T, error) {
	out, err := pgx.CollectRows(rows, scan)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}
	return out, nil
}

// Log categories

const categoryColumns = `id, datasource_id, log_archetype, logger, signature, created_at`

func scanCategory(row pgx.Row) (*models.LogCategory, error) {
	c := &models.LogCategory{}
	return c, row.Scan(&c.ID, &c.DatasourceID, &c.LogArchetype, &c.Logger, &c.Signature, &c.CreatedAt)
}

func (s *pgStore) EnsureLogCategory(ctx context.Context, c *models.LogCategory) (*models.LogCategory, bool, error) {
	created, err := scanCategory(s.q.QueryRow(ctx, `
		INSERT INTO log_categories (datasource_id, log_archetype, logger, signature)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (datasource_id, signature) DO NOTHING
		RETURNING `+categoryColumns,
		c.DatasourceID, c.LogArchetype, c.Logger, c.Signature))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create log category: %w", err)
	}

	existing, err := scanCategory(s.q.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM log_categories WHERE datasource_id = $1 AND signature = $2`,
		c.DatasourceID, c.Signature))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get log category: %w", err)
	}
	return existing, false, nil
}

func (s *pgStore) GetLogCategory(ctx context.Context, datasourceID, id int64) (*models.LogCategory, error) {
	c, err := scanCategory(s.q.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM log_categories WHERE datasource_id = $1 AND id = $2`, datasourceID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("log category", id)
		}
		return nil, fmt.Errorf("failed to get log category: %w", err)
	}
	return c, nil
}

func (s *pgStore) ListLogCategories(ctx context.Context, datasourceID int64) ([]*models.LogCategory, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+categoryColumns+` FROM log_categories WHERE datasource_id = $1 ORDER BY id`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log categories: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.LogCategory, error) { return scanCategory(row) })
}

func (s *pgStore) DeleteLogCategory(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM log_categories WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete log category: %w", err)
	}
	return expectRow(tag, "log category", id)
}

// Classifier models

// EnsureModel upserts a model. Promotions to current lock the datasource
// row first; of two concurrent promotions the later one wins.
func (s *pgStore) EnsureModel(ctx context.Context, datasourceID, id int64, current bool) (*models.ClassifierModel, error) {
	if current {
		var locked int64
		err := s.q.QueryRow(ctx, `SELECT id FROM datasources WHERE id = $1 FOR UPDATE`, datasourceID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, notFound("datasource", datasourceID)
			}
			return nil, fmt.Errorf("failed to lock datasource: %w", err)
		}
		if _, err := s.q.Exec(ctx,
			`UPDATE classifier_models SET current = FALSE WHERE datasource_id = $1 AND current AND id <> $2`,
			datasourceID, id); err != nil {
			return nil, fmt.Errorf("failed to demote current model: %w", err)
		}
	}
	m := &models.ClassifierModel{}
	err := s.q.QueryRow(ctx, `
		INSERT INTO classifier_models (datasource_id, id, current) VALUES ($1, $2, $3)
		ON CONFLICT (datasource_id, id) DO UPDATE SET current = classifier_models.current OR EXCLUDED.current
		RETURNING id, datasource_id, current, created_at`,
		datasourceID, id, current).Scan(&m.ID, &m.DatasourceID, &m.Current, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert classifier model: %w", err)
	}
	return m, nil
}

func (s *pgStore) GetCurrentModel(ctx context.Context, datasourceID int64) (*models.ClassifierModel, error) {
	m := &models.ClassifierModel{}
	err := s.q.QueryRow(ctx, `
		SELECT id, datasource_id, current, created_at FROM classifier_models
		WHERE datasource_id = $1 AND current`, datasourceID).
		Scan(&m.ID, &m.DatasourceID, &m.Current, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("current model of datasource %d: %w", datasourceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get current model: %w", err)
	}
	return m, nil
}

func (s *pgStore) ListModels(ctx context.Context, datasourceID int64) ([]*models.ClassifierModel, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, datasource_id, current, created_at FROM classifier_models
		WHERE datasource_id = $1 ORDER BY id`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.ClassifierModel, error) {
		m := &models.ClassifierModel{}
		return m, row.Scan(&m.ID, &m.DatasourceID, &m.Current, &m.CreatedAt)
	})
}

func (s *pgStore) DeleteModel(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM classifier_models WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	return expectRow(tag, "classifier model", id)
}

// Incident types

const typeColumns = `id, datasource_id, cluster_id, model_id, log_categories, label, severity, refinement,
	refined_from, solution, number_solutions, feature_vector, created_at, updated_at`

func scanType(row pgx.Row) (*models.IncidentType, error) {
	t := &models.IncidentType{}
	return t, row.Scan(&t.ID, &t.DatasourceID, &t.ClusterID, &t.ModelID, &t.LogCategories, &t.Label,
		&t.Severity, &t.Refinement, &t.RefinedFrom, &t.Solution, &t.NumberSolutions, &t.FeatureVector,
		&t.CreatedAt, &t.UpdatedAt)
}

func (s *pgStore) getType(ctx context.Context, where string, args ...any) (*models.IncidentType, error) {
	return scanType(s.q.QueryRow(ctx, `SELECT `+typeColumns+` FROM incident_types WHERE `+where, args...))
}

func (s *pgStore) CreateIncidentType(ctx context.Context, t *models.IncidentType) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incident_types (datasource_id, cluster_id, model_id, log_categories, label, severity,
			refinement, refined_from, solution, number_solutions, feature_vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		t.DatasourceID, t.ClusterID, t.ModelID, nonNil(t.LogCategories), t.Label, t.Severity,
		t.Refinement, t.RefinedFrom, t.Solution, t.NumberSolutions, nonNil(t.FeatureVector),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("incident type for model %d cluster %d: %w", t.ModelID, t.ClusterID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create incident type: %w", err)
	}
	return nil
}

func (s *pgStore) GetIncidentType(ctx context.Context, datasourceID, id int64) (*models.IncidentType, error) {
	t, err := s.getType(ctx, `datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("incident type", id)
		}
		return nil, fmt.Errorf("failed to get incident type: %w", err)
	}
	return t, nil
}

// GetIncidentTypeForUpdate is GetIncidentType with a row lock.
func (s *pgStore) GetIncidentTypeForUpdate(ctx context.Context, datasourceID, id int64) (*models.IncidentType, error) {
	t, err := s.getType(ctx, `datasource_id = $1 AND id = $2 FOR UPDATE`, datasourceID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("incident type", id)
		}
		return nil, fmt.Errorf("failed to lock incident type: %w", err)
	}
	return t, nil
}

func (s *pgStore) FindLiveIncidentType(ctx context.Context, datasourceID, modelID, clusterID int64) (*models.IncidentType, error) {
	t, err := s.getType(ctx, `datasource_id = $1 AND model_id = $2 AND cluster_id = $3`, datasourceID, modelID, clusterID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("incident type for model %d cluster %d: %w", modelID, clusterID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find incident type: %w", err)
	}
	return t, nil
}

func (s *pgStore) ListIncidentTypes(ctx context.Context, datasourceID int64) ([]*models.IncidentType, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+typeColumns+` FROM incident_types WHERE datasource_id = $1 ORDER BY id`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident types: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.IncidentType, error) { return scanType(row) })
}

// ListIncidentTypesForUpdate locks every type of the datasource in id order.
func (s *pgStore) ListIncidentTypesForUpdate(ctx context.Context, datasourceID int64) ([]*models.IncidentType, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+typeColumns+` FROM incident_types WHERE datasource_id = $1 ORDER BY id FOR UPDATE`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock incident types: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.IncidentType, error) { return scanType(row) })
}

func (s *pgStore) UpdateIncidentType(ctx context.Context, t *models.IncidentType) error {
	err := s.q.QueryRow(ctx, `
		UPDATE incident_types SET cluster_id = $3, model_id = $4, log_categories = $5, label = $6,
			severity = $7, refinement = $8, refined_from = $9, solution = $10, number_solutions = $11,
			feature_vector = $12, updated_at = NOW()
		WHERE datasource_id = $1 AND id = $2
		RETURNING created_at, updated_at`,
		t.DatasourceID, t.ID, t.ClusterID, t.ModelID, nonNil(t.LogCategories), t.Label, t.Severity,
		t.Refinement, t.RefinedFrom, t.Solution, t.NumberSolutions, nonNil(t.FeatureVector),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("incident type", t.ID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("incident type for model %d cluster %d: %w", t.ModelID, t.ClusterID, ErrDuplicate)
		}
		return fmt.Errorf("failed to update incident type: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteIncidentType(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM incident_types WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete incident type: %w", err)
	}
	return expectRow(tag, "incident type", id)
}

func (s *pgStore) AppendIncidentTypeEvent(ctx context.Context, e *models.IncidentTypeEvent) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incident_type_events (datasource_id, incident_type_id, field, old_value, new_value, actor)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		e.DatasourceID, e.IncidentTypeID, e.Field, e.OldValue, e.NewValue, e.Actor).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append incident type event: %w", err)
	}
	return nil
}

func (s *pgStore) ListIncidentTypeEvents(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.IncidentTypeEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, datasource_id, incident_type_id, field, old_value, new_value, actor, created_at
		FROM incident_type_events WHERE datasource_id = $1 AND incident_type_id = $2 ORDER BY id`,
		datasourceID, incidentTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident type events: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.IncidentTypeEvent, error) {
		e := &models.IncidentTypeEvent{}
		return e, row.Scan(&e.ID, &e.DatasourceID, &e.IncidentTypeID, &e.Field, &e.OldValue, &e.NewValue, &e.Actor, &e.CreatedAt)
	})
}

func (s *pgStore) reassign(ctx context.Context, table, column string, datasourceID, from, to int64) (int, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE `+table+` SET `+column+` = $3 WHERE datasource_id = $1 AND `+column+` = $2`,
		datasourceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign %s: %w", table, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) ReassignIncidentTypeEvents(ctx context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error) {
	return s.reassign(ctx, "incident_type_events", "incident_type_id", datasourceID, fromTypeID, toTypeID)
}

const solutionColumns = `id, datasource_id, incident_type_id, source, reference, accepted, created_at`

func scanSolution(row pgx.Row) (*models.ExternalSolution, error) {
	sol := &models.ExternalSolution{}
	return sol, row.Scan(&sol.ID, &sol.DatasourceID, &sol.IncidentTypeID, &sol.Source, &sol.Reference, &sol.Accepted, &sol.CreatedAt)
}

func (s *pgStore) CreateExternalSolution(ctx context.Context, sol *models.ExternalSolution) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO external_solutions (datasource_id, incident_type_id, source, reference, accepted)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		sol.DatasourceID, sol.IncidentTypeID, sol.Source, sol.Reference, sol.Accepted).Scan(&sol.ID, &sol.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create external solution: %w", err)
	}
	return nil
}

func (s *pgStore) GetExternalSolution(ctx context.Context, datasourceID, id int64) (*models.ExternalSolution, error) {
	sol, err := scanSolution(s.q.QueryRow(ctx,
		`SELECT `+solutionColumns+` FROM external_solutions WHERE datasource_id = $1 AND id = $2`, datasourceID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("external solution", id)
		}
		return nil, fmt.Errorf("failed to get external solution: %w", err)
	}
	return sol, nil
}

func (s *pgStore) UpdateExternalSolution(ctx context.Context, sol *models.ExternalSolution) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE external_solutions SET incident_type_id = $3, source = $4, reference = $5, accepted = $6
		WHERE datasource_id = $1 AND id = $2`,
		sol.DatasourceID, sol.ID, sol.IncidentTypeID, sol.Source, sol.Reference, sol.Accepted)
	if err != nil {
		return fmt.Errorf("failed to update external solution: %w", err)
	}
	return expectRow(tag, "external solution", sol.ID)
}

func (s *pgStore) ListExternalSolutions(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.ExternalSolution, error) {
	rows, err := s.q.Query(ctx, `SELECT `+solutionColumns+` FROM external_solutions
		WHERE datasource_id = $1 AND incident_type_id = $2 ORDER BY id`, datasourceID, incidentTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list external solutions: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.ExternalSolution, error) { return scanSolution(row) })
}

func (s *pgStore) ReassignExternalSolutions(ctx context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error) {
	return s.reassign(ctx, "external_solutions", "incident_type_id", datasourceID, fromTypeID, toTypeID)
}

func (s *pgStore) CreateIncidentTypeMerge(ctx context.Context, m *models.IncidentTypeMerge) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incident_type_merges (datasource_id, source_id, target_id, merged_by, reason)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		m.DatasourceID, m.SourceID, m.TargetID, m.MergedBy, m.Reason).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record merge: %w", err)
	}
	return nil
}

func (s *pgStore) FindMergeBySource(ctx context.Context, datasourceID, sourceID int64) (*models.IncidentTypeMerge, error) {
	m := &models.IncidentTypeMerge{}
	err := s.q.QueryRow(ctx, `
		SELECT id, datasource_id, source_id, target_id, merged_by, reason, created_at
		FROM incident_type_merges WHERE datasource_id = $1 AND source_id = $2
		ORDER BY id DESC LIMIT 1`, datasourceID, sourceID).
		Scan(&m.ID, &m.DatasourceID, &m.SourceID, &m.TargetID, &m.MergedBy, &m.Reason, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("merge of incident type %d: %w", sourceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find merge: %w", err)
	}
	return m, nil
}

// Incidents

const incidentColumns = `id, datasource_id, incident_type_id, environment_id, current_state, occurrences,
	first_occurrence, last_occurrence, hosts, loggers, created_at, updated_at`

func scanIncident(row pgx.Row) (*models.Incident, error) {
	i := &models.Incident{}
	var state string
	err := row.Scan(&i.ID, &i.DatasourceID, &i.IncidentTypeID, &i.EnvironmentID, &state, &i.Occurrences,
		&i.FirstOccurrence, &i.LastOccurrence, &i.Hosts, &i.Loggers, &i.CreatedAt, &i.UpdatedAt)
	i.CurrentState = models.State(state)
	return i, err
}

func (s *pgStore) CreateIncident(ctx context.Context, i *models.Incident) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incidents (datasource_id, incident_type_id, environment_id, current_state, occurrences,
			first_occurrence, last_occurrence, hosts, loggers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		i.DatasourceID, i.IncidentTypeID, i.EnvironmentID, string(i.CurrentState), i.Occurrences,
		i.FirstOccurrence, i.LastOccurrence, nonNil(i.Hosts), nonNil(i.Loggers),
	).Scan(&i.ID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *pgStore) GetIncident(ctx context.Context, datasourceID, id int64) (*models.Incident, error) {
	i, err := scanIncident(s.q.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE datasource_id = $1 AND id = $2`, datasourceID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("incident", id)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return i, nil
}

// GetIncidentForUpdate is GetIncident with a row lock.
func (s *pgStore) GetIncidentForUpdate(ctx context.Context, datasourceID, id int64) (*models.Incident, error) {
	i, err := scanIncident(s.q.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE datasource_id = $1 AND id = $2 FOR UPDATE`, datasourceID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("incident", id)
		}
		return nil, fmt.Errorf("failed to lock incident: %w", err)
	}
	return i, nil
}

func (s *pgStore) UpdateIncident(ctx context.Context, i *models.Incident) error {
	err := s.q.QueryRow(ctx, `
		UPDATE incidents SET incident_type_id = $3, environment_id = $4, current_state = $5, occurrences = $6,
			first_occurrence = $7, last_occurrence = $8, hosts = $9, loggers = $10, updated_at = NOW()
		WHERE datasource_id = $1 AND id = $2
		RETURNING created_at, updated_at`,
		i.DatasourceID, i.ID, i.IncidentTypeID, i.EnvironmentID, string(i.CurrentState), i.Occurrences,
		i.FirstOccurrence, i.LastOccurrence, nonNil(i.Hosts), nonNil(i.Loggers),
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("incident", i.ID)
		}
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteIncident(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM incidents WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}
	return expectRow(tag, "incident", id)
}

func (s *pgStore) listIncidents(ctx context.Context, where string, args ...any) ([]*models.Incident, error) {
	rows, err := s.q.Query(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.Incident, error) { return scanIncident(row) })
}

func (s *pgStore) ListIncidents(ctx context.Context, datasourceID int64) ([]*models.Incident, error) {
	return s.listIncidents(ctx, `datasource_id = $1`, datasourceID)
}

// ListIncidentsForUpdate locks every incident of the datasource in id order.
func (s *pgStore) ListIncidentsForUpdate(ctx context.Context, datasourceID int64) ([]*models.Incident, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE datasource_id = $1 ORDER BY id FOR UPDATE`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock incidents: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.Incident, error) { return scanIncident(row) })
}

func (s *pgStore) ListIncidentsByType(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.Incident, error) {
	return s.listIncidents(ctx, `datasource_id = $1 AND incident_type_id = $2`, datasourceID, incidentTypeID)
}

func (s *pgStore) AppendIncidentStateEvent(ctx context.Context, e *models.IncidentStateEvent) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incident_state_events (datasource_id, incident_id, state, actor, comment)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		e.DatasourceID, e.IncidentID, string(e.State), e.Actor, e.Comment).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append incident state event: %w", err)
	}
	return nil
}

func (s *pgStore) ListIncidentStateEvents(ctx context.Context, datasourceID, incidentID int64) ([]*models.IncidentStateEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, datasource_id, incident_id, state, actor, comment, created_at
		FROM incident_state_events WHERE datasource_id = $1 AND incident_id = $2 ORDER BY id`,
		datasourceID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident state events: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.IncidentStateEvent, error) {
		e := &models.IncidentStateEvent{}
		var state string
		err := row.Scan(&e.ID, &e.DatasourceID, &e.IncidentID, &state, &e.Actor, &e.Comment, &e.CreatedAt)
		e.State = models.State(state)
		return e, err
	})
}

func (s *pgStore) ReassignIncidentStateEvents(ctx context.Context, datasourceID, fromIncidentID, toIncidentID int64) (int, error) {
	return s.reassign(ctx, "incident_state_events", "incident_id", datasourceID, fromIncidentID, toIncidentID)
}

// Training data

const trainingColumns = `id, datasource_id, incident_type_id, incident_id, lines, label, severity, received_at`

func scanTraining(row pgx.Row) (*models.TrainingDatum, error) {
	d := &models.TrainingDatum{}
	return d, row.Scan(&d.ID, &d.DatasourceID, &d.IncidentTypeID, &d.IncidentID, &d.Lines, &d.Label, &d.Severity, &d.ReceivedAt)
}

func (s *pgStore) CreateTrainingDatum(ctx context.Context, d *models.TrainingDatum) error {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO training_data (datasource_id, incident_type_id, incident_id, lines, label, severity, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.DatasourceID, d.IncidentTypeID, d.IncidentID, nonNil(d.Lines), d.Label, d.Severity, d.ReceivedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to create training datum: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateTrainingDatum(ctx context.Context, d *models.TrainingDatum) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE training_data SET incident_type_id = $3, incident_id = $4, lines = $5, label = $6, severity = $7
		WHERE datasource_id = $1 AND id = $2`,
		d.DatasourceID, d.ID, d.IncidentTypeID, d.IncidentID, nonNil(d.Lines), d.Label, d.Severity)
	if err != nil {
		return fmt.Errorf("failed to update training datum: %w", err)
	}
	return expectRow(tag, "training datum", d.ID)
}

func (s *pgStore) DeleteTrainingDatum(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM training_data WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete training datum: %w", err)
	}
	return expectRow(tag, "training datum", id)
}

func (s *pgStore) listTraining(ctx context.Context, where string, args ...any) ([]*models.TrainingDatum, error) {
	rows, err := s.q.Query(ctx, `SELECT `+trainingColumns+` FROM training_data WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list training data: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.TrainingDatum, error) { return scanTraining(row) })
}

func (s *pgStore) ListTrainingData(ctx context.Context, datasourceID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(ctx, `datasource_id = $1`, datasourceID)
}

func (s *pgStore) ListTrainingDataByType(ctx context.Context, datasourceID, incidentTypeID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(ctx, `datasource_id = $1 AND incident_type_id = $2`, datasourceID, incidentTypeID)
}

func (s *pgStore) ListTrainingDataByIncident(ctx context.Context, datasourceID, incidentID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(ctx, `datasource_id = $1 AND incident_id = $2`, datasourceID, incidentID)
}

func (s *pgStore) DeleteTrainingDataBefore(ctx context.Context, datasourceID int64, before time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM training_data WHERE datasource_id = $1 AND received_at < $2`, datasourceID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete training data: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Rules

const ruleColumns = `id, datasource_id, name, kind, operand_1, opcode, operand_2,
	COALESCE(left_rule_id, 0), COALESCE(right_rule_id, 0), active, automatic, created_by, created_at`

func scanRule(row pgx.Row) (*models.IncidentRule, error) {
	r := &models.IncidentRule{}
	var kind, opcode string
	err := row.Scan(&r.ID, &r.DatasourceID, &r.Name, &kind, &r.Operand1, &opcode, &r.Operand2,
		&r.LeftRuleID, &r.RightRuleID, &r.Active, &r.Automatic, &r.CreatedBy, &r.CreatedAt)
	r.Kind = models.RuleKind(kind)
	r.Opcode = models.Opcode(opcode)
	return r, err
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (s *pgStore) CreateRule(ctx context.Context, r *models.IncidentRule) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO incident_rules (datasource_id, name, kind, operand_1, opcode, operand_2,
			left_rule_id, right_rule_id, active, automatic, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id, created_at`,
		r.DatasourceID, r.Name, string(r.Kind), r.Operand1, string(r.Opcode), r.Operand2,
		optionalID(r.LeftRuleID), optionalID(r.RightRuleID), r.Active, r.Automatic, r.CreatedBy,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *pgStore) GetRule(ctx context.Context, datasourceID, id int64) (*models.IncidentRule, error) {
	r, err := scanRule(s.q.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM incident_rules WHERE datasource_id = $1 AND id = $2`, datasourceID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("rule", id)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

func (s *pgStore) UpdateRule(ctx context.Context, r *models.IncidentRule) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE incident_rules SET name = $3, kind = $4, operand_1 = $5, opcode = $6, operand_2 = $7,
			left_rule_id = $8, right_rule_id = $9, active = $10, automatic = $11
		WHERE datasource_id = $1 AND id = $2`,
		r.DatasourceID, r.ID, r.Name, string(r.Kind), r.Operand1, string(r.Opcode), r.Operand2,
		optionalID(r.LeftRuleID), optionalID(r.RightRuleID), r.Active, r.Automatic)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return expectRow(tag, "rule", r.ID)
}

func (s *pgStore) DeleteRule(ctx context.Context, datasourceID, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM incident_rules WHERE datasource_id = $1 AND id = $2`, datasourceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectRow(tag, "rule", id)
}

func (s *pgStore) ListRules(ctx context.Context, datasourceID int64) ([]*models.IncidentRule, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+ruleColumns+` FROM incident_rules WHERE datasource_id = $1 ORDER BY id`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return collect(rows, func(row pgx.CollectableRow) (*models.IncidentRule, error) { return scanRule(row) })
}
