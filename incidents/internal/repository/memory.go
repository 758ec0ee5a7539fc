package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

type modelKey struct {
	datasourceID int64
	id           int64
}

// memState is copied on every transaction. Stored values are never mutated
// in place, so a shallow map copy is a full snapshot.
type memState struct {
	nextID      int64
	datasources map[int64]*models.Datasource
	categories  map[int64]*models.LogCategory
	models      map[modelKey]*models.ClassifierModel
	types       map[int64]*models.IncidentType
	typeEvents  map[int64]*models.IncidentTypeEvent
	solutions   map[int64]*models.ExternalSolution
	merges      map[int64]*models.IncidentTypeMerge
	incidents   map[int64]*models.Incident
	stateEvents map[int64]*models.IncidentStateEvent
	training    map[int64]*models.TrainingDatum
	rules       map[int64]*models.IncidentRule
}

func newMemState() *memState {
	return &memState{
		datasources: make(map[int64]*models.Datasource),
		categories:  make(map[int64]*models.LogCategory),
		models:      make(map[modelKey]*models.ClassifierModel),
		types:       make(map[int64]*models.IncidentType),
		typeEvents:  make(map[int64]*models.IncidentTypeEvent),
		solutions:   make(map[int64]*models.ExternalSolution),
		merges:      make(map[int64]*models.IncidentTypeMerge),
		incidents:   make(map[int64]*models.Incident),
		stateEvents: make(map[int64]*models.IncidentStateEvent),
		training:    make(map[int64]*models.TrainingDatum),
		rules:       make(map[int64]*models.IncidentRule),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:      s.nextID,
		datasources: maps.Clone(s.datasources),
		categories:  maps.Clone(s.categories),
		models:      maps.Clone(s.models),
		types:       maps.Clone(s.types),
		typeEvents:  maps.Clone(s.typeEvents),
		solutions:   maps.Clone(s.solutions),
		merges:      maps.Clone(s.merges),
		incidents:   maps.Clone(s.incidents),
		stateEvents: maps.Clone(s.stateEvents),
		training:    maps.Clone(s.training),
		rules:       maps.Clone(s.rules),
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemoryRepository is an in-process Repository. Transactions run under a
// single mutex against a private snapshot that replaces the live state on
// commit.
type MemoryRepository struct {
	*memStore

	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{state: newMemState(), now: time.Now}
	r.memStore = &memStore{
		acquire: func() func() {
			r.mu.Lock()
			return r.mu.Unlock
		},
		current: func() *memState { return r.state },
		now:     func() time.Time { return r.now() },
	}
	return r
}

// WithTx runs fn against a snapshot and publishes it only if fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	tx := &memStore{
		acquire: func() func() { return func() {} },
		current: func() *memState { return work },
		now:     r.memStore.now,
	}
	if err := fn(tx); err != nil {
		return err
	}
	r.state = work
	return nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error { return nil }

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

type memStore struct {
	acquire func() func()
	current func() *memState
	now     func() time.Time
}

func sortedByID[T any](m map[int64]*T, keep func(*T) bool, clone func(*T) *T) []*T {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m[id]))
	}
	return out
}

func copyOf[T any](v *T) *T {
	c := *v
	return &c
}

// Datasources

func (s *memStore) CreateDatasource(_ context.Context, d *models.Datasource) error {
	defer s.acquire()()
	st := s.current()
	if d.ID == 0 {
		d.ID = st.id()
	} else if _, ok := st.datasources[d.ID]; ok {
		return fmt.Errorf("datasource %d: %w", d.ID, ErrDuplicate)
	} else if d.ID > st.nextID {
		st.nextID = d.ID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	st.datasources[d.ID] = copyOf(d)
	return nil
}

func (s *memStore) GetDatasource(_ context.Context, id int64) (*models.Datasource, error) {
	defer s.acquire()()
	d, ok := s.current().datasources[id]
	if !ok {
		return nil, notFound("datasource", id)
	}
	return copyOf(d), nil
}

func (s *memStore) ListDatasources(context.Context) ([]*models.Datasource, error) {
	defer s.acquire()()
	return sortedByID(s.current().datasources, func(*models.Datasource) bool { return true }, copyOf[models.Datasource]), nil
}

// Log categories

func (s *memStore) EnsureLogCategory(_ context.Context, c *models.LogCategory) (*models.LogCategory, bool, error) {
	defer s.acquire()()
	st := s.current()
	for _, existing := range st.categories {
		if existing.DatasourceID == c.DatasourceID && existing.Signature == c.Signature {
			return copyOf(existing), false, nil
		}
	}
	created := copyOf(c)
	created.ID = st.id()
	created.CreatedAt = s.now()
	st.categories[created.ID] = created
	return copyOf(created), true, nil
}

func (s *memStore) GetLogCategory(_ context.Context, datasourceID, id int64) (*models.LogCategory, error) {
	defer s.acquire()()
	c, ok := s.current().categories[id]
	if !ok || c.DatasourceID != datasourceID {
		return nil, notFound("log category", id)
	}
	return copyOf(c), nil
}

func (s *memStore) ListLogCategories(_ context.Context, datasourceID int64) ([]*models.LogCategory, error) {
	defer s.acquire()()
	return sortedByID(s.current().categories, func(c *models.LogCategory) bool { return c.DatasourceID == datasourceID }, copyOf[models.LogCategory]), nil
}

func (s *memStore) DeleteLogCategory(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	st := s.current()
	c, ok := st.categories[id]
	if !ok || c.DatasourceID != datasourceID {
		return notFound("log category", id)
	}
	delete(st.categories, id)
	return nil
}

// Classifier models

func (s *memStore) EnsureModel(_ context.Context, datasourceID, id int64, current bool) (*models.ClassifierModel, error) {
	defer s.acquire()()
	st := s.current()
	key := modelKey{datasourceID, id}
	m, ok := st.models[key]
	if !ok {
		m = &models.ClassifierModel{ID: id, DatasourceID: datasourceID, CreatedAt: s.now()}
	} else {
		m = copyOf(m)
	}
	if current && !m.Current {
		for k, other := range st.models {
			if k.datasourceID == datasourceID && other.Current {
				demoted := copyOf(other)
				demoted.Current = false
				st.models[k] = demoted
			}
		}
		m.Current = true
	}
	st.models[key] = m
	return copyOf(m), nil
}

func (s *memStore) GetCurrentModel(_ context.Context, datasourceID int64) (*models.ClassifierModel, error) {
	defer s.acquire()()
	for k, m := range s.current().models {
		if k.datasourceID == datasourceID && m.Current {
			return copyOf(m), nil
		}
	}
	return nil, fmt.Errorf("current model of datasource %d: %w", datasourceID, models.ErrNotFound)
}

func (s *memStore) ListModels(_ context.Context, datasourceID int64) ([]*models.ClassifierModel, error) {
	defer s.acquire()()
	var out []*models.ClassifierModel
	for k, m := range s.current().models {
		if k.datasourceID == datasourceID {
			out = append(out, copyOf(m))
		}
	}
	slices.SortFunc(out, func(a, b *models.ClassifierModel) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *memStore) DeleteModel(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	key := modelKey{datasourceID, id}
	if _, ok := s.current().models[key]; !ok {
		return notFound("classifier model", id)
	}
	delete(s.current().models, key)
	return nil
}

// Incident types

func (s *memStore) liveConflict(st *memState, t *models.IncidentType) bool {
	for _, other := range st.types {
		if other.ID != t.ID && other.DatasourceID == t.DatasourceID &&
			other.ModelID == t.ModelID && other.ClusterID == t.ClusterID {
			return true
		}
	}
	return false
}

func (s *memStore) CreateIncidentType(_ context.Context, t *models.IncidentType) error {
	defer s.acquire()()
	st := s.current()
	if s.liveConflict(st, t) {
		return fmt.Errorf("incident type for model %d cluster %d: %w", t.ModelID, t.ClusterID, ErrDuplicate)
	}
	t.ID = st.id()
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	st.types[t.ID] = t.Clone()
	return nil
}

func (s *memStore) GetIncidentType(_ context.Context, datasourceID, id int64) (*models.IncidentType, error) {
	defer s.acquire()()
	t, ok := s.current().types[id]
	if !ok || t.DatasourceID != datasourceID {
		return nil, notFound("incident type", id)
	}
	return t.Clone(), nil
}

// GetIncidentTypeForUpdate needs no row lock: transactions are serialized.
func (s *memStore) GetIncidentTypeForUpdate(ctx context.Context, datasourceID, id int64) (*models.IncidentType, error) {
	return s.GetIncidentType(ctx, datasourceID, id)
}

func (s *memStore) FindLiveIncidentType(_ context.Context, datasourceID, modelID, clusterID int64) (*models.IncidentType, error) {
	defer s.acquire()()
	for _, t := range s.current().types {
		if t.DatasourceID == datasourceID && t.ModelID == modelID && t.ClusterID == clusterID {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("incident type for model %d cluster %d: %w", modelID, clusterID, models.ErrNotFound)
}

func (s *memStore) ListIncidentTypes(_ context.Context, datasourceID int64) ([]*models.IncidentType, error) {
	defer s.acquire()()
	return sortedByID(s.current().types, func(t *models.IncidentType) bool { return t.DatasourceID == datasourceID }, (*models.IncidentType).Clone), nil
}

func (s *memStore) ListIncidentTypesForUpdate(ctx context.Context, datasourceID int64) ([]*models.IncidentType, error) {
	return s.ListIncidentTypes(ctx, datasourceID)
}

func (s *memStore) UpdateIncidentType(_ context.Context, t *models.IncidentType) error {
	defer s.acquire()()
	st := s.current()
	existing, ok := st.types[t.ID]
	if !ok || existing.DatasourceID != t.DatasourceID {
		return notFound("incident type", t.ID)
	}
	if s.liveConflict(st, t) {
		return fmt.Errorf("incident type for model %d cluster %d: %w", t.ModelID, t.ClusterID, ErrDuplicate)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now()
	st.types[t.ID] = t.Clone()
	return nil
}

func (s *memStore) DeleteIncidentType(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	st := s.current()
	t, ok := st.types[id]
	if !ok || t.DatasourceID != datasourceID {
		return notFound("incident type", id)
	}
	delete(st.types, id)
	for eid, e := range st.typeEvents {
		if e.IncidentTypeID == id {
			delete(st.typeEvents, eid)
		}
	}
	for sid, sol := range st.solutions {
		if sol.IncidentTypeID == id {
			delete(st.solutions, sid)
		}
	}
	return nil
}

func (s *memStore) AppendIncidentTypeEvent(_ context.Context, e *models.IncidentTypeEvent) error {
	defer s.acquire()()
	st := s.current()
	e.ID = st.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	st.typeEvents[e.ID] = copyOf(e)
	return nil
}

func (s *memStore) ListIncidentTypeEvents(_ context.Context, datasourceID, incidentTypeID int64) ([]*models.IncidentTypeEvent, error) {
	defer s.acquire()()
	return sortedByID(s.current().typeEvents, func(e *models.IncidentTypeEvent) bool {
		return e.DatasourceID == datasourceID && e.IncidentTypeID == incidentTypeID
	}, copyOf[models.IncidentTypeEvent]), nil
}

func (s *memStore) ReassignIncidentTypeEvents(_ context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error) {
	defer s.acquire()()
	st := s.current()
	n := 0
	for id, e := range st.typeEvents {
		if e.DatasourceID == datasourceID && e.IncidentTypeID == fromTypeID {
			moved := copyOf(e)
			moved.IncidentTypeID = toTypeID
			st.typeEvents[id] = moved
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateExternalSolution(_ context.Context, sol *models.ExternalSolution) error {
	defer s.acquire()()
	st := s.current()
	sol.ID = st.id()
	sol.CreatedAt = s.now()
	st.solutions[sol.ID] = copyOf(sol)
	return nil
}

func (s *memStore) GetExternalSolution(_ context.Context, datasourceID, id int64) (*models.ExternalSolution, error) {
	defer s.acquire()()
	sol, ok := s.current().solutions[id]
	if !ok || sol.DatasourceID != datasourceID {
		return nil, notFound("external solution", id)
	}
	return copyOf(sol), nil
}

func (s *memStore) UpdateExternalSolution(_ context.Context, sol *models.ExternalSolution) error {
	defer s.acquire()()
	st := s.current()
	existing, ok := st.solutions[sol.ID]
	if !ok || existing.DatasourceID != sol.DatasourceID {
		return notFound("external solution", sol.ID)
	}
	st.solutions[sol.ID] = copyOf(sol)
	return nil
}

func (s *memStore) ListExternalSolutions(_ context.Context, datasourceID, incidentTypeID int64) ([]*models.ExternalSolution, error) {
	defer s.acquire()()
	return sortedByID(s.current().solutions, func(sol *models.ExternalSolution) bool {
		return sol.DatasourceID == datasourceID && sol.IncidentTypeID == incidentTypeID
	}, copyOf[models.ExternalSolution]), nil
}

func (s *memStore) ReassignExternalSolutions(_ context.Context, datasourceID, fromTypeID, toTypeID int64) (int, error) {
	defer s.acquire()()
	st := s.current()
	n := 0
	for id, sol := range st.solutions {
		if sol.DatasourceID == datasourceID && sol.IncidentTypeID == fromTypeID {
			moved := copyOf(sol)
			moved.IncidentTypeID = toTypeID
			st.solutions[id] = moved
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateIncidentTypeMerge(_ context.Context, m *models.IncidentTypeMerge) error {
	defer s.acquire()()
	st := s.current()
	m.ID = st.id()
	m.CreatedAt = s.now()
	st.merges[m.ID] = copyOf(m)
	return nil
}

func (s *memStore) FindMergeBySource(_ context.Context, datasourceID, sourceID int64) (*models.IncidentTypeMerge, error) {
	defer s.acquire()()
	var found *models.IncidentTypeMerge
	for _, m := range s.current().merges {
		if m.DatasourceID == datasourceID && m.SourceID == sourceID && (found == nil || m.ID > found.ID) {
			found = m
		}
	}
	if found == nil {
		return nil, fmt.Errorf("merge of incident type %d: %w", sourceID, models.ErrNotFound)
	}
	return copyOf(found), nil
}

// Incidents

func (s *memStore) CreateIncident(_ context.Context, i *models.Incident) error {
	defer s.acquire()()
	st := s.current()
	i.ID = st.id()
	i.CreatedAt = s.now()
	i.UpdatedAt = i.CreatedAt
	st.incidents[i.ID] = i.Clone()
	return nil
}

func (s *memStore) GetIncident(_ context.Context, datasourceID, id int64) (*models.Incident, error) {
	defer s.acquire()()
	i, ok := s.current().incidents[id]
	if !ok || i.DatasourceID != datasourceID {
		return nil, notFound("incident", id)
	}
	return i.Clone(), nil
}

func (s *memStore) GetIncidentForUpdate(ctx context.Context, datasourceID, id int64) (*models.Incident, error) {
	return s.GetIncident(ctx, datasourceID, id)
}

func (s *memStore) UpdateIncident(_ context.Context, i *models.Incident) error {
	defer s.acquire()()
	st := s.current()
	existing, ok := st.incidents[i.ID]
	if !ok || existing.DatasourceID != i.DatasourceID {
		return notFound("incident", i.ID)
	}
	i.CreatedAt = existing.CreatedAt
	i.UpdatedAt = s.now()
	st.incidents[i.ID] = i.Clone()
	return nil
}

func (s *memStore) DeleteIncident(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	st := s.current()
	i, ok := st.incidents[id]
	if !ok || i.DatasourceID != datasourceID {
		return notFound("incident", id)
	}
	delete(st.incidents, id)
	for eid, e := range st.stateEvents {
		if e.IncidentID == id {
			delete(st.stateEvents, eid)
		}
	}
	return nil
}

func (s *memStore) ListIncidents(_ context.Context, datasourceID int64) ([]*models.Incident, error) {
	defer s.acquire()()
	return sortedByID(s.current().incidents, func(i *models.Incident) bool { return i.DatasourceID == datasourceID }, (*models.Incident).Clone), nil
}

func (s *memStore) ListIncidentsForUpdate(ctx context.Context, datasourceID int64) ([]*models.Incident, error) {
	return s.ListIncidents(ctx, datasourceID)
}

func (s *memStore) ListIncidentsByType(_ context.Context, datasourceID, incidentTypeID int64) ([]*models.Incident, error) {
	defer s.acquire()()
	return sortedByID(s.current().incidents, func(i *models.Incident) bool {
		return i.DatasourceID == datasourceID && i.IncidentTypeID == incidentTypeID
	}, (*models.Incident).Clone), nil
}

func (s *memStore) AppendIncidentStateEvent(_ context.Context, e *models.IncidentStateEvent) error {
	defer s.acquire()()
	st := s.current()
	e.ID = st.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	st.stateEvents[e.ID] = copyOf(e)
	return nil
}

func (s *memStore) ListIncidentStateEvents(_ context.Context, datasourceID, incidentID int64) ([]*models.IncidentStateEvent, error) {
	defer s.acquire()()
	return sortedByID(s.current().stateEvents, func(e *models.IncidentStateEvent) bool {
		return e.DatasourceID == datasourceID && e.IncidentID == incidentID
	}, copyOf[models.IncidentStateEvent]), nil
}

func (s *memStore) ReassignIncidentStateEvents(_ context.Context, datasourceID, fromIncidentID, toIncidentID int64) (int, error) {
	defer s.acquire()()
	st := s.current()
	n := 0
	for id, e := range st.stateEvents {
		if e.DatasourceID == datasourceID && e.IncidentID == fromIncidentID {
			moved := copyOf(e)
			moved.IncidentID = toIncidentID
			st.stateEvents[id] = moved
			n++
		}
	}
	return n, nil
}

// Training data

func (s *memStore) CreateTrainingDatum(_ context.Context, d *models.TrainingDatum) error {
	defer s.acquire()()
	st := s.current()
	d.ID = st.id()
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = s.now()
	}
	st.training[d.ID] = d.Clone()
	return nil
}

func (s *memStore) UpdateTrainingDatum(_ context.Context, d *models.TrainingDatum) error {
	defer s.acquire()()
	st := s.current()
	existing, ok := st.training[d.ID]
	if !ok || existing.DatasourceID != d.DatasourceID {
		return notFound("training datum", d.ID)
	}
	st.training[d.ID] = d.Clone()
	return nil
}

func (s *memStore) DeleteTrainingDatum(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	st := s.current()
	d, ok := st.training[id]
	if !ok || d.DatasourceID != datasourceID {
		return notFound("training datum", id)
	}
	delete(st.training, id)
	return nil
}

func (s *memStore) listTraining(keep func(*models.TrainingDatum) bool) []*models.TrainingDatum {
	defer s.acquire()()
	return sortedByID(s.current().training, keep, (*models.TrainingDatum).Clone)
}

func (s *memStore) ListTrainingData(_ context.Context, datasourceID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(func(d *models.TrainingDatum) bool { return d.DatasourceID == datasourceID }), nil
}

func (s *memStore) ListTrainingDataByType(_ context.Context, datasourceID, incidentTypeID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(func(d *models.TrainingDatum) bool {
		return d.DatasourceID == datasourceID && d.IncidentTypeID == incidentTypeID
	}), nil
}

func (s *memStore) ListTrainingDataByIncident(_ context.Context, datasourceID, incidentID int64) ([]*models.TrainingDatum, error) {
	return s.listTraining(func(d *models.TrainingDatum) bool {
		return d.DatasourceID == datasourceID && d.IncidentID == incidentID
	}), nil
}

func (s *memStore) DeleteTrainingDataBefore(_ context.Context, datasourceID int64, before time.Time) (int, error) {
	defer s.acquire()()
	st := s.current()
	n := 0
	for id, d := range st.training {
		if d.DatasourceID == datasourceID && d.ReceivedAt.Before(before) {
			delete(st.training, id)
			n++
		}
	}
	return n, nil
}

// Rules

func (s *memStore) CreateRule(_ context.Context, r *models.IncidentRule) error {
	defer s.acquire()()
	st := s.current()
	r.ID = st.id()
	r.CreatedAt = s.now()
	st.rules[r.ID] = r.Clone()
	return nil
}

func (s *memStore) GetRule(_ context.Context, datasourceID, id int64) (*models.IncidentRule, error) {
	defer s.acquire()()
	r, ok := s.current().rules[id]
	if !ok || r.DatasourceID != datasourceID {
		return nil, notFound("rule", id)
	}
	return r.Clone(), nil
}

func (s *memStore) UpdateRule(_ context.Context, r *models.IncidentRule) error {
	defer s.acquire()()
	st := s.current()
	existing, ok := st.rules[r.ID]
	if !ok || existing.DatasourceID != r.DatasourceID {
		return notFound("rule", r.ID)
	}
	r.CreatedAt = existing.CreatedAt
	st.rules[r.ID] = r.Clone()
	return nil
}

func (s *memStore) DeleteRule(_ context.Context, datasourceID, id int64) error {
	defer s.acquire()()
	st := s.current()
	r, ok := st.rules[id]
	if !ok || r.DatasourceID != datasourceID {
		return notFound("rule", id)
	}
	delete(st.rules, id)
	return nil
}

func (s *memStore) ListRules(_ context.Context, datasourceID int64) ([]*models.IncidentRule, error) {
	defer s.acquire()()
	return sortedByID(s.current().rules, func(r *models.IncidentRule) bool { return r.DatasourceID == datasourceID }, (*models.IncidentRule).Clone), nil
}
