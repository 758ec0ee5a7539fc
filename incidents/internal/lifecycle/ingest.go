package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// BatchLine is one classified log line of a batch.
type BatchLine struct {
	LogArchetype string    `json:"log_archetype"`
	Signature    string    `json:"signature"`
	Logger       string    `json:"logger"`
	Host         string    `json:"host"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Batch is a set of log lines the classifier assigned to one cluster.
type Batch struct {
	DatasourceID  int64       `json:"datasource_id"`
	EnvironmentID int64       `json:"environment_id"`
	ModelID       int64       `json:"model_id"`
	ClusterID     int64       `json:"cluster_id"`
	FeatureVector []float64   `json:"feature_vector,omitempty"`
	Lines         []BatchLine `json:"lines"`
	ReceivedAt    time.Time   `json:"received_at"`
}

// IngestResult describes where a batch landed. Lines whose log category
// was refined off the cluster's type land on the refined type; each such
// part is reported in Refined.
type IngestResult struct {
	IncidentType     *models.IncidentType  `json:"incident_type"`
	Incident         *models.Incident      `json:"incident"`
	Datum            *models.TrainingDatum `json:"training_datum"`
	NewIncidentType  bool                  `json:"new_incident_type"`
	NewIncident      bool                  `json:"new_incident"`
	Reopened         bool                  `json:"reopened"`
	NewLogCategories int                   `json:"new_log_categories"`
	Refined          []*IngestResult       `json:"refined,omitempty"`
}

// route is the part of a batch bound for one incident type.
type route struct {
	typeID  int64
	newType bool
	lines   []models.LogLine
}

// errTypeMerged signals that the type was absorbed between the two phases
// of an ingest.
type errTypeMerged struct{ source, target int64 }

func (e errTypeMerged) Error() string {
	return fmt.Sprintf("incident type %d merged into %d", e.source, e.target)
}

// Ingest records a classified batch: it finds or creates the log
// categories, the live incident type of (model, cluster) and the open
// incident of that type in the batch's environment, then stores the batch
// as one training datum.
func (e *Engine) Ingest(ctx context.Context, b Batch) (*IngestResult, error) {
	start := time.Now()
	res, err := e.ingest(ctx, b)
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	for _, part := range append([]*IngestResult{res}, res.Refined...) {
		if part.NewIncidentType {
			metrics.IncidentTypesCreatedTotal.Inc()
		}
		if part.NewIncident {
			metrics.IncidentsCreatedTotal.Inc()
		}
	}
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, b Batch) (*IngestResult, error) {
	if len(b.Lines) == 0 {
		return nil, fmt.Errorf("%w: batch has no lines", models.ErrInvalidInput)
	}
	for i, l := range b.Lines {
		if strings.TrimSpace(l.Signature) == "" {
			return nil, fmt.Errorf("%w: line %d has no signature", models.ErrInvalidInput, i)
		}
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = e.now().UTC()
	}
	policy, err := e.policyFor(ctx, e.repo, b.DatasourceID)
	if err != nil {
		return nil, err
	}

	routes, newCategories, err := e.ensureIncidentType(ctx, b)
	if err != nil {
		return nil, err
	}

	var parts []*IngestResult
	for attempt := 0; ; attempt++ {
		parts, err = e.attachIncidents(ctx, b, policy, routes)
		var merged errTypeMerged
		if errors.As(err, &merged) && attempt < maxMergeHops {
			routes = redirect(routes, merged.source, merged.target)
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	res := parts[0]
	res.NewLogCategories = newCategories
	res.Refined = parts[1:]

	var events []models.LifecycleEvent
	for _, part := range parts {
		if part.Reopened {
			events = append(events, lifecycleEvent(models.EventIncidentReopened, part.IncidentType, part.Incident))
		}
		if part.NewIncidentType {
			events = append(events, lifecycleEvent(models.EventNewIncidentType, part.IncidentType, nil))
		}
		if part.NewIncident {
			events = append(events, lifecycleEvent(models.EventNewIncident, part.IncidentType, part.Incident))
			if part.NewIncidentType {
				events = append(events, lifecycleEvent(models.EventNewIncidentWithIncidentType, part.IncidentType, part.Incident))
			}
		}
	}
	e.publish(ctx, events)

	e.logger.DebugContext(ctx, "batch ingested",
		logging.DatasourceID(b.DatasourceID),
		logging.IncidentTypeID(res.IncidentType.ID),
		logging.IncidentID(res.Incident.ID),
		logging.EnvironmentID(b.EnvironmentID),
		slog.Bool("new_incident", res.NewIncident),
		slog.Bool("new_incident_type", res.NewIncidentType),
		slog.Int("refined_parts", len(res.Refined)))
	return res, nil
}

// ensureIncidentType runs under the (model, cluster) lock. It resolves the
// batch lines to log categories and splits them by destination type: lines
// whose category was refined off the cluster's type go to the refined type
// instead of being folded back into the cluster's type.
func (e *Engine) ensureIncidentType(ctx context.Context, b Batch) ([]route, int, error) {
	unlock, err := e.lock(ctx, "incident_type", locks.IncidentTypeKey(b.DatasourceID, b.ModelID, b.ClusterID))
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	var (
		routes        []route
		newCategories int
	)
	err = e.repo.WithTx(ctx, func(tx repository.Store) error {
		newCategories = 0
		lines := make([]models.LogLine, 0, len(b.Lines))
		fresh := make(map[int64]bool)
		var categoryIDs []int64
		for _, l := range b.Lines {
			c, created, err := tx.EnsureLogCategory(ctx, &models.LogCategory{
				DatasourceID: b.DatasourceID,
				LogArchetype: l.LogArchetype,
				Logger:       l.Logger,
				Signature:    l.Signature,
			})
			if err != nil {
				return fmt.Errorf("failed to ensure log category: %w", err)
			}
			if created {
				newCategories++
				fresh[c.ID] = true
			}
			categoryIDs = append(categoryIDs, c.ID)
			ts := l.Timestamp
			if ts.IsZero() {
				ts = b.ReceivedAt
			}
			lines = append(lines, models.LogLine{
				LogCategoryID: c.ID,
				Logger:        l.Logger,
				Host:          l.Host,
				Message:       l.Message,
				Timestamp:     ts,
			})
		}

		_, err := tx.GetCurrentModel(ctx, b.DatasourceID)
		noCurrent := errors.Is(err, models.ErrNotFound)
		if err != nil && !noCurrent {
			return fmt.Errorf("failed to get current model: %w", err)
		}
		if _, err := tx.EnsureModel(ctx, b.DatasourceID, b.ModelID, noCurrent); err != nil {
			return fmt.Errorf("failed to ensure model %d: %w", b.ModelID, err)
		}

		it, err := lockLiveType(ctx, tx, b.DatasourceID, b.ModelID, b.ClusterID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			it = models.NewIncidentType(b.DatasourceID, b.ModelID, b.ClusterID)
			it.LogCategories = models.UnionIDs(categoryIDs)
			it.FeatureVector = b.FeatureVector
			if err := tx.CreateIncidentType(ctx, it); err != nil {
				return fmt.Errorf("failed to create incident type: %w", err)
			}
			routes = []route{{typeID: it.ID, newType: true, lines: lines}}
			return nil
		case err != nil:
			return fmt.Errorf("failed to find incident type: %w", err)
		}

		owners, err := refinedOwners(ctx, tx, it, categoryIDs, fresh)
		if err != nil {
			return err
		}
		routes = splitLines(it.ID, lines, owners)

		kept := slices.DeleteFunc(slices.Clone(categoryIDs), func(c int64) bool {
			_, refined := owners[c]
			return refined
		})
		merged := models.UnionIDs(it.LogCategories, kept)
		changed := len(merged) != len(it.LogCategories)
		it.LogCategories = merged
		if len(it.FeatureVector) == 0 && len(b.FeatureVector) > 0 {
			it.FeatureVector = b.FeatureVector
			changed = true
		}
		if changed {
			if err := tx.UpdateIncidentType(ctx, it); err != nil {
				return fmt.Errorf("failed to update incident type %d: %w", it.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return routes, newCategories, nil
}

// lockLiveType finds the live type of (model, cluster) and locks its row,
// retrying when the row was re-keyed or deleted while waiting for the lock.
func lockLiveType(ctx context.Context, tx repository.Store, datasourceID, modelID, clusterID int64) (*models.IncidentType, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		it, err := tx.FindLiveIncidentType(ctx, datasourceID, modelID, clusterID)
		if err != nil {
			return nil, err
		}
		locked, err := tx.GetIncidentTypeForUpdate(ctx, datasourceID, it.ID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if locked.ModelID == modelID && locked.ClusterID == clusterID {
			return locked, nil
		}
	}
	return nil, fmt.Errorf("incident type of model %d cluster %d kept changing: %w", modelID, clusterID, errStaleLocks)
}

// refinedOwners maps each batch category that a type refined off it now
// holds to that type. Categories created by this batch have no owner yet.
func refinedOwners(ctx context.Context, tx repository.Store, it *models.IncidentType, categoryIDs []int64, fresh map[int64]bool) (map[int64]int64, error) {
	var foreign []int64
	for _, c := range categoryIDs {
		if !fresh[c] && !it.HasCategory(c) {
			foreign = append(foreign, c)
		}
	}
	if len(foreign) == 0 {
		return nil, nil
	}
	types, err := tx.ListIncidentTypes(ctx, it.DatasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident types: %w", err)
	}
	byID := make(map[int64]*models.IncidentType, len(types))
	for _, t := range types {
		byID[t.ID] = t
	}
	descends := func(t *models.IncidentType) bool {
		for hop := 0; hop < maxMergeHops && t != nil && t.RefinedFrom != nil; hop++ {
			if *t.RefinedFrom == it.ID {
				return true
			}
			t = byID[*t.RefinedFrom]
		}
		return false
	}
	owners := make(map[int64]int64)
	for _, t := range types {
		if t.ID == it.ID || !descends(t) {
			continue
		}
		for _, c := range foreign {
			if t.HasCategory(c) {
				owners[c] = t.ID
			}
		}
	}
	return owners, nil
}

// splitLines groups lines by destination type. The cluster's own type comes
// first, refined types follow in id order.
func splitLines(ownID int64, lines []models.LogLine, owners map[int64]int64) []route {
	byType := make(map[int64][]models.LogLine)
	for _, l := range lines {
		id := ownID
		if owner, ok := owners[l.LogCategoryID]; ok {
			id = owner
		}
		byType[id] = append(byType[id], l)
	}
	var routes []route
	if own, ok := byType[ownID]; ok {
		routes = append(routes, route{typeID: ownID, lines: own})
	}
	for _, id := range slices.Sorted(maps.Keys(byType)) {
		if id != ownID {
			routes = append(routes, route{typeID: id, lines: byType[id]})
		}
	}
	return routes
}

// redirect points the routes of an absorbed type at its survivor and joins
// routes that now share a type.
func redirect(routes []route, source, target int64) []route {
	var out []route
	for _, r := range routes {
		if r.typeID == source {
			r.typeID = target
		}
		i := slices.IndexFunc(out, func(o route) bool { return o.typeID == r.typeID })
		if i < 0 {
			out = append(out, r)
			continue
		}
		out[i].newType = out[i].newType || r.newType
		out[i].lines = append(slices.Clone(out[i].lines), r.lines...)
	}
	return out
}

// attachIncidents stores every route in one transaction while holding the
// (type, environment) lock of each.
func (e *Engine) attachIncidents(ctx context.Context, b Batch, policy Policy, routes []route) ([]*IngestResult, error) {
	keys := make([]string, 0, len(routes))
	for _, r := range routes {
		keys = append(keys, locks.IncidentKey(b.DatasourceID, r.typeID, b.EnvironmentID))
	}
	unlock, err := e.lock(ctx, "incident", keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var parts []*IngestResult
	err = e.repo.WithTx(ctx, func(tx repository.Store) error {
		parts = make([]*IngestResult, 0, len(routes))
		for _, r := range routes {
			part := &IngestResult{NewIncidentType: r.newType}
			if err := attachTx(ctx, tx, b, policy, r, part); err != nil {
				return err
			}
			parts = append(parts, part)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// attachTx finds the open incident of the route's type, reopens a late one
// or creates a new one, and stores the route's lines as one datum.
func attachTx(ctx context.Context, tx repository.Store, b Batch, policy Policy, r route, res *IngestResult) error {
	it, err := tx.GetIncidentType(ctx, b.DatasourceID, r.typeID)
	if errors.Is(err, models.ErrNotFound) {
		m, mErr := tx.FindMergeBySource(ctx, b.DatasourceID, r.typeID)
		if mErr != nil {
			return fmt.Errorf("incident type %d vanished during ingest: %w", r.typeID, err)
		}
		return errTypeMerged{source: r.typeID, target: m.TargetID}
	}
	if err != nil {
		return fmt.Errorf("failed to get incident type %d: %w", r.typeID, err)
	}
	res.IncidentType = it

	incidents, err := tx.ListIncidentsByType(ctx, b.DatasourceID, it.ID)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	var open, latest *models.Incident
	for _, inc := range incidents {
		if inc.EnvironmentID != b.EnvironmentID {
			continue
		}
		if open == nil && policy.IsOpen(inc.CurrentState) {
			open = inc
		}
		latest = inc
	}

	inc := open
	if inc == nil && latest != nil && policy.Reopens(latest.CurrentState) {
		inc = latest
		res.Reopened = true
	}
	if inc != nil {
		// Re-read under the row lock.
		if inc, err = tx.GetIncidentForUpdate(ctx, b.DatasourceID, inc.ID); err != nil {
			return fmt.Errorf("failed to lock incident: %w", err)
		}
		if res.Reopened {
			inc.CurrentState = models.StateDiscovered
		}
	} else {
		inc = &models.Incident{
			DatasourceID:   b.DatasourceID,
			IncidentTypeID: it.ID,
			EnvironmentID:  b.EnvironmentID,
			CurrentState:   models.StateDiscovered,
		}
		res.NewIncident = true
	}

	observeLines(inc, r.lines)

	if res.NewIncident {
		if err := tx.CreateIncident(ctx, inc); err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
	} else if err := tx.UpdateIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to update incident %d: %w", inc.ID, err)
	}
	if res.NewIncident || res.Reopened {
		comment := ""
		if res.Reopened {
			comment = "reopened by late evidence"
		}
		if err := tx.AppendIncidentStateEvent(ctx, stateEvent(inc, auth.SystemActor.ID, comment)); err != nil {
			return fmt.Errorf("failed to append state event: %w", err)
		}
	}

	datum := &models.TrainingDatum{
		DatasourceID:   b.DatasourceID,
		IncidentTypeID: it.ID,
		IncidentID:     inc.ID,
		Lines:          r.lines,
		Label:          it.Label,
		Severity:       it.Severity,
		ReceivedAt:     b.ReceivedAt,
	}
	if err := tx.CreateTrainingDatum(ctx, datum); err != nil {
		return fmt.Errorf("failed to store training datum: %w", err)
	}
	res.Incident = inc
	res.Datum = datum
	return nil
}
