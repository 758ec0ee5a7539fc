package handlers

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/httputil"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// RegisterModelRequest announces a retrained classifier model.
type RegisterModelRequest struct {
	ModelID int64 `json:"model_id"`
}

// StatusView is the connectivity of one environment.
type StatusView struct {
	DatasourceID  int64              `json:"datasource_id"`
	EnvironmentID int64              `json:"environment_id"`
	Health        models.Health      `json:"health"`
	Granularity   models.Granularity `json:"granularity"`
	Buckets       []*models.Bucket   `json:"buckets"`
}

// GetStatus handles GET /api/v1/datasources/{ds}/status
// Query: environment_id (required), granularity (default hour), from and
// to as RFC 3339 (default the last 24 hours).
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	q := r.URL.Query()
	env, ok := queryID(w, q.Get("environment_id"), "environment_id")
	if !ok {
		return
	}
	g := models.GranularityHour
	if raw := q.Get("granularity"); raw != "" {
		if g, ok = models.ParseGranularity(raw); !ok {
			httputil.WriteJSONAPIValidationError(w, "granularity must be minute, hour or day")
			return
		}
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteJSONAPIValidationError(w, "from must be RFC 3339")
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteJSONAPIValidationError(w, "to must be RFC 3339")
			return
		}
		to = t
	}

	ctx := r.Context()
	buckets, err := h.status.GetStatus(ctx, ds, env, g, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	health, err := h.status.Health(ctx, ds, env)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []*models.Bucket{}
	}
	respond(w, http.StatusOK, StatusView{
		DatasourceID:  ds,
		EnvironmentID: env,
		Health:        health,
		Granularity:   g,
		Buckets:       buckets,
	})
}

// GetMapping handles GET /api/v1/datasources/{ds}/mapping
func (h *Handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	busy, err := h.mapper.InProgress(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"datasource_id": ds, "in_progress": busy})
}

// RunMapping handles POST /api/v1/datasources/{ds}/mapping
func (h *Handler) RunMapping(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	if err := auth.Require(r.Context(), h.authz, a, auth.CapMappingRun, ds); err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.mapper.Run(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

// RegisterModel handles POST /api/v1/datasources/{ds}/models
func (h *Handler) RegisterModel(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	if err := auth.Require(r.Context(), h.authz, a, auth.CapMappingRun, ds); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req RegisterModelRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.mapper.RegisterModel(r.Context(), ds, req.ModelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, m)
}
