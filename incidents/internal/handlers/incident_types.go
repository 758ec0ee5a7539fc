package handlers

import (
	"net/http"
	"strconv"

	"github.com/telhawk-systems/telhawk-incidents/common/httputil"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// MergeIncidentTypeRequest names the child folded into the path type.
type MergeIncidentTypeRequest struct {
	ChildID int64 `json:"child_id"`
}

// ExternalSolutionRequest proposes a solution from an outside source.
type ExternalSolutionRequest struct {
	Source    string `json:"source"`
	Reference string `json:"reference"`
}

// IncidentTypeView is a type with its field history and external solutions.
type IncidentTypeView struct {
	*models.IncidentType
	History   []*models.IncidentTypeEvent `json:"history"`
	Solutions []*models.ExternalSolution  `json:"external_solutions"`
}

func queryID(w http.ResponseWriter, raw, name string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSONAPIValidationError(w, "invalid "+name+": "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// ListIncidentTypes handles GET /api/v1/datasources/{ds}/incident-types
func (h *Handler) ListIncidentTypes(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	types, err := h.repo.ListIncidentTypes(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if types == nil {
		types = []*models.IncidentType{}
	}
	respond(w, http.StatusOK, types)
}

// GetIncidentType handles GET /api/v1/datasources/{ds}/incident-types/{id}
func (h *Handler) GetIncidentType(w http.ResponseWriter, r *http.Request) {
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	it, err := h.repo.GetIncidentType(ctx, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	history, err := h.repo.ListIncidentTypeEvents(ctx, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	solutions, err := h.repo.ListExternalSolutions(ctx, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if solutions == nil {
		solutions = []*models.ExternalSolution{}
	}
	respond(w, http.StatusOK, IncidentTypeView{IncidentType: it, History: history, Solutions: solutions})
}

// UpdateIncidentType handles PATCH /api/v1/datasources/{ds}/incident-types/{id}
func (h *Handler) UpdateIncidentType(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req lifecycle.UpdateIncidentTypeRequest
	if !decode(w, r, &req) {
		return
	}
	it, err := h.engine.UpdateIncidentType(r.Context(), a, ds, id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, it)
}

// DeleteIncidentType handles DELETE /api/v1/datasources/{ds}/incident-types/{id}
func (h *Handler) DeleteIncidentType(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteIncidentType(r.Context(), a, ds, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MergeIncidentTypes handles POST /api/v1/datasources/{ds}/incident-types/{id}/merge
func (h *Handler) MergeIncidentTypes(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req MergeIncidentTypeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.MergeIncidentTypes(r.Context(), a, ds, id, req.ChildID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// RefineIncidentType handles POST /api/v1/datasources/{ds}/incident-types/{id}/refine
func (h *Handler) RefineIncidentType(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req lifecycle.RefineRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.RefineIncidentType(r.Context(), a, ds, id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, res)
}

// AddExternalSolution handles POST /api/v1/datasources/{ds}/incident-types/{id}/solutions
func (h *Handler) AddExternalSolution(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req ExternalSolutionRequest
	if !decode(w, r, &req) {
		return
	}
	sol, err := h.engine.AddExternalSolution(r.Context(), a, ds, id, req.Source, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, sol)
}

// AcceptExternalSolution handles POST /api/v1/datasources/{ds}/solutions/{id}/accept
func (h *Handler) AcceptExternalSolution(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	sol, err := h.engine.AcceptExternalSolution(r.Context(), a, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, sol)
}
