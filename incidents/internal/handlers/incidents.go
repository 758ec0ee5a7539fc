package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// TransitionRequest moves an incident to a new state.
type TransitionRequest struct {
	State   string `json:"state"`
	Comment string `json:"comment,omitempty"`
}

// MergeIncidentRequest names the incident folded into the path incident.
type MergeIncidentRequest struct {
	SourceID int64 `json:"source_id"`
}

// IncidentView is an incident with its state history.
type IncidentView struct {
	*models.Incident
	History []*models.IncidentStateEvent `json:"history"`
}

// GetIncident handles GET /api/v1/datasources/{ds}/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.repo.GetIncident(r.Context(), ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	history, err := h.repo.ListIncidentStateEvents(r.Context(), ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, IncidentView{Incident: inc, History: history})
}

// ListIncidents handles GET /api/v1/datasources/{ds}/incidents
// Optional query: incident_type_id.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	var (
		incidents []*models.Incident
		err       error
	)
	if raw := r.URL.Query().Get("incident_type_id"); raw != "" {
		typeID, ok := queryID(w, raw, "incident_type_id")
		if !ok {
			return
		}
		incidents, err = h.repo.ListIncidentsByType(r.Context(), ds, typeID)
	} else {
		incidents, err = h.repo.ListIncidents(r.Context(), ds)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	respond(w, http.StatusOK, incidents)
}

// TransitionIncident handles POST /api/v1/datasources/{ds}/incidents/{id}/transition
func (h *Handler) TransitionIncident(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	inc, err := h.engine.Transition(r.Context(), a, ds, id, models.State(req.State), req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, inc)
}

// RestoreIncident handles POST /api/v1/datasources/{ds}/incidents/{id}/restore
func (h *Handler) RestoreIncident(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.engine.Restore(r.Context(), a, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, inc)
}

// MergeIncident handles POST /api/v1/datasources/{ds}/incidents/{id}/merge
func (h *Handler) MergeIncident(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req MergeIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.MergeIncidents(r.Context(), a, ds, id, req.SourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// DeleteLogCategory handles DELETE /api/v1/datasources/{ds}/log-categories/{id}
func (h *Handler) DeleteLogCategory(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	detached, err := h.engine.DeleteLogCategory(r.Context(), a, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"detached_incident_types": detached})
}

// ListLogCategories handles GET /api/v1/datasources/{ds}/log-categories
func (h *Handler) ListLogCategories(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	cats, err := h.repo.ListLogCategories(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cats == nil {
		cats = []*models.LogCategory{}
	}
	respond(w, http.StatusOK, cats)
}
