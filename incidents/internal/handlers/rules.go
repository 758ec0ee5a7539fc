package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/rules"
)

// EvaluateRequest is a logger set to test a rule against.
type EvaluateRequest struct {
	Loggers []string `json:"loggers"`
}

// RelationRequest names the logger sets of two types that must stay apart.
type RelationRequest struct {
	A []string `json:"a"`
	B []string `json:"b"`
}

// ListRules handles GET /api/v1/datasources/{ds}/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	list, err := h.rules.ListRules(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.IncidentRule{}
	}
	respond(w, http.StatusOK, list)
}

// CreateRule handles POST /api/v1/datasources/{ds}/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	var req rules.RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.rules.CreateRule(r.Context(), a, ds, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, rule)
}

// GetRule handles GET /api/v1/datasources/{ds}/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.rules.GetRule(r.Context(), ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/v1/datasources/{ds}/rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req rules.RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.rules.UpdateRule(r.Context(), a, ds, id, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/v1/datasources/{ds}/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	deactivated, err := h.rules.DeleteRule(r.Context(), a, ds, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if deactivated == nil {
		deactivated = []int64{}
	}
	respond(w, http.StatusOK, map[string][]int64{"deactivated_rules": deactivated})
}

// EvaluateRule handles POST /api/v1/datasources/{ds}/rules/{id}/evaluate
func (h *Handler) EvaluateRule(w http.ResponseWriter, r *http.Request) {
	ds, id, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.rules.Evaluate(r.Context(), ds, id, req.Loggers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"result": result})
}

// ExtractRelation handles POST /api/v1/datasources/{ds}/rules/relations
func (h *Handler) ExtractRelation(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	var req RelationRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.rules.ExtractRelation(r.Context(), a, ds, req.A, req.B)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, rule)
}

// InterRelationSet handles GET /api/v1/datasources/{ds}/rules/relations
func (h *Handler) InterRelationSet(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	loggers, err := h.rules.InterRelationSet(r.Context(), ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if loggers == nil {
		loggers = []string{}
	}
	respond(w, http.StatusOK, map[string][]string{"loggers": loggers})
}

// EnableUserRules handles POST /api/v1/datasources/{ds}/rules/enable
func (h *Handler) EnableUserRules(w http.ResponseWriter, r *http.Request) {
	h.toggleUserRules(w, r, true)
}

// DisableUserRules handles POST /api/v1/datasources/{ds}/rules/disable
func (h *Handler) DisableUserRules(w http.ResponseWriter, r *http.Request) {
	h.toggleUserRules(w, r, false)
}

func (h *Handler) toggleUserRules(w http.ResponseWriter, r *http.Request, enable bool) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	ds, _, ok := ids(w, r, "")
	if !ok {
		return
	}
	toggle := h.rules.DisableUserRules
	if enable {
		toggle = h.rules.EnableUserRules
	}
	n, err := toggle(r.Context(), a, ds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"changed": n})
}
