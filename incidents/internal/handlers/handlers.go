// Package handlers exposes the incidents service over HTTP. Handlers decode
// the request, call one domain operation and map its error onto a status.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/telhawk-systems/telhawk-incidents/common/httputil"
	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/mapping"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/rules"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/status"
)

// Mapper runs mapping passes on demand.
type Mapper interface {
	Run(ctx context.Context, datasourceID int64) (*mapping.Summary, error)
	RegisterModel(ctx context.Context, datasourceID, modelID int64) (*models.ClassifierModel, error)
	InProgress(ctx context.Context, datasourceID int64) (bool, error)
}

// Handler serves the incidents HTTP API.
type Handler struct {
	repo    repository.Repository
	engine  *lifecycle.Engine
	rules   *rules.Service
	status  *status.Rollup
	mapper  Mapper
	authz   auth.Authorizer
	bus     messaging.Client
	logger  *slog.Logger
	version string
}

// Options wires a Handler.
type Options struct {
	Repo    repository.Repository
	Engine  *lifecycle.Engine
	Rules   *rules.Service
	Status  *status.Rollup
	Mapper  Mapper
	Authz   auth.Authorizer
	Logger  *slog.Logger
	Version string

	// Bus is optional; when set /healthz reports broker connectivity.
	Bus messaging.Client
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    opts.Repo,
		engine:  opts.Engine,
		rules:   opts.Rules,
		status:  opts.Status,
		mapper:  opts.Mapper,
		authz:   opts.Authz,
		bus:     opts.Bus,
		logger:  logger,
		version: opts.Version,
	}
}

// HealthCheck handles GET /healthz. A lost broker connection degrades the
// service but only a failing database makes it unhealthy.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "health check failed", logging.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "healthy", "version": h.version}
	if h.bus != nil {
		nats := messaging.CheckClientHealth(r.Context(), h.bus)
		body["nats"] = nats
		if !nats.Connected {
			body["status"] = "degraded"
		}
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func respond(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, map[string]any{"data": data})
}

// writeError maps the domain error taxonomy onto HTTP statuses. Order
// matters: the specific forbidden errors wrap ErrForbidden.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		httputil.WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found", err.Error())
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidRule),
		errors.Is(err, models.ErrDanglingRuleReference):
		httputil.WriteJSONAPIValidationError(w, err.Error())
	case errors.Is(err, models.ErrSolutionRequired):
		httputil.WriteJSONAPIError(w, http.StatusForbidden, "solution_required", "Solution Required", err.Error())
	case errors.Is(err, models.ErrMappingInProgress):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "mapping_in_progress", "Mapping In Progress", err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "invalid_transition", "Invalid Transition", err.Error())
	case errors.Is(err, models.ErrConflictingMerge), errors.Is(err, repository.ErrDuplicate):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, models.ErrForbidden):
		httputil.WriteJSONAPIForbiddenError(w, err.Error())
	case errors.Is(err, models.ErrClassifierUnavailable):
		httputil.WriteJSONAPIError(w, http.StatusServiceUnavailable, "classifier_unavailable", "Classifier Unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONAPIError(w, http.StatusServiceUnavailable, "timeout", "Timeout", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "internal error")
	}
}

// actor returns the authenticated caller or writes a 401.
func actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	a, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httputil.WriteJSONAPIUnauthorizedError(w, "authentication required")
	}
	return a, ok
}

// pathID parses a positive integer path value or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSONAPIValidationError(w, "invalid "+name+": "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// ids parses the datasource id and, when name is set, one more path id.
func ids(w http.ResponseWriter, r *http.Request, name string) (ds, id int64, ok bool) {
	if ds, ok = pathID(w, r, "ds"); !ok {
		return 0, 0, false
	}
	if name == "" {
		return ds, 0, true
	}
	id, ok = pathID(w, r, name)
	return ds, id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSON(r, dst); err != nil {
		httputil.WriteJSONAPIValidationError(w, err.Error())
		return false
	}
	return true
}
