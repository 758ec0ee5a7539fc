// Package server assembles the HTTP routes of the incidents service.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-incidents/common/middleware"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/handlers"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
)

// Options configures the router.
type Options struct {
	// Validator authenticates /api/v1 requests. Required.
	Validator *auth.TokenValidator

	// CORSOrigins enables CORS for the operator UI when not empty.
	CORSOrigins []string
}

const api = "/api/v1/datasources/{ds}"

// NewRouter constructs a ServeMux with the incidents API routes registered.
func NewRouter(h *handlers.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()
	authn := auth.Middleware(opts.Validator)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authn(fn))
	}

	// Health and metrics are unauthenticated
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Connectivity status and mapping
	route("GET "+api+"/status", h.GetStatus)
	route("GET "+api+"/mapping", h.GetMapping)
	route("POST "+api+"/mapping", h.RunMapping)
	route("POST "+api+"/models", h.RegisterModel)

	// Rules
	route("GET "+api+"/rules", h.ListRules)
	route("POST "+api+"/rules", h.CreateRule)
	route("GET "+api+"/rules/relations", h.InterRelationSet)
	route("POST "+api+"/rules/relations", h.ExtractRelation)
	route("POST "+api+"/rules/enable", h.EnableUserRules)
	route("POST "+api+"/rules/disable", h.DisableUserRules)
	route("GET "+api+"/rules/{id}", h.GetRule)
	route("PUT "+api+"/rules/{id}", h.UpdateRule)
	route("DELETE "+api+"/rules/{id}", h.DeleteRule)
	route("POST "+api+"/rules/{id}/evaluate", h.EvaluateRule)

	// Incidents
	route("GET "+api+"/incidents", h.ListIncidents)
	route("GET "+api+"/incidents/{id}", h.GetIncident)
	route("POST "+api+"/incidents/{id}/transition", h.TransitionIncident)
	route("POST "+api+"/incidents/{id}/restore", h.RestoreIncident)
	route("POST "+api+"/incidents/{id}/merge", h.MergeIncident)

	// Incident type catalog
	route("GET "+api+"/incident-types", h.ListIncidentTypes)
	route("GET "+api+"/incident-types/{id}", h.GetIncidentType)
	route("PATCH "+api+"/incident-types/{id}", h.UpdateIncidentType)
	route("DELETE "+api+"/incident-types/{id}", h.DeleteIncidentType)
	route("POST "+api+"/incident-types/{id}/merge", h.MergeIncidentTypes)
	route("POST "+api+"/incident-types/{id}/refine", h.RefineIncidentType)
	route("POST "+api+"/incident-types/{id}/solutions", h.AddExternalSolution)
	route("POST "+api+"/solutions/{id}/accept", h.AcceptExternalSolution)
	route("GET "+api+"/log-categories", h.ListLogCategories)
	route("DELETE "+api+"/log-categories/{id}", h.DeleteLogCategory)

	var handler http.Handler = instrument(mux)
	if len(opts.CORSOrigins) > 0 {
		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		})(handler)
	}
	return middleware.RequestID(handler)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request latency labeled by route pattern.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		_, pattern := mux.Handler(r)
		mux.ServeHTTP(rec, r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
