// Package auth decides whether an actor may perform a state-changing
// operation, and authenticates HTTP callers from bearer tokens.
package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Capability names an operation class.
type Capability string

const (
	CapIncidentUpdate     Capability = "incident:update"      // non-closing transitions, incident merge
	CapIncidentClose      Capability = "incident:close"       // transitions into a closing state, restore
	CapIncidentTypeUpdate Capability = "incident_type:update" // label, severity, solution, refinement
	CapIncidentTypeMerge  Capability = "incident_type:merge"
	CapCatalogDelete      Capability = "catalog:delete" // incident types and log categories
	CapRulesWrite         Capability = "rules:write"
	CapMappingRun         Capability = "mapping:run"
)

// RoleSystem is held by scheduler and pipeline callers.
const RoleSystem = "system"

// Actor is the caller of an operation. An empty Datasources list means
// every datasource.
type Actor struct {
	ID          string
	Roles       []string
	Datasources []int64
}

// SystemActor is used for scheduler triggers and classified batches.
var SystemActor = Actor{ID: "system", Roles: []string{RoleSystem}}

// Authorizer answers capability checks.
type Authorizer interface {
	ValidateCapability(ctx context.Context, actor Actor, capability Capability, datasourceID int64) bool
}

// Policy maps roles to capabilities.
type Policy struct {
	roles map[string]map[Capability]struct{}
}

// DefaultRoles is used when no role mapping is configured.
var DefaultRoles = map[string][]string{
	"admin": {
		string(CapIncidentUpdate), string(CapIncidentClose), string(CapIncidentTypeUpdate),
		string(CapIncidentTypeMerge), string(CapCatalogDelete), string(CapRulesWrite), string(CapMappingRun),
	},
	"analyst": {
		string(CapIncidentUpdate), string(CapIncidentClose), string(CapIncidentTypeUpdate), string(CapIncidentTypeMerge),
	},
	"viewer": {},
}

// NewPolicy builds a Policy from a role to capability-name mapping.
func NewPolicy(roles map[string][]string) *Policy {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	p := &Policy{roles: make(map[string]map[Capability]struct{}, len(roles))}
	for role, caps := range roles {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[Capability(c)] = struct{}{}
		}
		p.roles[role] = set
	}
	return p
}

// ValidateCapability reports whether actor may use capability on datasourceID.
// The system role holds every capability.
func (p *Policy) ValidateCapability(_ context.Context, actor Actor, capability Capability, datasourceID int64) bool {
	if slices.Contains(actor.Roles, RoleSystem) {
		return true
	}
	if len(actor.Datasources) > 0 && !slices.Contains(actor.Datasources, datasourceID) {
		return false
	}
	for _, role := range actor.Roles {
		if _, ok := p.roles[role][capability]; ok {
			return true
		}
	}
	return false
}

// Require returns a wrapped models.ErrForbidden when the check fails.
func Require(ctx context.Context, a Authorizer, actor Actor, capability Capability, datasourceID int64) error {
	if a == nil || a.ValidateCapability(ctx, actor, capability, datasourceID) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s on datasource %d", models.ErrForbidden, actor.ID, capability, datasourceID)
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
