package lifecycle

import (
	"slices"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Policy classifies states for one datasource type.
type Policy struct {
	// OpenStates accept new evidence. At most one incident per type and
	// environment may be in one of them.
	OpenStates []models.State `mapstructure:"open_states"`

	// ClosingStates require a solution on the incident type.
	ClosingStates []models.State `mapstructure:"closing_states"`

	// ReopenStates tolerate late evidence: a batch arriving while the latest
	// incident is in one of them reopens it instead of creating a new one.
	ReopenStates []models.State `mapstructure:"reopen_states"`
}

// LogPolicy is used for log monitoring datasources and any unknown type.
func LogPolicy() Policy {
	return Policy{
		OpenStates:    []models.State{models.StateDiscovered, models.StateInvestigating},
		ClosingStates: []models.State{models.StateResolved, models.StateClosed},
	}
}

// TicketingPolicy reopens resolved tickets when the problem comes back.
func TicketingPolicy() Policy {
	p := LogPolicy()
	p.ReopenStates = []models.State{models.StateResolved}
	return p
}

// IsOpen reports whether s accepts evidence.
func (p Policy) IsOpen(s models.State) bool { return slices.Contains(p.OpenStates, s) }

// IsClosing reports whether entering s requires a solution.
func (p Policy) IsClosing(s models.State) bool { return slices.Contains(p.ClosingStates, s) }

// Reopens reports whether an incident in s takes late evidence.
func (p Policy) Reopens(s models.State) bool { return slices.Contains(p.ReopenStates, s) }

// Policies resolves the policy of a datasource type.
type Policies struct {
	byType   map[string]Policy
	fallback Policy
}

// NewPolicies returns the built-in policies overlaid with overrides.
func NewPolicies(overrides map[string]Policy) *Policies {
	p := &Policies{
		byType: map[string]Policy{
			"log":       LogPolicy(),
			"ticketing": TicketingPolicy(),
		},
		fallback: LogPolicy(),
	}
	for typ, policy := range overrides {
		if len(policy.OpenStates) == 0 {
			policy.OpenStates = LogPolicy().OpenStates
		}
		p.byType[typ] = policy
	}
	return p
}

// For returns the policy of datasource type typ.
func (p *Policies) For(typ string) Policy {
	if policy, ok := p.byType[typ]; ok {
		return policy
	}
	return p.fallback
}

// transitions is the state machine. ARCHIVED leaves only through Restore.
var transitions = map[models.State][]models.State{
	models.StateDiscovered:    {models.StateInvestigating, models.StateResolved, models.StateArchived, models.StateClosed},
	models.StateInvestigating: {models.StateResolved, models.StateArchived, models.StateClosed},
	models.StateResolved:      {models.StateDiscovered, models.StateArchived},
	models.StateClosed:        {models.StateDiscovered, models.StateArchived},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to models.State) bool {
	return slices.Contains(transitions[from], to)
}
