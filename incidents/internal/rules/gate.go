package rules

import (
	"log/slog"
	"slices"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Gate decides whether two logger sets may be folded into one incident type.
//
// A rule is relevant to a fold when it is active, is not an operand of
// another active rule, and tests at least one logger of each side. With no
// relevant rule the fold is allowed; otherwise every relevant rule must hold
// on the union of both sides. Rules that fail to evaluate forbid the fold.
// A root with a missing operand forbids only folds touching a logger it
// still names; one naming no logger at all forbids nothing.
type Gate struct {
	arena   *Arena
	roots   []int64
	loggers map[int64][]string
	broken  map[int64]error
	logger  *slog.Logger
}

// NewGate prepares the active rules of a datasource.
func NewGate(rules []*models.IncidentRule, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		arena:   NewArena(rules),
		loggers: make(map[int64][]string),
		broken:  make(map[int64]error),
		logger:  logger,
	}

	operands := map[int64]bool{}
	for _, r := range rules {
		if r.Active && r.Kind == models.RuleKindComposite {
			operands[r.LeftRuleID] = true
			operands[r.RightRuleID] = true
		}
	}
	for _, r := range g.arena.Rules() {
		if !r.Active || operands[r.ID] {
			continue
		}
		g.roots = append(g.roots, r.ID)
		names, err := g.arena.Loggers(r.ID)
		if err != nil {
			g.broken[r.ID] = err
			logger.Warn("rule cannot be resolved", slog.Int64("rule_id", r.ID), slog.String("error", err.Error()))
		}
		g.loggers[r.ID] = names
	}
	return g
}

// Allows reports whether loggers a and b may be treated as one signal.
func (g *Gate) Allows(a, b []string) bool {
	union := models.UnionStrings(a, b)
	for _, id := range g.roots {
		names := g.loggers[id]
		if err, ok := g.broken[id]; ok {
			if intersects(names, union) {
				g.logger.Warn("unresolved rule touches fold, forbidding it", slog.Int64("rule_id", id), slog.String("error", err.Error()))
				return false
			}
			continue
		}
		if !intersects(names, a) || !intersects(names, b) {
			continue
		}
		ok, err := g.arena.Evaluate(id, union)
		if err != nil {
			g.logger.Warn("rule evaluation failed, forbidding fold", slog.Int64("rule_id", id), slog.String("error", err.Error()))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
