package rules

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// ExtractRelation stores the rule "any logger of a co-occurs with any logger
// of b" as (a1 | a2 | ...) & (b1 | b2 | ...). Identical existing rules are
// reused; new ones are marked automatic.
func (s *Service) ExtractRelation(ctx context.Context, actor auth.Actor, datasourceID int64, a, b []string) (*models.IncidentRule, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return nil, err
	}
	left, right := cleanLoggers(a), cleanLoggers(b)
	if len(left) == 0 || len(right) == 0 {
		return nil, fmt.Errorf("%w: both logger sets must be non-empty", models.ErrInvalidInput)
	}

	var root *models.IncidentRule
	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		existing, err := tx.ListRules(ctx, datasourceID)
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}
		rb := &relationBuilder{ctx: ctx, tx: tx, datasourceID: datasourceID, actor: actor.ID, byShape: map[string]*models.IncidentRule{}}
		for _, r := range existing {
			if _, ok := rb.byShape[shape(r)]; !ok {
				rb.byShape[shape(r)] = r
			}
		}

		l, err := rb.chain(left)
		if err != nil {
			return err
		}
		r, err := rb.chain(right)
		if err != nil {
			return err
		}
		root, err = rb.composite(models.OpAnd, l.ID, r.ID)
		if err != nil {
			return err
		}
		if !root.Active {
			root = root.Clone()
			root.Active = true
			return tx.UpdateRule(ctx, root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "relation extracted", logging.DatasourceID(datasourceID), logging.RuleID(root.ID),
		slog.Any("left", left), slog.Any("right", right))
	return root, nil
}

type relationBuilder struct {
	ctx          context.Context
	tx           repository.Store
	datasourceID int64
	actor        string
	byShape      map[string]*models.IncidentRule
}

func shape(r *models.IncidentRule) string {
	if r.Kind == models.RuleKindSimple {
		return fmt.Sprintf("s|%s|%s", r.Opcode, r.Operand2)
	}
	return fmt.Sprintf("c|%s|%d|%d", r.Opcode, r.LeftRuleID, r.RightRuleID)
}

func (b *relationBuilder) chain(loggers []string) (*models.IncidentRule, error) {
	acc, err := b.simple(loggers[0])
	if err != nil {
		return nil, err
	}
	for _, name := range loggers[1:] {
		next, err := b.simple(name)
		if err != nil {
			return nil, err
		}
		if acc, err = b.composite(models.OpOr, acc.ID, next.ID); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (b *relationBuilder) simple(logger string) (*models.IncidentRule, error) {
	return b.ensure(&models.IncidentRule{
		Name:     fmt.Sprintf("%s == %s", models.OperandLogger, logger),
		Kind:     models.RuleKindSimple,
		Operand1: models.OperandLogger,
		Opcode:   models.OpEqual,
		Operand2: logger,
	})
}

func (b *relationBuilder) composite(op models.Opcode, left, right int64) (*models.IncidentRule, error) {
	return b.ensure(&models.IncidentRule{
		Name:        fmt.Sprintf("rule %d %s rule %d", left, op, right),
		Kind:        models.RuleKindComposite,
		Opcode:      op,
		LeftRuleID:  left,
		RightRuleID: right,
	})
}

func (b *relationBuilder) ensure(r *models.IncidentRule) (*models.IncidentRule, error) {
	if existing, ok := b.byShape[shape(r)]; ok {
		return existing, nil
	}
	r.DatasourceID = b.datasourceID
	r.Active = true
	r.Automatic = true
	r.CreatedBy = b.actor
	if err := b.tx.CreateRule(b.ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	b.byShape[shape(r)] = r
	return r, nil
}

func cleanLoggers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		out = append(out, strings.TrimSpace(l))
	}
	return models.UnionStrings(out)
}

// InterRelationSet returns the loggers that co-occur with another logger in
// at least two distinct live incident types.
func (s *Service) InterRelationSet(ctx context.Context, datasourceID int64) ([]string, error) {
	return interRelationSet(ctx, s.repo, datasourceID)
}

func interRelationSet(ctx context.Context, store repository.Store, datasourceID int64) ([]string, error) {
	categories, err := store.ListLogCategories(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log categories: %w", err)
	}
	loggerOf := make(map[int64]string, len(categories))
	for _, c := range categories {
		loggerOf[c.ID] = c.Logger
	}
	types, err := store.ListIncidentTypes(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident types: %w", err)
	}

	type pair struct{ a, b string }
	counts := map[pair]int{}
	for _, t := range types {
		names := make([]string, 0, len(t.LogCategories))
		for _, id := range t.LogCategories {
			names = append(names, loggerOf[id])
		}
		names = models.UnionStrings(names)
		for i := range names {
			for j := i + 1; j < len(names); j++ {
				counts[pair{names[i], names[j]}]++
			}
		}
	}

	var out []string
	for p, n := range counts {
		if n >= 2 {
			out = append(out, p.a, p.b)
		}
	}
	return models.UnionStrings(out), nil
}

// EnableUserRules activates every inactive rule that tests a logger of the
// inter-relation set and returns how many changed.
func (s *Service) EnableUserRules(ctx context.Context, actor auth.Actor, datasourceID int64) (int, error) {
	return s.toggle(ctx, actor, datasourceID, true)
}

// DisableUserRules deactivates every active rule that tests a logger of the
// inter-relation set and returns how many changed.
func (s *Service) DisableUserRules(ctx context.Context, actor auth.Actor, datasourceID int64) (int, error) {
	return s.toggle(ctx, actor, datasourceID, false)
}

func (s *Service) toggle(ctx context.Context, actor auth.Actor, datasourceID int64, active bool) (int, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return 0, err
	}
	changed := 0
	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		changed = 0
		set, err := interRelationSet(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		if len(set) == 0 {
			return nil
		}
		arena, err := loadArena(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		for _, r := range arena.Rules() {
			if r.Active == active {
				continue
			}
			names, err := arena.Loggers(r.ID)
			if err != nil {
				// Dangling rules stay as they are.
				continue
			}
			if !slices.ContainsFunc(names, func(n string) bool { return slices.Contains(set, n) }) {
				continue
			}
			updated := r.Clone()
			updated.Active = active
			if err := tx.UpdateRule(ctx, updated); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "rules toggled", logging.DatasourceID(datasourceID), slog.Bool("active", active), slog.Int("changed", changed))
	return changed, nil
}
