// Package rules evaluates boolean expressions over logger names. Rules form
// a DAG: composite rules reference other rules by id, and a rule that would
// close a cycle is rejected before it is stored.
package rules

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Arena indexes the rules of one datasource by id.
type Arena struct {
	rules map[int64]*models.IncidentRule
}

// NewArena builds an arena from stored rules. Stored rules are trusted:
// Add is the only path that validates.
func NewArena(rules []*models.IncidentRule) *Arena {
	a := &Arena{rules: make(map[int64]*models.IncidentRule, len(rules))}
	for _, r := range rules {
		a.rules[r.ID] = r
	}
	return a
}

// Get returns the rule with id.
func (a *Arena) Get(id int64) (*models.IncidentRule, bool) {
	r, ok := a.rules[id]
	return r, ok
}

// Rules returns every rule ordered by id.
func (a *Arena) Rules() []*models.IncidentRule {
	out := make([]*models.IncidentRule, 0, len(a.rules))
	for _, r := range a.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(x, y *models.IncidentRule) int { return cmp.Compare(x.ID, y.ID) })
	return out
}

// Add validates r and inserts or replaces it. A rule without an id is only
// validated.
func (a *Arena) Add(r *models.IncidentRule) error {
	if err := Validate(r, a.Get); err != nil {
		return err
	}
	if r.Kind == models.RuleKindComposite && r.ID != 0 {
		if r.LeftRuleID == r.ID || r.RightRuleID == r.ID ||
			a.reaches(r.LeftRuleID, r.ID) || a.reaches(r.RightRuleID, r.ID) {
			return fmt.Errorf("%w: rule %d would reference itself", models.ErrInvalidRule, r.ID)
		}
	}
	if r.ID != 0 {
		a.rules[r.ID] = r
	}
	return nil
}

// Remove drops id from the arena. Composites referencing it now dangle.
func (a *Arena) Remove(id int64) {
	delete(a.rules, id)
}

// reaches reports whether target is reachable from id through composite operands.
func (a *Arena) reaches(id, target int64) bool {
	seen := map[int64]bool{}
	stack := []int64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if r, ok := a.rules[cur]; ok && r.Kind == models.RuleKindComposite {
			stack = append(stack, r.LeftRuleID, r.RightRuleID)
		}
	}
	return false
}

// Dependents returns the ids of every rule that references id, directly or
// transitively.
func (a *Arena) Dependents(id int64) []int64 {
	var out []int64
	for _, r := range a.Rules() {
		if r.ID != id && r.Kind == models.RuleKindComposite && a.reaches(r.ID, id) {
			out = append(out, r.ID)
		}
	}
	return out
}

// Evaluate resolves rule id against the observed logger set. A composite
// operand that does not exist yields models.ErrDanglingRuleReference.
func (a *Arena) Evaluate(id int64, loggers []string) (bool, error) {
	r, ok := a.rules[id]
	if !ok {
		return false, fmt.Errorf("rule %d: %w", id, models.ErrNotFound)
	}
	set := make(map[string]struct{}, len(loggers))
	for _, l := range loggers {
		set[l] = struct{}{}
	}
	return a.eval(r, set, map[int64]bool{})
}

func (a *Arena) eval(r *models.IncidentRule, loggers map[string]struct{}, path map[int64]bool) (bool, error) {
	switch r.Kind {
	case models.RuleKindSimple:
		_, present := loggers[r.Operand2]
		switch r.Opcode {
		case models.OpEqual:
			return present, nil
		case models.OpNotEqual:
			return !present, nil
		}
		return false, fmt.Errorf("%w: rule %d has opcode %q", models.ErrInvalidRule, r.ID, r.Opcode)

	case models.RuleKindComposite:
		if path[r.ID] {
			return false, fmt.Errorf("%w: cycle through rule %d", models.ErrInvalidRule, r.ID)
		}
		path[r.ID] = true
		defer delete(path, r.ID)

		left, err := a.operand(r, r.LeftRuleID, loggers, path)
		if err != nil {
			return false, err
		}
		right, err := a.operand(r, r.RightRuleID, loggers, path)
		if err != nil {
			return false, err
		}
		switch r.Opcode {
		case models.OpAnd:
			return left && right, nil
		case models.OpOr:
			return left || right, nil
		case models.OpXor:
			return left != right, nil
		}
		return false, fmt.Errorf("%w: rule %d has opcode %q", models.ErrInvalidRule, r.ID, r.Opcode)
	}
	return false, fmt.Errorf("%w: rule %d has kind %q", models.ErrInvalidRule, r.ID, r.Kind)
}

func (a *Arena) operand(parent *models.IncidentRule, id int64, loggers map[string]struct{}, path map[int64]bool) (bool, error) {
	r, ok := a.rules[id]
	if !ok {
		return false, fmt.Errorf("%w: rule %d references missing rule %d", models.ErrDanglingRuleReference, parent.ID, id)
	}
	return a.eval(r, loggers, path)
}

// Loggers returns the logger names rule id tests, transitively. When an
// operand is missing the error is returned together with the names that
// could still be resolved.
func (a *Arena) Loggers(id int64) ([]string, error) {
	var (
		names    []string
		firstErr error
	)
	seen := map[int64]bool{}
	var walk func(parent, id int64)
	walk = func(parent, id int64) {
		if seen[id] {
			return
		}
		seen[id] = true
		r, ok := a.rules[id]
		if !ok {
			if firstErr != nil {
				return
			}
			if parent == 0 {
				firstErr = fmt.Errorf("rule %d: %w", id, models.ErrNotFound)
			} else {
				firstErr = fmt.Errorf("%w: rule %d references missing rule %d", models.ErrDanglingRuleReference, parent, id)
			}
			return
		}
		if r.Kind == models.RuleKindSimple {
			names = append(names, r.Operand2)
			return
		}
		walk(r.ID, r.LeftRuleID)
		walk(r.ID, r.RightRuleID)
	}
	walk(0, id)
	return models.UnionStrings(names), firstErr
}

// Validate checks r before it is persisted. lookup resolves composite operands.
func Validate(r *models.IncidentRule, lookup func(int64) (*models.IncidentRule, bool)) error {
	switch r.Kind {
	case models.RuleKindSimple:
		if !r.Opcode.IsSimple() {
			return fmt.Errorf("%w: opcode %q is not valid for a simple rule", models.ErrInvalidRule, r.Opcode)
		}
		if !strings.EqualFold(strings.TrimSpace(r.Operand1), models.OperandLogger) {
			return fmt.Errorf("%w: simple rules test %q, got %q", models.ErrInvalidRule, models.OperandLogger, r.Operand1)
		}
		if strings.TrimSpace(r.Operand2) == "" {
			return fmt.Errorf("%w: simple rule needs a logger name", models.ErrInvalidRule)
		}
	case models.RuleKindComposite:
		if !r.Opcode.IsComposite() {
			return fmt.Errorf("%w: opcode %q is not valid for a composite rule", models.ErrInvalidRule, r.Opcode)
		}
		for _, id := range []int64{r.LeftRuleID, r.RightRuleID} {
			op, ok := lookup(id)
			if !ok {
				return fmt.Errorf("%w: operand rule %d does not exist", models.ErrInvalidRule, id)
			}
			if op.DatasourceID != r.DatasourceID {
				return fmt.Errorf("%w: operand rule %d belongs to another datasource", models.ErrInvalidRule, id)
			}
		}
	default:
		return fmt.Errorf("%w: unknown rule kind %q", models.ErrInvalidRule, r.Kind)
	}
	return nil
}

// Normalize canonicalizes a rule definition in place: the kind is inferred
// from the opcode when unset and simple operands are trimmed.
func Normalize(r *models.IncidentRule) {
	r.Name = strings.TrimSpace(r.Name)
	r.Opcode = models.Opcode(strings.TrimSpace(string(r.Opcode)))
	if r.Kind == "" {
		if r.Opcode.IsComposite() {
			r.Kind = models.RuleKindComposite
		} else {
			r.Kind = models.RuleKindSimple
		}
	}
	if r.Kind == models.RuleKindSimple {
		r.Operand1 = strings.ToLower(strings.TrimSpace(r.Operand1))
		r.Operand2 = strings.TrimSpace(r.Operand2)
		r.LeftRuleID, r.RightRuleID = 0, 0
	} else {
		r.Operand1, r.Operand2 = "", ""
	}
}
