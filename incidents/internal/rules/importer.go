package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// RuleFile is the YAML root of an operator rule set.
//
//	rules:
//	  - name: nova
//	    logger: openstack.nova
//	  - name: not-neutron
//	    logger: openstack.neutron
//	    opcode: "!="
//	  - name: nova-without-neutron
//	    left: nova
//	    opcode: "&"
//	    right: not-neutron
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule of a RuleFile. Composite operands reference rules by
// name, either earlier in the file or already stored.
type RuleSpec struct {
	Name   string `yaml:"name"`
	Logger string `yaml:"logger,omitempty"`
	Opcode string `yaml:"opcode,omitempty"`
	Left   string `yaml:"left,omitempty"`
	Right  string `yaml:"right,omitempty"`
	Active *bool  `yaml:"active,omitempty"`
}

func (s RuleSpec) composite() bool { return s.Left != "" || s.Right != "" }

// ImportSummary counts what an import changed.
type ImportSummary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// LoadRuleFile parses and structurally checks a rule set.
func LoadRuleFile(r io.Reader) (*RuleFile, error) {
	var file RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: failed to parse rule file: %v", models.ErrInvalidRule, err)
	}

	seen := map[string]bool{}
	for i, spec := range file.Rules {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: rule #%d has no name", models.ErrInvalidRule, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: rule %q defined twice", models.ErrInvalidRule, name)
		}
		seen[name] = true
		if spec.composite() == (spec.Logger != "") {
			return nil, fmt.Errorf("%w: rule %q needs either a logger or left/right operands", models.ErrInvalidRule, name)
		}
		if spec.composite() && (spec.Left == "" || spec.Right == "") {
			return nil, fmt.Errorf("%w: rule %q needs both operands", models.ErrInvalidRule, name)
		}
	}
	return &file, nil
}

// ImportFile loads a rule set from path and imports it.
func (s *Service) ImportFile(ctx context.Context, actor auth.Actor, datasourceID int64, path string) (*ImportSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	file, err := LoadRuleFile(f)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, actor, datasourceID, file)
}

// Import upserts every rule of file by name in one transaction. Any invalid
// rule aborts the whole import.
func (s *Service) Import(ctx context.Context, actor auth.Actor, datasourceID int64, file *RuleFile) (*ImportSummary, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return nil, err
	}

	var summary ImportSummary
	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		summary = ImportSummary{}
		arena, err := loadArena(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		byName := map[string]*models.IncidentRule{}
		for _, r := range arena.Rules() {
			if _, ok := byName[r.Name]; !ok {
				byName[r.Name] = r
			}
		}

		for _, spec := range file.Rules {
			rule, err := specToRule(spec, byName)
			if err != nil {
				return err
			}
			rule.DatasourceID = datasourceID

			existing, ok := byName[rule.Name]
			if !ok {
				rule.CreatedBy = actor.ID
				if err := arena.Add(rule); err != nil {
					return err
				}
				if err := tx.CreateRule(ctx, rule); err != nil {
					return fmt.Errorf("failed to create rule %q: %w", rule.Name, err)
				}
				if err := arena.Add(rule); err != nil {
					return err
				}
				byName[rule.Name] = rule
				summary.Created++
				continue
			}

			if spec.Active == nil {
				rule.Active = existing.Active
			}
			if sameDefinition(existing, rule) {
				summary.Unchanged++
				continue
			}
			rule.ID = existing.ID
			rule.CreatedBy = existing.CreatedBy
			if err := arena.Add(rule); err != nil {
				return err
			}
			if err := tx.UpdateRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to update rule %q: %w", rule.Name, err)
			}
			byName[rule.Name] = rule
			summary.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "rules imported", logging.DatasourceID(datasourceID),
		slog.Int("created", summary.Created), slog.Int("updated", summary.Updated), slog.Int("unchanged", summary.Unchanged))
	return &summary, nil
}

func specToRule(spec RuleSpec, byName map[string]*models.IncidentRule) (*models.IncidentRule, error) {
	rule := &models.IncidentRule{Name: strings.TrimSpace(spec.Name), Opcode: models.Opcode(spec.Opcode), Active: true}
	if spec.Active != nil {
		rule.Active = *spec.Active
	}
	if !spec.composite() {
		rule.Kind = models.RuleKindSimple
		rule.Operand1 = models.OperandLogger
		rule.Operand2 = spec.Logger
		if rule.Opcode == "" {
			rule.Opcode = models.OpEqual
		}
		Normalize(rule)
		return rule, nil
	}

	rule.Kind = models.RuleKindComposite
	for _, ref := range []struct {
		name string
		dst  *int64
	}{{spec.Left, &rule.LeftRuleID}, {spec.Right, &rule.RightRuleID}} {
		op, ok := byName[strings.TrimSpace(ref.name)]
		if !ok {
			return nil, fmt.Errorf("%w: rule %q references unknown rule %q", models.ErrInvalidRule, rule.Name, ref.name)
		}
		*ref.dst = op.ID
	}
	Normalize(rule)
	return rule, nil
}

func sameDefinition(a, b *models.IncidentRule) bool {
	return a.Kind == b.Kind && a.Opcode == b.Opcode && a.Operand1 == b.Operand1 && a.Operand2 == b.Operand2 &&
		a.LeftRuleID == b.LeftRuleID && a.RightRuleID == b.RightRuleID && a.Active == b.Active
}
