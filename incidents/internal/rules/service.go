package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
)

// RuleRequest is the operator-editable part of a rule.
type RuleRequest struct {
	Name        string          `json:"name"`
	Kind        models.RuleKind `json:"kind,omitempty"`
	Operand1    string          `json:"operand_1,omitempty"`
	Opcode      models.Opcode   `json:"opcode"`
	Operand2    string          `json:"operand_2,omitempty"`
	LeftRuleID  int64           `json:"left_rule_id,omitempty"`
	RightRuleID int64           `json:"right_rule_id,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

func (req *RuleRequest) apply(r *models.IncidentRule) {
	r.Name = req.Name
	r.Kind = req.Kind
	r.Operand1 = req.Operand1
	r.Opcode = req.Opcode
	r.Operand2 = req.Operand2
	r.LeftRuleID = req.LeftRuleID
	r.RightRuleID = req.RightRuleID
	if req.Active != nil {
		r.Active = *req.Active
	}
	Normalize(r)
}

// Service manages the rules of every datasource.
type Service struct {
	repo   repository.Repository
	authz  auth.Authorizer
	logger *slog.Logger
}

// NewService creates a rule service.
func NewService(repo repository.Repository, authz auth.Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, authz: authz, logger: logger}
}

func loadArena(ctx context.Context, store repository.Store, datasourceID int64) (*Arena, error) {
	rules, err := store.ListRules(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return NewArena(rules), nil
}

// LoadGate builds the fold gate from the current rules of a datasource.
func LoadGate(ctx context.Context, store repository.Store, datasourceID int64, logger *slog.Logger) (*Gate, error) {
	rules, err := store.ListRules(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return NewGate(rules, logger), nil
}

// CreateRule validates and stores a new operator rule.
func (s *Service) CreateRule(ctx context.Context, actor auth.Actor, datasourceID int64, req *RuleRequest) (*models.IncidentRule, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return nil, err
	}
	rule := &models.IncidentRule{DatasourceID: datasourceID, Active: true, CreatedBy: actor.ID}
	req.apply(rule)

	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		arena, err := loadArena(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		if err := arena.Add(rule); err != nil {
			return err
		}
		return tx.CreateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "rule created", logging.DatasourceID(datasourceID), logging.RuleID(rule.ID), logging.Actor(actor.ID))
	return rule, nil
}

// UpdateRule replaces the definition of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, actor auth.Actor, datasourceID, id int64, req *RuleRequest) (*models.IncidentRule, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return nil, err
	}
	var rule *models.IncidentRule
	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		arena, err := loadArena(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		existing, ok := arena.Get(id)
		if !ok {
			return fmt.Errorf("rule %d: %w", id, models.ErrNotFound)
		}
		rule = existing.Clone()
		req.apply(rule)
		rule.Automatic = false
		if err := arena.Add(rule); err != nil {
			return err
		}
		return tx.UpdateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// GetRule returns one rule.
func (s *Service) GetRule(ctx context.Context, datasourceID, id int64) (*models.IncidentRule, error) {
	return s.repo.GetRule(ctx, datasourceID, id)
}

// ListRules returns every rule of a datasource.
func (s *Service) ListRules(ctx context.Context, datasourceID int64) ([]*models.IncidentRule, error) {
	return s.repo.ListRules(ctx, datasourceID)
}

// DeleteRule removes a rule and deactivates every composite that depended
// on it. Those composites keep their dangling reference and fail closed.
func (s *Service) DeleteRule(ctx context.Context, actor auth.Actor, datasourceID, id int64) ([]int64, error) {
	if err := auth.Require(ctx, s.authz, actor, auth.CapRulesWrite, datasourceID); err != nil {
		return nil, err
	}
	var deactivated []int64
	err := s.repo.WithTx(ctx, func(tx repository.Store) error {
		arena, err := loadArena(ctx, tx, datasourceID)
		if err != nil {
			return err
		}
		if _, ok := arena.Get(id); !ok {
			return fmt.Errorf("rule %d: %w", id, models.ErrNotFound)
		}
		dependents := arena.Dependents(id)
		if err := tx.DeleteRule(ctx, datasourceID, id); err != nil {
			return err
		}
		for _, depID := range dependents {
			dep, _ := arena.Get(depID)
			if !dep.Active {
				continue
			}
			dep = dep.Clone()
			dep.Active = false
			if err := tx.UpdateRule(ctx, dep); err != nil {
				return err
			}
			deactivated = append(deactivated, depID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "rule deleted",
		logging.DatasourceID(datasourceID), logging.RuleID(id), slog.Int("deactivated", len(deactivated)))
	return deactivated, nil
}

// Evaluate resolves rule id against loggers.
func (s *Service) Evaluate(ctx context.Context, datasourceID, id int64, loggers []string) (bool, error) {
	arena, err := loadArena(ctx, s.repo, datasourceID)
	if err != nil {
		return false, err
	}
	return arena.Evaluate(id, loggers)
}
