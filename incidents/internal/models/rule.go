package models

import "time"

// RuleKind distinguishes simple predicates from composite rules.
type RuleKind string

const (
	RuleKindSimple    RuleKind = "simple"
	RuleKindComposite RuleKind = "composite"
)

// Opcode is a rule operator.
type Opcode string

const (
	OpEqual    Opcode = "=="
	OpNotEqual Opcode = "!="
	OpAnd      Opcode = "&"
	OpOr       Opcode = "|"
	OpXor      Opcode = "^"
)

// IsSimple reports whether op is valid for a simple rule.
func (op Opcode) IsSimple() bool { return op == OpEqual || op == OpNotEqual }

// IsComposite reports whether op is valid for a composite rule.
func (op Opcode) IsComposite() bool { return op == OpAnd || op == OpOr || op == OpXor }

// OperandLogger is the only attribute simple rules test.
const OperandLogger = "logger"

// IncidentRule is a boolean expression over logger names. Simple rules use
// Operand1/Operand2, composite rules LeftRuleID/RightRuleID.
type IncidentRule struct {
	ID           int64     `json:"id"`
	DatasourceID int64     `json:"datasource_id"`
	Name         string    `json:"name"`
	Kind         RuleKind  `json:"kind"`
	Operand1     string    `json:"operand_1,omitempty"`
	Opcode       Opcode    `json:"opcode"`
	Operand2     string    `json:"operand_2,omitempty"`
	LeftRuleID   int64     `json:"left_rule_id,omitempty"`
	RightRuleID  int64     `json:"right_rule_id,omitempty"`
	Active       bool      `json:"active"`
	Automatic    bool      `json:"automatic"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a copy.
func (r *IncidentRule) Clone() *IncidentRule {
	c := *r
	return &c
}

// References reports whether the composite rule points at id.
func (r *IncidentRule) References(id int64) bool {
	return r.Kind == RuleKindComposite && (r.LeftRuleID == id || r.RightRuleID == id)
}
