package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

func simpleRule(id int64, op models.Opcode, logger string) *models.IncidentRule {
	return &models.IncidentRule{ID: id, DatasourceID: 1, Kind: models.RuleKindSimple, Operand1: "logger", Opcode: op, Operand2: logger, Active: true}
}

func compositeRule(id int64, left int64, op models.Opcode, right int64) *models.IncidentRule {
	return &models.IncidentRule{ID: id, DatasourceID: 1, Kind: models.RuleKindComposite, Opcode: op, LeftRuleID: left, RightRuleID: right, Active: true}
}

func TestArena_Evaluate(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		simpleRule(1, models.OpEqual, "openstack.nova"),
		simpleRule(2, models.OpEqual, "openstack.neutron"),
		simpleRule(4, models.OpNotEqual, "openstack.nova"),
		compositeRule(3, 1, models.OpAnd, 2),
		compositeRule(5, 1, models.OpOr, 2),
		compositeRule(6, 1, models.OpXor, 2),
		compositeRule(7, 3, models.OpOr, 4),
	})

	tests := []struct {
		name    string
		rule    int64
		loggers []string
		want    bool
	}{
		{"equal present", 1, []string{"openstack.nova"}, true},
		{"equal absent", 1, []string{"openstack.neutron"}, false},
		{"not equal absent", 4, []string{"openstack.neutron"}, true},
		{"not equal present", 4, []string{"openstack.nova"}, false},
		{"and both", 3, []string{"openstack.nova", "openstack.neutron"}, true},
		{"and one", 3, []string{"openstack.nova"}, false},
		{"or one", 5, []string{"openstack.neutron"}, true},
		{"or none", 5, []string{"haproxy"}, false},
		{"xor one", 6, []string{"openstack.nova"}, true},
		{"xor both", 6, []string{"openstack.nova", "openstack.neutron"}, false},
		{"nested", 7, []string{"haproxy"}, true},
		{"empty set", 1, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := arena.Evaluate(tt.rule, tt.loggers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArena_EvaluateDangling(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		simpleRule(1, models.OpEqual, "a"),
		compositeRule(3, 1, models.OpAnd, 2),
		compositeRule(4, 3, models.OpOr, 1),
	})

	_, err := arena.Evaluate(3, []string{"a"})
	assert.ErrorIs(t, err, models.ErrDanglingRuleReference)

	_, err = arena.Evaluate(4, []string{"a"})
	assert.ErrorIs(t, err, models.ErrDanglingRuleReference)

	_, err = arena.Evaluate(99, []string{"a"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestArena_EvaluateStoredCycle(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		compositeRule(1, 2, models.OpAnd, 2),
		compositeRule(2, 1, models.OpOr, 1),
	})
	_, err := arena.Evaluate(1, []string{"a"})
	assert.ErrorIs(t, err, models.ErrInvalidRule)
}

func TestValidate(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		simpleRule(1, models.OpEqual, "a"),
		simpleRule(2, models.OpEqual, "b"),
		{ID: 9, DatasourceID: 2, Kind: models.RuleKindSimple, Operand1: "logger", Opcode: models.OpEqual, Operand2: "c"},
	})

	tests := []struct {
		name    string
		rule    *models.IncidentRule
		wantErr bool
	}{
		{"simple ok", simpleRule(0, models.OpEqual, "x"), false},
		{"simple not equal ok", simpleRule(0, models.OpNotEqual, "x"), false},
		{"operand case-insensitive", &models.IncidentRule{DatasourceID: 1, Kind: models.RuleKindSimple, Operand1: "Logger", Opcode: models.OpEqual, Operand2: "x"}, false},
		{"simple with composite opcode", simpleRule(0, models.OpAnd, "x"), true},
		{"simple unknown opcode", simpleRule(0, "=~", "x"), true},
		{"simple other attribute", &models.IncidentRule{DatasourceID: 1, Kind: models.RuleKindSimple, Operand1: "host", Opcode: models.OpEqual, Operand2: "x"}, true},
		{"simple empty value", simpleRule(0, models.OpEqual, "  "), true},
		{"composite ok", compositeRule(0, 1, models.OpXor, 2), false},
		{"composite with simple opcode", compositeRule(0, 1, models.OpEqual, 2), true},
		{"composite missing operand", compositeRule(0, 1, models.OpAnd, 7), true},
		{"composite foreign operand", compositeRule(0, 1, models.OpAnd, 9), true},
		{"unknown kind", &models.IncidentRule{DatasourceID: 1, Kind: "regex", Opcode: models.OpEqual}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rule, arena.Get)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidRule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestArena_AddRejectsCycle(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		simpleRule(1, models.OpEqual, "a"),
		simpleRule(2, models.OpEqual, "b"),
		compositeRule(3, 1, models.OpAnd, 2),
		compositeRule(4, 3, models.OpOr, 1),
	})

	err := arena.Add(compositeRule(3, 4, models.OpAnd, 2))
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	err = arena.Add(compositeRule(3, 3, models.OpAnd, 2))
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	require.NoError(t, arena.Add(compositeRule(5, 4, models.OpAnd, 3)))
	got, ok := arena.Get(5)
	require.True(t, ok)
	assert.Equal(t, int64(4), got.LeftRuleID)
}

func TestArena_LoggersAndDependents(t *testing.T) {
	arena := NewArena([]*models.IncidentRule{
		simpleRule(1, models.OpEqual, "b"),
		simpleRule(2, models.OpEqual, "a"),
		compositeRule(3, 1, models.OpAnd, 2),
		compositeRule(4, 3, models.OpOr, 1),
	})

	names, err := arena.Loggers(4)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	assert.Equal(t, []int64{3, 4}, arena.Dependents(1))
	assert.Equal(t, []int64{4}, arena.Dependents(3))

	arena.Remove(2)
	names, err = arena.Loggers(4)
	assert.ErrorIs(t, err, models.ErrDanglingRuleReference)
	assert.Equal(t, []string{"b"}, names, "resolvable operands are still reported")
}

func TestNormalize(t *testing.T) {
	r := &models.IncidentRule{Name: " nova ", Operand1: " LOGGER ", Opcode: " == ", Operand2: " openstack.nova ", LeftRuleID: 4}
	Normalize(r)
	assert.Equal(t, models.RuleKindSimple, r.Kind)
	assert.Equal(t, "nova", r.Name)
	assert.Equal(t, "logger", r.Operand1)
	assert.Equal(t, "openstack.nova", r.Operand2)
	assert.Zero(t, r.LeftRuleID)

	c := &models.IncidentRule{Opcode: "&", Operand2: "x", LeftRuleID: 1, RightRuleID: 2}
	Normalize(c)
	assert.Equal(t, models.RuleKindComposite, c.Kind)
	assert.Empty(t, c.Operand2)
}
