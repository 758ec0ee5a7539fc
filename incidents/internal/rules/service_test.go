package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/testutil"
)

var (
	admin  = auth.Actor{ID: "alice", Roles: []string{"admin"}}
	viewer = auth.Actor{ID: "victor", Roles: []string{"viewer"}}
)

func newTestService(t *testing.T) (*Service, *repository.MemoryRepository, int64) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	ds := testutil.SeedDatasource(t, repo, "log")
	return NewService(repo, auth.NewPolicy(nil), nil), repo, ds.ID
}

func simpleReq(logger string) *RuleRequest {
	return &RuleRequest{Name: logger, Operand1: "logger", Opcode: models.OpEqual, Operand2: logger}
}

func TestService_CreateAndEvaluate(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	r1, err := svc.CreateRule(ctx, admin, ds, simpleReq("openstack.nova"))
	require.NoError(t, err)
	assert.True(t, r1.Active)
	assert.Equal(t, "alice", r1.CreatedBy)

	r2, err := svc.CreateRule(ctx, admin, ds, simpleReq("openstack.neutron"))
	require.NoError(t, err)
	r3, err := svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "both", Opcode: models.OpAnd, LeftRuleID: r1.ID, RightRuleID: r2.ID})
	require.NoError(t, err)
	assert.Equal(t, models.RuleKindComposite, r3.Kind)

	ok, err := svc.Evaluate(ctx, ds, r1.ID, []string{"openstack.nova"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Evaluate(ctx, ds, r1.ID, []string{"openstack.neutron"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Evaluate(ctx, ds, r3.ID, []string{"openstack.nova", "openstack.neutron"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_CreateRejected(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, viewer, ds, simpleReq("nova"))
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "bad", Operand1: "logger", Opcode: "~=", Operand2: "nova"})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	_, err = svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "bad", Opcode: models.OpOr, LeftRuleID: 41, RightRuleID: 42})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	rules, err := svc.ListRules(ctx, ds)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestService_UpdateRejectsCycle(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateRule(ctx, admin, ds, simpleReq("a"))
	require.NoError(t, err)
	b, err := svc.CreateRule(ctx, admin, ds, simpleReq("b"))
	require.NoError(t, err)
	c, err := svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "c", Opcode: models.OpAnd, LeftRuleID: a.ID, RightRuleID: b.ID})
	require.NoError(t, err)
	d, err := svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "d", Opcode: models.OpOr, LeftRuleID: c.ID, RightRuleID: a.ID})
	require.NoError(t, err)

	_, err = svc.UpdateRule(ctx, admin, ds, c.ID, &RuleRequest{Name: "c", Opcode: models.OpAnd, LeftRuleID: d.ID, RightRuleID: b.ID})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	updated, err := svc.UpdateRule(ctx, admin, ds, c.ID, &RuleRequest{Name: "c", Opcode: models.OpXor, LeftRuleID: a.ID, RightRuleID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OpXor, updated.Opcode)

	_, err = svc.UpdateRule(ctx, admin, ds, 999, simpleReq("x"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_DeleteDeactivatesDependents(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateRule(ctx, admin, ds, simpleReq("a"))
	require.NoError(t, err)
	b, err := svc.CreateRule(ctx, admin, ds, simpleReq("b"))
	require.NoError(t, err)
	c, err := svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "c", Opcode: models.OpAnd, LeftRuleID: a.ID, RightRuleID: b.ID})
	require.NoError(t, err)
	d, err := svc.CreateRule(ctx, admin, ds, &RuleRequest{Name: "d", Opcode: models.OpOr, LeftRuleID: c.ID, RightRuleID: b.ID})
	require.NoError(t, err)

	deactivated, err := svc.DeleteRule(ctx, admin, ds, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{c.ID, d.ID}, deactivated)

	got, err := svc.GetRule(ctx, ds, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = svc.Evaluate(ctx, ds, d.ID, []string{"a", "b"})
	assert.ErrorIs(t, err, models.ErrDanglingRuleReference)

	_, err = svc.DeleteRule(ctx, admin, ds, a.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_ExtractRelation(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	root, err := svc.ExtractRelation(ctx, admin, ds, []string{"nova", "glance", "nova"}, []string{" neutron "})
	require.NoError(t, err)
	assert.True(t, root.Automatic)
	assert.Equal(t, models.OpAnd, root.Opcode)

	all, err := svc.ListRules(ctx, ds)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	again, err := svc.ExtractRelation(ctx, admin, ds, []string{"glance", "nova"}, []string{"neutron"})
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)
	all, err = svc.ListRules(ctx, ds)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	ok, err := svc.Evaluate(ctx, ds, root.ID, []string{"glance", "neutron"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Evaluate(ctx, ds, root.ID, []string{"nova", "glance"})
	require.NoError(t, err)
	assert.False(t, ok)

	gate, err := LoadGate(ctx, svc.repo, ds, nil)
	require.NoError(t, err)
	assert.True(t, gate.Allows([]string{"nova"}, []string{"neutron"}))

	_, err = svc.ExtractRelation(ctx, admin, ds, nil, []string{"neutron"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func seedInterRelated(t *testing.T, repo repository.Store, ds int64) {
	t.Helper()
	nova := testutil.SeedLogCategory(t, repo, ds, "nova")
	neutron := testutil.SeedLogCategory(t, repo, ds, "neutron")
	glance := testutil.SeedLogCategory(t, repo, ds, "glance")
	haproxy := testutil.SeedLogCategory(t, repo, ds, "haproxy")

	testutil.SeedIncidentType(t, repo, ds, 1, 1, testutil.WithCategories(nova, neutron))
	testutil.SeedIncidentType(t, repo, ds, 1, 2, testutil.WithCategories(nova, neutron, glance))
	testutil.SeedIncidentType(t, repo, ds, 1, 3, testutil.WithCategories(haproxy, glance))
}

func TestService_InterRelationSet(t *testing.T) {
	svc, repo, ds := newTestService(t)
	seedInterRelated(t, repo, ds)

	set, err := svc.InterRelationSet(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []string{"neutron", "nova"}, set)
}

func TestService_EnableDisableUserRules(t *testing.T) {
	svc, repo, ds := newTestService(t)
	ctx := context.Background()
	seedInterRelated(t, repo, ds)

	nova, err := svc.CreateRule(ctx, admin, ds, simpleReq("nova"))
	require.NoError(t, err)
	_, err = svc.CreateRule(ctx, admin, ds, simpleReq("haproxy"))
	require.NoError(t, err)

	n, err := svc.DisableUserRules(ctx, admin, ds)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetRule(ctx, ds, nova.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	n, err = svc.DisableUserRules(ctx, admin, ds)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.EnableUserRules(ctx, admin, ds)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.EnableUserRules(ctx, viewer, ds)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

const ruleSet = `
rules:
  - name: nova
    logger: openstack.nova
  - name: not-neutron
    logger: openstack.neutron
    opcode: "!="
  - name: nova-without-neutron
    left: nova
    opcode: "&"
    right: not-neutron
`

func TestService_Import(t *testing.T) {
	svc, _, ds := newTestService(t)
	ctx := context.Background()

	file, err := LoadRuleFile(strings.NewReader(ruleSet))
	require.NoError(t, err)
	require.Len(t, file.Rules, 3)

	summary, err := svc.Import(ctx, admin, ds, file)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Created: 3}, *summary)

	all, err := svc.ListRules(ctx, ds)
	require.NoError(t, err)
	var root *models.IncidentRule
	for _, r := range all {
		if r.Name == "nova-without-neutron" {
			root = r
		}
	}
	require.NotNil(t, root)
	ok, err := svc.Evaluate(ctx, ds, root.ID, []string{"openstack.nova"})
	require.NoError(t, err)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(ruleSet, `opcode: "&"`, `opcode: "|"`, 1)), 0o600))
	summary, err = svc.ImportFile(ctx, admin, ds, path)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Updated: 1, Unchanged: 2}, *summary)
}

func TestLoadRuleFile_Errors(t *testing.T) {
	tests := map[string]string{
		"duplicate name":  "rules:\n  - {name: a, logger: x}\n  - {name: a, logger: y}\n",
		"missing name":    "rules:\n  - {logger: x}\n",
		"logger and left": "rules:\n  - {name: a, logger: x, left: b, right: c}\n",
		"one operand":     "rules:\n  - {name: a, left: b, opcode: '&'}\n",
		"unknown field":   "rules:\n  - {name: a, logger: x, severity: high}\n",
		"neither operand": "rules:\n  - {name: a}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRuleFile(strings.NewReader(doc))
			assert.ErrorIs(t, err, models.ErrInvalidRule)
		})
	}
}

func TestService_ImportUnknownReference(t *testing.T) {
	svc, _, ds := newTestService(t)
	file, err := LoadRuleFile(strings.NewReader("rules:\n  - {name: a, left: b, right: c, opcode: '&'}\n"))
	require.NoError(t, err)

	_, err = svc.Import(context.Background(), admin, ds, file)
	assert.ErrorIs(t, err, models.ErrInvalidRule)
}
