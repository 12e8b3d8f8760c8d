package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityVerifier(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAgent(NewAgent("writer")))
	require.NoError(t, reg.Disable(TargetTool, "fail"))
	conds, err := NewConditions()
	require.NoError(t, err)
	v := NewCapabilityVerifier(reg, conds)

	ok := v.Check([]ActionContract{
		{ID: "a", Kind: TargetTool, Target: "upper", Postconditions: []string{`size(output) > 0`}},
		{ID: "b", Kind: TargetAgent, Target: "writer"},
	})
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())
	assert.Equal(t, []string{"agent:writer", "tool:upper"}, ok.Checked)

	bad := v.Check([]ActionContract{
		{ID: "a", Kind: TargetTool, Target: "upper", Fallbacks: []ActionContract{{Kind: TargetTool, Target: "fail"}}},
		{ID: "b", Kind: TargetAgent, Target: "ghost"},
		{ID: "c", Kind: TargetTool, Target: "upper", Validators: []string{`output ==`}},
	})
	assert.False(t, bad.OK())
	assert.Equal(t, []string{"agent:ghost"}, bad.Missing)
	assert.Equal(t, []string{"tool:fail"}, bad.Disabled)
	assert.Len(t, bad.Invalid, 1)
	assert.ErrorIs(t, bad.Err(), ErrCapabilityMissing)

	invalidOnly := v.Check([]ActionContract{{ID: "c", Kind: TargetTool, Target: "upper", Preconditions: []string{`)(`}}})
	assert.ErrorIs(t, invalidOnly.Err(), ErrPlanInvalid)
}

func TestCapabilityVerifierPlanAndCandidates(t *testing.T) {
	reg := newTestRegistry(t)
	v := NewCapabilityVerifier(reg, nil)

	plan := NewPlan("brief", []ActionContract{{ID: "a", Kind: TargetTool, Target: "upper"}})
	assert.NoError(t, v.VerifyPlan(plan))

	report := v.CheckCandidates([]Candidate{
		{ID: "one", Actions: []ActionContract{{ID: "a", Kind: TargetTool, Target: "upper"}}},
		{ID: "two", Actions: []ActionContract{{ID: "a", Kind: TargetWorkflow, Target: "nope"}}},
	})
	assert.Equal(t, []string{"workflow:nope"}, report.Missing)
	assert.Equal(t, KindNotFound, KindOf(report.Err()))
}
