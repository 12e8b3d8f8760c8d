package swarm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolAction(id, target string, deps ...string) ActionContract {
	return ActionContract{ID: id, Kind: TargetTool, Target: target, DependsOn: deps}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		actions []ActionContract
		wantErr string
	}{
		{name: "valid dag", actions: []ActionContract{toolAction("a", "t"), toolAction("b", "t", "a"), toolAction("c", "t", "a", "b")}},
		{name: "empty", wantErr: "no actions"},
		{name: "missing id", actions: []ActionContract{{Kind: TargetTool, Target: "t"}}, wantErr: "has no id"},
		{name: "duplicate id", actions: []ActionContract{toolAction("a", "t"), toolAction("a", "t")}, wantErr: "duplicate action id"},
		{name: "unknown kind", actions: []ActionContract{{ID: "a", Kind: "robot", Target: "t"}}, wantErr: "unknown kind"},
		{name: "no target", actions: []ActionContract{{ID: "a", Kind: TargetTool}}, wantErr: "no target"},
		{name: "unknown dependency", actions: []ActionContract{toolAction("a", "t", "zzz")}, wantErr: "unknown action"},
		{name: "self dependency", actions: []ActionContract{toolAction("a", "t", "a")}, wantErr: "depends on itself"},
		{name: "cycle", actions: []ActionContract{toolAction("a", "t", "c"), toolAction("b", "t", "a"), toolAction("c", "t", "b")}, wantErr: "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPlan("brief", tt.actions).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, ErrPlanInvalid)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestPlanReadyAndComplete(t *testing.T) {
	p := NewPlan("brief", []ActionContract{toolAction("a", "t"), toolAction("b", "t"), toolAction("c", "t", "a", "b")})
	assert.Equal(t, 1, p.Version)

	ids := func(actions []ActionContract) []string {
		var out []string
		for _, a := range actions {
			out = append(out, a.ID)
		}
		return out
	}

	done := map[string]bool{}
	assert.Equal(t, []string{"a", "b"}, ids(p.Ready(done)))
	done["a"] = true
	assert.Equal(t, []string{"b"}, ids(p.Ready(done)))
	done["b"] = true
	assert.Equal(t, []string{"c"}, ids(p.Ready(done)))
	assert.False(t, p.Complete(done))
	done["c"] = true
	assert.Empty(t, p.Ready(done))
	assert.True(t, p.Complete(done))
}

func TestPlanCloneIsDeep(t *testing.T) {
	a := toolAction("a", "t")
	a.Params = map[string]interface{}{"nested": map[string]interface{}{"k": "v"}, "list": []interface{}{1}}
	a.Fallbacks = []ActionContract{toolAction("a2", "backup")}
	p := NewPlan("brief", []ActionContract{a})

	c := p.Clone()
	c.Actions[0].Params["nested"].(map[string]interface{})["k"] = "changed"
	c.Actions[0].Params["list"].([]interface{})[0] = 2
	c.Actions[0].Fallbacks[0].Target = "other"

	assert.Equal(t, "v", p.Actions[0].Params["nested"].(map[string]interface{})["k"])
	assert.Equal(t, 1, p.Actions[0].Params["list"].([]interface{})[0])
	assert.Equal(t, "backup", p.Actions[0].Fallbacks[0].Target)
}

func TestActionAlternate(t *testing.T) {
	a := toolAction("fetch", "primary", "setup")
	a.Outputs = []string{"records"}
	a.Fallbacks = []ActionContract{
		{Kind: TargetTool, Target: "mirror"},
		{Kind: TargetTool, Target: "archive"},
	}

	alt, ok := a.Alternate()
	require.True(t, ok)
	assert.Equal(t, "fetch", alt.ID)
	assert.Equal(t, "mirror", alt.Target)
	assert.Equal(t, []string{"setup"}, alt.DependsOn)
	assert.Equal(t, []string{"records"}, alt.Outputs)
	require.Len(t, alt.Fallbacks, 1)
	assert.Equal(t, "archive", alt.Fallbacks[0].Target)

	last, ok := alt.Alternate()
	require.True(t, ok)
	assert.Equal(t, "archive", last.Target)
	_, ok = last.Alternate()
	assert.False(t, ok)
}

func TestLoadTaskBrief(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brief.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
objective: Summarise the records
inputs:
  region: eu
required_outputs: [summary]
acceptance_tests:
  - size(state.summary) > 0
constraints:
  max_tokens: 1000
  max_duration: 30s
actions:
  - id: fetch
    kind: tool
    target: fetch
`), 0o644))

	brief, err := LoadTaskBrief(path)
	require.NoError(t, err)
	assert.Len(t, brief.ID, 36)
	assert.Equal(t, "eu", brief.Inputs["region"])
	assert.Equal(t, int64(1000), brief.Constraints.MaxTokens)
	assert.Equal(t, "30s", brief.Constraints.MaxDuration.String())
	require.Len(t, brief.Actions, 1)

	require.NoError(t, os.WriteFile(path, []byte("inputs: {}\n"), 0o644))
	_, err = LoadTaskBrief(path)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = LoadTaskBrief(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPlanYAMLRoundTrip(t *testing.T) {
	p := NewPlan("brief", []ActionContract{toolAction("a", "t"), toolAction("b", "t", "a")})
	out, err := p.YAML()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, p.ID, loaded.ID)
	assert.Equal(t, []string{"a"}, loaded.Actions[1].DependsOn)
	assert.NoError(t, loaded.Validate())
}
