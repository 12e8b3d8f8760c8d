package swarm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPlanner(t *testing.T) {
	fetch := ActionContract{ID: "fetch", Kind: TargetTool, Target: "primary",
		Fallbacks: []ActionContract{{Kind: TargetTool, Target: "mirror"}}}
	brief := &TaskBrief{ID: "b1", Objective: "fetch things", Actions: []ActionContract{fetch}}
	p := NewStaticPlanner()
	ctx := context.Background()

	cands, err := p.Brainstorm(ctx, brief)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	plan, err := p.Plan(ctx, brief, cands)
	require.NoError(t, err)
	assert.Equal(t, "b1", plan.BriefID)
	assert.Equal(t, 1, plan.Version)
	require.NoError(t, plan.Validate())

	patch, err := p.Replan(ctx, plan, &Observation{ActionID: "fetch", Status: StatusFailed}, Decision{Verdict: VerdictReplan, Reason: "down"})
	require.NoError(t, err)
	assert.Equal(t, plan.Version, patch.BaseVersion)
	require.Len(t, patch.Ops, 1)
	assert.Equal(t, OpReplace, patch.Ops[0].Type)
	assert.Equal(t, "mirror", patch.Ops[0].Action.Target)

	next, err := NewPatcher(nil).Apply(ctx, plan, *patch)
	require.NoError(t, err)
	_, err = p.Replan(ctx, next, &Observation{ActionID: "fetch"}, Decision{})
	assert.Equal(t, KindExecution, KindOf(err), "no fallback left")

	_, err = NewStaticPlanner().Brainstorm(ctx, &TaskBrief{Objective: "nothing to do"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestBestCandidate(t *testing.T) {
	a := []ActionContract{{ID: "a", Kind: TargetTool, Target: "t"}}
	best, ok := bestCandidate([]Candidate{
		{ID: "low", Score: 0.2, Actions: a},
		{ID: "empty", Score: 0.9},
		{ID: "high", Score: 0.7, Actions: a},
	})
	require.True(t, ok)
	assert.Equal(t, "high", best.ID)

	_, ok = bestCandidate([]Candidate{{ID: "empty"}})
	assert.False(t, ok)
}

// scriptedPlanner answers planner prompts by operation.
func scriptedPlanner(t *testing.T, answers map[string]string, prompts *[]string) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		assert.Equal(t, TargetAgent, req.Kind)
		assert.Equal(t, "json", req.Method)
		*prompts = append(*prompts, req.Input)
		for prefix, answer := range answers {
			if strings.HasPrefix(req.Input, prefix) {
				return &Reply{Content: answer, Usage: Usage{TotalTokens: 20}}, nil
			}
		}
		t.Fatalf("unexpected prompt %q", req.Input)
		return nil, nil
	})
}

func TestLLMPlanner(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAgent(NewAgent("planner").WithDescription("Plans work").WithCapabilities("planning")))
	var prompts []string
	h := scriptedPlanner(t, map[string]string{
		"Propose": "```json\n" + `{"candidates": [
			{"id": "c1", "summary": "shout", "score": 0.8, "actions": [{"id": "up", "kind": "tool", "target": "upper", "params": {"text": "${word}"}}]},
			{"id": "c2", "summary": "other", "score": 0.1, "actions": [{"id": "m", "kind": "tool", "target": "method"}]}
		]}` + "\n```",
		"Choose":  `{"actions": [{"id": "up", "kind": "tool", "target": "upper", "params": {"text": "${word}"}, "outputs": ["loud"]}]}`,
		"Action ": `{"reason": "use method", "ops": [{"type": "replace", "action_id": "up", "action": {"kind": "tool", "target": "method"}}]}`,
	}, &prompts)

	p := NewLLMPlanner(h, reg, "planner")
	p.MaxCandidates = 1
	brief := &TaskBrief{ID: "b", Objective: "Shout the word", Inputs: map[string]interface{}{"word": "hi"}, RequiredOutputs: []string{"loud"}}
	ctx := context.Background()

	cands, err := p.Brainstorm(ctx, brief)
	require.NoError(t, err)
	require.Len(t, cands, 1, "candidates are capped")
	assert.Equal(t, "c1", cands[0].ID)
	assert.Contains(t, prompts[0], "- tool upper: Upper-case text")
	assert.Contains(t, prompts[0], "- agent planner: Plans work [planning]")
	assert.Contains(t, prompts[0], "Available state keys: word")

	plan, err := p.Plan(ctx, brief, cands)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, []string{"loud"}, plan.Actions[0].Outputs)

	patch, err := p.Replan(ctx, plan, &Observation{ActionID: "up", Status: StatusFailed}, Decision{Reason: "upper broke"})
	require.NoError(t, err)
	assert.Equal(t, "use method", patch.Reason)
	assert.Equal(t, "llm-planner:planner", patch.Author)
	assert.Contains(t, prompts[2], "upper broke")
}

func TestLLMPlannerBadReplies(t *testing.T) {
	reg := newTestRegistry(t)
	var prompts []string
	p := NewLLMPlanner(scriptedPlanner(t, map[string]string{
		"Propose": `not json at all`,
		"Choose":  `{"actions": []}`,
		"Action ": `{"ops": []}`,
	}, &prompts), reg, "planner")
	ctx := context.Background()
	brief := &TaskBrief{ID: "b", Objective: "x"}

	_, err := p.Brainstorm(ctx, brief)
	assert.Equal(t, KindExecution, KindOf(err))

	// An empty plan falls back to the best candidate.
	fallback := []Candidate{{ID: "c", Score: 1, Actions: []ActionContract{{ID: "a", Kind: TargetTool, Target: "upper"}}}}
	plan, err := p.Plan(ctx, brief, fallback)
	require.NoError(t, err)
	assert.Equal(t, "a", plan.Actions[0].ID)

	_, err = p.Replan(ctx, plan, &Observation{ActionID: "a"}, Decision{Reason: "r"})
	assert.Equal(t, KindExecution, KindOf(err))
}
