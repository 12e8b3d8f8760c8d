package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Candidate is one brainstormed way of meeting a brief.
type Candidate struct {
	ID      string           `json:"id" yaml:"id"`
	Summary string           `json:"summary" yaml:"summary"`
	Score   float64          `json:"score" yaml:"score"`
	Actions []ActionContract `json:"actions" yaml:"actions"`
}

// Planner turns briefs into plans and failures into patches.
type Planner interface {
	Brainstorm(ctx context.Context, brief *TaskBrief) ([]Candidate, error)
	Plan(ctx context.Context, brief *TaskBrief, candidates []Candidate) (*Plan, error)
	Replan(ctx context.Context, plan *Plan, obs *Observation, decision Decision) (*PlanPatch, error)
}

// StaticPlanner plans a fixed list of actions. Replan swaps the failing
// action for its next fallback.
type StaticPlanner struct {
	Actions []ActionContract
}

// NewStaticPlanner creates a planner over actions.
func NewStaticPlanner(actions ...ActionContract) *StaticPlanner {
	return &StaticPlanner{Actions: actions}
}

func (p *StaticPlanner) actions(brief *TaskBrief) []ActionContract {
	if len(p.Actions) > 0 {
		return p.Actions
	}
	return brief.Actions
}

func (p *StaticPlanner) Brainstorm(_ context.Context, brief *TaskBrief) ([]Candidate, error) {
	actions := p.actions(brief)
	if len(actions) == 0 {
		return nil, NewError(KindValidation, "brainstorm", brief.ID, errors.New("static planner has no actions"))
	}
	return []Candidate{{ID: "static", Summary: brief.Objective, Score: 1, Actions: actions}}, nil
}

func (p *StaticPlanner) Plan(_ context.Context, brief *TaskBrief, candidates []Candidate) (*Plan, error) {
	best, ok := bestCandidate(candidates)
	if !ok {
		return nil, NewError(KindValidation, "plan", brief.ID, errors.New("no candidates to plan from"))
	}
	return NewPlan(brief.ID, best.Actions), nil
}

func (p *StaticPlanner) Replan(_ context.Context, plan *Plan, obs *Observation, decision Decision) (*PlanPatch, error) {
	action, ok := plan.Action(obs.ActionID)
	if !ok {
		return nil, NewError(KindNotFound, "replan", obs.ActionID, ErrNotFound)
	}
	alt, ok := action.Alternate()
	if !ok {
		return nil, NewError(KindExecution, "replan", obs.ActionID, errors.New("no fallback left"))
	}
	patch := NewPlanPatch(plan, "static-planner", decision.Reason,
		PatchOp{Type: OpReplace, ActionID: action.ID, Action: &alt})
	return &patch, nil
}

func bestCandidate(candidates []Candidate) (Candidate, bool) {
	best := -1
	for i, c := range candidates {
		if len(c.Actions) == 0 {
			continue
		}
		if best < 0 || c.Score > candidates[best].Score {
			best = i
		}
	}
	if best < 0 {
		return Candidate{}, false
	}
	return candidates[best], true
}

// LLMPlanner plans by asking an agent for JSON. Requests go through Handler,
// so planning calls pass the same interceptors as action calls.
type LLMPlanner struct {
	Handler  Handler
	Agent    string
	Registry *Registry
	// MaxCandidates caps brainstormed candidates (default 3).
	MaxCandidates int
	Logger        *slog.Logger
}

// NewLLMPlanner creates a planner using the registered agent named agent.
func NewLLMPlanner(h Handler, reg *Registry, agent string) *LLMPlanner {
	return &LLMPlanner{Handler: h, Registry: reg, Agent: agent, MaxCandidates: 3}
}

const actionSchemaHint = `Each action is an object with fields: "id", "intent", "kind" ("agent", "tool" or "workflow"), ` +
	`"target" (a name from the catalogue), "method", "input" (may use ${key} placeholders), "params", ` +
	`"inputs" and "outputs" (state keys), "depends_on" (action ids), "preconditions", "postconditions" and ` +
	`"validators" (CEL boolean expressions over inputs, state, output and metrics), "fallbacks" (alternate actions), "max_retries".`

func (p *LLMPlanner) catalogue() string {
	var b strings.Builder
	for _, e := range p.Registry.Catalog() {
		if !e.Enabled {
			continue
		}
		fmt.Fprintf(&b, "- %s %s", e.Kind, e.Name)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		if len(e.Capabilities) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(e.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func briefSummary(brief *TaskBrief) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", brief.Objective)
	if len(brief.Inputs) > 0 {
		keys := make([]string, 0, len(brief.Inputs))
		for k := range brief.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "Available state keys: %s\n", strings.Join(keys, ", "))
	}
	if len(brief.RequiredOutputs) > 0 {
		fmt.Fprintf(&b, "Required outputs: %s\n", strings.Join(brief.RequiredOutputs, ", "))
	}
	if len(brief.AcceptanceTests) > 0 {
		fmt.Fprintf(&b, "Acceptance tests: %s\n", strings.Join(brief.AcceptanceTests, "; "))
	}
	return b.String()
}

func (p *LLMPlanner) ask(ctx context.Context, op, prompt string, v interface{}) error {
	reply, err := p.Handler.Handle(ctx, &Request{
		Kind:   TargetAgent,
		Target: p.Agent,
		Method: "json",
		Input:  prompt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := DecodeJSON(reply.Content, v); err != nil {
		return NewError(KindExecution, op, p.Agent, err)
	}
	loggerOr(p.Logger).Debug("planner reply", "op", op, "agent", p.Agent, "tokens", reply.Usage.TotalTokens)
	return nil
}

func (p *LLMPlanner) Brainstorm(ctx context.Context, brief *TaskBrief) ([]Candidate, error) {
	n := p.MaxCandidates
	if n <= 0 {
		n = 3
	}
	prompt := fmt.Sprintf("Propose up to %d alternative action sequences for this task.\n\n%s\nCatalogue:\n%s\n%s\n"+
		`Reply with JSON: {"candidates": [{"id": "...", "summary": "...", "score": 0.0-1.0, "actions": [...]}]}`,
		n, briefSummary(brief), p.catalogue(), actionSchemaHint)

	var out struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := p.ask(ctx, "brainstorm", prompt, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, NewError(KindExecution, "brainstorm", p.Agent, errors.New("planner returned no candidates"))
	}
	if len(out.Candidates) > n {
		out.Candidates = out.Candidates[:n]
	}
	return out.Candidates, nil
}

func (p *LLMPlanner) Plan(ctx context.Context, brief *TaskBrief, candidates []Candidate) (*Plan, error) {
	cands, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("encode candidates: %w", err)
	}
	prompt := fmt.Sprintf("Choose and refine the best candidate into a concrete plan.\n\n%s\nCatalogue:\n%s\nCandidates: %s\n\n%s\n"+
		`Reply with JSON: {"actions": [...]}`,
		briefSummary(brief), p.catalogue(), cands, actionSchemaHint)

	var out struct {
		Actions []ActionContract `json:"actions"`
	}
	if err := p.ask(ctx, "plan", prompt, &out); err != nil {
		return nil, err
	}
	if len(out.Actions) == 0 {
		best, ok := bestCandidate(candidates)
		if !ok {
			return nil, NewError(KindExecution, "plan", p.Agent, errors.New("planner returned no actions"))
		}
		out.Actions = best.Actions
	}
	return NewPlan(brief.ID, out.Actions), nil
}

func (p *LLMPlanner) Replan(ctx context.Context, plan *Plan, obs *Observation, decision Decision) (*PlanPatch, error) {
	current, err := plan.YAML()
	if err != nil {
		return nil, err
	}
	observed, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	prompt := fmt.Sprintf("Action %q needs a plan change: %s\n\nCurrent plan (version %d):\n%s\nObservation: %s\n\nCatalogue:\n%s\n%s\n"+
		`Reply with JSON: {"reason": "...", "ops": [{"type": "replace|add_after|remove|reorder|param_update", "action_id": "...", "action": {...}, "order": [...], "params": {...}}]}`,
		obs.ActionID, decision.Reason, plan.Version, current, observed, p.catalogue(), actionSchemaHint)

	var out struct {
		Reason string    `json:"reason"`
		Ops    []PatchOp `json:"ops"`
	}
	if err := p.ask(ctx, "replan", prompt, &out); err != nil {
		return nil, err
	}
	if len(out.Ops) == 0 {
		return nil, NewError(KindExecution, "replan", p.Agent, errors.New("planner returned no patch operations"))
	}
	reason := out.Reason
	if reason == "" {
		reason = decision.Reason
	}
	patch := NewPlanPatch(plan, "llm-planner:"+p.Agent, reason, out.Ops...)
	return &patch, nil
}
