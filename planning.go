package swarm

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Budget bounds the resources a run may spend. Zero fields are unlimited.
type Budget struct {
	MaxCost     float64       `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	MaxTokens   int64         `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	MaxSteps    int           `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// TaskBrief is the structured task handed to the planner.
type TaskBrief struct {
	ID              string                 `json:"id" yaml:"id"`
	Objective       string                 `json:"objective" yaml:"objective"`
	Inputs          map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	RequiredOutputs []string               `json:"required_outputs,omitempty" yaml:"required_outputs,omitempty"`
	// AcceptanceTests are CEL expressions over the final state.
	AcceptanceTests []string `json:"acceptance_tests,omitempty" yaml:"acceptance_tests,omitempty"`
	Constraints     Budget   `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	// Actions optionally pins the plan for a StaticPlanner.
	Actions []ActionContract `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Validate checks that the brief can be planned.
func (b *TaskBrief) Validate() error {
	if b.Objective == "" {
		return NewError(KindValidation, "brief", b.ID, errors.New("objective is required"))
	}
	return nil
}

// LoadTaskBrief reads a YAML task brief. A missing id is filled with a uuid.
func LoadTaskBrief(path string) (*TaskBrief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read brief file: %w", err)
	}
	var brief TaskBrief
	if err := yaml.Unmarshal(data, &brief); err != nil {
		return nil, fmt.Errorf("failed to unmarshal brief: %w", err)
	}
	if brief.ID == "" {
		brief.ID = uuid.NewString()
	}
	if err := brief.Validate(); err != nil {
		return nil, err
	}
	return &brief, nil
}

// ActionContract is one planned step: what to call, what it needs and what it
// must produce.
type ActionContract struct {
	ID     string                 `json:"id" yaml:"id"`
	Intent string                 `json:"intent,omitempty" yaml:"intent,omitempty"`
	Kind   TargetKind             `json:"kind" yaml:"kind"`
	Target string                 `json:"target" yaml:"target"`
	Method string                 `json:"method,omitempty" yaml:"method,omitempty"`
	Input  string                 `json:"input,omitempty" yaml:"input,omitempty"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	Inputs    []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	Preconditions  []string `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	Postconditions []string `json:"postconditions,omitempty" yaml:"postconditions,omitempty"`
	Validators     []string `json:"validators,omitempty" yaml:"validators,omitempty"`

	Fallbacks  []ActionContract `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    time.Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Clone returns a deep copy of the action.
func (a ActionContract) Clone() ActionContract {
	out := a
	out.Params = deepCopyMap(a.Params)
	out.Inputs = append([]string(nil), a.Inputs...)
	out.Outputs = append([]string(nil), a.Outputs...)
	out.DependsOn = append([]string(nil), a.DependsOn...)
	out.Preconditions = append([]string(nil), a.Preconditions...)
	out.Postconditions = append([]string(nil), a.Postconditions...)
	out.Validators = append([]string(nil), a.Validators...)
	if a.Fallbacks != nil {
		out.Fallbacks = make([]ActionContract, len(a.Fallbacks))
		for i, f := range a.Fallbacks {
			out.Fallbacks[i] = f.Clone()
		}
	}
	return out
}

// Alternate returns the first fallback standing in for a. The fallback keeps
// a's id and dependencies so the rest of the plan is unaffected, and inherits
// the remaining fallbacks.
func (a ActionContract) Alternate() (ActionContract, bool) {
	if len(a.Fallbacks) == 0 {
		return ActionContract{}, false
	}
	alt := a.Fallbacks[0].Clone()
	alt.ID = a.ID
	if len(alt.DependsOn) == 0 {
		alt.DependsOn = append([]string(nil), a.DependsOn...)
	}
	if len(alt.Outputs) == 0 {
		alt.Outputs = append([]string(nil), a.Outputs...)
	}
	rest := make([]ActionContract, 0, len(a.Fallbacks)-1)
	for _, f := range a.Fallbacks[1:] {
		rest = append(rest, f.Clone())
	}
	alt.Fallbacks = append(rest, alt.Fallbacks...)
	return alt, true
}

// Plan is a versioned DAG of actions. Order matters only between actions
// that are ready at the same time.
type Plan struct {
	ID        string           `json:"id" yaml:"id"`
	BriefID   string           `json:"brief_id" yaml:"brief_id"`
	Version   int              `json:"version" yaml:"version"`
	Actions   []ActionContract `json:"actions" yaml:"actions"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" yaml:"updated_at"`
}

// NewPlan creates version 1 of a plan over actions.
func NewPlan(briefID string, actions []ActionContract) *Plan {
	now := time.Now().UTC()
	p := &Plan{
		ID:        uuid.NewString(),
		BriefID:   briefID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, a := range actions {
		p.Actions = append(p.Actions, a.Clone())
	}
	return p
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &plan, nil
}

func planError(planID string, format string, args ...interface{}) error {
	return NewError(KindValidation, "plan", planID, fmt.Errorf("%w: %s", ErrPlanInvalid, fmt.Sprintf(format, args...)))
}

// Validate rejects empty plans, duplicate ids, actions without a target,
// unknown dependencies and cycles.
func (p *Plan) Validate() error {
	if len(p.Actions) == 0 {
		return planError(p.ID, "plan has no actions")
	}
	index := make(map[string]int, len(p.Actions))
	for i, a := range p.Actions {
		if a.ID == "" {
			return planError(p.ID, "action %d has no id", i)
		}
		if _, dup := index[a.ID]; dup {
			return planError(p.ID, "duplicate action id %q", a.ID)
		}
		if !a.Kind.Valid() {
			return planError(p.ID, "action %q has unknown kind %q", a.ID, a.Kind)
		}
		if a.Target == "" {
			return planError(p.ID, "action %q has no target", a.ID)
		}
		index[a.ID] = i
	}
	for _, a := range p.Actions {
		for _, dep := range a.DependsOn {
			if _, ok := index[dep]; !ok {
				return planError(p.ID, "action %q depends on unknown action %q", a.ID, dep)
			}
			if dep == a.ID {
				return planError(p.ID, "action %q depends on itself", a.ID)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(p.Actions))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return planError(p.ID, "dependency cycle through %q", id)
		case visited:
			return nil
		}
		state[id] = visiting
		for _, dep := range p.Actions[index[id]].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for _, a := range p.Actions {
		if err := visit(a.ID); err != nil {
			return err
		}
	}
	return nil
}

// Index returns the position of the action with id, or -1.
func (p *Plan) Index(id string) int {
	for i, a := range p.Actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// Action returns the action with id.
func (p *Plan) Action(id string) (ActionContract, bool) {
	if i := p.Index(id); i >= 0 {
		return p.Actions[i], true
	}
	return ActionContract{}, false
}

// Ready returns, in plan order, the actions not yet done whose dependencies are all done.
func (p *Plan) Ready(done map[string]bool) []ActionContract {
	var out []ActionContract
	for _, a := range p.Actions {
		if done[a.ID] {
			continue
		}
		ready := true
		for _, dep := range a.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, a)
		}
	}
	return out
}

// Complete reports whether every action is done.
func (p *Plan) Complete(done map[string]bool) bool {
	for _, a := range p.Actions {
		if !done[a.ID] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := *p
	out.Actions = make([]ActionContract, len(p.Actions))
	for i, a := range p.Actions {
		out.Actions[i] = a.Clone()
	}
	return &out
}

// YAML renders the plan as YAML.
func (p *Plan) YAML() (string, error) {
	b, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan: %w", err)
	}
	return string(b), nil
}

// PatchOpType names a plan edit.
type PatchOpType string

const (
	OpReplace     PatchOpType = "replace"
	OpAddAfter    PatchOpType = "add_after"
	OpRemove      PatchOpType = "remove"
	OpReorder     PatchOpType = "reorder"
	OpParamUpdate PatchOpType = "param_update"
)

// PatchOp is one edit of a PlanPatch.
type PatchOp struct {
	Type     PatchOpType     `json:"type" yaml:"type"`
	ActionID string          `json:"action_id,omitempty" yaml:"action_id,omitempty"`
	Action   *ActionContract `json:"action,omitempty" yaml:"action,omitempty"`
	// Order lists every action id in the new order (reorder only).
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`
	// Params are merged into the action params; a nil value removes the key.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// PlanPatch is an audited set of edits against one plan version.
type PlanPatch struct {
	ID          string    `json:"id" yaml:"id"`
	PlanID      string    `json:"plan_id" yaml:"plan_id"`
	BaseVersion int       `json:"base_version" yaml:"base_version"`
	Ops         []PatchOp `json:"ops" yaml:"ops"`
	Reason      string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Author      string    `json:"author,omitempty" yaml:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// NewPlanPatch creates a patch against the current version of plan.
func NewPlanPatch(plan *Plan, author, reason string, ops ...PatchOp) PlanPatch {
	return PlanPatch{
		ID:          uuid.NewString(),
		PlanID:      plan.ID,
		BaseVersion: plan.Version,
		Ops:         ops,
		Reason:      reason,
		Author:      author,
		CreatedAt:   time.Now().UTC(),
	}
}

// ObservationStatus is the outcome of executing an action.
type ObservationStatus string

const (
	StatusSuccess  ObservationStatus = "success"
	StatusFailed   ObservationStatus = "failed"
	StatusSkipped  ObservationStatus = "skipped"
	StatusViolated ObservationStatus = "violated"
)

// Metrics measured for one action attempt.
type Metrics struct {
	Cost             float64       `json:"cost" yaml:"cost"`
	Latency          time.Duration `json:"latency" yaml:"latency"`
	PromptTokens     int64         `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens" yaml:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens" yaml:"total_tokens"`
}

func (m Metrics) celValue() map[string]interface{} {
	return map[string]interface{}{
		"cost":              m.Cost,
		"latency_ms":        float64(m.Latency) / float64(time.Millisecond),
		"prompt_tokens":     m.PromptTokens,
		"completion_tokens": m.CompletionTokens,
		"total_tokens":      m.TotalTokens,
	}
}

// Observation is the standardized result of one action attempt.
type Observation struct {
	ActionID string            `json:"action_id" yaml:"action_id"`
	Attempt  int               `json:"attempt" yaml:"attempt"`
	Status   ObservationStatus `json:"status" yaml:"status"`
	Output   interface{}       `json:"output,omitempty" yaml:"output,omitempty"`
	Content  string            `json:"content,omitempty" yaml:"content,omitempty"`
	// Outputs holds the values for the action's declared outputs.
	Outputs    map[string]interface{} `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Artifacts  []string               `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Metrics    Metrics                `json:"metrics" yaml:"metrics"`
	Confidence float64                `json:"confidence" yaml:"confidence"`
	Violations []string               `json:"violations,omitempty" yaml:"violations,omitempty"`
	// FailedChecks lists the pre/postconditions and validators that did not hold.
	FailedChecks []string  `json:"failed_checks,omitempty" yaml:"failed_checks,omitempty"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	Retryable    bool      `json:"retryable,omitempty" yaml:"retryable,omitempty"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time `json:"finished_at" yaml:"finished_at"`
}

// Verdict is the controller's decision for an observation.
type Verdict string

const (
	VerdictContinue  Verdict = "continue"
	VerdictRetry     Verdict = "retry"
	VerdictAlternate Verdict = "alternate"
	VerdictReplan    Verdict = "replan"
	VerdictEscalate  Verdict = "escalate"
)

// Decision is what the coordinator should do next.
type Decision struct {
	Verdict   Verdict         `json:"verdict" yaml:"verdict"`
	Reason    string          `json:"reason" yaml:"reason"`
	Alternate *ActionContract `json:"alternate,omitempty" yaml:"alternate,omitempty"`
	// Trigger is set when the verdict is escalate.
	Trigger Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// Severity is an escalation tier, S1 the most severe.
type Severity string

const (
	S1 Severity = "S1"
	S2 Severity = "S2"
	S3 Severity = "S3"
	S4 Severity = "S4"
)

// Trigger names the condition that caused an escalation.
type Trigger string

const (
	TriggerPolicyViolation   Trigger = "policy_violation"
	TriggerBudgetExceeded    Trigger = "budget_exceeded"
	TriggerCapabilityMissing Trigger = "capability_missing"
	TriggerReplanExhausted   Trigger = "replan_exhausted"
	TriggerLowConfidence     Trigger = "low_confidence"
	TriggerDataDrift         Trigger = "data_drift"
)

// EscalationPayload is handed to a human operator.
type EscalationPayload struct {
	ID              string       `json:"id" yaml:"id"`
	Severity        Severity     `json:"severity" yaml:"severity"`
	Trigger         Trigger      `json:"trigger" yaml:"trigger"`
	Reason          string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	PlanID          string       `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	PlanVersion     int          `json:"plan_version,omitempty" yaml:"plan_version,omitempty"`
	ActionID        string       `json:"action_id,omitempty" yaml:"action_id,omitempty"`
	ProposedFix     string       `json:"proposed_fix,omitempty" yaml:"proposed_fix,omitempty"`
	SafeNextActions []string     `json:"safe_next_actions,omitempty" yaml:"safe_next_actions,omitempty"`
	Observation     *Observation `json:"observation,omitempty" yaml:"observation,omitempty"`
	CreatedAt       time.Time    `json:"created_at" yaml:"created_at"`
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
