package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RunStatus is the final state of a coordinator run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunEscalated RunStatus = "escalated"
	RunCancelled RunStatus = "cancelled"
)

// DecisionRecord ties a controller decision to the attempt it judged.
type DecisionRecord struct {
	ActionID    string `json:"action_id" yaml:"action_id"`
	Attempt     int    `json:"attempt" yaml:"attempt"`
	PlanVersion int    `json:"plan_version" yaml:"plan_version"`
	Decision
}

// RunReport summarises a coordinator run.
type RunReport struct {
	RunID              string                 `json:"run_id" yaml:"run_id"`
	BriefID            string                 `json:"brief_id" yaml:"brief_id"`
	Status             RunStatus              `json:"status" yaml:"status"`
	Error              string                 `json:"error,omitempty" yaml:"error,omitempty"`
	Plan               *Plan                  `json:"plan,omitempty" yaml:"plan,omitempty"`
	Capabilities       CapabilityReport       `json:"capabilities" yaml:"capabilities"`
	Observations       []Observation          `json:"observations" yaml:"observations"`
	Decisions          []DecisionRecord       `json:"decisions" yaml:"decisions"`
	Escalations        []EscalationPayload    `json:"escalations,omitempty" yaml:"escalations,omitempty"`
	Patches            []AuditEntry           `json:"patches,omitempty" yaml:"patches,omitempty"`
	Spend              Spend                  `json:"spend" yaml:"spend"`
	Outputs            map[string]interface{} `json:"outputs" yaml:"outputs"`
	AcceptanceFailures []string               `json:"acceptance_failures,omitempty" yaml:"acceptance_failures,omitempty"`
	StartedAt          time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt         time.Time              `json:"finished_at" yaml:"finished_at"`
}

// EventSink persists lifecycle events.
type EventSink interface {
	RecordEvent(ctx context.Context, e Event) error
}

// Coordinator drives the plan, execute, observe, decide loop for a brief.
type Coordinator struct {
	Planner    Planner
	Verifier   *CapabilityVerifier
	Executor   *Executor
	Patcher    *Patcher
	Router     *EscalationRouter
	Conditions *Conditions
	Policy     Policy

	// MaxParallel bounds how many ready actions run at once (default 4).
	MaxParallel int
	// MaxIterations bounds scheduling rounds per run (default 100).
	MaxIterations int

	// Events, when set, receives lifecycle events without blocking the run.
	Events    *Context
	EventSink EventSink
	Logger    *slog.Logger
}

// NewCoordinator wires the default components around planner, reg and h.
func NewCoordinator(planner Planner, reg *Registry, h Handler) (*Coordinator, error) {
	conds, err := NewConditions()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		Planner:       planner,
		Verifier:      NewCapabilityVerifier(reg, conds),
		Executor:      NewExecutor(h, conds),
		Patcher:       NewPatcher(nil),
		Router:        NewEscalationRouter(nil),
		Conditions:    conds,
		Policy:        DefaultPolicy(),
		MaxParallel:   4,
		MaxIterations: 100,
	}, nil
}

type run struct {
	c        *Coordinator
	brief    TaskBrief
	report   *RunReport
	plan     *Plan
	ctrl     *Controller
	state    map[string]interface{}
	done     map[string]bool
	attempts map[string]int
	logger   *slog.Logger
}

// Run executes brief to completion, failure or a halting escalation. The
// report is returned in every case once the brief is accepted; the error is
// non-nil unless the run completed and its acceptance tests passed.
func (c *Coordinator) Run(ctx context.Context, brief *TaskBrief) (*RunReport, error) {
	if brief == nil {
		return nil, NewError(KindValidation, "run", "", errors.New("brief cannot be nil"))
	}
	if err := brief.Validate(); err != nil {
		return nil, err
	}
	b := *brief
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	r := &run{
		c:     c,
		brief: b,
		report: &RunReport{
			RunID:     uuid.NewString(),
			BriefID:   b.ID,
			StartedAt: time.Now().UTC(),
		},
		state:    deepCopyMap(b.Inputs),
		done:     make(map[string]bool),
		attempts: make(map[string]int),
	}
	if r.state == nil {
		r.state = make(map[string]interface{})
	}
	r.logger = loggerOr(c.Logger).With("run_id", r.report.RunID, "brief_id", b.ID)
	r.emit(ctx, EventRunStarted, map[string]interface{}{"objective": b.Objective})

	status, err := r.execute(ctx)

	rep := r.report
	rep.Status = status
	rep.FinishedAt = time.Now().UTC()
	rep.Plan = r.plan
	if r.ctrl != nil {
		rep.Spend = r.ctrl.Spend()
	}
	if r.plan != nil && c.Patcher != nil {
		for _, e := range c.Patcher.Trail() {
			if e.PlanID == r.plan.ID {
				rep.Patches = append(rep.Patches, e)
			}
		}
	}
	if err != nil {
		rep.Error = err.Error()
		r.emit(ctx, EventError, map[string]interface{}{"error": err.Error()})
	}
	r.emit(ctx, EventRunFinished, map[string]interface{}{"status": string(status)})
	r.logger.Info("run finished", "status", status, "observations", len(rep.Observations), "escalations", len(rep.Escalations))
	return rep, err
}

func (r *run) execute(ctx context.Context) (RunStatus, error) {
	c := r.c
	candidates, err := c.Planner.Brainstorm(ctx, &r.brief)
	if err != nil {
		return r.failed(ctx, fmt.Errorf("brainstorm: %w", err))
	}
	if len(candidates) == 0 {
		return r.failed(ctx, NewError(KindExecution, "brainstorm", r.brief.ID, errors.New("planner returned no candidates")))
	}

	// keep only candidates the registry can serve
	r.report.Capabilities = c.Verifier.CheckCandidates(candidates)
	feasible := candidates[:0:0]
	for _, cand := range candidates {
		rep := c.Verifier.Check(cand.Actions)
		if len(rep.Missing) == 0 && len(rep.Disabled) == 0 {
			feasible = append(feasible, cand)
		}
	}
	if len(feasible) == 0 {
		return r.escalateAndHalt(ctx, TriggerCapabilityMissing, r.report.Capabilities.Err().Error(), "", nil, r.report.Capabilities.Err())
	}

	plan, err := c.Planner.Plan(ctx, &r.brief, feasible)
	if err != nil {
		return r.failed(ctx, fmt.Errorf("plan: %w", err))
	}
	if err := plan.Validate(); err != nil {
		return r.failed(ctx, err)
	}
	r.plan = plan
	r.report.Capabilities = c.Verifier.CheckPlan(plan)
	if caps := r.report.Capabilities; len(caps.Missing) > 0 || len(caps.Disabled) > 0 {
		return r.escalateAndHalt(ctx, TriggerCapabilityMissing, caps.Err().Error(), "", nil, caps.Err())
	}
	if err := r.report.Capabilities.Err(); err != nil {
		return r.failed(ctx, err)
	}
	r.emit(ctx, EventPlanCreated, map[string]interface{}{"plan_id": plan.ID, "version": plan.Version, "actions": len(plan.Actions)})
	r.setStatus("plan_version", plan.Version)

	r.ctrl = NewController(c.Policy, r.brief.Constraints)
	r.ctrl.Observe(r.state)

	maxParallel := c.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	for iter := 0; !r.plan.Complete(r.done); iter++ {
		if err := ctx.Err(); err != nil {
			return RunCancelled, err
		}
		if iter >= maxIter {
			return r.failed(ctx, fmt.Errorf("%w: %d scheduling rounds", ErrBudgetExceeded, maxIter))
		}
		ready := r.plan.Ready(r.done)
		if len(ready) == 0 {
			return r.failed(ctx, NewError(KindInternal, "schedule", r.plan.ID, errors.New("no runnable actions left")))
		}
		if len(ready) > maxParallel {
			ready = ready[:maxParallel]
		}

		observations, err := r.executeBatch(ctx, ready)
		if err != nil {
			return RunCancelled, err
		}
		for _, obs := range observations {
			r.report.Observations = append(r.report.Observations, *obs)
		}
		for i, action := range ready {
			status, stop, err := r.judge(ctx, action, observations[i])
			if stop {
				return status, err
			}
		}
	}

	return r.accept(ctx)
}

func (r *run) executeBatch(ctx context.Context, actions []ActionContract) ([]*Observation, error) {
	snapshot := deepCopyMap(r.state)
	out := make([]*Observation, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	for i, action := range actions {
		r.attempts[action.ID]++
		attempt := r.attempts[action.ID]
		i, action := i, action
		r.emit(ctx, EventActionStarted, map[string]interface{}{
			"action_id": action.ID, "attempt": attempt, "kind": string(action.Kind), "target": action.Target,
		})
		g.Go(func() error {
			obs, err := r.c.Executor.Execute(gctx, r.report.RunID, action, snapshot, attempt)
			out[i] = obs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// judge applies the controller decision for one observation. stop is true
// when the run must end with status and err.
func (r *run) judge(ctx context.Context, action ActionContract, obs *Observation) (RunStatus, bool, error) {
	if data, err := ToMap(obs); err == nil {
		r.emit(ctx, EventObservation, data)
	}

	d := r.ctrl.Decide(action, obs)
	r.report.Decisions = append(r.report.Decisions, DecisionRecord{
		ActionID: action.ID, Attempt: obs.Attempt, PlanVersion: r.plan.Version, Decision: d,
	})
	r.emit(ctx, EventDecision, map[string]interface{}{
		"action_id": action.ID, "verdict": string(d.Verdict), "reason": d.Reason,
	})
	r.logger.Debug("decision", "action", action.ID, "attempt", obs.Attempt, "verdict", d.Verdict, "reason", d.Reason)

	switch d.Verdict {
	case VerdictContinue:
		r.commit(obs)
	case VerdictRetry:
	case VerdictAlternate:
		patch := NewPlanPatch(r.plan, "controller", d.Reason, PatchOp{Type: OpReplace, ActionID: action.ID, Action: d.Alternate})
		if err := r.applyPatch(ctx, patch); err != nil {
			return r.escalateOrSkip(ctx, patchTrigger(err), "fallback rejected: "+err.Error(), action.ID, obs)
		}
	case VerdictReplan:
		patch, err := r.c.Planner.Replan(ctx, r.plan, obs, d)
		if err == nil {
			err = r.applyPatch(ctx, *patch)
		}
		if err != nil {
			if ctx.Err() != nil {
				return RunCancelled, true, ctx.Err()
			}
			return r.escalateOrSkip(ctx, patchTrigger(err), "replan failed: "+err.Error(), action.ID, obs)
		}
	case VerdictEscalate:
		return r.escalateOrSkip(ctx, d.Trigger, d.Reason, action.ID, obs)
	}
	return "", false, nil
}

// escalateOrSkip escalates and, for tiers that do not halt, moves past the action.
// A successful observation still contributes its outputs.
func (r *run) escalateOrSkip(ctx context.Context, trigger Trigger, reason, actionID string, obs *Observation) (RunStatus, bool, error) {
	if r.escalate(ctx, trigger, reason, actionID, obs) {
		return RunEscalated, true, fmt.Errorf("%w: %s: %s", ErrEscalated, trigger, reason)
	}
	if obs != nil && obs.Status == StatusSuccess {
		r.commit(obs)
	} else {
		r.done[actionID] = true
	}
	return "", false, nil
}

func (r *run) commit(obs *Observation) {
	for k, v := range obs.Outputs {
		r.state[k] = v
	}
	r.done[obs.ActionID] = true
	r.ctrl.Observe(r.state)
}

func (r *run) applyPatch(ctx context.Context, patch PlanPatch) error {
	next, err := r.c.Patcher.ApplyChecked(ctx, r.plan, patch, r.c.Verifier.VerifyPlan)
	if err != nil {
		return err
	}
	before := r.plan.Version
	r.plan = next
	// a replaced or inserted action must run again under its new definition
	for _, op := range patch.Ops {
		if op.Type == OpReplace || op.Type == OpParamUpdate {
			delete(r.done, op.ActionID)
		}
	}
	r.emit(ctx, EventPlanPatched, map[string]interface{}{
		"plan_id": next.ID, "before": before, "after": next.Version, "reason": patch.Reason,
	})
	r.setStatus("plan_version", next.Version)
	return nil
}

// patchTrigger picks the escalation trigger for a rejected patch.
func patchTrigger(err error) Trigger {
	if errors.Is(err, ErrCapabilityMissing) {
		return TriggerCapabilityMissing
	}
	return TriggerReplanExhausted
}

var proposedFixes = map[Trigger]string{
	TriggerPolicyViolation:   "review the security policy or the action parameters",
	TriggerBudgetExceeded:    "raise the budget or narrow the objective",
	TriggerCapabilityMissing: "register or enable the missing agents, tools or workflows",
	TriggerReplanExhausted:   "inspect the failing action and supply a fallback",
	TriggerLowConfidence:     "review the output manually",
	TriggerDataDrift:         "check the producer of the drifting state key",
}

// escalate routes an escalation and reports whether it halts the run.
func (r *run) escalate(ctx context.Context, trigger Trigger, reason, actionID string, obs *Observation) bool {
	p := EscalationPayload{
		Trigger:     trigger,
		Reason:      reason,
		ActionID:    actionID,
		ProposedFix: proposedFixes[trigger],
		Observation: obs,
	}
	if r.plan != nil {
		p.PlanID = r.plan.ID
		p.PlanVersion = r.plan.Version
		for _, a := range r.plan.Ready(r.done) {
			if a.ID != actionID && !dependsOn(r.plan, a, actionID) {
				p.SafeNextActions = append(p.SafeNextActions, a.ID)
			}
		}
	}
	out, err := r.c.Router.Escalate(ctx, p)
	if err != nil {
		r.logger.Warn("escalation delivery failed", "error", err)
	}
	r.report.Escalations = append(r.report.Escalations, out.Payload)
	r.emit(ctx, EventEscalated, map[string]interface{}{
		"id": out.Payload.ID, "severity": string(out.Payload.Severity), "trigger": string(trigger),
		"action_id": actionID, "halt": out.Halt,
	})
	return out.Halt
}

func (r *run) escalateAndHalt(ctx context.Context, trigger Trigger, reason, actionID string, obs *Observation, cause error) (RunStatus, error) {
	if r.escalate(ctx, trigger, reason, actionID, obs) {
		return RunEscalated, fmt.Errorf("%w: %w", ErrEscalated, cause)
	}
	return r.failed(ctx, cause)
}

func dependsOn(plan *Plan, a ActionContract, id string) bool {
	seen := make(map[string]bool)
	var walk func(deps []string) bool
	walk = func(deps []string) bool {
		for _, d := range deps {
			if d == id {
				return true
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			if next, ok := plan.Action(d); ok && walk(next.DependsOn) {
				return true
			}
		}
		return false
	}
	return walk(a.DependsOn)
}

func (r *run) failed(ctx context.Context, err error) (RunStatus, error) {
	if ctx.Err() != nil {
		return RunCancelled, ctx.Err()
	}
	return RunFailed, err
}

// accept checks required outputs and acceptance tests against the final state.
func (r *run) accept(_ context.Context) (RunStatus, error) {
	var failures []string
	outputs := r.state
	if len(r.brief.RequiredOutputs) > 0 {
		outputs = make(map[string]interface{}, len(r.brief.RequiredOutputs))
		for _, key := range r.brief.RequiredOutputs {
			v, ok := lookup(r.state, key)
			if !ok {
				failures = append(failures, "missing output "+key)
				continue
			}
			outputs[key] = v
		}
	}
	r.report.Outputs = outputs

	if len(r.brief.AcceptanceTests) > 0 {
		failed, err := r.c.Conditions.Check(r.brief.AcceptanceTests, map[string]interface{}{
			"inputs": r.brief.Inputs,
			"state":  r.state,
			"output": outputs,
		})
		if err != nil {
			failures = append(failures, err.Error())
		}
		failures = append(failures, failed...)
	}
	if len(failures) > 0 {
		r.report.AcceptanceFailures = failures
		return RunFailed, NewError(KindValidation, "acceptance", r.brief.ID, errors.New(strings.Join(failures, "; ")))
	}
	return RunCompleted, nil
}

func (r *run) setStatus(key string, value interface{}) {
	if r.c.Events != nil {
		r.c.Events.Set(key, value)
	}
}

func (r *run) emit(ctx context.Context, t EventType, data map[string]interface{}) {
	ev := NewRunEvent(t, r.report.RunID, data)
	if r.c.Events != nil {
		r.c.Events.Set("run_id", r.report.RunID)
		r.c.Events.Set("last_event", string(t))
		if err := r.c.Events.Publish(ev); err != nil {
			r.logger.Debug("event not published", "type", t, "error", err)
		}
	}
	if r.c.EventSink != nil {
		if err := r.c.EventSink.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
			r.logger.Warn("failed to record event", "type", t, "error", err)
		}
	}
}
