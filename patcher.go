package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// AuditEntry records one applied patch.
type AuditEntry struct {
	PatchID       string    `json:"patch_id" yaml:"patch_id"`
	PlanID        string    `json:"plan_id" yaml:"plan_id"`
	BeforeVersion int       `json:"before_version" yaml:"before_version"`
	AfterVersion  int       `json:"after_version" yaml:"after_version"`
	Patch         PlanPatch `json:"patch" yaml:"patch"`
	Diff          string    `json:"diff" yaml:"diff"`
	AppliedAt     time.Time `json:"applied_at" yaml:"applied_at"`
}

// AuditSink persists audit entries outside the process.
type AuditSink interface {
	RecordPatch(ctx context.Context, entry AuditEntry) error
}

// Patcher applies plan patches and keeps the audit trail.
// It is safe for concurrent use.
type Patcher struct {
	Sink   AuditSink
	Logger *slog.Logger

	mu    sync.Mutex
	trail []AuditEntry
	now   func() time.Time
}

// NewPatcher creates a patcher; sink may be nil.
func NewPatcher(sink AuditSink) *Patcher {
	return &Patcher{Sink: sink, now: time.Now}
}

// Trail returns the audit entries recorded so far, oldest first.
func (p *Patcher) Trail() []AuditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AuditEntry(nil), p.trail...)
}

// Apply returns a new plan with patch applied. plan itself is not modified.
// The patch must be based on the plan's current version, and the result must
// validate; the new version is exactly one higher.
func (p *Patcher) Apply(ctx context.Context, plan *Plan, patch PlanPatch) (*Plan, error) {
	return p.ApplyChecked(ctx, plan, patch, nil)
}

// ApplyChecked is Apply with an extra check run on the patched plan before
// it is versioned and audited. A check error rejects the patch.
func (p *Patcher) ApplyChecked(ctx context.Context, plan *Plan, patch PlanPatch, check func(*Plan) error) (*Plan, error) {
	if patch.PlanID != "" && patch.PlanID != plan.ID {
		return nil, NewError(KindValidation, "patch", patch.ID,
			fmt.Errorf("%w: patch targets plan %s, not %s", ErrPatchConflict, patch.PlanID, plan.ID))
	}
	if patch.BaseVersion != plan.Version {
		return nil, NewError(KindValidation, "patch", patch.ID,
			fmt.Errorf("%w: base version %d, current version %d", ErrPatchConflict, patch.BaseVersion, plan.Version))
	}
	if len(patch.Ops) == 0 {
		return nil, NewError(KindValidation, "patch", patch.ID, fmt.Errorf("%w: patch has no operations", ErrPlanInvalid))
	}

	next := plan.Clone()
	for i, op := range patch.Ops {
		if err := applyOp(next, op); err != nil {
			return nil, NewError(KindValidation, "patch", patch.ID, fmt.Errorf("op %d (%s): %w", i, op.Type, err))
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(next); err != nil {
			return nil, err
		}
	}

	now := p.clock()
	next.Version = plan.Version + 1
	next.UpdatedAt = now.UTC()

	diff, err := PlanDiff(plan, next)
	if err != nil {
		return nil, err
	}
	entry := AuditEntry{
		PatchID:       patch.ID,
		PlanID:        plan.ID,
		BeforeVersion: plan.Version,
		AfterVersion:  next.Version,
		Patch:         patch,
		Diff:          diff,
		AppliedAt:     now.UTC(),
	}

	p.mu.Lock()
	p.trail = append(p.trail, entry)
	p.mu.Unlock()

	if p.Sink != nil {
		if err := p.Sink.RecordPatch(ctx, entry); err != nil {
			loggerOr(p.Logger).Warn("failed to persist plan patch", "plan_id", plan.ID, "patch_id", patch.ID, "error", err)
		}
	}
	loggerOr(p.Logger).Info("plan patched", "plan_id", plan.ID, "version", next.Version, "reason", patch.Reason)
	return next, nil
}

func (p *Patcher) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func applyOp(plan *Plan, op PatchOp) error {
	switch op.Type {
	case OpReplace:
		i := plan.Index(op.ActionID)
		if i < 0 {
			return fmt.Errorf("%w: unknown action %q", ErrPlanInvalid, op.ActionID)
		}
		if op.Action == nil {
			return fmt.Errorf("%w: replace needs an action", ErrPlanInvalid)
		}
		action := op.Action.Clone()
		if action.ID == "" {
			action.ID = op.ActionID
		}
		plan.Actions[i] = action
		if action.ID != op.ActionID {
			renameDependency(plan, op.ActionID, action.ID)
		}

	case OpAddAfter:
		if op.Action == nil {
			return fmt.Errorf("%w: add_after needs an action", ErrPlanInvalid)
		}
		pos := len(plan.Actions)
		if op.ActionID != "" {
			i := plan.Index(op.ActionID)
			if i < 0 {
				return fmt.Errorf("%w: unknown action %q", ErrPlanInvalid, op.ActionID)
			}
			pos = i + 1
		}
		action := op.Action.Clone()
		plan.Actions = append(plan.Actions, ActionContract{})
		copy(plan.Actions[pos+1:], plan.Actions[pos:])
		plan.Actions[pos] = action

	case OpRemove:
		i := plan.Index(op.ActionID)
		if i < 0 {
			return fmt.Errorf("%w: unknown action %q", ErrPlanInvalid, op.ActionID)
		}
		removed := plan.Actions[i]
		plan.Actions = append(plan.Actions[:i], plan.Actions[i+1:]...)
		// dependents inherit the removed action's dependencies
		for j := range plan.Actions {
			plan.Actions[j].DependsOn = replaceDependency(plan.Actions[j].DependsOn, removed.ID, removed.DependsOn)
		}

	case OpReorder:
		if len(op.Order) != len(plan.Actions) {
			return fmt.Errorf("%w: reorder lists %d of %d actions", ErrPlanInvalid, len(op.Order), len(plan.Actions))
		}
		reordered := make([]ActionContract, 0, len(op.Order))
		seen := make(map[string]bool, len(op.Order))
		for _, id := range op.Order {
			i := plan.Index(id)
			if i < 0 || seen[id] {
				return fmt.Errorf("%w: reorder has unknown or repeated action %q", ErrPlanInvalid, id)
			}
			seen[id] = true
			reordered = append(reordered, plan.Actions[i])
		}
		plan.Actions = reordered

	case OpParamUpdate:
		i := plan.Index(op.ActionID)
		if i < 0 {
			return fmt.Errorf("%w: unknown action %q", ErrPlanInvalid, op.ActionID)
		}
		if len(op.Params) == 0 {
			return fmt.Errorf("%w: param_update needs params", ErrPlanInvalid)
		}
		if plan.Actions[i].Params == nil {
			plan.Actions[i].Params = make(map[string]interface{}, len(op.Params))
		}
		for k, v := range op.Params {
			if v == nil {
				delete(plan.Actions[i].Params, k)
				continue
			}
			plan.Actions[i].Params[k] = deepCopyValue(v)
		}

	default:
		return fmt.Errorf("%w: unknown patch operation %q", ErrPlanInvalid, op.Type)
	}
	return nil
}

func renameDependency(plan *Plan, from, to string) {
	for j := range plan.Actions {
		for k, dep := range plan.Actions[j].DependsOn {
			if dep == from {
				plan.Actions[j].DependsOn[k] = to
			}
		}
	}
}

func replaceDependency(deps []string, id string, with []string) []string {
	found := false
	for _, d := range deps {
		if d == id {
			found = true
			break
		}
	}
	if !found {
		return deps
	}
	out := make([]string, 0, len(deps)+len(with))
	seen := make(map[string]bool)
	for _, d := range deps {
		if d == id {
			for _, w := range with {
				if !seen[w] {
					seen[w] = true
					out = append(out, w)
				}
			}
			continue
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// PlanDiff renders a unified diff between the YAML forms of two plans.
func PlanDiff(a, b *Plan) (string, error) {
	before, err := a.YAML()
	if err != nil {
		return "", err
	}
	after, err := b.YAML()
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: fmt.Sprintf("plan@v%d", a.Version),
		ToFile:   fmt.Sprintf("plan@v%d", b.Version),
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff plan versions: %w", err)
	}
	return text, nil
}
