package swarm

import (
	"fmt"
	"sort"
	"strings"
)

// CapabilityReport lists what a set of actions references and what is unavailable.
type CapabilityReport struct {
	Checked  []string `json:"checked"`
	Missing  []string `json:"missing,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
	// Invalid lists condition expressions that do not compile.
	Invalid []string `json:"invalid,omitempty"`
}

// OK reports whether every reference resolved and every expression compiled.
func (r CapabilityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Disabled) == 0 && len(r.Invalid) == 0
}

// Err returns nil for an OK report, ErrCapabilityMissing for unresolved
// references and ErrPlanInvalid for bad expressions.
func (r CapabilityReport) Err() error {
	if unavailable := append(append([]string(nil), r.Missing...), r.Disabled...); len(unavailable) > 0 {
		return NewError(KindNotFound, "verify", "", fmt.Errorf("%w: %s", ErrCapabilityMissing, strings.Join(unavailable, ", ")))
	}
	if len(r.Invalid) > 0 {
		return NewError(KindValidation, "verify", "", fmt.Errorf("%w: %s", ErrPlanInvalid, strings.Join(r.Invalid, "; ")))
	}
	return nil
}

// CapabilityVerifier checks planned actions against a registry.
type CapabilityVerifier struct {
	Registry *Registry
	// Conditions, when set, is used to compile every condition expression.
	Conditions *Conditions
}

// NewCapabilityVerifier creates a verifier over reg.
func NewCapabilityVerifier(reg *Registry, conds *Conditions) *CapabilityVerifier {
	return &CapabilityVerifier{Registry: reg, Conditions: conds}
}

// CheckCandidates reports on every action of every candidate, fallbacks included.
func (v *CapabilityVerifier) CheckCandidates(candidates []Candidate) CapabilityReport {
	var actions []ActionContract
	for _, c := range candidates {
		actions = append(actions, c.Actions...)
	}
	return v.Check(actions)
}

// CheckPlan reports on every action of plan, fallbacks included.
func (v *CapabilityVerifier) CheckPlan(plan *Plan) CapabilityReport {
	return v.Check(plan.Actions)
}

// VerifyPlan returns the report error for plan.
func (v *CapabilityVerifier) VerifyPlan(plan *Plan) error {
	return v.CheckPlan(plan).Err()
}

// Check reports on actions and their fallbacks.
func (v *CapabilityVerifier) Check(actions []ActionContract) CapabilityReport {
	checked := make(map[string]bool)
	missing := make(map[string]bool)
	disabled := make(map[string]bool)
	invalid := make(map[string]bool)

	var walk func(a ActionContract)
	walk = func(a ActionContract) {
		ref := fmt.Sprintf("%s:%s", a.Kind, a.Target)
		if !checked[ref] {
			checked[ref] = true
			exists, enabled := v.Registry.Status(a.Kind, a.Target)
			switch {
			case !exists:
				missing[ref] = true
			case !enabled:
				disabled[ref] = true
			}
		}
		if v.Conditions != nil {
			for _, group := range [][]string{a.Preconditions, a.Postconditions, a.Validators} {
				for _, expr := range group {
					if err := v.Conditions.Compile(expr); err != nil {
						invalid[fmt.Sprintf("%s: %s", a.ID, expr)] = true
					}
				}
			}
		}
		for _, f := range a.Fallbacks {
			walk(f)
		}
	}
	for _, a := range actions {
		walk(a)
	}

	return CapabilityReport{
		Checked:  sortedKeys(checked),
		Missing:  sortedKeys(missing),
		Disabled: sortedKeys(disabled),
		Invalid:  sortedKeys(invalid),
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
