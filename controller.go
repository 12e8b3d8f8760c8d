package swarm

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Policy holds the controller thresholds. Zero limits are unlimited.
type Policy struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	MinConfidence float64       `yaml:"min_confidence" json:"min_confidence"`
	MaxCost       float64       `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
	MaxTokens     int64         `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxDuration   time.Duration `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	MaxReplans    int           `yaml:"max_replans" json:"max_replans"`
	// DriftKeys are state keys whose value type must not change between actions.
	DriftKeys []string `yaml:"drift_keys,omitempty" json:"drift_keys,omitempty"`
}

// DefaultPolicy returns the thresholds used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    2,
		MinConfidence: 0.6,
		MaxReplans:    3,
	}
}

// Spend is a snapshot of what a run has consumed.
type Spend struct {
	Cost     float64       `json:"cost" yaml:"cost"`
	Tokens   int64         `json:"tokens" yaml:"tokens"`
	Steps    int           `json:"steps" yaml:"steps"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
	Retries  int           `json:"retries" yaml:"retries"`
	Replans  int           `json:"replans" yaml:"replans"`
	Exceeded string        `json:"exceeded,omitempty" yaml:"exceeded,omitempty"`
}

// Controller judges observations against a Policy and the brief's budget.
// It is safe for concurrent use.
type Controller struct {
	policy Policy
	limits Budget

	mu       sync.Mutex
	started  time.Time
	spend    Spend
	attempts map[string]int
	types    map[string]string
	now      func() time.Time
}

// NewController creates a controller. The effective limits are the tighter of
// the policy and the budget.
func NewController(policy Policy, budget Budget) *Controller {
	limits := budget
	limits.MaxCost = tighter(limits.MaxCost, policy.MaxCost)
	limits.MaxTokens = int64(tighter(float64(limits.MaxTokens), float64(policy.MaxTokens)))
	limits.MaxDuration = time.Duration(tighter(float64(limits.MaxDuration), float64(policy.MaxDuration)))
	c := &Controller{
		policy:   policy,
		limits:   limits,
		attempts: make(map[string]int),
		types:    make(map[string]string),
		now:      time.Now,
	}
	c.started = c.now()
	return c
}

func tighter(a, b float64) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	}
	return b
}

// WithClock overrides the clock for deterministic testing. It restarts the run timer.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = clock
	c.started = clock()
	return c
}

// Spend returns a snapshot of the run's consumption.
func (c *Controller) Spend() Spend {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.spend
	s.Elapsed = c.now().Sub(c.started)
	return s
}

// Observe records the types of state values for drift detection.
func (c *Controller) Observe(state map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.policy.DriftKeys {
		if v, ok := state[key]; ok {
			c.types[key] = typeName(v)
		}
	}
}

func typeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}

func (c *Controller) maxRetries(action ActionContract) int {
	if action.MaxRetries > 0 {
		return action.MaxRetries
	}
	return c.policy.MaxRetries
}

// exceeded reports the first budget limit the spend has passed. Callers hold mu.
func (c *Controller) exceeded() string {
	elapsed := c.now().Sub(c.started)
	switch {
	case c.limits.MaxCost > 0 && c.spend.Cost > c.limits.MaxCost:
		return fmt.Sprintf("cost %.4f exceeds %.4f", c.spend.Cost, c.limits.MaxCost)
	case c.limits.MaxTokens > 0 && c.spend.Tokens > c.limits.MaxTokens:
		return fmt.Sprintf("tokens %d exceed %d", c.spend.Tokens, c.limits.MaxTokens)
	case c.limits.MaxDuration > 0 && elapsed > c.limits.MaxDuration:
		return fmt.Sprintf("elapsed %s exceeds %s", elapsed.Round(time.Millisecond), c.limits.MaxDuration)
	case c.limits.MaxSteps > 0 && c.spend.Steps > c.limits.MaxSteps:
		return fmt.Sprintf("steps %d exceed %d", c.spend.Steps, c.limits.MaxSteps)
	}
	return ""
}

// Decide records obs in the budget ledger and returns the next move for action.
// Rules are applied in order: budget, policy violations, failures, low
// confidence, data drift.
func (c *Controller) Decide(action ActionContract, obs *Observation) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spend.Cost += obs.Metrics.Cost
	c.spend.Tokens += obs.Metrics.TotalTokens
	c.spend.Steps++

	if reason := c.exceeded(); reason != "" {
		c.spend.Exceeded = reason
		return Decision{Verdict: VerdictEscalate, Trigger: TriggerBudgetExceeded, Reason: "budget exhausted: " + reason}
	}

	if obs.Status == StatusViolated || len(obs.Violations) > 0 {
		return Decision{Verdict: VerdictEscalate, Trigger: TriggerPolicyViolation,
			Reason: "policy violation: " + strings.Join(obs.Violations, "; ")}
	}

	switch obs.Status {
	case StatusFailed:
		if obs.Retryable && c.attempts[action.ID] < c.maxRetries(action) {
			return c.retry(action, "action failed: "+obs.Error)
		}
		if alt, ok := action.Alternate(); ok {
			delete(c.attempts, action.ID)
			return Decision{Verdict: VerdictAlternate, Alternate: &alt,
				Reason: fmt.Sprintf("action failed, switching to fallback %s/%s", alt.Kind, alt.Target)}
		}
		return c.replan(TriggerReplanExhausted, "action failed: "+obs.Error)
	case StatusSkipped:
		return c.replan(TriggerReplanExhausted, "action skipped: "+obs.Error)
	}

	if obs.Confidence < c.policy.MinConfidence {
		reason := fmt.Sprintf("confidence %.2f below %.2f", obs.Confidence, c.policy.MinConfidence)
		if c.attempts[action.ID] < c.maxRetries(action) {
			return c.retry(action, reason)
		}
		return c.replan(TriggerLowConfidence, reason)
	}

	if reason := c.drift(action, obs); reason != "" {
		return c.replan(TriggerDataDrift, reason)
	}

	delete(c.attempts, action.ID)
	return Decision{Verdict: VerdictContinue, Reason: "ok"}
}

func (c *Controller) retry(action ActionContract, reason string) Decision {
	c.attempts[action.ID]++
	c.spend.Retries++
	return Decision{Verdict: VerdictRetry,
		Reason: fmt.Sprintf("%s (retry %d/%d)", reason, c.attempts[action.ID], c.maxRetries(action))}
}

// replan asks for a replan, or escalates with trigger once replans are exhausted.
func (c *Controller) replan(trigger Trigger, reason string) Decision {
	if c.spend.Replans >= c.policy.MaxReplans {
		return Decision{Verdict: VerdictEscalate, Trigger: trigger,
			Reason: fmt.Sprintf("%s; replan limit %d reached", reason, c.policy.MaxReplans)}
	}
	c.spend.Replans++
	return Decision{Verdict: VerdictReplan, Reason: reason}
}

func (c *Controller) drift(action ActionContract, obs *Observation) string {
	var missing []string
	for _, key := range action.Outputs {
		if _, ok := obs.Outputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return "declared outputs missing: " + strings.Join(missing, ", ")
	}
	for _, key := range c.policy.DriftKeys {
		v, ok := obs.Outputs[key]
		if !ok {
			continue
		}
		if prev, seen := c.types[key]; seen && prev != typeName(v) {
			return fmt.Sprintf("%s changed type from %s to %s", key, prev, typeName(v))
		}
	}
	return ""
}
