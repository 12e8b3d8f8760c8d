package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/langswarm/langswarm-go/artifacts"
)

// Executor runs single actions through a Handler and reports Observations.
type Executor struct {
	Handler    Handler
	Conditions *Conditions
	// Artifacts, when set, receives the JSON output of every successful attempt.
	Artifacts artifacts.Store
	Logger    *slog.Logger

	now func() time.Time
}

// NewExecutor creates an executor dispatching through h.
func NewExecutor(h Handler, conds *Conditions) *Executor {
	return &Executor{Handler: h, Conditions: conds, now: time.Now}
}

func (e *Executor) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

// Execute runs one attempt of action against a snapshot of the run state.
// Dispatch failures are reported in the Observation; the returned error is
// non-nil only when ctx is done.
func (e *Executor) Execute(ctx context.Context, runID string, action ActionContract, state map[string]interface{}, attempt int) (*Observation, error) {
	logger := loggerOr(e.Logger).With("run_id", runID, "action", action.ID, "attempt", attempt)
	obs := &Observation{
		ActionID:  action.ID,
		Attempt:   attempt,
		StartedAt: e.clock(),
	}
	finish := func(status ObservationStatus) (*Observation, error) {
		obs.Status = status
		obs.FinishedAt = e.clock()
		logger.Debug("action finished", "status", status, "confidence", obs.Confidence)
		return obs, nil
	}

	inputs := make(map[string]interface{}, len(action.Inputs))
	var missing []string
	for _, key := range action.Inputs {
		v, ok := lookup(state, key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		inputs[key] = v
	}
	if len(missing) > 0 {
		obs.Error = fmt.Sprintf("missing inputs: %v", missing)
		for _, key := range missing {
			obs.FailedChecks = append(obs.FailedChecks, "input "+key)
		}
		return finish(StatusSkipped)
	}

	vars := map[string]interface{}{"inputs": inputs, "state": state}
	if len(action.Preconditions) > 0 {
		failed, err := e.Conditions.Check(action.Preconditions, vars)
		if err != nil {
			obs.Error = err.Error()
			return finish(StatusFailed)
		}
		if len(failed) > 0 {
			obs.FailedChecks = append(obs.FailedChecks, failed...)
			obs.Error = "preconditions not met"
			return finish(StatusSkipped)
		}
	}

	req := &Request{
		Kind:      action.Kind,
		Target:    action.Target,
		Method:    action.Method,
		Input:     Expand(action.Input, state),
		Params:    ExpandParams(action.Params, state),
		SessionID: runID,
		Metadata:  map[string]string{"action_id": action.ID, "attempt": fmt.Sprint(attempt)},
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}

	callCtx := ctx
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := e.Handler.Handle(callCtx, req)
	obs.Metrics.Latency = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		obs.Error = err.Error()
		obs.Retryable = IsRetryable(err)
		if KindOf(err) == KindPolicy {
			obs.Violations = append(obs.Violations, err.Error())
			return finish(StatusViolated)
		}
		logger.Warn("action dispatch failed", "error", err)
		return finish(StatusFailed)
	}

	output := normalizeOutput(reply.Output)
	obs.Output = output
	obs.Content = reply.Content
	obs.Metrics.Cost = reply.Usage.Cost
	obs.Metrics.PromptTokens = reply.Usage.PromptTokens
	obs.Metrics.CompletionTokens = reply.Usage.CompletionTokens
	obs.Metrics.TotalTokens = reply.Usage.TotalTokens
	obs.Outputs = declaredOutputs(action, output)

	vars = map[string]interface{}{
		"inputs":  inputs,
		"state":   state,
		"output":  output,
		"metrics": obs.Metrics.celValue(),
	}
	if len(action.Postconditions) > 0 {
		failed, err := e.Conditions.Check(action.Postconditions, vars)
		if err != nil {
			obs.Error = err.Error()
			return finish(StatusFailed)
		}
		if len(failed) > 0 {
			obs.FailedChecks = append(obs.FailedChecks, failed...)
			obs.Error = "postconditions not met"
			obs.Retryable = true
			return finish(StatusFailed)
		}
	}

	obs.Confidence = 1
	if len(action.Validators) > 0 {
		failed, err := e.Conditions.Check(action.Validators, vars)
		if err != nil {
			obs.Error = err.Error()
			return finish(StatusFailed)
		}
		obs.FailedChecks = append(obs.FailedChecks, failed...)
		obs.Confidence = float64(len(action.Validators)-len(failed)) / float64(len(action.Validators))
	}
	if c, ok := reportedConfidence(output); ok && c < obs.Confidence {
		obs.Confidence = c
	}

	if e.Artifacts != nil {
		if uri, err := e.storeArtifact(ctx, runID, action.ID, attempt, output); err != nil {
			logger.Warn("failed to store artifact", "error", err)
		} else {
			obs.Artifacts = append(obs.Artifacts, uri)
		}
	}
	return finish(StatusSuccess)
}

func (e *Executor) storeArtifact(ctx context.Context, runID, actionID string, attempt int, output interface{}) (string, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("encode output: %w", err)
	}
	if runID == "" {
		runID = "adhoc"
	}
	key := fmt.Sprintf("%s/%s-%d.json", runID, actionID, attempt)
	return e.Artifacts.Put(ctx, key, data, "application/json")
}

// declaredOutputs maps the action's declared outputs to values. Object outputs
// are looked up by key; a single declared output takes a non-object output
// whole. The whole output is always stored under the action id.
func declaredOutputs(action ActionContract, output interface{}) map[string]interface{} {
	out := map[string]interface{}{action.ID: output}
	obj, isObj := output.(map[string]interface{})
	for _, key := range action.Outputs {
		if isObj {
			if v, ok := lookup(obj, key); ok {
				out[key] = v
			}
			continue
		}
		if len(action.Outputs) == 1 && output != nil {
			out[key] = output
		}
	}
	return out
}

// normalizeOutput converts tool results into plain JSON values so conditions
// can inspect them.
func normalizeOutput(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64, int, int64, map[string]interface{}, []interface{}:
		return v
	case *Result:
		if obj, ok := ParseJSONObject(val.Value); ok {
			return obj
		}
		return val.Value
	case *Agent:
		return map[string]interface{}{"assistant": val.Name}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

func reportedConfidence(output interface{}) (float64, bool) {
	obj, ok := output.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch c := obj["confidence"].(type) {
	case float64:
		return clamp01(c), true
	case json.Number:
		f, err := c.Float64()
		return clamp01(f), err == nil
	}
	return 0, false
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
