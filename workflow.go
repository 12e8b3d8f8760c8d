package swarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// WorkflowStep represents a single step in a workflow. A step either dispatches
// one request (Kind + Target) or runs a group of nested steps in parallel.
type WorkflowStep struct {
	ID       string                 `yaml:"id" json:"id"`
	Kind     TargetKind             `yaml:"kind,omitempty" json:"kind,omitempty"`
	Target   string                 `yaml:"target,omitempty" json:"target,omitempty"`
	Method   string                 `yaml:"method,omitempty" json:"method,omitempty"`
	Input    string                 `yaml:"input,omitempty" json:"input,omitempty"`
	Params   map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Output   string                 `yaml:"output,omitempty" json:"output,omitempty"`
	Timeout  time.Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry    *RetryPolicy           `yaml:"retry,omitempty" json:"retry,omitempty"`
	Parallel []WorkflowStep         `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	// MaxParallel bounds a parallel group (0 = unbounded)
	MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// OutputKey returns the context variable the step writes to.
func (s WorkflowStep) OutputKey() string {
	if s.Output != "" {
		return s.Output
	}
	return s.ID
}

// Workflow represents a sequence of steps to be executed
type Workflow struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps"`
}

// StepResult represents the result of a workflow step execution
type StepResult struct {
	StepID   string        `json:"step_id"`
	Output   interface{}   `json:"output"`
	Content  string        `json:"content"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
	Error    error         `json:"-"`
}

// WorkflowResult represents the result of a workflow execution
type WorkflowResult struct {
	Name    string                 `json:"name"`
	Results []StepResult           `json:"results"`
	Outputs map[string]interface{} `json:"outputs"`
	// Final is the content of the last completed step
	Final string `json:"final"`
	Usage Usage  `json:"usage"`
}

// LoadWorkflow loads and validates a workflow from a YAML file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes and validates a YAML workflow document.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var workflow Workflow
	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	return &workflow, nil
}

// Save writes the workflow to a YAML file.
func (w *Workflow) Save(path string) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}
	return nil
}

// Validate checks names, ids, kinds and targets.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return NewError(KindValidation, "workflow", "", errors.New("name is required"))
	}
	if len(w.Steps) == 0 {
		return NewError(KindValidation, "workflow", w.Name, errors.New("workflow must have at least one step"))
	}
	seen := make(map[string]bool)
	var check func(steps []WorkflowStep) error
	check = func(steps []WorkflowStep) error {
		for i, s := range steps {
			if s.ID == "" {
				return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("step %d has no id", i))
			}
			if seen[s.ID] {
				return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("duplicate step id %q", s.ID))
			}
			seen[s.ID] = true
			if len(s.Parallel) > 0 {
				if s.Target != "" {
					return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("step %q has both a target and a parallel group", s.ID))
				}
				if err := check(s.Parallel); err != nil {
					return err
				}
				continue
			}
			if !s.Kind.Valid() {
				return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("step %q has unknown kind %q", s.ID, s.Kind))
			}
			if s.Target == "" {
				return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("step %q has no target", s.ID))
			}
			if s.Kind == TargetWorkflow && s.Target == w.Name {
				return NewError(KindValidation, "workflow", w.Name, fmt.Errorf("step %q calls its own workflow", s.ID))
			}
		}
		return nil
	}
	return check(w.Steps)
}

// Run executes the steps in order through h, normally a Pipeline.
// Each step output is stored in the context variables under its output key and
// JSON object outputs are merged in as well. On failure the partial result is
// returned together with an error naming the step.
func (w *Workflow) Run(ctx context.Context, h Handler, inputs map[string]interface{}) (*WorkflowResult, error) {
	vars := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		vars[k] = v
	}
	result := &WorkflowResult{
		Name:    w.Name,
		Results: make([]StepResult, 0, len(w.Steps)),
		Outputs: vars,
	}
	var mu sync.Mutex

	for i := range w.Steps {
		step := &w.Steps[i]
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("workflow %s cancelled: %w", w.Name, err)
		}

		var results []StepResult
		var err error
		if len(step.Parallel) > 0 {
			results, err = w.runParallel(ctx, h, step, vars, &mu)
		} else {
			var r StepResult
			r, err = w.runStep(ctx, h, step, vars, &mu)
			results = []StepResult{r}
		}
		for _, r := range results {
			result.Usage.Add(r.Usage)
			if r.Error == nil {
				result.Final = r.Content
			}
		}
		result.Results = append(result.Results, results...)
		if err != nil {
			return result, fmt.Errorf("workflow %s failed at step %d (%s): %w", w.Name, i+1, step.ID, err)
		}
	}
	return result, nil
}

func (w *Workflow) runParallel(ctx context.Context, h Handler, group *WorkflowStep, vars map[string]interface{}, mu *sync.Mutex) ([]StepResult, error) {
	results := make([]StepResult, len(group.Parallel))
	g, gctx := errgroup.WithContext(ctx)
	if group.MaxParallel > 0 {
		g.SetLimit(group.MaxParallel)
	}
	for i := range group.Parallel {
		i := i
		g.Go(func() error {
			r, err := w.runStep(gctx, h, &group.Parallel[i], vars, mu)
			results[i] = r
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func (w *Workflow) runStep(ctx context.Context, h Handler, step *WorkflowStep, vars map[string]interface{}, mu *sync.Mutex) (StepResult, error) {
	mu.Lock()
	snapshot := cloneMap(vars)
	mu.Unlock()

	req := &Request{
		Kind:   step.Kind,
		Target: step.Target,
		Method: step.Method,
		Input:  Expand(step.Input, snapshot),
		Params: ExpandParams(step.Params, snapshot),
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	if step.Kind == TargetWorkflow {
		for k, v := range snapshot {
			if _, ok := req.Params[k]; !ok {
				req.Params[k] = v
			}
		}
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	start := time.Now()
	var reply *Reply
	call := func(int) error {
		var err error
		reply, err = h.Handle(stepCtx, req)
		return err
	}
	var err error
	if step.Retry != nil {
		err = step.Retry.Do(stepCtx, call)
	} else {
		err = call(0)
	}

	res := StepResult{StepID: step.ID, Duration: time.Since(start)}
	if err != nil {
		res.Error = err
		return res, err
	}
	res.Output = reply.Output
	res.Content = reply.Content
	res.Usage = reply.Usage

	mu.Lock()
	vars[step.OutputKey()] = reply.Output
	if obj, ok := reply.Output.(map[string]interface{}); ok {
		for k, v := range obj {
			vars[k] = v
		}
	} else if obj, ok := ParseJSONObject(reply.Content); ok {
		for k, v := range obj {
			vars[k] = v
		}
	}
	mu.Unlock()
	return res, nil
}
