package swarm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testWorkflowYAML = `
name: weather
steps:
  - id: fetch
    kind: tool
    target: get_weather
    params:
      location: ${city}
  - id: summary
    kind: agent
    target: summarizer
    input: "Summarise ${fetch}"
`

func TestWorkflowLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weather.yaml")
	if err := os.WriteFile(path, []byte(testWorkflowYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("Failed to load workflow: %v", err)
	}
	if wf.Name != "weather" || len(wf.Steps) != 2 {
		t.Fatalf("Unexpected workflow %+v", wf)
	}
	if wf.Steps[0].OutputKey() != "fetch" {
		t.Errorf("Expected output key to default to the step id, got %q", wf.Steps[0].OutputKey())
	}

	out := filepath.Join(dir, "copy.yaml")
	if err := wf.Save(out); err != nil {
		t.Fatalf("Failed to save workflow: %v", err)
	}
	again, err := LoadWorkflow(out)
	if err != nil {
		t.Fatalf("Failed to reload workflow: %v", err)
	}
	if again.Steps[1].Input != wf.Steps[1].Input {
		t.Errorf("Expected input to survive a save, got %q", again.Steps[1].Input)
	}
}

func TestWorkflowValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "valid", yaml: testWorkflowYAML},
		{name: "no name", yaml: "steps:\n  - id: a\n    kind: tool\n    target: t\n", wantErr: "name is required"},
		{name: "no steps", yaml: "name: x\n", wantErr: "at least one step"},
		{name: "missing id", yaml: "name: x\nsteps:\n  - kind: tool\n    target: t\n", wantErr: "has no id"},
		{name: "duplicate id", yaml: "name: x\nsteps:\n  - id: a\n    kind: tool\n    target: t\n  - id: a\n    kind: tool\n    target: t\n", wantErr: "duplicate step id"},
		{name: "bad kind", yaml: "name: x\nsteps:\n  - id: a\n    kind: robot\n    target: t\n", wantErr: "unknown kind"},
		{name: "no target", yaml: "name: x\nsteps:\n  - id: a\n    kind: tool\n", wantErr: "no target"},
		{name: "self call", yaml: "name: x\nsteps:\n  - id: a\n    kind: workflow\n    target: x\n", wantErr: "calls its own workflow"},
		{
			name:    "duplicate id inside parallel group",
			yaml:    "name: x\nsteps:\n  - id: g\n    parallel:\n      - id: g\n        kind: tool\n        target: t\n",
			wantErr: "duplicate step id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkflow([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
			if KindOf(err) != KindValidation {
				t.Errorf("Expected validation error, got %v", KindOf(err))
			}
		})
	}
}

func TestWorkflowRunPassesOutputs(t *testing.T) {
	wf, err := ParseWorkflow([]byte(testWorkflowYAML))
	if err != nil {
		t.Fatal(err)
	}

	var requests []*Request
	h := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		requests = append(requests, req)
		switch req.Target {
		case "get_weather":
			return &Reply{
				Output:  map[string]interface{}{"temperature": 72.0, "condition": "sunny"},
				Content: `{"temperature":72,"condition":"sunny"}`,
				Usage:   Usage{TotalTokens: 0},
			}, nil
		case "summarizer":
			return &Reply{Output: "warm and sunny", Content: "warm and sunny", Usage: Usage{TotalTokens: 12}}, nil
		}
		return nil, NewError(KindNotFound, "test", req.Target, ErrNotFound)
	})

	result, err := wf.Run(context.Background(), h, map[string]interface{}{"city": "Seattle"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if requests[0].Params["location"] != "Seattle" {
		t.Errorf("Expected input expansion in params, got %v", requests[0].Params)
	}
	if !strings.Contains(requests[1].Input, `"condition":"sunny"`) {
		t.Errorf("Expected the previous output in the next input, got %q", requests[1].Input)
	}
	if result.Final != "warm and sunny" {
		t.Errorf("Unexpected final %q", result.Final)
	}
	if result.Outputs["condition"] != "sunny" {
		t.Errorf("Expected object outputs merged into context, got %v", result.Outputs)
	}
	if result.Outputs["summary"] != "warm and sunny" {
		t.Errorf("Expected step output under its key, got %v", result.Outputs["summary"])
	}
	if result.Usage.TotalTokens != 12 {
		t.Errorf("Expected usage to be summed, got %d", result.Usage.TotalTokens)
	}
	if len(result.Results) != 2 {
		t.Errorf("Expected 2 step results, got %d", len(result.Results))
	}
}

func TestWorkflowRunStopsAtFailure(t *testing.T) {
	wf, err := ParseWorkflow([]byte(testWorkflowYAML))
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("backend down")
	h := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		return nil, boom
	})

	result, err := wf.Run(context.Background(), h, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "step 1 (fetch)") {
		t.Errorf("Expected the failing step in the error, got %v", err)
	}
	if result == nil || len(result.Results) != 1 || result.Results[0].Error == nil {
		t.Errorf("Expected a partial result with the failed step, got %+v", result)
	}
}

func TestWorkflowRunParallelGroup(t *testing.T) {
	wf, err := ParseWorkflow([]byte(`
name: fanout
steps:
  - id: group
    max_parallel: 2
    parallel:
      - id: a
        kind: tool
        target: slow
      - id: b
        kind: tool
        target: slow
      - id: c
        kind: tool
        target: slow
  - id: join
    kind: tool
    target: join
    params:
      parts: ["${a}", "${b}", "${c}"]
`))
	if err != nil {
		t.Fatal(err)
	}

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	var joined []interface{}
	h := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		if req.Target == "join" {
			mu.Lock()
			joined, _ = req.Params["parts"].([]interface{})
			mu.Unlock()
			return &Reply{Output: "joined", Content: "joined"}, nil
		}
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return &Reply{Output: "part", Content: "part"}, nil
	})

	result, err := wf.Run(context.Background(), h, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent steps, saw %d", peak.Load())
	}
	if len(joined) != 3 {
		t.Errorf("Expected all parallel outputs to reach the join step, got %v", joined)
	}
	if len(result.Results) != 4 {
		t.Errorf("Expected 4 step results, got %d", len(result.Results))
	}
}

func TestWorkflowRunStepRetryAndTimeout(t *testing.T) {
	wf := &Workflow{Name: "flaky", Steps: []WorkflowStep{{
		ID:      "call",
		Kind:    TargetTool,
		Target:  "flaky",
		Timeout: time.Second,
		Retry:   &RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}}}

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected the step timeout to set a deadline")
		}
		if calls.Add(1) < 3 {
			return nil, NewError(KindTimeout, "call", req.Target, context.DeadlineExceeded)
		}
		return &Reply{Output: "ok", Content: "ok"}, nil
	})

	result, err := wf.Run(context.Background(), h, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	if result.Final != "ok" {
		t.Errorf("Unexpected final %q", result.Final)
	}
}

func TestWorkflowThroughExecutor(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(NewTool("get_weather", "weather",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"city": args["location"], "condition": "rain"}, nil
		}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterAgent(NewAgent("summarizer")); err != nil {
		t.Fatal(err)
	}
	client := NewMockOpenAIClient(textCompletion("bring an umbrella", 8))
	exec := NewUnifiedExecutor(reg, NewSwarm(client))

	wf, err := ParseWorkflow([]byte(testWorkflowYAML))
	if err != nil {
		t.Fatal(err)
	}
	result, err := wf.Run(context.Background(), exec, map[string]interface{}{"city": "Seattle"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Final != "bring an umbrella" {
		t.Errorf("Unexpected final %q", result.Final)
	}
	if result.Outputs["city"] != "Seattle" {
		t.Errorf("Expected tool output merged into context, got %v", result.Outputs)
	}
}
