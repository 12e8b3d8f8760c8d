package swarm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

func TestNewSwarm(t *testing.T) {
	s := NewSwarm(NewMockOpenAIClient())
	if s.Client == nil {
		t.Error("Expected client to be initialized")
	}
	if s.Pricing == nil {
		t.Error("Expected pricing map to be initialized")
	}
}

func TestHandleToolResult(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
		agent    bool
	}{
		{name: "string result", input: "test string", expected: "test string"},
		{
			name: "result object",
			input: &Result{
				Value:            "test value",
				ContextVariables: map[string]interface{}{"test": "value"},
			},
			expected: "test value",
		},
		{name: "agent result", input: NewAgent("TestAgent"), expected: `{"assistant":"TestAgent"}`, agent: true},
		{name: "map result", input: map[string]interface{}{"a": 1}, expected: `{"a":1}`},
		{name: "number result", input: 42, expected: "42"},
		{name: "nil result", input: nil, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handleToolResult(tt.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.Value != tt.expected {
				t.Errorf("Expected value %q, got %q", tt.expected, result.Value)
			}
			if tt.agent && result.Agent == nil {
				t.Error("Expected agent handoff")
			}
		})
	}
}

func TestHandleToolCalls(t *testing.T) {
	s := NewSwarm(NewMockOpenAIClient())

	testTool := NewTool("testFunc", "Test function description",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "hello " + args["name"].(string), nil
		},
		[]Parameter{{Name: "name", Type: reflect.TypeOf(""), Description: "Test parameter", Required: true}},
	)
	errorTool := NewTool("errorFunc", "Error function description",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("test error")
		}, nil,
	)
	varsTool := NewTool("varsFunc", "Updates context variables",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return &Result{Value: "ok", ContextVariables: map[string]interface{}{"seen": true}}, nil
		}, nil,
	)
	tools := []Tool{testTool, errorTool, varsTool}

	call := func(id, name, args string) openai.ChatCompletionMessageToolCall {
		return openai.ChatCompletionMessageToolCall{
			ID:       id,
			Type:     "function",
			Function: openai.ChatCompletionMessageToolCallFunction{Name: name, Arguments: args},
		}
	}

	tests := []struct {
		name     string
		call     openai.ChatCompletionMessageToolCall
		contains string
		vars     map[string]interface{}
	}{
		{name: "success", call: call("1", "testFunc", `{"name": "test"}`), contains: "hello test"},
		{name: "tool error", call: call("2", "errorFunc", `{}`), contains: "execution failed"},
		{name: "unknown tool", call: call("3", "missing", `{}`), contains: "not found"},
		{name: "bad arguments", call: call("4", "testFunc", `{not json`), contains: "Failed to parse arguments"},
		{name: "context variables", call: call("5", "varsFunc", ``), contains: "ok", vars: map[string]interface{}{"seen": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, err := s.handleToolCalls(context.Background(),
				[]openai.ChatCompletionMessageToolCall{tt.call}, tools, RunOptions{})
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(response.Messages) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(response.Messages))
			}
			msg := response.Messages[0]
			if msg["tool_call_id"] != tt.call.ID {
				t.Errorf("Expected tool_call_id %q, got %v", tt.call.ID, msg["tool_call_id"])
			}
			content, _ := msg["content"].(string)
			if !strings.Contains(content, tt.contains) {
				t.Errorf("Expected content containing %q, got %q", tt.contains, content)
			}
			for k, v := range tt.vars {
				if response.ContextVariables[k] != v {
					t.Errorf("Expected context variable %s=%v, got %v", k, v, response.ContextVariables[k])
				}
			}
		})
	}
}

func TestHandleToolCallsEmpty(t *testing.T) {
	s := NewSwarm(NewMockOpenAIClient())
	if _, err := s.handleToolCalls(context.Background(), nil, nil, RunOptions{}); err == nil {
		t.Error("Expected error for empty tool calls")
	}
}

func TestRun(t *testing.T) {
	client := NewMockOpenAIClient(textCompletion("mock response", 20))
	s := NewSwarm(client)

	agent := NewAgent("TestAgent")
	response, err := s.Run(context.Background(), agent, []map[string]interface{}{
		{"role": "user", "content": "Hello"},
	}, RunOptions{MaxTurns: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(response.Messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(response.Messages))
	}
	if got := response.Content(); got != "mock response" {
		t.Errorf("Expected content %q, got %q", "mock response", got)
	}
	if response.Agent != agent {
		t.Error("Expected the starting agent to stay active")
	}
	if response.Usage.TotalTokens != 20 {
		t.Errorf("Expected 20 tokens, got %d", response.Usage.TotalTokens)
	}
}

func TestRunValidation(t *testing.T) {
	s := NewSwarm(NewMockOpenAIClient())
	msgs := []map[string]interface{}{{"role": "user", "content": "hi"}}

	if _, err := s.Run(context.Background(), nil, msgs, RunOptions{}); KindOf(err) != KindValidation {
		t.Errorf("Expected validation error for nil agent, got %v", err)
	}
	if _, err := s.Run(context.Background(), NewAgent("a"), nil, RunOptions{}); !errors.Is(err, ErrEmptyMessages) {
		t.Errorf("Expected ErrEmptyMessages, got %v", err)
	}
	agent := NewAgent("a").WithInstructions(42)
	if _, err := s.Run(context.Background(), agent, msgs, RunOptions{}); !errors.Is(err, ErrInvalidInstruction) {
		t.Errorf("Expected ErrInvalidInstruction, got %v", err)
	}
}

func TestRunToolLoopAndHandoff(t *testing.T) {
	spanish := NewAgent("spanish")
	english := NewAgent("english").AddTool(HandoffTool(spanish))

	client := NewMockOpenAIClient(
		toolCallCompletion("call-1", "transfer_to_spanish", `{}`),
		textCompletion("hola", 10),
	)
	s := NewSwarm(client)

	response, err := s.Run(context.Background(), english, []map[string]interface{}{
		{"role": "user", "content": "Hola"},
	}, RunOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response.Agent == nil || response.Agent.Name != "spanish" {
		t.Fatalf("Expected handoff to spanish, got %v", response.Agent)
	}
	if got := response.Content(); got != "hola" {
		t.Errorf("Expected final content %q, got %q", "hola", got)
	}
	// assistant tool call, tool result, final answer
	if len(response.Messages) != 3 {
		t.Errorf("Expected 3 messages, got %d", len(response.Messages))
	}
	if response.Usage.TotalTokens != 25 {
		t.Errorf("Expected usage summed over both completions, got %d", response.Usage.TotalTokens)
	}
	if client.Calls() != 2 {
		t.Errorf("Expected 2 completions, got %d", client.Calls())
	}
}

func TestRunMaxTurns(t *testing.T) {
	echo := NewTool("echo", "echo", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "again", nil
	}, nil)
	agent := NewAgent("looper").AddTool(echo)

	client := NewMockOpenAIClient(
		toolCallCompletion("1", "echo", `{}`),
		toolCallCompletion("2", "echo", `{}`),
		toolCallCompletion("3", "echo", `{}`),
	)
	s := NewSwarm(client)
	if _, err := s.Run(context.Background(), agent, []map[string]interface{}{
		{"role": "user", "content": "loop"},
	}, RunOptions{MaxTurns: 2}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.Calls() != 2 {
		t.Errorf("Expected the run to stop after 2 completions, got %d", client.Calls())
	}
}

func TestRunRoutesToolCallsThroughPipeline(t *testing.T) {
	var seen []string
	recorder := func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			seen = append(seen, string(req.Kind)+":"+req.Target)
			return next.Handle(ctx, req)
		})
	}

	tool := NewTool("lookup", "lookup", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "found", nil
	}, nil)
	agent := NewAgent("agent").AddTool(tool)

	client := NewMockOpenAIClient(toolCallCompletion("1", "lookup", `{}`), textCompletion("done", 4))
	s := NewSwarm(client)
	reg := NewRegistry()
	s.WithPipeline(NewPipeline(NewUnifiedExecutor(reg, s), recorder))

	if _, err := s.Run(context.Background(), agent, []map[string]interface{}{
		{"role": "user", "content": "go"},
	}, RunOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0] != "tool:lookup" {
		t.Errorf("Expected the tool call to pass the pipeline, got %v", seen)
	}
}

func TestRunPricing(t *testing.T) {
	client := NewMockOpenAIClient(textCompletion("priced", 2000))
	s := NewSwarm(client)
	s.Pricing["gpt-4o"] = ModelPrice{PromptPer1K: 0.01, CompletionPer1K: 0.03}

	response, err := s.Run(context.Background(), NewAgent("a"), []map[string]interface{}{
		{"role": "user", "content": "hi"},
	}, RunOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := 1.0*0.01 + 1.0*0.03
	if diff := response.Usage.Cost - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected cost %v, got %v", want, response.Usage.Cost)
	}
}

func TestRunCompletionError(t *testing.T) {
	client := NewMockOpenAIClient()
	client.FailNext(errors.New("boom"))
	s := NewSwarm(client)

	_, err := s.Run(context.Background(), NewAgent("a"), []map[string]interface{}{
		{"role": "user", "content": "hi"},
	}, RunOptions{})
	if KindOf(err) != KindExecution {
		t.Errorf("Expected execution error, got %v", err)
	}
}

func TestGetInstructions(t *testing.T) {
	s := NewSwarm(NewMockOpenAIClient())
	tests := []struct {
		name         string
		instructions interface{}
		vars         map[string]interface{}
		expected     string
		wantErr      bool
	}{
		{name: "string", instructions: "be brief", expected: "be brief"},
		{
			name: "func of vars",
			instructions: func(vars map[string]interface{}) string {
				return "hello " + vars["user"].(string)
			},
			vars:     map[string]interface{}{"user": "ada"},
			expected: "hello ada",
		},
		{name: "func", instructions: func() string { return "static" }, expected: "static"},
		{name: "invalid", instructions: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.getInstructions(&Agent{Instructions: tt.instructions}, tt.vars)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestPrepareMessages(t *testing.T) {
	history := []map[string]interface{}{
		{"role": "user", "content": "hi"},
		{"role": "system", "content": "ignored"},
		{"role": "assistant", "content": "hello"},
		{"role": "tool", "content": "result", "tool_call_id": "1"},
	}
	tests := []struct {
		model    string
		expected int
	}{
		{model: "gpt-4o", expected: 4},
		{model: "o1-mini", expected: 4},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			msgs := prepareMessages("instructions", history, tt.model)
			if len(msgs) != tt.expected {
				t.Errorf("Expected %d messages, got %d", tt.expected, len(msgs))
			}
		})
	}
}
