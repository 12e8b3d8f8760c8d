package swarm

import (
	"context"
	"reflect"

	"github.com/openai/openai-go"
)

// Tool represents a callable capability that agents and plans can invoke.
type Tool interface {
	// Call executes the tool with given arguments
	Call(ctx context.Context, args map[string]interface{}) (interface{}, error)
	// Description returns the tool's documentation
	Description() string
	// Name returns the tool's name
	Name() string
	// Parameters returns the tool's parameters
	Parameters() []Parameter
}

// ToolFunc is the function signature wrapped by NewTool.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type funcTool struct {
	fn     ToolFunc
	desc   string
	name   string
	params []Parameter
}

func (f *funcTool) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f.fn(ctx, args)
}

func (f *funcTool) Description() string {
	return f.desc
}

func (f *funcTool) Name() string {
	return f.name
}

func (f *funcTool) Parameters() []Parameter {
	return f.params
}

// NewTool creates a Tool from a function and description.
func NewTool(name string, desc string, fn ToolFunc, parameters []Parameter) Tool {
	return &funcTool{
		fn:     fn,
		desc:   desc,
		name:   name,
		params: parameters,
	}
}

// Parameter describes a single tool argument.
type Parameter struct {
	Name        string
	Description string
	Type        reflect.Type
	Required    bool
}

// Agent represents an AI agent with its configuration and capabilities.
type Agent struct {
	// Name identifies the agent
	Name string

	// Model specifies the OpenAI model to use (e.g., "gpt-4o")
	Model string

	// Instructions can be either a string or a function returning a string
	// that provides the system message for the agent
	Instructions interface{}

	// Description is shown to planners when choosing an agent for a task
	Description string

	// Capabilities are free-form tags matched by the capability verifier
	Capabilities []string

	// Tools that this agent can call
	Tools []Tool

	// ToolChoice specifies how the agent should use tools
	ToolChoice *openai.ChatCompletionToolChoiceOptionUnionParam

	// ParallelToolCalls indicates if multiple tools can be called in parallel
	ParallelToolCalls bool
}

// Usage aggregates token consumption across completions.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens" yaml:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens" yaml:"total_tokens"`
	Cost             float64 `json:"cost" yaml:"cost"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// Response encapsulates the complete response from an agent interaction.
type Response struct {
	// Messages contains the conversation history produced during the run
	Messages []map[string]interface{}

	// Agent is the current active agent (may change during conversation)
	Agent *Agent

	// ContextVariables stores shared context between tool calls
	ContextVariables map[string]interface{}

	// Usage is the token usage summed over every completion in the run
	Usage Usage
}

// Content returns the content of the last assistant message.
func (r *Response) Content() string {
	if r == nil {
		return ""
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if role, _ := r.Messages[i]["role"].(string); role == "assistant" {
			content, _ := r.Messages[i]["content"].(string)
			return content
		}
	}
	return ""
}

// Result encapsulates the return value from a tool.
type Result struct {
	// Value contains the tool's string output
	Value string

	// Agent optionally specifies a new agent to switch to
	Agent *Agent

	// ContextVariables allows tools to update shared context
	ContextVariables map[string]interface{}
}

// NewAgent creates a new Agent with default values.
func NewAgent(name string) *Agent {
	return &Agent{
		Name:              name,
		Model:             "gpt-4o",
		Instructions:      "You are a helpful agent.",
		Tools:             make([]Tool, 0),
		ParallelToolCalls: true,
	}
}

// WithModel sets the model for the agent and returns the agent for chaining.
func (a *Agent) WithModel(model string) *Agent {
	a.Model = model
	return a
}

// WithInstructions sets the instructions for the agent and returns the agent for chaining.
func (a *Agent) WithInstructions(instructions interface{}) *Agent {
	a.Instructions = instructions
	return a
}

// WithDescription sets the planner-facing description.
func (a *Agent) WithDescription(desc string) *Agent {
	a.Description = desc
	return a
}

// WithCapabilities replaces the agent's capability tags.
func (a *Agent) WithCapabilities(caps ...string) *Agent {
	a.Capabilities = append([]string(nil), caps...)
	return a
}

// AddTool adds a tool to the agent's capabilities and returns the agent for chaining.
func (a *Agent) AddTool(t Tool) *Agent {
	a.Tools = append(a.Tools, t)
	return a
}

// HasCapability reports whether the agent carries the given tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// HandoffTool returns a tool that transfers the conversation to target.
func HandoffTool(target *Agent) Tool {
	return NewTool(
		"transfer_to_"+target.Name,
		"Transfer the conversation to "+target.Name,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return &Result{
				Value: "Transferred to " + target.Name,
				Agent: target,
			}, nil
		},
		nil,
	)
}
