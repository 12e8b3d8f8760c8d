package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
)

// ContextVariablesName is the key used to store context variables in tool arguments.
const ContextVariablesName = "context_variables"

// DefaultMaxTurns bounds an agent run when RunOptions.MaxTurns is zero.
const DefaultMaxTurns = 10

// ModelPrice is the USD price per thousand tokens for a model.
type ModelPrice struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// Swarm orchestrates interactions between agents and the language model.
// It handles message processing, tool execution, and response management.
type Swarm struct {
	// Client is the interface to the chat completion API
	Client LLMClient

	// Pricing maps model names to token prices used to fill Usage.Cost
	Pricing map[string]ModelPrice

	pipeline Handler
}

// RunOptions tunes a single agent run.
type RunOptions struct {
	// ContextVariables are shared with tools and instruction functions
	ContextVariables map[string]interface{}
	// ModelOverride replaces the agent's model when set
	ModelOverride string
	// MaxTurns bounds the number of completions (DefaultMaxTurns when zero)
	MaxTurns int
	// DisableTools stops the run at the first completion even if tools were requested
	DisableTools bool
	// JSONMode requests a JSON object response
	JSONMode bool
	// SessionID is propagated to tool requests routed through the pipeline
	SessionID string
	// Debug enables verbose tracing through DebugPrint
	Debug bool
}

// NewSwarm creates a new Swarm instance with the provided client.
func NewSwarm(client LLMClient) *Swarm {
	if client == nil {
		panic("LLM client cannot be nil")
	}
	return &Swarm{Client: client, Pricing: map[string]ModelPrice{}}
}

// NewDefaultSwarm creates a Swarm from OPENAI_API_KEY / OPENAI_API_BASE, falling
// back to the AZURE_OPENAI_* variables.
func NewDefaultSwarm() (*Swarm, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey != "" {
		return NewSwarm(NewOpenAIClientWithBaseURL(apiKey, os.Getenv("OPENAI_API_BASE"))), nil
	}

	azureAPIKey := os.Getenv("AZURE_OPENAI_API_KEY")
	azureAPIBase := os.Getenv("AZURE_OPENAI_API_BASE")
	azureAPIVersion := os.Getenv("AZURE_OPENAI_API_VERSION")

	var missingEnvs []string
	if azureAPIKey == "" {
		missingEnvs = append(missingEnvs, "AZURE_OPENAI_API_KEY")
	}
	if azureAPIBase == "" {
		missingEnvs = append(missingEnvs, "AZURE_OPENAI_API_BASE")
	}
	if len(missingEnvs) > 0 {
		return nil, fmt.Errorf("required environment variables not set: %s", strings.Join(missingEnvs, ", "))
	}

	return NewSwarm(NewAzureOpenAIClient(azureAPIKey, azureAPIBase, azureAPIVersion)), nil
}

// WithPipeline routes every tool call made by agents through h.
func (s *Swarm) WithPipeline(h Handler) *Swarm {
	s.pipeline = h
	return s
}

// getChatCompletion sends one chat completion request for the agent.
func (s *Swarm) getChatCompletion(
	ctx context.Context,
	agent *Agent,
	history []map[string]interface{},
	opts RunOptions,
) (*openai.ChatCompletion, error) {
	instructions, err := s.getInstructions(agent, opts.ContextVariables)
	if err != nil {
		return nil, err
	}

	model := opts.ModelOverride
	if model == "" {
		model = agent.Model
	}

	params := openai.ChatCompletionNewParams{
		Messages: prepareMessages(instructions, history, model),
		Model:    openai.ChatModel(model),
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	if tools := prepareTools(agent); len(tools) > 0 {
		params.Tools = tools
		if agent.ToolChoice != nil {
			params.ToolChoice = *agent.ToolChoice
		}
	}

	if opts.Debug {
		paramsJSON, err := json.Marshal(params)
		if err == nil {
			DebugPrint(true, "Getting chat completion for:", string(paramsJSON))
		}
	}

	completion, err := s.Client.CreateChatCompletion(ctx, params)
	if err != nil {
		return nil, NewError(KindExecution, "chat completion", agent.Name, err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, NewError(KindExecution, "chat completion", agent.Name, errors.New("no choices in response"))
	}
	return completion, nil
}

// getInstructions safely extracts instructions from the agent based on its type.
func (s *Swarm) getInstructions(agent *Agent, contextVariables map[string]interface{}) (string, error) {
	switch i := agent.Instructions.(type) {
	case string:
		return i, nil
	case func(map[string]interface{}) string:
		return i(contextVariables), nil
	case func() string:
		return i(), nil
	default:
		return "", ErrInvalidInstruction
	}
}

func (s *Swarm) usageOf(model string, completion *openai.ChatCompletion) Usage {
	u := Usage{
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	}
	if price, ok := s.Pricing[model]; ok {
		u.Cost = float64(u.PromptTokens)/1000*price.PromptPer1K +
			float64(u.CompletionTokens)/1000*price.CompletionPer1K
	}
	return u
}

func prepareTools(agent *Agent) []openai.ChatCompletionToolParam {
	var tools []openai.ChatCompletionToolParam
	for _, t := range agent.Tools {
		if t == nil {
			continue
		}
		schema := ToolSchema(t)
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name(),
				Description: openai.String(t.Description()),
				Parameters: openai.FunctionParameters{
					"type":       "object",
					"properties": schema["properties"],
					"required":   schema["required"],
				},
			},
		})
	}
	return tools
}

func prepareMessages(instructions string, history []map[string]interface{}, model string) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(instructions),
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "o1") || strings.Contains(lower, "o3") || strings.Contains(lower, "deepseek") {
		messages = []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(instructions),
		}
	}

	for _, msg := range history {
		content, _ := msg["content"].(string)
		role, _ := msg["role"].(string)

		switch role {
		case "user":
			messages = append(messages, openai.UserMessage(content))
		case "system":
			// The agent's instructions are the only system message.
		case "tool":
			toolCallID, _ := msg["tool_call_id"].(string)
			messages = append(messages, openai.ToolMessage(content, toolCallID))
		default:
			assistantMsg := openai.AssistantMessage(content)
			if toolCalls, ok := msg["tool_calls"].([]openai.ChatCompletionMessageToolCall); ok && len(toolCalls) > 0 {
				params := make([]openai.ChatCompletionMessageToolCallParam, len(toolCalls))
				for i, tc := range toolCalls {
					params[i] = openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: tc.Type,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					}
				}
				assistantMsg.OfAssistant.ToolCalls = params
			}
			messages = append(messages, assistantMsg)
		}
	}
	return messages
}

// handleToolResult normalises what a tool returned.
func handleToolResult(result interface{}) (*Result, error) {
	if result == nil {
		return &Result{}, nil
	}

	switch v := result.(type) {
	case *Result:
		return v, nil
	case *Agent:
		return &Result{
			Value: fmt.Sprintf(`{"assistant":"%s"}`, v.Name),
			Agent: v,
		}, nil
	case string:
		return &Result{Value: v}, nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool result: %w", err)
		}
		return &Result{Value: string(b)}, nil
	default:
		return &Result{Value: fmt.Sprintf("%v", v)}, nil
	}
}

// callTool runs one tool, through the pipeline when one is attached.
func (s *Swarm) callTool(ctx context.Context, tool Tool, args map[string]interface{}, opts RunOptions) (interface{}, error) {
	if s.pipeline == nil {
		return tool.Call(ctx, args)
	}
	resp, err := s.pipeline.Handle(ctx, &Request{
		Kind:      TargetTool,
		Target:    tool.Name(),
		Params:    args,
		SessionID: opts.SessionID,
		tool:      tool,
	})
	if err != nil {
		return nil, err
	}
	return resp.Output, nil
}

// handleToolCalls executes the tool calls of one completion.
func (s *Swarm) handleToolCalls(
	ctx context.Context,
	toolCalls []openai.ChatCompletionMessageToolCall,
	tools []Tool,
	opts RunOptions,
) (*Response, error) {
	if len(toolCalls) == 0 {
		return nil, fmt.Errorf("no tool calls provided")
	}

	contextVariables := opts.ContextVariables
	if contextVariables == nil {
		contextVariables = make(map[string]interface{})
	}

	toolMap := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t != nil {
			toolMap[t.Name()] = t
		}
	}

	response := &Response{
		Messages:         make([]map[string]interface{}, 0, len(toolCalls)),
		ContextVariables: cloneMap(contextVariables),
	}

	toolError := func(call openai.ChatCompletionMessageToolCall, msg string) {
		DebugPrint(opts.Debug, msg)
		response.Messages = append(response.Messages, map[string]interface{}{
			"role":         "tool",
			"tool_call_id": call.ID,
			"tool_name":    call.Function.Name,
			"content":      "Error: " + msg,
		})
	}

	for _, toolCall := range toolCalls {
		name := toolCall.Function.Name
		tool, exists := toolMap[name]
		if !exists {
			toolError(toolCall, fmt.Sprintf("Tool %q not found", name))
			continue
		}

		args := map[string]interface{}{}
		if strings.TrimSpace(toolCall.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err != nil {
				toolError(toolCall, fmt.Sprintf("Failed to parse arguments for tool %q: %v", name, err))
				continue
			}
		}
		args[ContextVariablesName] = response.ContextVariables

		rawResult, err := s.callTool(ctx, tool, args, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			toolError(toolCall, fmt.Sprintf("Tool %q execution failed: %v", name, err))
			continue
		}

		result, err := handleToolResult(rawResult)
		if err != nil {
			toolError(toolCall, fmt.Sprintf("Failed to handle result for tool %q: %v", name, err))
			continue
		}

		for k, v := range result.ContextVariables {
			response.ContextVariables[k] = v
		}
		if result.Agent != nil {
			response.Agent = result.Agent
		}

		message := map[string]interface{}{
			"role":         "tool",
			"tool_call_id": toolCall.ID,
			"tool_name":    name,
			"content":      result.Value,
		}
		if result.Agent != nil {
			message["agent"] = result.Agent.Name
		}
		response.Messages = append(response.Messages, message)
	}

	return response, nil
}

// Run executes an agent loop: it asks the model for a completion, runs any
// requested tools, follows handoffs and repeats until the model answers without
// tool calls or MaxTurns completions were made.
func (s *Swarm) Run(ctx context.Context, agent *Agent, messages []map[string]interface{}, opts RunOptions) (*Response, error) {
	if agent == nil {
		return nil, NewError(KindValidation, "run", "", errors.New("agent cannot be nil"))
	}
	if len(messages) == 0 {
		return nil, ErrEmptyMessages
	}
	if opts.ContextVariables == nil {
		opts.ContextVariables = make(map[string]interface{})
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	activeAgent := agent
	history := make([]map[string]interface{}, len(messages))
	copy(history, messages)
	initLen := len(messages)
	var usage Usage

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		completion, err := s.getChatCompletion(ctx, activeAgent, history, opts)
		if err != nil {
			return nil, err
		}
		model := opts.ModelOverride
		if model == "" {
			model = activeAgent.Model
		}
		usage.Add(s.usageOf(model, completion))

		choice := completion.Choices[0].Message
		message := map[string]interface{}{
			"content": choice.Content,
			"sender":  activeAgent.Name,
			"role":    "assistant",
		}
		if len(choice.ToolCalls) > 0 {
			message["tool_calls"] = choice.ToolCalls
		}

		DebugPrint(opts.Debug, "Received completion:", message)
		history = append(history, message)

		if len(choice.ToolCalls) == 0 || opts.DisableTools {
			DebugPrint(opts.Debug, "Ending turn.")
			break
		}

		response, err := s.handleToolCalls(ctx, choice.ToolCalls, activeAgent.Tools, opts)
		if err != nil {
			return nil, err
		}

		history = append(history, response.Messages...)
		for k, v := range response.ContextVariables {
			opts.ContextVariables[k] = v
		}
		if response.Agent != nil {
			activeAgent = response.Agent
		}
	}

	return &Response{
		Messages:         history[initLen:],
		Agent:            activeAgent,
		ContextVariables: opts.ContextVariables,
		Usage:            usage,
	}, nil
}
