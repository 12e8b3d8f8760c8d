package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetKind selects what a Request is dispatched to.
type TargetKind string

const (
	TargetAgent    TargetKind = "agent"
	TargetTool     TargetKind = "tool"
	TargetWorkflow TargetKind = "workflow"
)

// Valid reports whether k is a known target kind.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetAgent, TargetTool, TargetWorkflow:
		return true
	}
	return false
}

// Request is a single routed call to an agent, tool or workflow.
type Request struct {
	ID        string                 `json:"id"`
	Kind      TargetKind             `json:"kind"`
	Target    string                 `json:"target"`
	Method    string                 `json:"method,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Input     string                 `json:"input,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	// Deadline, when set, bounds the whole request including retries.
	Deadline time.Time `json:"deadline,omitempty"`

	// tool short-circuits registry lookup for tools owned by an agent.
	tool Tool
}

// Reply is what the pipeline returns for a Request.
type Reply struct {
	Output   interface{}   `json:"output"`
	Content  string        `json:"content"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
	CacheHit bool          `json:"cache_hit"`
	// Agent is the agent active at the end of an agent run
	Agent *Agent `json:"-"`
}

// Handler handles a routed request.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Reply, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}

// Interceptor wraps a handler with cross-cutting behaviour.
type Interceptor func(next Handler) Handler

// Pipeline chains interceptors in front of a terminal handler.
// The first interceptor registered is the outermost.
type Pipeline struct {
	interceptors []Interceptor
	terminal     Handler
	chain        Handler
}

// NewPipeline creates a pipeline ending in terminal.
func NewPipeline(terminal Handler, interceptors ...Interceptor) *Pipeline {
	p := &Pipeline{terminal: terminal}
	p.Use(interceptors...)
	return p
}

// Use appends interceptors; they run after the ones already registered.
func (p *Pipeline) Use(interceptors ...Interceptor) *Pipeline {
	p.interceptors = append(p.interceptors, interceptors...)
	h := p.terminal
	for i := len(p.interceptors) - 1; i >= 0; i-- {
		h = p.interceptors[i](h)
	}
	p.chain = h
	return p
}

// Handle validates the request and runs it through the chain.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Reply, error) {
	if req == nil {
		return nil, NewError(KindValidation, "pipeline", "", errors.New("request cannot be nil"))
	}
	if !req.Kind.Valid() {
		return nil, NewError(KindValidation, "pipeline", req.Target, fmt.Errorf("unknown target kind %q", req.Kind))
	}
	if req.Target == "" {
		return nil, NewError(KindValidation, "pipeline", "", errors.New("target cannot be empty"))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	return p.chain.Handle(ctx, req)
}

// UnifiedExecutor is the terminal handler: it dispatches requests to agents,
// tools or sub-workflows found in the registry.
type UnifiedExecutor struct {
	Registry *Registry
	Swarm    *Swarm
	// Self is used to run sub-workflow steps; it should be the enclosing pipeline
	// so nested steps pass the same interceptors. Defaults to the executor itself.
	Self     Handler
	MaxTurns int
}

// NewUnifiedExecutor creates an executor over reg. sw may be nil when no agents are dispatched.
func NewUnifiedExecutor(reg *Registry, sw *Swarm) *UnifiedExecutor {
	return &UnifiedExecutor{Registry: reg, Swarm: sw}
}

// Handle implements Handler.
func (e *UnifiedExecutor) Handle(ctx context.Context, req *Request) (*Reply, error) {
	start := time.Now()
	var (
		reply *Reply
		err   error
	)
	switch req.Kind {
	case TargetAgent:
		reply, err = e.runAgent(ctx, req)
	case TargetTool:
		reply, err = e.runTool(ctx, req)
	case TargetWorkflow:
		reply, err = e.runWorkflow(ctx, req)
	default:
		err = NewError(KindValidation, "dispatch", req.Target, fmt.Errorf("unknown target kind %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}
	reply.Latency = time.Since(start)
	return reply, nil
}

func (e *UnifiedExecutor) runAgent(ctx context.Context, req *Request) (*Reply, error) {
	if e.Swarm == nil {
		return nil, NewError(KindValidation, "dispatch agent", req.Target, errors.New("no LLM client configured"))
	}
	agent, ok := e.Registry.Agent(req.Target)
	if !ok {
		return nil, NewError(KindNotFound, "dispatch agent", req.Target, ErrNotFound)
	}

	input := req.Input
	if input == "" {
		input = fmt.Sprintf("%v", req.Params)
	}
	vars := cloneMap(req.Params)
	jsonMode := req.Method == "json"

	resp, err := e.Swarm.Run(ctx, agent, []map[string]interface{}{
		{"role": "user", "content": input},
	}, RunOptions{
		ContextVariables: vars,
		MaxTurns:         e.MaxTurns,
		JSONMode:         jsonMode,
		SessionID:        req.SessionID,
	})
	if err != nil {
		return nil, err
	}

	content := resp.Content()
	var output interface{} = content
	if obj, ok := ParseJSONObject(content); ok {
		output = obj
	}
	return &Reply{
		Output:  output,
		Content: content,
		Usage:   resp.Usage,
		Agent:   resp.Agent,
	}, nil
}

func (e *UnifiedExecutor) runTool(ctx context.Context, req *Request) (*Reply, error) {
	tool := req.tool
	if tool == nil {
		var ok bool
		tool, ok = e.Registry.Tool(req.Target)
		if !ok {
			return nil, NewError(KindNotFound, "dispatch tool", req.Target, ErrNotFound)
		}
	}

	args := cloneMap(req.Params)
	if req.Method != "" {
		args["method"] = req.Method
	}
	out, err := tool.Call(ctx, args)
	if err != nil {
		var se *Error
		if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, NewError(KindExecution, "tool call", req.Target, err)
	}

	reply := &Reply{Output: out}
	switch v := out.(type) {
	case string:
		reply.Content = v
	case *Result:
		reply.Content = v.Value
	default:
		if r, err := handleToolResult(out); err == nil {
			reply.Content = r.Value
		}
	}
	return reply, nil
}

func (e *UnifiedExecutor) runWorkflow(ctx context.Context, req *Request) (*Reply, error) {
	wf, ok := e.Registry.Workflow(req.Target)
	if !ok {
		return nil, NewError(KindNotFound, "dispatch workflow", req.Target, ErrNotFound)
	}
	h := e.Self
	if h == nil {
		h = e
	}
	vars := cloneMap(req.Params)
	if req.Input != "" {
		vars["input"] = req.Input
	}
	result, err := wf.Run(ctx, h, vars)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Output:  result.Outputs,
		Content: result.Final,
		Usage:   result.Usage,
	}, nil
}
