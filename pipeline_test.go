package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingInterceptor(name string, trail *[]string) Interceptor {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
			*trail = append(*trail, name+">")
			reply, err := next.Handle(ctx, req)
			*trail = append(*trail, "<"+name)
			return reply, err
		})
	}
}

func TestPipelineOrder(t *testing.T) {
	var trail []string
	terminal := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		trail = append(trail, "terminal")
		return &Reply{Content: "done"}, nil
	})

	p := NewPipeline(terminal, recordingInterceptor("a", &trail), recordingInterceptor("b", &trail))
	p.Use(recordingInterceptor("c", &trail))

	reply, err := p.Handle(context.Background(), &Request{Kind: TargetTool, Target: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Content)
	assert.Equal(t, []string{"a>", "b>", "c>", "terminal", "<c", "<b", "<a"}, trail)
}

func TestPipelineValidatesRequests(t *testing.T) {
	p := NewPipeline(HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		return &Reply{}, nil
	}))

	tests := []struct {
		name string
		req  *Request
	}{
		{name: "nil", req: nil},
		{name: "unknown kind", req: &Request{Kind: "robot", Target: "x"}},
		{name: "empty target", req: &Request{Kind: TargetAgent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Handle(context.Background(), tt.req)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestPipelineAssignsRequestID(t *testing.T) {
	var seen string
	p := NewPipeline(HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		seen = req.ID
		return &Reply{}, nil
	}))

	_, err := p.Handle(context.Background(), &Request{Kind: TargetTool, Target: "x"})
	require.NoError(t, err)
	assert.Len(t, seen, 36)

	_, err = p.Handle(context.Background(), &Request{ID: "fixed", Kind: TargetTool, Target: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", seen)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(NewTool("upper", "Upper-case text",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			s, _ := args["text"].(string)
			out := []rune(s)
			for i, r := range out {
				if r >= 'a' && r <= 'z' {
					out[i] = r - 32
				}
			}
			return string(out), nil
		}, nil)))
	require.NoError(t, reg.RegisterTool(NewTool("fail", "Always fails",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("nope")
		}, nil)))
	require.NoError(t, reg.RegisterTool(NewTool("method", "Echoes the method",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"method": args["method"]}, nil
		}, nil)))
	return reg
}

func TestUnifiedExecutorTools(t *testing.T) {
	exec := NewUnifiedExecutor(newTestRegistry(t), nil)
	ctx := context.Background()

	reply, err := exec.Handle(ctx, &Request{Kind: TargetTool, Target: "upper", Params: map[string]interface{}{"text": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "ABC", reply.Content)
	assert.Equal(t, "ABC", reply.Output)

	reply, err = exec.Handle(ctx, &Request{Kind: TargetTool, Target: "method", Method: "search"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"method": "search"}, reply.Output)
	assert.JSONEq(t, `{"method":"search"}`, reply.Content)

	_, err = exec.Handle(ctx, &Request{Kind: TargetTool, Target: "fail"})
	assert.Equal(t, KindExecution, KindOf(err))
	assert.True(t, IsRetryable(err))

	_, err = exec.Handle(ctx, &Request{Kind: TargetTool, Target: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestUnifiedExecutorAgent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAgent(NewAgent("writer")))
	client := NewMockOpenAIClient(textCompletion(`{"title": "Hello"}`, 9))
	exec := NewUnifiedExecutor(reg, NewSwarm(client))

	reply, err := exec.Handle(context.Background(), &Request{Kind: TargetAgent, Target: "writer", Method: "json", Input: "title please"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "Hello"}, reply.Output)
	assert.Equal(t, int64(9), reply.Usage.TotalTokens)
	require.NotNil(t, reply.Agent)
	assert.Equal(t, "writer", reply.Agent.Name)
	require.Len(t, client.Requests, 1)
	assert.NotNil(t, client.Requests[0].ResponseFormat.OfJSONObject)

	_, err = NewUnifiedExecutor(reg, nil).Handle(context.Background(), &Request{Kind: TargetAgent, Target: "writer"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestUnifiedExecutorSubWorkflow(t *testing.T) {
	reg := newTestRegistry(t)
	wf, err := ParseWorkflow([]byte(`
name: shout
steps:
  - id: up
    kind: tool
    target: upper
    params:
      text: ${input}
`))
	require.NoError(t, err)
	require.NoError(t, reg.RegisterWorkflow(wf))

	var trail []string
	exec := NewUnifiedExecutor(reg, nil)
	p := NewPipeline(exec, recordingInterceptor("outer", &trail))
	exec.Self = p

	reply, err := p.Handle(context.Background(), &Request{Kind: TargetWorkflow, Target: "shout", Input: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "HEY", reply.Content)
	// The nested tool step passes the same interceptors as the workflow request.
	assert.Equal(t, []string{"outer>", "outer>", "<outer", "<outer"}, trail)
}

func TestPipelineAppliesRequestDeadline(t *testing.T) {
	var deadline time.Time
	p := NewPipeline(HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		deadline, _ = ctx.Deadline()
		return &Reply{}, nil
	}))

	want := time.Now().Add(time.Minute)
	_, err := p.Handle(context.Background(), &Request{Kind: TargetTool, Target: "x", Deadline: want})
	require.NoError(t, err)
	assert.True(t, deadline.Equal(want))

	deadline = time.Time{}
	_, err = p.Handle(context.Background(), &Request{Kind: TargetTool, Target: "x"})
	require.NoError(t, err)
	assert.True(t, deadline.IsZero())
}
