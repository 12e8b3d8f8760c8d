package swarm

import (
	"context"
	"errors"
	"sync"

	"github.com/openai/openai-go"
)

// MockOpenAIClient replays scripted completions in order and records every
// request it receives.
type MockOpenAIClient struct {
	mu        sync.Mutex
	responses []*openai.ChatCompletion
	errs      []error
	Requests  []openai.ChatCompletionNewParams
}

func NewMockOpenAIClient(responses ...*openai.ChatCompletion) *MockOpenAIClient {
	return &MockOpenAIClient{responses: responses}
}

func (m *MockOpenAIClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, params)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mock client: no scripted response left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

// Push appends completions to the script.
func (m *MockOpenAIClient) Push(responses ...*openai.ChatCompletion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// FailNext makes the next calls return errs in order before the script resumes.
func (m *MockOpenAIClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

func (m *MockOpenAIClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// textCompletion is a completion whose only choice is an assistant text answer.
func textCompletion(content string, tokens int64) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: "assistant", Content: content},
		}},
		Usage: openai.CompletionUsage{
			PromptTokens:     tokens / 2,
			CompletionTokens: tokens - tokens/2,
			TotalTokens:      tokens,
		},
	}
}

// toolCallCompletion is a completion requesting one tool call.
func toolCallCompletion(id, name, args string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID:   id,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      name,
						Arguments: args,
					},
				}},
			},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}
