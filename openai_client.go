package swarm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

// DefaultAzureAPIVersion is used when AZURE_OPENAI_API_VERSION is unset.
const DefaultAzureAPIVersion = "2025-03-01-preview"

// LLMClient defines the chat completion surface used by agents and planners.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openAIClient wraps the OpenAI SDK client
type openAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client for the public OpenAI API.
func NewOpenAIClient(apiKey string) LLMClient {
	if apiKey == "" {
		return nil
	}
	return &openAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// NewOpenAIClientWithBaseURL creates a client for an OpenAI compatible endpoint.
func NewOpenAIClientWithBaseURL(apiKey string, baseURL string) LLMClient {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		return NewOpenAIClient(apiKey)
	}
	return &openAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
	}
}

// NewAzureOpenAIClient creates a client for an Azure OpenAI deployment.
func NewAzureOpenAIClient(apiKey, endpoint, apiVersion string) LLMClient {
	if apiKey == "" || endpoint == "" {
		return nil
	}
	if apiVersion == "" {
		apiVersion = DefaultAzureAPIVersion
	}
	return &openAIClient{
		client: openai.NewClient(
			azure.WithEndpoint(endpoint, apiVersion),
			azure.WithAPIKey(apiKey),
		),
	}
}

// CreateChatCompletion implements LLMClient
func (c *openAIClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion: %w", err)
	}

	return completion, nil
}
