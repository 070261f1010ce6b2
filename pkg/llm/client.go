// Package llm provides the provider client, prompt invocation, the
// per-project feature-model resolver, and call rate limiting.
package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// Message is one chat message of a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the provider's answer plus usage accounting.
type Response struct {
	Output          string
	Tokens          int
	ExecutionTimeMS int64
}

// ChatModel sends chat messages to a provider model.
type ChatModel interface {
	Chat(ctx context.Context, model string, messages []Message, params map[string]any) (*Response, error)
}

// OpenAIClient talks to any OpenAI-compatible endpoint.
type OpenAIClient struct {
	llm *openai.LLM
}

// NewOpenAIClient creates a client for the given endpoint. An empty
// baseURL uses the provider default.
func NewOpenAIClient(baseURL, apiKey string) (*OpenAIClient, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAIClient{llm: client}, nil
}

// NewOpenAIClientFromEnv reads LLM_BASE_URL and LLM_API_KEY.
func NewOpenAIClientFromEnv() (*OpenAIClient, error) {
	return NewOpenAIClient(os.Getenv("LLM_BASE_URL"), os.Getenv("LLM_API_KEY"))
}

func chatRole(role string) schema.ChatMessageType {
	switch role {
	case "system":
		return schema.ChatMessageTypeSystem
	case "assistant":
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// Chat implements ChatModel.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, params map[string]any) (*Response, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(chatRole(m.Role), m.Content))
	}

	callOpts := []llms.CallOption{llms.WithModel(model)}
	if t, ok := params["temperature"].(float64); ok {
		callOpts = append(callOpts, llms.WithTemperature(t))
	}
	if mt, ok := params["max_tokens"].(float64); ok {
		callOpts = append(callOpts, llms.WithMaxTokens(int(mt)))
	}
	if tp, ok := params["top_p"].(float64); ok {
		callOpts = append(callOpts, llms.WithTopP(tp))
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, content, callOpts...)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("llm call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	choice := resp.Choices[0]
	tokens := 0
	if v, ok := choice.GenerationInfo["TotalTokens"].(int); ok {
		tokens = v
	}

	return &Response{
		Output:          choice.Content,
		Tokens:          tokens,
		ExecutionTimeMS: elapsed,
	}, nil
}
