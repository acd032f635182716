// Package ai is the completion-service client behind the /ai assistant
// command.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion indicates the model returned no usable reply.
var ErrEmptyCompletion = errors.New("completion service returned no content")

const systemPrompt = "You are a helpful, safe chatbot in SafeTalk."

// Completer produces a natural-language reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIClient calls the OpenAI chat-completion API.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClient builds a completion client. baseURL overrides the API
// endpoint when non-empty (used for tests and proxies).
func NewOpenAIClient(apiKey, baseURL, model string, maxTokens int) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends the prompt under the fixed system prompt and returns the
// trimmed reply.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyCompletion
	}
	return reply, nil
}
