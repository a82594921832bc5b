// Package llm provides the chat completion client used by the reply
// orchestrator and the inactivity analyzer.
package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the subset of the OpenAI API the bridge depends on.
// *openai.Client satisfies it; tests substitute fakes.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// New builds an OpenAI client. baseURL is optional and points the
// client at an OpenAI-compatible provider when set.
func New(apiKey, baseURL string) *openai.Client {
	if baseURL == "" {
		return openai.NewClient(apiKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}
