package engine

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

var errNoChoices = errors.New("completion returned no choices")

// chatCompletionClient is the slice of go-openai's client used here.
type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAICompleter talks to OpenAI and to the OpenAI-compatible endpoints of
// Together, Mistral and Cohere.
type OpenAICompleter struct {
	provider    string
	client      chatCompletionClient
	model       string
	temperature float32
}

func newOpenAICompleter(name string, cfg Config) Completer {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAICompleter{
		provider:    name,
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
	}
}

func (e *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: e.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", e.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion: %w", e.provider, errNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAICompleter) Name() string { return e.provider + "/" + e.model }
