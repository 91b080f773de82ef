package engine

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// GeminiCompleter uses Gemini's OpenAI-compatible endpoint through the
// official openai-go SDK.
type GeminiCompleter struct {
	client      openai.Client
	model       string
	temperature float64
}

func newGeminiCompleter(_ string, cfg Config) Completer {
	return &GeminiCompleter{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(2),
		),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (e *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(e.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("gemini completion: %w", errNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *GeminiCompleter) Name() string { return "gemini/" + e.model }
