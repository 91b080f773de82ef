package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/refleya/companion/internal/openrouter"
)

// RouterCompleter sends prompts through OpenRouter. The llama and deepseek
// providers are OpenRouter models with different defaults.
type RouterCompleter struct {
	provider    string
	client      *openrouter.Client
	model       string
	temperature float64
}

func newRouterCompleter(name string, cfg Config) Completer {
	return &RouterCompleter{
		provider:    name,
		client:      openrouter.New(cfg.APIKey, openrouter.WithBaseURL(cfg.BaseURL)),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (e *RouterCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return e.client.Complete(ctx, e.model, prompt, e.temperature)
}

func (e *RouterCompleter) Name() string { return e.provider + "/" + e.model }

// Prepare checks that the configured model is listed. An unlisted model only
// produces a warning since OpenRouter routes some models it doesn't advertise.
func (e *RouterCompleter) Prepare(ctx context.Context, w io.Writer) error {
	ids, err := e.client.Models(ctx)
	if err != nil {
		return fmt.Errorf("listing %s models: %w", e.provider, err)
	}
	if slices.Contains(ids, e.model) {
		fmt.Fprintf(w, "model %s: ready\n", e.Name())
		return nil
	}
	slog.Warn("model not listed by provider", "provider", e.provider, "model", e.model)
	fmt.Fprintf(w, "model %s: not listed, trying anyway\n", e.Name())
	return nil
}
