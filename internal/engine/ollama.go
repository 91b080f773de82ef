package engine

import (
	"context"
	"io"

	"github.com/refleya/companion/internal/ollama"
)

// OllamaCompleter adapts the internal/ollama.Client to the Completer interface.
type OllamaCompleter struct {
	client      *ollama.Client
	model       string
	temperature float64
}

func newOllamaCompleter(_ string, cfg Config) Completer {
	return &OllamaCompleter{
		client:      ollama.New(cfg.BaseURL),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (e *OllamaCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return e.client.Complete(ctx, e.model, prompt, e.temperature)
}

func (e *OllamaCompleter) Name() string { return "ollama/" + e.model }

// Prepare verifies the server is up and pulls the model if it is missing.
func (e *OllamaCompleter) Prepare(ctx context.Context, w io.Writer) error {
	return ollama.EnsureReady(ctx, e.client, e.model, w)
}
