package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Completer is the single model capability the rest of the system depends on:
// turn a prompt into text. Implementations are selected once at startup and
// callers never know which provider is active.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider and model, e.g. "ollama/llama3.2".
	Name() string
}

// Preparer is implemented by completers that need a readiness step before
// serving traffic, such as pulling a local model.
type Preparer interface {
	Prepare(ctx context.Context, w io.Writer) error
}

// DefaultTemperature matches the sampling temperature used for every provider.
const DefaultTemperature = 0.7

// Config selects and configures the provider. Empty Model and BaseURL fall
// back to the provider's defaults.
type Config struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
}

// New builds the Completer for cfg.Provider. Unknown providers are an error.
func New(cfg Config) (Completer, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	p, ok := lookupProvider(name)
	if !ok {
		return nil, fmt.Errorf("unsupported model provider %q (supported: %s)", cfg.Provider, strings.Join(ProviderNames(), ", "))
	}

	if cfg.Model == "" {
		cfg.Model = p.defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.defaultBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if p.needsKey && cfg.APIKey == "" {
		return nil, fmt.Errorf("model provider %q requires an API key (set model.api_key)", p.name)
	}

	return p.build(p.name, cfg), nil
}

// Prepare runs c's readiness step if it has one.
func Prepare(ctx context.Context, c Completer, w io.Writer) error {
	if p, ok := c.(Preparer); ok {
		return p.Prepare(ctx, w)
	}
	fmt.Fprintf(w, "model %s: ready\n", c.Name())
	return nil
}
