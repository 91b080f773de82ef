package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

const warmUpTimeout = 30 * time.Second

// EnsureReady fails when Ollama is unreachable, pulls model when it is
// missing and then sends one throwaway prompt so the first user message does
// not pay for loading the model. A failed warm-up is reported to w only.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}

	if !c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		last := ""
		err := c.PullModel(ctx, model, func(p PullProgress) {
			switch {
			case p.Total > 0:
				fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Completed*100/p.Total)
			case p.Status != last:
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			last = p.Status
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", model)

	warmCtx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()
	if _, err := c.Complete(warmCtx, model, "ping", 0); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		return nil
	}
	fmt.Fprintf(w, "model %s: warm\n", model)
	return nil
}
