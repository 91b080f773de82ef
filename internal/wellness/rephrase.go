package wellness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/refleya/companion/internal/engine"
)

const rephraseTimeout = 15 * time.Second

// Rephraser asks the model for a casual variant of a canonical question.
type Rephraser struct {
	model engine.Completer
}

// NewRephraser returns a Rephraser backed by model. A nil model makes every
// call return the canonical text.
func NewRephraser(model engine.Completer) *Rephraser {
	return &Rephraser{model: model}
}

// Rephrase returns a conversational variant of text. On any model failure or an
// empty result it returns text unchanged.
func (r *Rephraser) Rephrase(ctx context.Context, field, text string) string {
	if r == nil || r.model == nil {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, rephraseTimeout)
	defer cancel()

	out, err := r.model.Complete(ctx, rephrasePrompt(field, text))
	if err != nil {
		slog.Warn("question rephrase failed", "field", field, "error", err)
		return text
	}

	out = strings.Trim(strings.TrimSpace(out), `"'`)
	out = strings.TrimSpace(out)
	if out == "" {
		slog.Warn("question rephrase returned empty text", "field", field)
		return text
	}
	return out
}

func rephrasePrompt(field, text string) string {
	return fmt.Sprintf("You're a friendly wellness coach. Rephrase the following question in a natural, slightly different way. "+
		"Make it casual and concise, but still ask about the same topic: '%s'.\n\n"+
		"Original: %s\n\n"+
		"Rephrased:", field, text)
}
