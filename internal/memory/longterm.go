package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/refleya/companion/internal/composer"
	"github.com/refleya/companion/internal/engine"
	"github.com/refleya/companion/internal/storage"
)

const (
	NoHistory           = "No conversation history available."
	LongTermUnavailable = "Long-term memory is temporarily unavailable."
)

// NoteStore is the storage surface long-term memory needs.
type NoteStore interface {
	RecentTurnsByUser(ctx context.Context, userID string, limit int) ([]storage.Turn, error)
	GetLongTermNote(ctx context.Context, userID string) (storage.LongTermNote, error)
	UpsertLongTermNote(ctx context.Context, userID, memory string, lastInteractionAt time.Time) error
}

// LongTermConfig bounds the material long-term memory works with.
type LongTermConfig struct {
	// MaxTokens is the estimated size above which the transcript is summarised.
	MaxTokens int
	// FetchLimit caps how many of the user's turns are read.
	FetchLimit int
}

// LongTerm keeps one rolling note per user, refreshed when new exchanges
// appear and summarised by the model once the transcript grows too large.
type LongTerm struct {
	store NoteStore
	model engine.Completer
	cfg   LongTermConfig
}

func NewLongTerm(store NoteStore, model engine.Completer, cfg LongTermConfig) *LongTerm {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 40
	}
	return &LongTerm{store: store, model: model, cfg: cfg}
}

// Context returns the user's long-term memory text. It never fails: storage
// problems yield LongTermUnavailable and a failed summary yields the raw
// transcript.
func (l *LongTerm) Context(ctx context.Context, userID string) string {
	text, err := l.compute(ctx, userID)
	if err == nil {
		return text
	}
	if errors.Is(err, errSummary) {
		slog.Warn("long-term memory: summary failed, using transcript", "user_id", userID, "error", err)
		return text
	}
	slog.Error("long-term memory unavailable", "user_id", userID, "error", err)
	return LongTermUnavailable
}

// Refresh brings the stored note up to date with the user's latest
// exchanges. Unlike Context it reports failures, including a failed summary.
func (l *LongTerm) Refresh(ctx context.Context, userID string) error {
	_, err := l.compute(ctx, userID)
	return err
}

var errSummary = errors.New("summarizing history")

// compute returns the current memory text, writing the note when it is stale.
// On a summary failure it returns the raw transcript along with an error
// wrapping errSummary.
func (l *LongTerm) compute(ctx context.Context, userID string) (string, error) {
	note, err := l.store.GetLongTermNote(ctx, userID)
	hasNote := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading note: %w", err)
	}

	turns, err := l.store.RecentTurnsByUser(ctx, userID, l.cfg.FetchLimit)
	if err != nil {
		return "", fmt.Errorf("reading turns: %w", err)
	}
	pairs := PairTurns(turns)

	if len(pairs) == 0 {
		if hasNote && note.Memory != "" {
			return note.Memory, nil
		}
		return NoHistory, nil
	}

	last := pairs[len(pairs)-1].At
	if hasNote && note.LastInteractionAt.Equal(last) {
		slog.Debug("long-term memory: note up to date", "user_id", userID)
		return note.Memory, nil
	}

	transcript := FormatPairs(pairs)
	if composer.EstimateTokens(transcript) <= l.cfg.MaxTokens {
		if err := l.store.UpsertLongTermNote(ctx, userID, transcript, last); err != nil {
			return "", fmt.Errorf("saving transcript: %w", err)
		}
		slog.Info("long-term memory: saved full history", "user_id", userID, "pairs", len(pairs))
		return transcript, nil
	}

	summary, err := l.summarize(ctx, transcript)
	if err != nil {
		return transcript, fmt.Errorf("%w: %w", errSummary, err)
	}
	if err := l.store.UpsertLongTermNote(ctx, userID, summary, last); err != nil {
		return "", fmt.Errorf("saving summary: %w", err)
	}
	slog.Info("long-term memory: saved summary", "user_id", userID, "pairs", len(pairs))
	return summary, nil
}

func (l *LongTerm) summarize(ctx context.Context, transcript string) (string, error) {
	if l.model == nil {
		return "", errors.New("no model configured")
	}
	prompt := fmt.Sprintf(
		"Summarize the following conversation history to capture important events, user goals, and key facts in fewer than %d tokens.\n\n%s\n\nSummary:",
		l.cfg.MaxTokens, transcript,
	)
	out, err := l.model.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("model returned an empty summary")
	}
	return out, nil
}
