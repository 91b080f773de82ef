package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	defaultMaxTokens   = 4000
	defaultTokenBuffer = 200

	PersonaUnavailable   = "You are a warm, supportive wellness companion."
	ShortTermUnavailable = "Short-term memory unavailable."
	LongTermUnavailable  = "Long-term memory is temporarily unavailable."

	longTermLabel  = "Long-term Memory:"
	shortTermLabel = "Conversation History:"
)

// PersonaSource returns the system instruction for a mode and role.
type PersonaSource interface {
	Prompt(mode, role string) string
}

// ShortTermSource returns the recent exchanges of a session as lines.
type ShortTermSource interface {
	Transcript(ctx context.Context, userID, sessionID string) (string, error)
}

// LongTermSource returns the user's long-term memory text. It degrades
// internally and never fails.
type LongTermSource interface {
	Context(ctx context.Context, userID string) string
}

// ResponseFilter screens the assembled context.
type ResponseFilter interface {
	FilterResponse(text string) string
}

// Config holds the context budget. The usable budget is MaxTokens - TokenBuffer.
type Config struct {
	MaxTokens   int
	TokenBuffer int
}

// Request identifies the message a context is assembled for.
type Request struct {
	UserID    string
	SessionID string
	Message   string
	Mode      string
	Role      string
}

// Composer assembles the prompt sent to the model: persona, long-term memory,
// recent conversation and the current message, trimmed to the token budget.
type Composer struct {
	persona   PersonaSource
	shortTerm ShortTermSource
	longTerm  LongTermSource
	filter    ResponseFilter
	budget    int
}

// New creates a Composer. A zero cfg falls back to 4000 tokens with a
// 200 token buffer.
func New(cfg Config, persona PersonaSource, shortTerm ShortTermSource, longTerm LongTermSource, filter ResponseFilter) *Composer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
		cfg.TokenBuffer = defaultTokenBuffer
	}
	if cfg.TokenBuffer < 0 || cfg.TokenBuffer >= cfg.MaxTokens {
		cfg.TokenBuffer = defaultTokenBuffer
	}
	return &Composer{
		persona:   persona,
		shortTerm: shortTerm,
		longTerm:  longTerm,
		filter:    filter,
		budget:    cfg.MaxTokens - cfg.TokenBuffer,
	}
}

// Budget returns the maximum estimated token count of a built context.
func (c *Composer) Budget() int { return c.budget }

// Build assembles the context for req. Memory blocks are truncated oldest
// line first while the estimate exceeds the budget; the persona and the
// current message are never truncated. The result passes through the
// response filter before it is returned.
func (c *Composer) Build(ctx context.Context, req Request) string {
	system := "System: " + strings.TrimSpace(c.fetchPersona(req))
	longTerm := splitLines(c.fetchLongTerm(ctx, req))
	shortTerm := splitLines(c.fetchShortTerm(ctx, req))
	user := "User: " + strings.TrimSpace(req.Message)

	full := assemble(system, longTerm, shortTerm, user)
	for EstimateTokens(full) > c.budget {
		switch {
		case len(shortTerm) > 2:
			shortTerm = shortTerm[2:]
		case len(longTerm) > 1:
			longTerm = longTerm[1:]
		case len(longTerm) > 0:
			slog.Warn("context over budget, dropping long-term memory", "user_id", req.UserID)
			longTerm = nil
		case len(shortTerm) > 0:
			slog.Warn("context over budget, dropping conversation history", "user_id", req.UserID)
			shortTerm = nil
		default:
			slog.Warn("persona and message alone exceed context budget",
				"user_id", req.UserID, "tokens", EstimateTokens(full), "budget", c.budget)
			return c.filter.FilterResponse(full)
		}
		full = assemble(system, longTerm, shortTerm, user)
	}

	return c.filter.FilterResponse(full)
}

func (c *Composer) fetchPersona(req Request) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("persona lookup panicked", "mode", req.Mode, "panic", r)
			text = PersonaUnavailable
		}
	}()
	return c.persona.Prompt(req.Mode, req.Role)
}

func (c *Composer) fetchLongTerm(ctx context.Context, req Request) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("long-term memory panicked", "user_id", req.UserID, "panic", r)
			text = LongTermUnavailable
		}
	}()
	return c.longTerm.Context(ctx, req.UserID)
}

func (c *Composer) fetchShortTerm(ctx context.Context, req Request) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("short-term memory panicked", "user_id", req.UserID, "panic", r)
			text = ShortTermUnavailable
		}
	}()
	out, err := c.shortTerm.Transcript(ctx, req.UserID, req.SessionID)
	if err != nil {
		slog.Error("loading short-term memory", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
		return ShortTermUnavailable
	}
	return out
}

func assemble(system string, longTerm, shortTerm []string, user string) string {
	return strings.Join([]string{
		system,
		fmt.Sprintf("%s\n%s", longTermLabel, strings.Join(longTerm, "\n")),
		fmt.Sprintf("%s\n%s", shortTermLabel, strings.Join(shortTerm, "\n")),
		user,
	}, "\n\n")
}

func splitLines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
// Characters are runes, so non-Latin text is not counted per byte.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
