// Package pipeline is the per-message decision procedure of the companion:
// crisis interception, then the daily check-in, then model-backed chat.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/refleya/companion/internal/composer"
	"github.com/refleya/companion/internal/content"
	"github.com/refleya/companion/internal/engine"
	"github.com/refleya/companion/internal/jobs"
	"github.com/refleya/companion/internal/storage"
)

// Branch names the path a message took through Process.
type Branch string

const (
	BranchCrisis        Branch = "crisis"
	BranchWellness      Branch = "wellness"
	BranchChat          Branch = "chat"
	BranchModelError    Branch = "model_error"
	BranchInternalError Branch = "internal_error"
)

// Message is one inbound user message.
type Message struct {
	UserID    string
	SessionID string
	Text      string
	Mode      string
	Role      string
	// TriggerWellness asks for the daily check-in explicitly.
	TriggerWellness bool
}

// Reply is the visible outcome of Process.
type Reply struct {
	Text   string `json:"response"`
	Branch Branch `json:"branch"`
}

// TurnStore persists conversation turns.
type TurnStore interface {
	AppendTurn(ctx context.Context, userID, sessionID string, role storage.Role, message string) error
}

// SafetyFilter screens user input and model output.
type SafetyFilter interface {
	CrisisRedirect(text string) (string, bool)
	FilterResponse(text string) string
}

// Checkin is the daily check-in state machine.
type Checkin interface {
	InProgress(ctx context.Context, userID string) (bool, error)
	Handle(ctx context.Context, userID, input string, requested bool) (string, bool, error)
}

// ContextBuilder assembles the model prompt.
type ContextBuilder interface {
	Build(ctx context.Context, req composer.Request) string
}

// Enqueuer accepts background jobs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Deps wires a Processor. Queue is optional; without it the long-term note
// is only refreshed when a context is built.
type Deps struct {
	Store    TurnStore
	Safety   SafetyFilter
	Checkin  Checkin
	Context  ContextBuilder
	Model    engine.Completer
	Queue    Enqueuer
	Messages content.Messages
}

// Processor handles messages one at a time per request. It holds no mutable
// state and is safe for concurrent use.
type Processor struct {
	Deps
}

func NewProcessor(d Deps) *Processor {
	return &Processor{Deps: d}
}

// turns tracks what one request has persisted, so every branch writes the
// user message once and exactly one assistant turn.
type turns struct {
	p         *Processor
	msg       Message
	user      bool
	assistant bool
}

func (t *turns) saveUser(ctx context.Context) {
	if t.user || strings.TrimSpace(t.msg.Text) == "" {
		return
	}
	t.user = true
	if err := t.p.Store.AppendTurn(ctx, t.msg.UserID, t.msg.SessionID, storage.RoleUser, t.msg.Text); err != nil {
		slog.Error("saving user turn", "user_id", t.msg.UserID, "session_id", t.msg.SessionID, "error", err)
	}
}

func (t *turns) saveAssistant(ctx context.Context, text string) {
	if t.assistant {
		return
	}
	t.assistant = true
	if err := t.p.Store.AppendTurn(ctx, t.msg.UserID, t.msg.SessionID, storage.RoleAssistant, text); err != nil {
		slog.Error("saving assistant turn", "user_id", t.msg.UserID, "session_id", t.msg.SessionID, "error", err)
	}
}

func (t *turns) finish(ctx context.Context, text string, branch Branch) Reply {
	t.saveUser(ctx)
	t.saveAssistant(ctx, text)
	return Reply{Text: text, Branch: branch}
}

// Process runs msg through crisis screening, the daily check-in and chat, in
// that order. It always returns a reply; failures become fixed messages.
func (p *Processor) Process(ctx context.Context, msg Message) (reply Reply) {
	start := time.Now()
	log := slog.With("user_id", msg.UserID, "session_id", msg.SessionID)
	t := &turns{p: p, msg: msg}

	defer func() {
		if r := recover(); r != nil {
			log.Error("message processing panicked", "panic", fmt.Sprint(r))
			reply = t.finish(ctx, p.Messages.InternalError, BranchInternalError)
		}
		log.Info("message processed", "branch", reply.Branch, "duration_ms", time.Since(start).Milliseconds())
	}()

	if redirect, hit := p.Safety.CrisisRedirect(msg.Text); hit {
		return t.finish(ctx, redirect, BranchCrisis)
	}

	if r, handled := p.checkin(ctx, msg, log); handled {
		return t.finish(ctx, r, BranchWellness)
	}

	prompt := p.Context.Build(ctx, composer.Request{
		UserID:    msg.UserID,
		SessionID: msg.SessionID,
		Message:   msg.Text,
		Mode:      msg.Mode,
		Role:      msg.Role,
	})

	out, err := p.Model.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("%s returned an empty completion", p.Model.Name())
	}
	if err != nil {
		log.Error("model completion failed", "model", p.Model.Name(), "error", err)
		return t.finish(ctx, p.Messages.ModelError, BranchModelError)
	}

	reply = t.finish(ctx, p.Safety.FilterResponse(strings.TrimSpace(out)), BranchChat)
	p.enqueueRefresh(ctx, msg.UserID, log)
	return reply
}

// checkin runs the check-in when it applies to msg. The bool is false when
// the message should continue to chat.
func (p *Processor) checkin(ctx context.Context, msg Message, log *slog.Logger) (string, bool) {
	// An empty message is an implicit request for the check-in.
	requested := msg.TriggerWellness || strings.TrimSpace(msg.Text) == ""
	enter := requested
	if !enter {
		inProgress, err := p.Checkin.InProgress(ctx, msg.UserID)
		if err != nil {
			// Not asked for the check-in, so answer as chat.
			log.Warn("checking wellness progress", "error", err)
			return "", false
		}
		enter = inProgress
	}
	if !enter {
		return "", false
	}

	text, ok, err := p.Checkin.Handle(ctx, msg.UserID, msg.Text, requested)
	if err != nil {
		log.Error("wellness check-in failed", "error", err)
		return p.Messages.WellnessApology, true
	}
	return text, ok
}

func (p *Processor) enqueueRefresh(ctx context.Context, userID string, log *slog.Logger) {
	if p.Queue == nil {
		return
	}
	job, err := jobs.NewRefresh(userID)
	if err != nil {
		log.Warn("building long-term refresh job", "error", err)
		return
	}
	if err := p.Queue.EnqueueJob(ctx, job); err != nil {
		log.Warn("enqueueing long-term refresh", "error", err)
	}
}
