package wellness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/refleya/companion/internal/content"
	"github.com/refleya/companion/internal/storage"
)

// Store is the persistence the check-in needs. Both storage backends
// implement it.
type Store interface {
	GetWellnessProgress(ctx context.Context, userID string) (storage.WellnessProgress, error)
	UpsertWellnessProgress(ctx context.Context, userID string, index int) error
	DeleteWellnessProgress(ctx context.Context, userID string) error
	GetTodayCheckin(ctx context.Context, userID string) (storage.WellnessCheckin, error)
	UpsertCheckinField(ctx context.Context, userID, field, value string) error
	Today() string
}

// Machine applies Next against stored state. Concurrent answers from the
// same user are last-write-wins on the progress index.
type Machine struct {
	store     Store
	rephraser *Rephraser
	questions []content.Question
	messages  content.Messages
}

// NewMachine builds a Machine over the questionnaire in c. A nil rephraser
// asks every question with its canonical text.
func NewMachine(store Store, rephraser *Rephraser, c content.Content) *Machine {
	return &Machine{
		store:     store,
		rephraser: rephraser,
		questions: c.Questions,
		messages:  c.Messages,
	}
}

// LoadState reads the user's check-in state for today. A progress row from
// an earlier day counts as NoProgress.
func (m *Machine) LoadState(ctx context.Context, userID string) (State, error) {
	done, err := m.completedToday(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if done {
		return State{Kind: CompletedToday}, nil
	}

	p, err := m.store.GetWellnessProgress(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return State{Kind: NoProgress}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("loading wellness progress: %w", err)
	}
	if p.LastPrompted != m.store.Today() {
		slog.Debug("ignoring stale wellness progress", "user_id", userID, "last_prompted", p.LastPrompted)
		return State{Kind: NoProgress}, nil
	}
	return State{Kind: InProgress, Index: p.CurrentQuestionIndex}, nil
}

// InProgress reports whether the user has an unfinished check-in today.
func (m *Machine) InProgress(ctx context.Context, userID string) (bool, error) {
	s, err := m.LoadState(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.Kind == InProgress, nil
}

// Handle runs one step of the check-in for input. requested marks an explicit
// check-in request, which is what starts a new questionnaire. The bool is
// false when the check-in has nothing to say and the caller should continue
// with normal chat.
func (m *Machine) Handle(ctx context.Context, userID, input string, requested bool) (string, bool, error) {
	state, err := m.LoadState(ctx, userID)
	if err != nil {
		return "", false, err
	}

	d := Next(state, input, requested, len(m.questions))
	slog.Debug("wellness transition", "user_id", userID, "state", state.Kind, "action", d.Action, "index", d.Index)

	switch d.Action {
	case Start:
		if err := m.store.UpsertWellnessProgress(ctx, userID, 0); err != nil {
			return "", false, fmt.Errorf("starting check-in: %w", err)
		}
		return m.ask(ctx, 0), true, nil

	case Ask:
		return m.ask(ctx, d.Index), true, nil

	case Advance:
		if err := m.record(ctx, userID, d.Index, input); err != nil {
			return "", false, err
		}
		if err := m.store.UpsertWellnessProgress(ctx, userID, d.Index+1); err != nil {
			return "", false, fmt.Errorf("advancing check-in: %w", err)
		}
		return m.ask(ctx, d.Index+1), true, nil

	case Complete:
		if err := m.record(ctx, userID, d.Index, input); err != nil {
			return "", false, err
		}
		if err := m.store.DeleteWellnessProgress(ctx, userID); err != nil {
			return "", false, fmt.Errorf("finishing check-in: %w", err)
		}
		slog.Info("wellness check-in completed", "user_id", userID)
		return m.messages.WellnessComplete, true, nil

	case AlreadyDone:
		return m.messages.WellnessAlreadyDone, true, nil

	default:
		return "", false, nil
	}
}

// record stores the answer verbatim; any non-empty text is accepted.
func (m *Machine) record(ctx context.Context, userID string, index int, answer string) error {
	field := m.questions[index].Field
	if err := m.store.UpsertCheckinField(ctx, userID, field, answer); err != nil {
		return fmt.Errorf("saving answer for %s: %w", field, err)
	}
	return nil
}

func (m *Machine) ask(ctx context.Context, index int) string {
	q := m.questions[index]
	return m.rephraser.Rephrase(ctx, q.Field, q.Text)
}

func (m *Machine) completedToday(ctx context.Context, userID string) (bool, error) {
	c, err := m.store.GetTodayCheckin(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading today's check-in: %w", err)
	}
	for _, q := range m.questions {
		if strings.TrimSpace(c.Answers[q.Field]) == "" {
			return false, nil
		}
	}
	return len(m.questions) > 0, nil
}
