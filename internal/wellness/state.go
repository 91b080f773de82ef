// Package wellness runs the daily check-in questionnaire: a fixed ordered
// list of questions asked one at a time, interleaved with free conversation.
package wellness

import "strings"

// Kind is the coarse check-in state of a user for today.
type Kind int

const (
	NoProgress Kind = iota
	InProgress
	CompletedToday
)

func (k Kind) String() string {
	switch k {
	case NoProgress:
		return "no_progress"
	case InProgress:
		return "in_progress"
	case CompletedToday:
		return "completed_today"
	default:
		return "unknown"
	}
}

// State is the check-in state. Index is the next unanswered question and is
// only meaningful for InProgress.
type State struct {
	Kind  Kind
	Index int
}

// Action is what the machine does in response to one input.
type Action int

const (
	// Start creates progress at question 0 and asks it.
	Start Action = iota
	// Ask repeats the current question without changing state.
	Ask
	// Advance records the answer to Index and asks question Index+1.
	Advance
	// Complete records the answer to the last question and ends the check-in.
	Complete
	// AlreadyDone acknowledges that today's check-in is finished.
	AlreadyDone
	// PassThrough means the check-in does not handle this input.
	PassThrough
)

func (a Action) String() string {
	return [...]string{"start", "ask", "advance", "complete", "already_done", "pass_through"}[a]
}

// Decision is the outcome of Next. Index is the question the action refers to.
type Decision struct {
	Action Action
	Index  int
}

// Next is the transition function of the check-in. It has no side effects;
// questions is the number of questions in the questionnaire.
func Next(s State, input string, requested bool, questions int) Decision {
	empty := strings.TrimSpace(input) == ""

	switch s.Kind {
	case InProgress:
		if s.Index < 0 || s.Index >= questions {
			return Decision{Action: Start}
		}
		if empty {
			return Decision{Action: Ask, Index: s.Index}
		}
		if s.Index+1 == questions {
			return Decision{Action: Complete, Index: s.Index}
		}
		return Decision{Action: Advance, Index: s.Index}

	case CompletedToday:
		if empty {
			return Decision{Action: AlreadyDone}
		}
		return Decision{Action: PassThrough}

	default:
		if requested {
			return Decision{Action: Start}
		}
		return Decision{Action: PassThrough}
	}
}
