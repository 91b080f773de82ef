// Package memory reconstructs conversation memory from stored turns: the
// recent exchanges of one session and a rolling long-term note per user.
package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/refleya/companion/internal/storage"
)

// Pair is one complete user-then-assistant exchange. At is the assistant
// turn's timestamp.
type Pair struct {
	User      string
	Assistant string
	At        time.Time
}

// SessionTurns reads the newest turns of a session.
type SessionTurns interface {
	RecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]storage.Turn, error)
}

// ShortTerm returns the last few exchanges of a session.
type ShortTerm struct {
	store SessionTurns
	pairs int
}

// NewShortTerm creates a ShortTerm whose Transcript covers up to pairs exchanges.
func NewShortTerm(store SessionTurns, pairs int) *ShortTerm {
	if pairs <= 0 {
		pairs = 5
	}
	return &ShortTerm{store: store, pairs: pairs}
}

// RecentPairs returns at most k complete exchanges, oldest first, built from
// the 2k most recent turns of the session.
func (s *ShortTerm) RecentPairs(ctx context.Context, userID, sessionID string, k int) ([]Pair, error) {
	if k <= 0 {
		return nil, nil
	}
	turns, err := s.store.RecentTurns(ctx, userID, sessionID, 2*k)
	if err != nil {
		return nil, err
	}
	pairs := PairTurns(turns)
	if len(pairs) > k {
		pairs = pairs[len(pairs)-k:]
	}
	return pairs, nil
}

// Transcript formats the session's recent exchanges as "User:"/"Assistant:" lines.
func (s *ShortTerm) Transcript(ctx context.Context, userID, sessionID string) (string, error) {
	pairs, err := s.RecentPairs(ctx, userID, sessionID, s.pairs)
	if err != nil {
		return "", err
	}
	return FormatPairs(pairs), nil
}

// PairTurns takes turns newest first and returns the complete exchanges in
// chronological order. A user turn waits for the next assistant turn; a later
// user turn replaces it. Unanswered user turns and orphan assistant turns are
// dropped.
func PairTurns(newestFirst []storage.Turn) []Pair {
	turns := slices.Clone(newestFirst)
	slices.Reverse(turns)

	var pairs []Pair
	var pending *storage.Turn
	for i := range turns {
		t := &turns[i]
		switch t.Role {
		case storage.RoleUser:
			pending = t
		case storage.RoleAssistant:
			if pending != nil {
				pairs = append(pairs, Pair{User: pending.Message, Assistant: t.Message, At: t.CreatedAt})
				pending = nil
			}
		}
	}
	return pairs
}

func FormatPairs(pairs []Pair) string {
	lines := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		lines = append(lines, "User: "+p.User, "Assistant: "+p.Assistant)
	}
	return strings.Join(lines, "\n")
}
