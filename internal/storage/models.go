package storage

import (
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownField is returned when a check-in answer targets a column that
// is not part of the wellness_checkins table.
var ErrUnknownField = errors.New("unknown check-in field")

// Role identifies who authored a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Check-in answer columns, in questionnaire order.
const (
	FieldSleepQuality     = "sleep_quality"
	FieldMood             = "mood"
	FieldHealthyEating    = "healthy_eating"
	FieldPhysicalActivity = "physical_activity"
)

// CheckinFields lists every answer column of wellness_checkins.
var CheckinFields = []string{FieldSleepQuality, FieldMood, FieldHealthyEating, FieldPhysicalActivity}

// IsCheckinField reports whether name is a known answer column.
func IsCheckinField(name string) bool {
	return slices.Contains(CheckinFields, name)
}

// checkinAnswers keeps the answer columns that hold non-blank text.
func checkinAnswers(cols map[string]sql.NullString) map[string]string {
	answers := make(map[string]string)
	for _, f := range CheckinFields {
		if v := cols[f]; v.Valid && strings.TrimSpace(v.String) != "" {
			answers[f] = v.String
		}
	}
	return answers
}

// Turn is one stored chat message. Turns are append-only.
type Turn struct {
	ID        int64
	UserID    string
	SessionID string
	Role      Role
	Message   string
	CreatedAt time.Time
}

// LongTermNote is the single current long-term memory of a user.
// LastInteractionAt is the timestamp of the newest exchange folded into Memory.
type LongTermNote struct {
	UserID            string
	Memory            string
	LastInteractionAt time.Time
	CreatedAt         time.Time
}

// WellnessProgress tracks the next unanswered question of today's check-in.
type WellnessProgress struct {
	UserID               string
	CurrentQuestionIndex int
	LastPrompted         string // YYYY-MM-DD
}

// WellnessCheckin holds the answers given on one calendar day.
// Answers only contains non-empty fields.
type WellnessCheckin struct {
	UserID      string
	CheckinDate string // YYYY-MM-DD
	Answers     map[string]string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	// timeLayout is fixed-width so lexical order in SQLite equals time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dateLayout = "2006-01-02"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
