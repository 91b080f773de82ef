package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database with methods for chat turns, long-term
// memory, wellness check-ins and background jobs.
type Store struct {
	db    *sql.DB
	clock Clock
}

// Option configures a store at open time.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock overrides the time source used for created_at stamps and for
// deciding which calendar day "today" is.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: realClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "refleya.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if err := migrate(db, sqliteDialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, clock: o.clock}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	return appliedMigrations(s.db)
}

func (s *Store) today() string {
	return s.clock.Now().Format(dateLayout)
}

// Today returns the current calendar date (YYYY-MM-DD) as the store sees it.
func (s *Store) Today() string { return s.today() }

// --- Chat turns ---

func (s *Store) AppendTurn(ctx context.Context, userID, sessionID string, role Role, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_history (user_id, session_id, role, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, string(role), message, formatTime(s.clock.Now()),
	)
	return err
}

// RecentTurns returns up to limit turns of one session, newest first.
func (s *Store) RecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, role, message, created_at
		FROM chat_history
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTurns(rows)
}

// RecentTurnsByUser returns up to limit turns across all sessions of a user, newest first.
func (s *Store) RecentTurnsByUser(ctx context.Context, userID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, role, message, created_at
		FROM chat_history
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &role, &t.Message, &createdAt); err != nil {
			return nil, err
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = ts
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- Long-term memory ---

func (s *Store) GetLongTermNote(ctx context.Context, userID string) (LongTermNote, error) {
	var n LongTermNote
	var lastAt, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, memory, last_interaction_at, created_at
		FROM long_term_memory WHERE user_id = ?`, userID,
	).Scan(&n.UserID, &n.Memory, &lastAt, &createdAt)
	if err == sql.ErrNoRows {
		return LongTermNote{}, ErrNotFound
	}
	if err != nil {
		return LongTermNote{}, err
	}
	if n.LastInteractionAt, err = parseTime(lastAt); err != nil {
		return LongTermNote{}, fmt.Errorf("parsing last_interaction_at: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return LongTermNote{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return n, nil
}

// UpsertLongTermNote replaces the user's note; created_at is refreshed on every save.
func (s *Store) UpsertLongTermNote(ctx context.Context, userID, memory string, lastInteractionAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO long_term_memory (user_id, memory, last_interaction_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			memory = excluded.memory,
			last_interaction_at = excluded.last_interaction_at,
			created_at = excluded.created_at`,
		userID, memory, formatTime(lastInteractionAt), formatTime(s.clock.Now()),
	)
	return err
}

// --- Wellness check-in ---

func (s *Store) GetWellnessProgress(ctx context.Context, userID string) (WellnessProgress, error) {
	var p WellnessProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_question_index, last_prompted
		FROM wellness_checkin_progress WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.CurrentQuestionIndex, &p.LastPrompted)
	if err == sql.ErrNoRows {
		return WellnessProgress{}, ErrNotFound
	}
	if err != nil {
		return WellnessProgress{}, err
	}
	return p, nil
}

// UpsertWellnessProgress stores the next question index and stamps last_prompted with today.
func (s *Store) UpsertWellnessProgress(ctx context.Context, userID string, index int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wellness_checkin_progress (user_id, current_question_index, last_prompted)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_question_index = excluded.current_question_index,
			last_prompted = excluded.last_prompted`,
		userID, index, s.today(),
	)
	return err
}

func (s *Store) DeleteWellnessProgress(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wellness_checkin_progress WHERE user_id = ?`, userID)
	return err
}

func (s *Store) GetTodayCheckin(ctx context.Context, userID string) (WellnessCheckin, error) {
	c := WellnessCheckin{UserID: userID}
	cols := make(map[string]sql.NullString, len(CheckinFields))
	var sleep, mood, eating, activity sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT checkin_date, sleep_quality, mood, healthy_eating, physical_activity
		FROM wellness_checkins WHERE user_id = ? AND checkin_date = ?`, userID, s.today(),
	).Scan(&c.CheckinDate, &sleep, &mood, &eating, &activity)
	if err == sql.ErrNoRows {
		return WellnessCheckin{}, ErrNotFound
	}
	if err != nil {
		return WellnessCheckin{}, err
	}
	cols[FieldSleepQuality] = sleep
	cols[FieldMood] = mood
	cols[FieldHealthyEating] = eating
	cols[FieldPhysicalActivity] = activity
	c.Answers = checkinAnswers(cols)
	return c, nil
}

// UpsertCheckinField writes one answer into today's row, leaving other fields untouched.
func (s *Store) UpsertCheckinField(ctx context.Context, userID, field, value string) error {
	if !IsCheckinField(field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	// field is whitelisted above, so interpolating it is safe.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wellness_checkins (user_id, checkin_date, `+field+`)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, checkin_date) DO UPDATE SET `+field+` = excluded.`+field,
		userID, s.today(), value,
	)
	return err
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(s.clock.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically moves the oldest runnable pending job of the given
// types to "running". Returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.clock.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := formatTime(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. Jobs are retried with exponential
// backoff until max_attempts, then marked "failed".
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.clock.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}
