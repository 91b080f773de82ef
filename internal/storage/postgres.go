package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements the same operations as Store on top of PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

// OpenPostgres connects to dsn and runs pending migrations.
func OpenPostgres(dsn string, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := migrate(db, postgresDialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db, clock: o.clock}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) AppliedMigrations() ([]int, error) {
	return appliedMigrations(s.db)
}

func (s *PostgresStore) today() string {
	return s.clock.Now().Format(dateLayout)
}

// Today returns the current calendar date (YYYY-MM-DD) as the store sees it.
func (s *PostgresStore) Today() string { return s.today() }

// pgTime drops sub-microsecond precision, which TIMESTAMPTZ cannot hold.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *PostgresStore) AppendTurn(ctx context.Context, userID, sessionID string, role Role, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_history (user_id, session_id, role, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, sessionID, string(role), message, pgTime(s.clock.Now()),
	)
	return err
}

func (s *PostgresStore) RecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, role, message, created_at
		FROM chat_history
		WHERE user_id = $1 AND session_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, userID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPgTurns(rows)
}

func (s *PostgresStore) RecentTurnsByUser(ctx context.Context, userID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, role, message, created_at
		FROM chat_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPgTurns(rows)
}

func scanPgTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &role, &t.Message, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) GetLongTermNote(ctx context.Context, userID string) (LongTermNote, error) {
	var n LongTermNote
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, memory, last_interaction_at, created_at
		FROM long_term_memory WHERE user_id = $1`, userID,
	).Scan(&n.UserID, &n.Memory, &n.LastInteractionAt, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return LongTermNote{}, ErrNotFound
	}
	if err != nil {
		return LongTermNote{}, err
	}
	n.LastInteractionAt = n.LastInteractionAt.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func (s *PostgresStore) UpsertLongTermNote(ctx context.Context, userID, memory string, lastInteractionAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO long_term_memory (user_id, memory, last_interaction_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			memory = EXCLUDED.memory,
			last_interaction_at = EXCLUDED.last_interaction_at,
			created_at = EXCLUDED.created_at`,
		userID, memory, pgTime(lastInteractionAt), pgTime(s.clock.Now()),
	)
	return err
}

func (s *PostgresStore) GetWellnessProgress(ctx context.Context, userID string) (WellnessProgress, error) {
	var p WellnessProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_question_index, to_char(last_prompted, 'YYYY-MM-DD')
		FROM wellness_checkin_progress WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.CurrentQuestionIndex, &p.LastPrompted)
	if err == sql.ErrNoRows {
		return WellnessProgress{}, ErrNotFound
	}
	if err != nil {
		return WellnessProgress{}, err
	}
	return p, nil
}

func (s *PostgresStore) UpsertWellnessProgress(ctx context.Context, userID string, index int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wellness_checkin_progress (user_id, current_question_index, last_prompted)
		VALUES ($1, $2, $3::date)
		ON CONFLICT (user_id) DO UPDATE SET
			current_question_index = EXCLUDED.current_question_index,
			last_prompted = EXCLUDED.last_prompted`,
		userID, index, s.today(),
	)
	return err
}

func (s *PostgresStore) DeleteWellnessProgress(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wellness_checkin_progress WHERE user_id = $1`, userID)
	return err
}

func (s *PostgresStore) GetTodayCheckin(ctx context.Context, userID string) (WellnessCheckin, error) {
	c := WellnessCheckin{UserID: userID}
	var sleep, mood, eating, activity sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT to_char(checkin_date, 'YYYY-MM-DD'), sleep_quality, mood, healthy_eating, physical_activity
		FROM wellness_checkins WHERE user_id = $1 AND checkin_date = $2::date`, userID, s.today(),
	).Scan(&c.CheckinDate, &sleep, &mood, &eating, &activity)
	if err == sql.ErrNoRows {
		return WellnessCheckin{}, ErrNotFound
	}
	if err != nil {
		return WellnessCheckin{}, err
	}
	c.Answers = checkinAnswers(map[string]sql.NullString{
		FieldSleepQuality:     sleep,
		FieldMood:             mood,
		FieldHealthyEating:    eating,
		FieldPhysicalActivity: activity,
	})
	return c, nil
}

func (s *PostgresStore) UpsertCheckinField(ctx context.Context, userID, field, value string) error {
	if !IsCheckinField(field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	col := pq.QuoteIdentifier(field)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wellness_checkins (user_id, checkin_date, `+col+`)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (user_id, checkin_date) DO UPDATE SET `+col+` = EXCLUDED.`+col,
		userID, s.today(), value,
	)
	return err
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job Job) error {
	now := pgTime(s.clock.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = pgTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now,
	)
	return err
}

// ClaimNextJob uses FOR UPDATE SKIP LOCKED so several workers can share a queue.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := pgTime(s.clock.Now())

	var j Job
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= $1 AND type = ANY($2)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		now, pq.Array(types),
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next job: %w", err)
	}
	j.LastError = lastError.String
	return &j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2`, pgTime(s.clock.Now()), id)
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

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := pgTime(s.clock.Now())
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, now.Add(backoff), now, id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}
