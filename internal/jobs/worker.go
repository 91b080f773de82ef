// Package jobs runs background work off the request path. The only job type
// today recomputes a user's long-term memory note after a chat turn.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/refleya/companion/internal/storage"
)

// TypeLongTermRefresh recomputes the long-term note for one user.
const TypeLongTermRefresh = "ltm_refresh"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Refresher recomputes and persists a user's long-term memory. memory.LongTerm
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, userID string) error
}

type refreshPayload struct {
	UserID string `json:"user_id"`
}

// NewRefresh builds an ltm_refresh job for userID.
func NewRefresh(userID string) (storage.Job, error) {
	if userID == "" {
		return storage.Job{}, errors.New("refresh job needs a user id")
	}
	payload, err := json.Marshal(refreshPayload{UserID: userID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        TypeLongTermRefresh,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes ltm_refresh jobs from the job queue.
type Worker struct {
	store     JobStore
	refresher Refresher
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, refresher Refresher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		refresher: refresher,
		poll:      pollInterval,
		logger:    slog.Default().With("component", "jobs"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{TypeLongTermRefresh})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var payload refreshPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.UserID == "" {
		return errors.New("payload has no user_id")
	}

	start := time.Now()
	if err := w.refresher.Refresh(ctx, payload.UserID); err != nil {
		return fmt.Errorf("refreshing long-term memory for %s: %w", payload.UserID, err)
	}
	w.logger.Debug("long-term memory refreshed", "user_id", payload.UserID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
