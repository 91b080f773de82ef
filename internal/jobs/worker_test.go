package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/refleya/companion/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockRefresher struct {
	mu        sync.Mutex
	users     []string
	refreshFn func(ctx context.Context, userID string) error
}

func (m *mockRefresher) Refresh(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.users = append(m.users, userID)
	m.mu.Unlock()
	if m.refreshFn != nil {
		return m.refreshFn(ctx, userID)
	}
	return nil
}

func openTestStore(t *testing.T) (*storage.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	s, err := storage.Open(":memory:", storage.WithClock(clock))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func enqueueRefresh(t *testing.T, store *storage.Store, userID string) string {
	t.Helper()
	job, err := NewRefresh(userID)
	if err != nil {
		t.Fatalf("NewRefresh: %v", err)
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

func TestNewRefresh(t *testing.T) {
	job, err := NewRefresh("u1")
	if err != nil {
		t.Fatalf("NewRefresh: %v", err)
	}
	if job.Type != TypeLongTermRefresh || job.ID == "" {
		t.Errorf("job = %+v", job)
	}
	var p map[string]string
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil || p["user_id"] != "u1" {
		t.Errorf("payload = %s, err %v", job.PayloadJSON, err)
	}

	other, _ := NewRefresh("u1")
	if other.ID == job.ID {
		t.Error("job ids should be unique")
	}

	if _, err := NewRefresh(""); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store, _ := openTestStore(t)
	id := enqueueRefresh(t, store, "u1")

	ref := &mockRefresher{}
	w := NewWorker(store, ref, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(ref.users) != 1 || ref.users[0] != "u1" {
		t.Errorf("refreshed users = %v", ref.users)
	}

	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("status = %q, want completed", job.Status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: RunOnce = %v, %v", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store, clock := openTestStore(t)
	id := enqueueRefresh(t, store, "u1")

	var calls atomic.Int32
	w := NewWorker(store, &mockRefresher{
		refreshFn: func(context.Context, string) error {
			if n := calls.Add(1); n <= 2 {
				return fmt.Errorf("transient error %d", n)
			}
			return nil
		},
	}, 0)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d = %v, %v", attempt, didWork, err)
		}
		job, _ := store.GetJob(ctx, id)
		if job.Status != "pending" || job.Attempts != attempt {
			t.Fatalf("after fail %d: status=%q attempts=%d", attempt, job.Status, job.Attempts)
		}

		// Still backing off.
		if didWork, _ := w.RunOnce(ctx); didWork {
			t.Fatalf("job claimed before its backoff elapsed")
		}
		clock.Advance(time.Minute)
	}

	didWork, err := w.RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	job, _ := store.GetJob(ctx, id)
	if job.Status != "completed" {
		t.Errorf("status = %q, want completed", job.Status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store, clock := openTestStore(t)
	id := enqueueRefresh(t, store, "u1")

	w := NewWorker(store, &mockRefresher{
		refreshFn: func(context.Context, string) error { return fmt.Errorf("permanent error") },
	}, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d = %v, %v", i, didWork, err)
		}
		clock.Advance(time.Minute)
	}

	job, _ := store.GetJob(ctx, id)
	if job.Status != "failed" || job.LastError == "" {
		t.Errorf("job = status %q, last error %q; want failed with error", job.Status, job.LastError)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: "bad", Type: TypeLongTermRefresh, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	ref := &mockRefresher{}
	w := NewWorker(store, ref, 0)

	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}
	if len(ref.users) != 0 {
		t.Error("refresher should not run for a bad payload")
	}
	job, _ := store.GetJob(ctx, "bad")
	if job.Status != "failed" {
		t.Errorf("status = %q, want failed", job.Status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store, _ := openTestStore(t)
	for i := 0; i < 3; i++ {
		enqueueRefresh(t, store, fmt.Sprintf("u%d", i))
	}
	ref := &mockRefresher{}
	w := NewWorker(store, ref, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		ref.mu.Lock()
		n := len(ref.users)
		ref.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d/3 jobs before timeout", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
