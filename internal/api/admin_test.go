package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/refleya/companion/internal/storage"
)

const testToken = "test-token-12345"

type staticMemory string

func (m staticMemory) Context(context.Context, string) string { return string(m) }

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func setupAdmin(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.WithClock(&stepClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	admin := NewAdminHandler(AdminDeps{Store: store, Memory: staticMemory("User likes tea."), Token: token})
	return NewRouter(NewChatHandler(ChatDeps{Processor: &mockProcessor{}}), admin), store
}

func authGet(h http.Handler, url, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdmin_RequiresToken(t *testing.T) {
	h, _ := setupAdmin(t, testToken)

	for _, tok := range []string{"", "wrong-token"} {
		rr := authGet(h, "/api/users/u1/memory", tok)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rr.Code)
		}
	}
}

func TestAdmin_EmptyTokenRejectsEverything(t *testing.T) {
	h, _ := setupAdmin(t, "")
	if rr := authGet(h, "/api/users/u1/memory", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAdmin_Memory(t *testing.T) {
	h, store := setupAdmin(t, testToken)

	rr := authGet(h, "/api/users/u1/memory", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; %s", rr.Code, rr.Body.String())
	}
	var resp MemoryResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.UserID != "u1" || resp.Memory != "User likes tea." || resp.LastInteractionAt != nil {
		t.Errorf("resp = %+v", resp)
	}

	at := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	if err := store.UpsertLongTermNote(context.Background(), "u1", "note", at); err != nil {
		t.Fatal(err)
	}
	rr = authGet(h, "/api/users/u1/memory", testToken)
	resp = MemoryResponse{}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.LastInteractionAt == nil || !resp.LastInteractionAt.Equal(at) {
		t.Errorf("last_interaction_at = %v, want %v", resp.LastInteractionAt, at)
	}
}

func TestAdmin_History(t *testing.T) {
	h, store := setupAdmin(t, testToken)
	ctx := context.Background()
	for i, m := range []string{"hi", "hello", "how are you", "fine"} {
		role := storage.RoleUser
		if i%2 == 1 {
			role = storage.RoleAssistant
		}
		if err := store.AppendTurn(ctx, "u1", "s1", role, m); err != nil {
			t.Fatal(err)
		}
	}

	rr := authGet(h, "/api/users/u1/sessions/s1/history?limit=3", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; %s", rr.Code, rr.Body.String())
	}
	var turns []TurnView
	json.NewDecoder(rr.Body).Decode(&turns)
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].Message != "hello" || turns[2].Message != "fine" || turns[2].Role != "assistant" {
		t.Errorf("turns = %+v", turns)
	}

	rr = authGet(h, "/api/users/u1/sessions/other/history", testToken)
	var empty []TurnView
	json.NewDecoder(rr.Body).Decode(&empty)
	if rr.Code != http.StatusOK || len(empty) != 0 {
		t.Errorf("other session: status %d, %d turns", rr.Code, len(empty))
	}
}

func TestAdmin_Checkin(t *testing.T) {
	h, store := setupAdmin(t, testToken)

	if rr := authGet(h, "/api/users/u1/checkin", testToken); rr.Code != http.StatusNotFound {
		t.Errorf("before any answer: status = %d, want 404", rr.Code)
	}

	if err := store.UpsertCheckinField(context.Background(), "u1", storage.FieldMood, "calm"); err != nil {
		t.Fatal(err)
	}
	rr := authGet(h, "/api/users/u1/checkin", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp CheckinResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Date != "2026-06-01" || resp.Answers[storage.FieldMood] != "calm" || len(resp.Answers) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}
