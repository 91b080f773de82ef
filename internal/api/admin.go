package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/refleya/companion/internal/storage"
)

// AdminStore is the read-only storage surface of the admin API.
type AdminStore interface {
	RecentTurns(ctx context.Context, userID, sessionID string, limit int) ([]storage.Turn, error)
	GetLongTermNote(ctx context.Context, userID string) (storage.LongTermNote, error)
	GetTodayCheckin(ctx context.Context, userID string) (storage.WellnessCheckin, error)
}

// MemoryReader returns a user's long-term memory text.
type MemoryReader interface {
	Context(ctx context.Context, userID string) string
}

type AdminDeps struct {
	Store  AdminStore
	Memory MemoryReader
	Token  string
}

type MemoryResponse struct {
	UserID            string     `json:"user_id"`
	Memory            string     `json:"memory"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
}

type TurnView struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type CheckinResponse struct {
	UserID  string            `json:"user_id"`
	Date    string            `json:"date"`
	Answers map[string]string `json:"answers"`
}

// NewAdminHandler returns the bearer-protected inspection API. Routes are
// relative to where it is mounted (/api/users).
func NewAdminHandler(deps AdminDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequireToken(deps.Token))

	r.Get("/{userID}/memory", handleGetMemory(deps))
	r.Get("/{userID}/sessions/{sessionID}/history", handleGetHistory(deps))
	r.Get("/{userID}/checkin", handleGetCheckin(deps))

	return r
}

func handleGetMemory(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		resp := MemoryResponse{
			UserID: userID,
			Memory: deps.Memory.Context(r.Context(), userID),
		}
		note, err := deps.Store.GetLongTermNote(r.Context(), userID)
		switch {
		case err == nil:
			resp.LastInteractionAt = &note.LastInteractionAt
		case !errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read long-term note: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetHistory(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		sessionID := chi.URLParam(r, "sessionID")
		limit := parseIntParam(r, "limit", 20, 200)

		turns, err := deps.Store.RecentTurns(r.Context(), userID, sessionID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list turns: %v", err)
			return
		}

		// Stored newest first; the API returns conversation order.
		out := make([]TurnView, len(turns))
		for i, t := range turns {
			out[len(turns)-1-i] = TurnView{Role: string(t.Role), Message: t.Message, CreatedAt: t.CreatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetCheckin(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		c, err := deps.Store.GetTodayCheckin(r.Context(), userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no check-in recorded today")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read check-in: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, CheckinResponse{UserID: userID, Date: c.CheckinDate, Answers: c.Answers})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
