package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/refleya/companion/internal/persona"
	"github.com/refleya/companion/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// MessageProcessor runs one message through the companion.
type MessageProcessor interface {
	Process(ctx context.Context, msg pipeline.Message) pipeline.Reply
}

// Defaults fill identity fields a request leaves empty.
type Defaults struct {
	UserID    string
	SessionID string
	Mode      string
}

func (d Defaults) fill(userID, sessionID, mode string) (string, string, string) {
	if userID == "" {
		userID = d.UserID
	}
	if sessionID == "" {
		sessionID = d.SessionID
	}
	if mode == "" {
		mode = d.Mode
	}
	return userID, sessionID, mode
}

type ChatDeps struct {
	Processor MessageProcessor
	Defaults  Defaults
	// MaxLength caps the trimmed message length in characters.
	MaxLength int
}

type ChatRequest struct {
	Message   string `json:"message"`
	Role      string `json:"role,omitempty"`
	Mode      string `json:"mode,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type WellnessRequest struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the body of every successful chat or check-in call.
type ChatResponse struct {
	Response string `json:"response"`
}

// NewChatHandler returns the public chat API.
func NewChatHandler(deps ChatDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/api/chat", handleChat(deps))
	r.Post("/api/wellness-check", handleWellnessCheck(deps))

	return r
}

// NewRouter composes the chat API and, when admin is non-nil, the admin API
// under /api/users, behind request ids, panic recovery and access logging.
func NewRouter(chat, admin http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if admin != nil {
		r.Mount("/api/users", admin)
	}
	r.Mount("/", chat)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		msg := strings.TrimSpace(req.Message)
		if msg == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Empty message is not allowed.")
			return
		}
		if deps.MaxLength > 0 && utf8.RuneCountInString(msg) > deps.MaxLength {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Message too long. Max %d characters allowed.", deps.MaxLength)
			return
		}

		role := strings.ToLower(strings.TrimSpace(req.Role))
		if role == "" {
			role = persona.RoleSupporter
		}
		if !persona.ValidRole(role) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "role must be one of %s, %s", persona.RoleSupporter, persona.RoleChallenger)
			return
		}

		userID, sessionID, mode := deps.Defaults.fill(req.UserID, req.SessionID, req.Mode)
		reply := deps.Processor.Process(r.Context(), pipeline.Message{
			UserID:    userID,
			SessionID: sessionID,
			Text:      msg,
			Mode:      mode,
			Role:      role,
		})
		writeJSON(w, http.StatusOK, ChatResponse{Response: reply.Text})
	}
}

func handleWellnessCheck(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req WellnessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		userID, sessionID, mode := deps.Defaults.fill(req.UserID, req.SessionID, "")
		reply := deps.Processor.Process(r.Context(), pipeline.Message{
			UserID:          userID,
			SessionID:       sessionID,
			Mode:            mode,
			Role:            persona.RoleSupporter,
			TriggerWellness: true,
		})
		writeJSON(w, http.StatusOK, ChatResponse{Response: reply.Text})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
