package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/refleya/companion/internal/persona"
	"github.com/refleya/companion/internal/pipeline"
	"github.com/refleya/companion/internal/storage"
)

const checkinURITemplate = "checkin://{user_id}/today"

// CheckinReader reads today's check-in answers.
type CheckinReader interface {
	GetTodayCheckin(ctx context.Context, userID string) (storage.WellnessCheckin, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Processor MessageProcessor
	Memory    MemoryReader
	Checkins  CheckinReader
	Defaults  Defaults
	MaxLength int
	Version   string
}

// NewMCPServer creates an MCP server exposing the companion as tools plus a
// resource template for today's check-in.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"refleya",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("refleya is a wellness companion. Use chat for conversation, wellness_check for the daily check-in and recall_memory to read what it remembers about a user."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to the companion and return its reply."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User identifier (defaults to the configured user)")),
			mcp.WithString("session_id", mcp.Description("Session identifier (defaults to the configured session)")),
			mcp.WithString("mode", mcp.Description("Persona mode: leya, sana or leo")),
			mcp.WithString("role", mcp.Description("Tone modifier: supporter or challenger"), mcp.Enum(persona.RoleSupporter, persona.RoleChallenger)),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("wellness_check",
			mcp.WithDescription("Start or continue today's wellness check-in. Pass an answer to reply to the current question."),
			mcp.WithString("answer", mcp.Description("Answer to the current question; omit to get the question")),
			mcp.WithString("user_id", mcp.Description("User identifier (defaults to the configured user)")),
			mcp.WithString("session_id", mcp.Description("Session identifier (defaults to the configured session)")),
		),
		mcpWellnessCheck(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_memory",
			mcp.WithDescription("Return the companion's long-term memory of a user."),
			mcp.WithString("user_id", mcp.Description("User identifier (defaults to the configured user)")),
		),
		mcpRecallMemory(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			checkinURITemplate,
			"Today's check-in",
			mcp.WithTemplateDescription("Answers recorded in today's wellness check-in for a user"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceCheckin(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		message = strings.TrimSpace(message)
		if message == "" {
			return mcpError("Empty message is not allowed."), nil
		}
		if deps.MaxLength > 0 && len([]rune(message)) > deps.MaxLength {
			return mcpError(fmt.Sprintf("Message too long. Max %d characters allowed.", deps.MaxLength)), nil
		}

		role := req.GetString("role", persona.RoleSupporter)
		if !persona.ValidRole(role) {
			return mcpError(fmt.Sprintf("role must be one of %s, %s", persona.RoleSupporter, persona.RoleChallenger)), nil
		}

		userID, sessionID, mode := deps.Defaults.fill(req.GetString("user_id", ""), req.GetString("session_id", ""), req.GetString("mode", ""))
		reply := deps.Processor.Process(ctx, pipeline.Message{
			UserID:    userID,
			SessionID: sessionID,
			Text:      message,
			Mode:      mode,
			Role:      role,
		})
		return mcpText(reply.Text), nil
	}
}

func mcpWellnessCheck(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, sessionID, mode := deps.Defaults.fill(req.GetString("user_id", ""), req.GetString("session_id", ""), "")
		reply := deps.Processor.Process(ctx, pipeline.Message{
			UserID:          userID,
			SessionID:       sessionID,
			Text:            strings.TrimSpace(req.GetString("answer", "")),
			Mode:            mode,
			Role:            persona.RoleSupporter,
			TriggerWellness: true,
		})
		return mcpText(reply.Text), nil
	}
}

func mcpRecallMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, _, _ := deps.Defaults.fill(req.GetString("user_id", ""), "", "")
		return mcpText(deps.Memory.Context(ctx, userID)), nil
	}
}

func mcpResourceCheckin(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		userID, err := checkinUserID(req.Params.URI)
		if err != nil {
			return nil, err
		}

		resp := CheckinResponse{UserID: userID, Answers: map[string]string{}}
		c, err := deps.Checkins.GetTodayCheckin(ctx, userID)
		switch {
		case err == nil:
			resp.Date = c.CheckinDate
			resp.Answers = c.Answers
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to read check-in: %w", err)
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal check-in: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// checkinUserID extracts the user id from checkin://{user_id}/today.
func checkinUserID(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "checkin://")
	if !ok {
		return "", fmt.Errorf("unsupported resource uri %q", uri)
	}
	userID, ok := strings.CutSuffix(rest, "/today")
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return "", fmt.Errorf("unsupported resource uri %q", uri)
	}
	return userID, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
