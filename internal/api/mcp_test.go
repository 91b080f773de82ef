package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/refleya/companion/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockProcessor, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.WithClock(&stepClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := &mockProcessor{reply: "companion reply"}
	return MCPDeps{
		Processor: p,
		Memory:    staticMemory("User: hi\nAssistant: hello"),
		Checkins:  store,
		Defaults:  testDefaults,
		MaxLength: 50,
	}, p, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_Chat(t *testing.T) {
	deps, p, _ := newTestMCPDeps(t)
	handler := mcpChat(deps)

	result, err := handler(context.Background(), makeCallToolRequest("chat", map[string]any{
		"message": "  hello  ",
		"role":    "challenger",
		"user_id": "u7",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || toolText(t, result) != "companion reply" {
		t.Errorf("result = %+v", result)
	}
	got := p.msgs[0]
	if got.Text != "hello" || got.Role != "challenger" || got.UserID != "u7" || got.SessionID != "session_4" || got.Mode != "leya" {
		t.Errorf("message = %+v", got)
	}
}

func TestMCPTool_ChatValidation(t *testing.T) {
	deps, p, _ := newTestMCPDeps(t)
	handler := mcpChat(deps)

	for name, args := range map[string]map[string]any{
		"missing":  {},
		"blank":    {"message": "   "},
		"too long": {"message": strings.Repeat("x", 51)},
		"bad role": {"message": "hi", "role": "coach"},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("chat", args))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected tool error", name)
		}
	}
	if len(p.msgs) != 0 {
		t.Error("processor must not run for invalid input")
	}
}

func TestMCPTool_WellnessCheck(t *testing.T) {
	deps, p, _ := newTestMCPDeps(t)
	handler := mcpWellnessCheck(deps)

	handler(context.Background(), makeCallToolRequest("wellness_check", nil))
	handler(context.Background(), makeCallToolRequest("wellness_check", map[string]any{"answer": " slept well "}))

	if len(p.msgs) != 2 {
		t.Fatalf("processor called %d times", len(p.msgs))
	}
	if !p.msgs[0].TriggerWellness || p.msgs[0].Text != "" {
		t.Errorf("first = %+v", p.msgs[0])
	}
	if !p.msgs[1].TriggerWellness || p.msgs[1].Text != "slept well" {
		t.Errorf("second = %+v", p.msgs[1])
	}
}

func TestMCPTool_RecallMemory(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpRecallMemory(deps)(context.Background(), makeCallToolRequest("recall_memory", nil))
	if err != nil {
		t.Fatal(err)
	}
	if toolText(t, result) != "User: hi\nAssistant: hello" {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPResource_Checkin(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	handler := mcpResourceCheckin(deps)
	ctx := context.Background()

	read := func(uri string) CheckinResponse {
		t.Helper()
		contents, err := handler(ctx, mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: uri}})
		if err != nil {
			t.Fatalf("read %s: %v", uri, err)
		}
		tc, ok := contents[0].(mcp.TextResourceContents)
		if !ok {
			t.Fatalf("expected TextResourceContents, got %T", contents[0])
		}
		var resp CheckinResponse
		if err := json.Unmarshal([]byte(tc.Text), &resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := read("checkin://u1/today"); resp.UserID != "u1" || len(resp.Answers) != 0 {
		t.Errorf("empty check-in = %+v", resp)
	}

	store.UpsertCheckinField(ctx, "u1", storage.FieldSleepQuality, "restless")
	if resp := read("checkin://u1/today"); resp.Answers[storage.FieldSleepQuality] != "restless" || resp.Date != "2026-06-01" {
		t.Errorf("check-in = %+v", resp)
	}

	for _, bad := range []string{"checkin://u1/yesterday", "profile://u1/today", "checkin:///today"} {
		if _, err := handler(ctx, mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: bad}}); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}
