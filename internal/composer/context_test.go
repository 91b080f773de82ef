package composer

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

type staticPersona string

func (p staticPersona) Prompt(string, string) string { return string(p) }

type staticShortTerm struct {
	text string
	err  error
}

func (s staticShortTerm) Transcript(context.Context, string, string) (string, error) {
	return s.text, s.err
}

type staticLongTerm string

func (l staticLongTerm) Context(context.Context, string) string { return string(l) }

type panickingLongTerm struct{}

func (panickingLongTerm) Context(context.Context, string) string { panic("boom") }

type panickingPersona struct{}

func (panickingPersona) Prompt(string, string) string { panic("nil map") }

type passFilter struct{ calls int }

func (f *passFilter) FilterResponse(s string) string {
	f.calls++
	return s
}

type replaceFilter struct{}

func (replaceFilter) FilterResponse(string) string { return "FILTERED" }

func numberedLines(prefix string, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = prefix + strings.Repeat("x", 10) + string(rune('a'+i%26))
	}
	return strings.Join(lines, "\n")
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"مرحبا", 2},
		{"😊😊😊😊", 1},
		{strings.Repeat("é", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestBuild_AssemblyOrder(t *testing.T) {
	f := &passFilter{}
	c := New(Config{}, staticPersona("Be kind."),
		staticShortTerm{text: "User: hi\nAssistant: hello"},
		staticLongTerm("Likes tea."), f)

	got := c.Build(context.Background(), Request{UserID: "u1", SessionID: "s1", Message: "  How are you?  "})
	want := "System: Be kind.\n\n" +
		"Long-term Memory:\nLikes tea.\n\n" +
		"Conversation History:\nUser: hi\nAssistant: hello\n\n" +
		"User: How are you?"
	if got != want {
		t.Errorf("Build =\n%q\nwant\n%q", got, want)
	}
	if f.calls != 1 {
		t.Errorf("filter called %d times, want 1", f.calls)
	}
}

func TestBuild_AppliesFilterToWholeContext(t *testing.T) {
	c := New(Config{}, staticPersona("p"), staticShortTerm{}, staticLongTerm(""), replaceFilter{})
	if got := c.Build(context.Background(), Request{Message: "hi"}); got != "FILTERED" {
		t.Errorf("Build = %q, want filter output", got)
	}
}

func TestBuild_ShortTermFailureDegrades(t *testing.T) {
	c := New(Config{}, staticPersona("p"),
		staticShortTerm{err: errors.New("db down")},
		staticLongTerm("memo"), &passFilter{})

	got := c.Build(context.Background(), Request{Message: "hi"})
	if !strings.Contains(got, "Conversation History:\n"+ShortTermUnavailable) {
		t.Errorf("missing short-term placeholder: %q", got)
	}
	if !strings.Contains(got, "Long-term Memory:\nmemo") {
		t.Errorf("long-term block should be unaffected: %q", got)
	}
}

func TestBuild_LongTermPanicDegrades(t *testing.T) {
	c := New(Config{}, staticPersona("p"),
		staticShortTerm{text: "User: a\nAssistant: b"},
		panickingLongTerm{}, &passFilter{})

	got := c.Build(context.Background(), Request{Message: "hi"})
	if !strings.Contains(got, "Long-term Memory:\n"+LongTermUnavailable) {
		t.Errorf("missing long-term placeholder: %q", got)
	}
	if !strings.Contains(got, "User: a\nAssistant: b") {
		t.Errorf("short-term block should be unaffected: %q", got)
	}
}

func TestBuild_PersonaPanicDegrades(t *testing.T) {
	c := New(Config{}, panickingPersona{}, staticShortTerm{}, staticLongTerm("lt"), &passFilter{})

	got := c.Build(context.Background(), Request{Message: "hi"})
	if !strings.HasPrefix(got, "System: "+PersonaUnavailable+"\n\n") {
		t.Errorf("missing persona placeholder: %q", got)
	}
}

func TestBuild_MultibyteHistoryFitsBudget(t *testing.T) {
	q, a := strings.Repeat("ش", 34), strings.Repeat("ن", 29)
	short := strings.Join([]string{"User: " + q, "Assistant: " + a, "User: " + q, "Assistant: " + a}, "\n")
	want := assemble("System: p", []string{"lt"}, splitLines(short), "User: m")
	if len(want)/4 <= EstimateTokens(want) {
		t.Fatal("test setup: byte count should exceed the character estimate")
	}

	c := New(Config{MaxTokens: EstimateTokens(want), TokenBuffer: 0}, staticPersona("p"),
		staticShortTerm{text: short}, staticLongTerm("lt"), &passFilter{})
	if got := c.Build(context.Background(), Request{Message: "m"}); got != want {
		t.Errorf("history truncated although it fits:\n%q", got)
	}
}

func TestBuild_TruncatesShortTermOldestFirst(t *testing.T) {
	short := "User: old\nAssistant: old reply\nUser: new\nAssistant: new reply"
	persona := "p"
	// Budget fits everything except the oldest exchange.
	full := assemble("System: p", []string{"lt"}, splitLines(short), "User: m")
	trimmed := assemble("System: p", []string{"lt"}, splitLines(short)[2:], "User: m")
	budget := EstimateTokens(trimmed)
	if EstimateTokens(full) <= budget {
		t.Fatal("test setup: full context should exceed budget")
	}

	c := New(Config{MaxTokens: budget, TokenBuffer: 0}, staticPersona(persona),
		staticShortTerm{text: short}, staticLongTerm("lt"), &passFilter{})
	got := c.Build(context.Background(), Request{Message: "m"})
	if got != trimmed {
		t.Errorf("Build =\n%q\nwant\n%q", got, trimmed)
	}
}

func TestBuild_TruncatesLongTermAfterShortTermIsMinimal(t *testing.T) {
	short := "User: q\nAssistant: a"
	long := "fact one is long enough\nfact two is long enough\nfact three"
	want := assemble("System: p", []string{"fact three"}, splitLines(short), "User: m")

	c := New(Config{MaxTokens: EstimateTokens(want), TokenBuffer: 0}, staticPersona("p"),
		staticShortTerm{text: short}, staticLongTerm(long), &passFilter{})
	got := c.Build(context.Background(), Request{Message: "m"})
	if got != want {
		t.Errorf("Build =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_ClearsLongTermAsLastResort(t *testing.T) {
	short := "User: q\nAssistant: a"
	long := strings.Repeat("one very long long-term line ", 20)
	want := assemble("System: p", nil, splitLines(short), "User: m")

	c := New(Config{MaxTokens: EstimateTokens(want), TokenBuffer: 0}, staticPersona("p"),
		staticShortTerm{text: short}, staticLongTerm(long), &passFilter{})
	got := c.Build(context.Background(), Request{Message: "m"})
	if got != want {
		t.Errorf("Build =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_ClearsShortTermAfterLongTerm(t *testing.T) {
	short := "User: " + strings.Repeat("q", 200) + "\nAssistant: a"
	want := assemble("System: p", nil, nil, "User: m")

	c := New(Config{MaxTokens: EstimateTokens(want), TokenBuffer: 0}, staticPersona("p"),
		staticShortTerm{text: short}, staticLongTerm("some fact"), &passFilter{})
	if got := c.Build(context.Background(), Request{Message: "m"}); got != want {
		t.Errorf("Build =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_PersonaAndMessageNeverTruncated(t *testing.T) {
	persona := strings.Repeat("persona ", 100)
	msg := strings.Repeat("message ", 100)
	c := New(Config{MaxTokens: 50, TokenBuffer: 0}, staticPersona(persona),
		staticShortTerm{text: "User: q\nAssistant: a"}, staticLongTerm("lt"), &passFilter{})

	got := c.Build(context.Background(), Request{Message: msg})
	if !strings.Contains(got, strings.TrimSpace(persona)) || !strings.Contains(got, strings.TrimSpace(msg)) {
		t.Error("persona or message was truncated")
	}
	if strings.Contains(got, "Assistant: a") || strings.Contains(got, "\nlt\n") {
		t.Error("memory blocks should have been dropped")
	}
}

// TestBuild_NeverExceedsBudget checks the budget for random block sizes whose
// fixed part (persona, message and block labels) fits.
func TestBuild_NeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		persona := strings.Repeat("p", rng.Intn(400))
		msg := strings.Repeat("m", 1+rng.Intn(400))
		short := numberedLines("User: ", rng.Intn(30))
		long := numberedLines("fact ", rng.Intn(60))

		fixed := assemble("System: "+persona, nil, nil, "User: "+msg)
		budget := EstimateTokens(fixed) + rng.Intn(300)

		c := New(Config{MaxTokens: budget + 10, TokenBuffer: 10}, staticPersona(persona),
			staticShortTerm{text: short}, staticLongTerm(long), &passFilter{})
		got := c.Build(context.Background(), Request{Message: msg})

		if EstimateTokens(got) > budget {
			t.Fatalf("case %d: context is %d tokens, budget %d", i, EstimateTokens(got), budget)
		}
		if !strings.HasPrefix(got, "System: "+persona) || !strings.HasSuffix(got, "User: "+msg) {
			t.Fatalf("case %d: persona or message altered", i)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, staticPersona(""), staticShortTerm{}, staticLongTerm(""), &passFilter{})
	if c.Budget() != 3800 {
		t.Errorf("Budget() = %d, want 3800", c.Budget())
	}
}
