// Package safety screens inbound user text for crisis language and outbound
// text for clinical or unsafe advice. Matching is case-insensitive substring
// search, so false positives are possible and false negatives are not.
package safety

import (
	"log/slog"
	"strings"

	"github.com/refleya/companion/internal/content"
)

// Filter is safe for concurrent use; its keyword lists are never mutated.
type Filter struct {
	disclaimer     string
	crisisRedirect string
	crisis         []string
	clinical       []string
	unsafe         []string
}

func New(s content.Safety) *Filter {
	return &Filter{
		disclaimer:     s.Disclaimer,
		crisisRedirect: s.CrisisRedirect,
		crisis:         lower(s.CrisisTriggers),
		clinical:       lower(s.ClinicalTerms),
		unsafe:         lower(s.UnsafeAdvice),
	}
}

// Disclaimer returns the fixed text that replaces filtered responses.
func (f *Filter) Disclaimer() string { return f.disclaimer }

// FilterResponse returns text unchanged, or the disclaimer when it contains a
// clinical term or unsafe advice.
func (f *Filter) FilterResponse(text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("safety filter panicked", "panic", r)
			out = f.disclaimer
		}
	}()

	lowered := strings.ToLower(text)
	if _, ok := firstMatch(lowered, f.clinical); ok {
		slog.Warn("filtered response", "category", "clinical")
		return f.disclaimer
	}
	if _, ok := firstMatch(lowered, f.unsafe); ok {
		slog.Warn("filtered response", "category", "unsafe_advice")
		return f.disclaimer
	}
	return text
}

// CrisisRedirect reports whether userText contains crisis language and, if
// so, returns the supportive redirect message.
func (f *Filter) CrisisRedirect(userText string) (reply string, triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("crisis check panicked", "panic", r)
			reply, triggered = f.disclaimer, true
		}
	}()

	if _, ok := firstMatch(strings.ToLower(userText), f.crisis); ok {
		slog.Warn("crisis trigger detected", "category", "crisis")
		return f.crisisRedirect, true
	}
	return "", false
}

func firstMatch(lowered string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return kw, true
		}
	}
	return "", false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
