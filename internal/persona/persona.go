// Package persona maps a conversation mode and role to the system instruction
// placed at the top of every model prompt.
package persona

import (
	"log/slog"
	"strings"

	"github.com/refleya/companion/internal/content"
)

const (
	RoleSupporter  = "supporter"
	RoleChallenger = "challenger"
)

// ValidRole reports whether r is an accepted role modifier.
func ValidRole(r string) bool {
	return r == RoleSupporter || r == RoleChallenger
}

type Provider struct {
	defaultMode string
	personas    map[string]string
	tones       map[string]string
}

func New(c content.Content) *Provider {
	return &Provider{
		defaultMode: c.DefaultMode,
		personas:    c.Personas,
		tones:       c.RoleTones,
	}
}

// Prompt returns the persona text for mode, followed by the tone instruction
// for role when one exists. Unknown modes fall back to the default persona.
func (p *Provider) Prompt(mode, role string) string {
	key := strings.ToLower(strings.TrimSpace(mode))
	text, ok := p.personas[key]
	if !ok {
		if key != "" {
			slog.Warn("unknown persona mode, using default", "mode", mode, "default", p.defaultMode)
		}
		text = p.personas[p.defaultMode]
	}
	if tone, ok := p.tones[strings.ToLower(strings.TrimSpace(role))]; ok && tone != "" {
		text += " " + tone
	}
	return text
}
