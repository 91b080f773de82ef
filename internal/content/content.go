// Package content loads the static text resources of the companion: persona
// instructions, the check-in questionnaire, safety keyword lists and the fixed
// user-facing messages. A default set is embedded in the binary and can be
// replaced by a YAML file without rebuilding.
package content

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/refleya/companion/internal/storage"
)

//go:embed default.yaml
var defaultYAML []byte

// Question is one step of the daily check-in. Field names the storage column
// the answer is written to.
type Question struct {
	Field string `yaml:"field"`
	Text  string `yaml:"text"`
}

type Safety struct {
	Disclaimer     string   `yaml:"disclaimer"`
	CrisisRedirect string   `yaml:"crisis_redirect"`
	CrisisTriggers []string `yaml:"crisis_triggers"`
	ClinicalTerms  []string `yaml:"clinical_terms"`
	UnsafeAdvice   []string `yaml:"unsafe_advice"`
}

type Messages struct {
	WellnessComplete    string `yaml:"wellness_complete"`
	WellnessAlreadyDone string `yaml:"wellness_already_done"`
	WellnessApology     string `yaml:"wellness_apology"`
	ModelError          string `yaml:"model_error"`
	InternalError       string `yaml:"internal_error"`
}

// Content is immutable once loaded.
type Content struct {
	DefaultMode string            `yaml:"default_mode"`
	Personas    map[string]string `yaml:"personas"`
	RoleTones   map[string]string `yaml:"role_tones"`
	Questions   []Question        `yaml:"questions"`
	Safety      Safety            `yaml:"safety"`
	Messages    Messages          `yaml:"messages"`
}

// Default returns the embedded content. It panics if the embedded file is
// invalid, which only happens on a broken build.
func Default() Content {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded content is invalid: %v", err))
	}
	return c
}

// Load reads content from path, or returns the embedded default when path is empty.
func Load(path string) (Content, error) {
	if path == "" {
		return Parse(defaultYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("read content file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML payload. Keys are normalised to lower
// case and keyword lists are trimmed and lowered so matching can be
// case-insensitive.
func Parse(data []byte) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("parse content yaml: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Content{}, fmt.Errorf("invalid content: %w", err)
	}
	return c, nil
}

func (c *Content) normalize() {
	c.DefaultMode = strings.ToLower(strings.TrimSpace(c.DefaultMode))
	c.Personas = lowerKeys(c.Personas)
	c.RoleTones = lowerKeys(c.RoleTones)
	c.Safety.CrisisTriggers = lowerAll(c.Safety.CrisisTriggers)
	c.Safety.ClinicalTerms = lowerAll(c.Safety.ClinicalTerms)
	c.Safety.UnsafeAdvice = lowerAll(c.Safety.UnsafeAdvice)
}

// Validate checks the invariants the rest of the system relies on.
func (c Content) Validate() error {
	var errs []error
	if len(c.Questions) == 0 {
		errs = append(errs, errors.New("at least one question is required"))
	}
	seen := make(map[string]bool, len(c.Questions))
	for i, q := range c.Questions {
		if !storage.IsCheckinField(q.Field) {
			errs = append(errs, fmt.Errorf("question %d: unknown field %q", i, q.Field))
		}
		if seen[q.Field] {
			errs = append(errs, fmt.Errorf("question %d: duplicate field %q", i, q.Field))
		}
		seen[q.Field] = true
		if strings.TrimSpace(q.Text) == "" {
			errs = append(errs, fmt.Errorf("question %d: text is empty", i))
		}
	}
	if _, ok := c.Personas[c.DefaultMode]; !ok {
		errs = append(errs, fmt.Errorf("default_mode %q has no persona", c.DefaultMode))
	}
	if c.Safety.Disclaimer == "" {
		errs = append(errs, errors.New("safety.disclaimer is required"))
	}
	if c.Safety.CrisisRedirect == "" {
		errs = append(errs, errors.New("safety.crisis_redirect is required"))
	}
	if len(c.Safety.CrisisTriggers) == 0 {
		errs = append(errs, errors.New("safety.crisis_triggers must not be empty"))
	}
	m := c.Messages
	for name, v := range map[string]string{
		"wellness_complete":     m.WellnessComplete,
		"wellness_already_done": m.WellnessAlreadyDone,
		"wellness_apology":      m.WellnessApology,
		"model_error":           m.ModelError,
		"internal_error":        m.InternalError,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("messages.%s is required", name))
		}
	}
	return errors.Join(errs...)
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
