package engine

import (
	"sort"

	"github.com/refleya/companion/internal/ollama"
	"github.com/refleya/companion/internal/openrouter"
)

type provider struct {
	name           string
	defaultModel   string
	defaultBaseURL string
	needsKey       bool
	build          func(name string, cfg Config) Completer
}

var providers = []provider{
	{
		name:           "ollama",
		defaultModel:   "llama3.2",
		defaultBaseURL: ollama.DefaultBaseURL,
		build:          newOllamaCompleter,
	},
	{
		name:           "openrouter",
		defaultModel:   "meta-llama/llama-3-8b-instruct",
		defaultBaseURL: openrouter.DefaultBaseURL,
		needsKey:       true,
		build:          newRouterCompleter,
	},
	{
		name:           "llama",
		defaultModel:   "meta-llama/llama-3-8b-instruct",
		defaultBaseURL: openrouter.DefaultBaseURL,
		needsKey:       true,
		build:          newRouterCompleter,
	},
	{
		name:           "deepseek",
		defaultModel:   "deepseek/deepseek-chat-v3-0324:free",
		defaultBaseURL: openrouter.DefaultBaseURL,
		needsKey:       true,
		build:          newRouterCompleter,
	},
	{
		name:         "openai",
		defaultModel: "gpt-4o",
		needsKey:     true,
		build:        newOpenAICompleter,
	},
	{
		name:           "together",
		defaultModel:   "mistralai/Mixtral-8x7B-Instruct-v0.1",
		defaultBaseURL: "https://api.together.xyz/v1",
		needsKey:       true,
		build:          newOpenAICompleter,
	},
	{
		name:           "mistral",
		defaultModel:   "mistral-tiny",
		defaultBaseURL: "https://api.mistral.ai/v1",
		needsKey:       true,
		build:          newOpenAICompleter,
	},
	{
		name:           "cohere",
		defaultModel:   "command-r-plus",
		defaultBaseURL: "https://api.cohere.ai/compatibility/v1",
		needsKey:       true,
		build:          newOpenAICompleter,
	},
	{
		name:           "gemini",
		defaultModel:   "gemini-1.5-flash",
		defaultBaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
		needsKey:       true,
		build:          newGeminiCompleter,
	},
}

// aliases maps the historical provider identifiers onto the table above.
var aliases = map[string]string{
	"mixtral": "together",
	"llama 3": "llama",
	"llama3":  "llama",
}

func lookupProvider(name string) (provider, bool) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	for _, p := range providers {
		if p.name == name {
			return p, true
		}
	}
	return provider{}, false
}

// ProviderNames lists the supported provider identifiers, sorted.
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}
