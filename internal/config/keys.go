package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REFLEYA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "REFLEYA_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "server.api_token", typ: kString, env: "REFLEYA_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "REFLEYA_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REFLEYA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_url", typ: kString, env: "REFLEYA_DATABASE_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "model.provider", typ: kString, env: "REFLEYA_MODEL_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Model.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Provider },
	},
	{
		key: "model.name", typ: kString, env: "REFLEYA_MODEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Model.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Name },
	},
	{
		key: "model.base_url", typ: kString, env: "REFLEYA_MODEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.BaseURL },
	},
	{
		key: "model.api_key", typ: kString, env: "REFLEYA_MODEL_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Model.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.APIKey },
	},
	{
		key: "model.temperature", typ: kFloat, env: "REFLEYA_MODEL_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Model.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Model.Temperature },
	},
	{
		key: "context.max_tokens", typ: kInt, env: "REFLEYA_CONTEXT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxTokens },
	},
	{
		key: "context.token_buffer", typ: kInt, env: "REFLEYA_CONTEXT_TOKEN_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Context.TokenBuffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.TokenBuffer },
	},
	{
		key: "memory.long_term_max_tokens", typ: kInt, env: "REFLEYA_MEMORY_LONG_TERM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Memory.LongTermMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.LongTermMaxTokens },
	},
	{
		key: "memory.long_term_fetch_limit", typ: kInt, env: "REFLEYA_MEMORY_LONG_TERM_FETCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Memory.LongTermFetchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.LongTermFetchLimit },
	},
	{
		key: "memory.short_term_pairs", typ: kInt, env: "REFLEYA_MEMORY_SHORT_TERM_PAIRS",
		apply:   func(cfg *Config, v any) { cfg.Memory.ShortTermPairs = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.ShortTermPairs },
	},
	{
		key: "input.max_length", typ: kInt, env: "REFLEYA_INPUT_MAX_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Input.MaxLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Input.MaxLength },
	},
	{
		key: "content.path", typ: kString, env: "REFLEYA_CONTENT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Content.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Content.Path },
	},
	{
		key: "chat.default_user_id", typ: kString, env: "REFLEYA_CHAT_DEFAULT_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultUserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultUserID },
	},
	{
		key: "chat.default_session_id", typ: kString, env: "REFLEYA_CHAT_DEFAULT_SESSION_ID",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultSessionID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultSessionID },
	},
	{
		key: "chat.default_mode", typ: kString, env: "REFLEYA_CHAT_DEFAULT_MODE",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultMode },
	},
	{
		key: "wellness.rephrase", typ: kBool, env: "REFLEYA_WELLNESS_REPHRASE",
		apply:   func(cfg *Config, v any) { cfg.Wellness.Rephrase = v.(bool) },
		extract: func(cfg Config) any { return cfg.Wellness.Rephrase },
	},
	{
		key: "jobs.poll_interval", typ: kDuration, env: "REFLEYA_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "REFLEYA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "REFLEYA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "log.file", typ: kString, env: "REFLEYA_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// parse converts raw text to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment variable", "env", s.env, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
