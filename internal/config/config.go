// Package config loads the immutable process configuration: defaults, then
// the JSON config file, then REFLEYA_* environment variables (including any
// from a .env file), with secrets falling back to the OS keyring.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Model    ModelConfig
	Context  ContextConfig
	Memory   MemoryConfig
	Input    InputConfig
	Content  ContentConfig
	Chat     ChatConfig
	Wellness WellnessConfig
	Jobs     JobsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
	// APIToken guards the admin endpoints. Empty disables them.
	APIToken string
}

type StorageConfig struct {
	Driver      string // "sqlite" or "postgres"
	DataDir     string
	DatabaseURL string
}

type ModelConfig struct {
	Provider    string
	Name        string
	BaseURL     string
	APIKey      string
	Temperature float64
}

type ContextConfig struct {
	MaxTokens   int
	TokenBuffer int
}

type MemoryConfig struct {
	LongTermMaxTokens  int
	LongTermFetchLimit int
	ShortTermPairs     int
}

type InputConfig struct {
	MaxLength int
}

type ContentConfig struct {
	// Path to a YAML content file. Empty uses the built-in content.
	Path string
}

type ChatConfig struct {
	DefaultUserID    string
	DefaultSessionID string
	DefaultMode      string
}

type WellnessConfig struct {
	Rephrase bool
}

type JobsConfig struct {
	PollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
	File   string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Model: ModelConfig{
			Provider:    "ollama",
			Temperature: 0.7,
		},
		Context: ContextConfig{
			MaxTokens:   4000,
			TokenBuffer: 200,
		},
		Memory: MemoryConfig{
			LongTermMaxTokens:  1000,
			LongTermFetchLimit: 40,
			ShortTermPairs:     5,
		},
		Input: InputConfig{
			MaxLength: 500,
		},
		Chat: ChatConfig{
			DefaultUserID:    "test_user_4",
			DefaultSessionID: "session_4",
			DefaultMode:      "leya",
		},
		Wellness: WellnessConfig{
			Rephrase: true,
		},
		Jobs: JobsConfig{
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from ./.env, the JSON file at ConfigFilePath,
// REFLEYA_* environment variables and the OS keyring, in increasing order of
// precedence except for the keyring, which only fills secrets left empty.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(ConfigFilePath()), keyringReader{}, os.Getenv)
}

func loadWith(b ConfigBackend, kc keychain, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, getenv)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keyringService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir must be set for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("missing required config: database URL. Set REFLEYA_DATABASE_URL or store storage.database_url in the OS keyring"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite, postgres", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Model.Provider) == "" {
		errs = append(errs, errors.New("model.provider must be set"))
	}
	if c.Context.MaxTokens <= 0 {
		errs = append(errs, errors.New("context.max_tokens must be positive"))
	}
	if c.Context.TokenBuffer < 0 || c.Context.TokenBuffer >= c.Context.MaxTokens {
		errs = append(errs, fmt.Errorf("context.token_buffer %d must be in [0, context.max_tokens)", c.Context.TokenBuffer))
	}
	if c.Memory.LongTermMaxTokens <= 0 || c.Memory.LongTermFetchLimit <= 0 || c.Memory.ShortTermPairs <= 0 {
		errs = append(errs, errors.New("memory limits must be positive"))
	}
	if c.Input.MaxLength <= 0 {
		errs = append(errs, errors.New("input.max_length must be positive"))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs.poll_interval must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
