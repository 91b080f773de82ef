package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	calls  []string
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	m.calls = append(m.calls, service+"/"+account)
	if v, ok := m.values[account]; ok {
		return v, nil
	}
	return "", errors.New("secret not found in keyring")
}

func envMap(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func emptyBackend(t *testing.T) *fileBackend {
	t.Helper()
	return newFileBackend(filepath.Join(t.TempDir(), "missing", "config.json"))
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(emptyBackend(t), &mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DataDir == "" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Model.Provider != "ollama" || cfg.Model.Temperature != 0.7 {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Context.MaxTokens != 4000 || cfg.Context.TokenBuffer != 200 {
		t.Errorf("Context = %+v", cfg.Context)
	}
	if cfg.Memory.LongTermMaxTokens != 1000 || cfg.Memory.LongTermFetchLimit != 40 || cfg.Memory.ShortTermPairs != 5 {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.Input.MaxLength != 500 {
		t.Errorf("Input.MaxLength = %d, want 500", cfg.Input.MaxLength)
	}
	if cfg.Chat.DefaultUserID != "test_user_4" || cfg.Chat.DefaultSessionID != "session_4" || cfg.Chat.DefaultMode != "leya" {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if !cfg.Wellness.Rephrase {
		t.Error("Wellness.Rephrase should default to true")
	}
	if cfg.Jobs.PollInterval != 2*time.Second {
		t.Errorf("Jobs.PollInterval = %v", cfg.Jobs.PollInterval)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// TestFileParsing verifies that values are read from the JSON config file.
func TestFileParsing(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.port": 9000,
  "server.mcp_stdio": "true",
  "model.provider": "openrouter",
  "model.name": "meta-llama/llama-3-8b-instruct",
  "model.temperature": "0.2",
  "context.max_tokens": "2000",
  "memory.short_term_pairs": 3,
  "wellness.rephrase": false,
  "jobs.poll_interval": "750ms",
  "log.format": "json",
  "storage.database_url": "postgres://ignored"
}`)

	cfg, err := loadWith(b, &mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 || !cfg.Server.MCPStdio {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Model.Provider != "openrouter" || cfg.Model.Name != "meta-llama/llama-3-8b-instruct" || cfg.Model.Temperature != 0.2 {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Context.MaxTokens != 2000 {
		t.Errorf("Context.MaxTokens = %d", cfg.Context.MaxTokens)
	}
	if cfg.Memory.ShortTermPairs != 3 {
		t.Errorf("Memory.ShortTermPairs = %d", cfg.Memory.ShortTermPairs)
	}
	if cfg.Wellness.Rephrase {
		t.Error("Wellness.Rephrase should be false")
	}
	if cfg.Jobs.PollInterval != 750*time.Millisecond {
		t.Errorf("Jobs.PollInterval = %v", cfg.Jobs.PollInterval)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if cfg.Storage.DatabaseURL != "" {
		t.Error("secrets must not be read from the config file")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"model.provider": "openai", "server.port": 9000}`)

	cfg, err := loadWith(b, &mockKeychain{}, envMap(map[string]string{
		"REFLEYA_MODEL_PROVIDER": "gemini",
		"REFLEYA_MODEL_API_KEY":  "env-key",
		"REFLEYA_SERVER_PORT":    "not-a-number",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Model.Provider != "gemini" {
		t.Errorf("Model.Provider = %q, want gemini", cfg.Model.Provider)
	}
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("Model.APIKey = %q, want env-key", cfg.Model.APIKey)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("unparseable env var should keep the file value, got %d", cfg.Server.Port)
	}
}

// TestKeychainFallback verifies the keyring is consulted only for secrets left empty.
func TestKeychainFallback(t *testing.T) {
	kc := &mockKeychain{values: map[string]string{
		"storage.database_url": "postgres://keyring",
		"model.api_key":        "keyring-key",
	}}
	cfg, err := loadWith(writeTempConfig(t, `{"storage.driver": "postgres"}`), kc,
		envMap(map[string]string{"REFLEYA_MODEL_API_KEY": "env-key"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.DatabaseURL != "postgres://keyring" {
		t.Errorf("DatabaseURL = %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("APIKey = %q, env should win over keyring", cfg.Model.APIKey)
	}
	for _, c := range kc.calls {
		if c == "refleya/model.api_key" {
			t.Error("keyring consulted for a secret already set")
		}
	}
}

// TestMissingRequiredField verifies a clear error when postgres has no URL anywhere.
func TestMissingRequiredField(t *testing.T) {
	_, err := loadWith(writeTempConfig(t, `{"storage.driver": "postgres"}`), &mockKeychain{}, envMap(nil))
	if err == nil {
		t.Fatal("expected error for missing database URL, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := defaults()
	cfg.Storage.Driver = "mysql"
	cfg.Context.TokenBuffer = cfg.Context.MaxTokens
	cfg.Log.Format = "xml"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"storage.driver", "context.token_buffer", "log.format", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	for key, value := range map[string]string{
		"server.port":        "8081",
		"wellness.rephrase":  "false",
		"jobs.poll_interval": "5s",
		"model.provider":     "mistral",
	} {
		if err := setKey(b, key, value); err != nil {
			t.Fatalf("setKey(%s): %v", key, err)
		}
	}

	cfg, err := loadWith(newFileBackend(path), &mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8081 || cfg.Wellness.Rephrase || cfg.Jobs.PollInterval != 5*time.Second || cfg.Model.Provider != "mistral" {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := setKey(b, "server.port", "eighty"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetKey_SecretsUseKeyring(t *testing.T) {
	keyring.MockInit()
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "model.api_key", "sk-test"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if v, err := keyring.Get(keyringService, "model.api_key"); err != nil || v != "sk-test" {
		t.Errorf("keyring value = %q, err %v", v, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("secret must not be written to the config file")
	}

	if err := setKey(b, "model.api_key", ""); err != nil {
		t.Fatalf("clearing secret: %v", err)
	}
	if _, err := keyring.Get(keyringService, "model.api_key"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("secret still present after clearing: %v", err)
	}
	// Clearing a secret that is already gone is fine.
	if err := setKey(b, "model.api_key", ""); err != nil {
		t.Errorf("clearing missing secret: %v", err)
	}
}

func TestFileBackend_Sections(t *testing.T) {
	b := writeTempConfig(t, `{
		"server": {"port": 9100, "mcp_stdio": true},
		"model.provider": "openrouter",
		"context": {"max_tokens": 3000}
	}`)

	cfg, err := loadWith(b, &mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9100 || !cfg.Server.MCPStdio || cfg.Model.Provider != "openrouter" || cfg.Context.MaxTokens != 3000 {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		t.Fatal(err)
	}
	var tree map[string]map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatalf("saved file is not sectioned: %v\n%s", err, raw)
	}
	if tree["log"]["level"] != "debug" || tree["server"]["port"] != float64(9100) || tree["model"]["provider"] != "openrouter" {
		t.Errorf("saved tree = %v", tree)
	}
}

func TestFileBackend_MalformedFileIgnored(t *testing.T) {
	b := writeTempConfig(t, `{"server": `)
	cfg, err := loadWith(b, &mockKeychain{}, envMap(nil))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestSettingsMaskSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Model.APIKey = "sk-secret"

	var sawKey bool
	for _, info := range Settings(cfg) {
		if strings.Contains(info.Value, "sk-secret") {
			t.Errorf("%s leaks secret value", info.Key)
		}
		if info.Key == "model.api_key" {
			sawKey = true
			if !info.Secret || info.Value != "********" {
				t.Errorf("model.api_key = %+v", info)
			}
		}
		if info.Key == "storage.database_url" && info.Value != "(not set)" {
			t.Errorf("storage.database_url = %q", info.Value)
		}
	}
	if !sawKey {
		t.Error("model.api_key missing from Settings")
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() has %d keys, want %d", len(ValidKeys()), len(specs))
	}
}

func TestLoadDotEnv(t *testing.T) {
	const name = "REFLEYA_DOTENV_TEST_VALUE"
	t.Cleanup(func() { os.Unsetenv(name) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(name+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv(name); got != "from-dotenv" {
		t.Errorf("%s = %q", name, got)
	}
}

func TestSlogLevel(t *testing.T) {
	for in, ok := range map[string]bool{"debug": true, "INFO": true, "warn": true, "error": true, "verbose": false} {
		_, err := LogConfig{Level: in}.SlogLevel()
		if (err == nil) != ok {
			t.Errorf("SlogLevel(%q) err = %v", in, err)
		}
	}
}
