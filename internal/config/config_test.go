package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
)

// memBackend is an in-memory ConfigBackend for tests.
type memBackend struct {
	data map[string]string
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error {
	m.data[key] = val
	return nil
}

func (m *memBackend) SetInt(key string, val int) error {
	m.data[key] = strconv.Itoa(val)
	return nil
}

func (m *memBackend) Delete(key string) error {
	delete(m.data, key)
	return nil
}

// mockKeychain is a test double for the secret store.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAGE_LLM_API_KEY", "test-key")

	cfg, err := loadWith(&memBackend{data: map[string]string{}}, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4500 {
		t.Errorf("Server.Port = %d, want 4500", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.FastModel != "qwen2.5" || cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("unexpected Ollama models: %+v", cfg.Ollama)
	}
	if cfg.LLM.Model != "mistral-large-latest" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Tutor.HistoryLimit != 5 || cfg.Tutor.TopK != 3 || !cfg.Tutor.ClassifierEnabled {
		t.Errorf("unexpected tutor defaults: %+v", cfg.Tutor)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAGE_LLM_API_KEY", "test-key")

	b := &memBackend{data: map[string]string{
		"server.port":              "9000",
		"ollama.fast_model":        "llama3.2",
		"tutor.history_limit":      "10",
		"tutor.classifier_enabled": "false",
	}}

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Ollama.FastModel != "llama3.2" {
		t.Errorf("Ollama.FastModel = %q", cfg.Ollama.FastModel)
	}
	if cfg.Tutor.HistoryLimit != 10 {
		t.Errorf("Tutor.HistoryLimit = %d, want 10", cfg.Tutor.HistoryLimit)
	}
	if cfg.Tutor.ClassifierEnabled {
		t.Error("Tutor.ClassifierEnabled = true, want false")
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("SAGE_LLM_API_KEY", "test-key")
	t.Setenv("SAGE_SERVER_PORT", "7777")
	t.Setenv("SAGE_TUTOR_TOP_K", "5")

	b := &memBackend{data: map[string]string{
		"server.port": "9000",
	}}

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, env should override backend", cfg.Server.Port)
	}
	if cfg.Tutor.TopK != 5 {
		t.Errorf("Tutor.TopK = %d, want 5", cfg.Tutor.TopK)
	}
}

func TestAPIKeyFromKeychain(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(&memBackend{data: map[string]string{}}, mockKeychain{value: "kc-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "kc-key" {
		t.Errorf("LLM.APIKey = %q, want keychain value", cfg.LLM.APIKey)
	}
}

func TestMissingAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(&memBackend{data: map[string]string{}}, mockKeychain{err: fmt.Errorf("not found")})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "SAGE_LLM_API_KEY") {
		t.Errorf("error should name the env var, got %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "super-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "llm.api_key" || info.Value == "super-secret" {
			t.Errorf("secret leaked in ShowAll: %+v", info)
		}
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Error("secret key listed as settable")
		}
	}
}
