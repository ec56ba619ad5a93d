package config

import (
	"fmt"
	"log/slog"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	LLM     LLMConfig
	Log     LogConfig
	Tutor   TutorConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type LogConfig struct {
	Level string
}

type TutorConfig struct {
	HistoryLimit      int
	TopK              int
	ClassifierEnabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4500,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "qwen2.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Model: "mistral-large-latest",
		},
		Log: LogConfig{
			Level: "info",
		},
		Tutor: TutorConfig{
			HistoryLimit:      5,
			TopK:              3,
			ClassifierEnabled: true,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.sage.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sage/config.json
// and secrets live in $XDG_DATA_HOME/sage/secrets.json.
//
// Environment variables (SAGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API key if still empty.
	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get(secretService, "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}

	if cfg.LLM.APIKey == "" {
		msg := "missing required config: tutor LLM API key. " +
			"Set it via environment variable SAGE_LLM_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// SlogLevel maps the configured log level to a slog.Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
