package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Catalog CatalogConfig
	Handoff HandoffConfig
	Session SessionConfig
	Log     LogConfig
	Ollama  OllamaConfig
	Reply   ReplyConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type CatalogConfig struct {
	// Path to a JSON or YAML topic file. Empty uses the built-in catalog.
	Path string
}

type HandoffConfig struct {
	KeepLastN       int
	MaxContextItems int
}

type SessionConfig struct {
	IdleTimeout string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type ReplyConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Handoff: HandoffConfig{
			KeepLastN:       6,
			MaxContextItems: 0,
		},
		Session: SessionConfig{
			IdleTimeout: "30m",
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/tutor/config.json, then applies TUTOR_* environment
// variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d: must be between 1 and 65535", c.Server.Port)
	}
	if c.Handoff.KeepLastN < 1 {
		return fmt.Errorf("invalid handoff.keep_last_n %d: must be at least 1", c.Handoff.KeepLastN)
	}
	if c.Handoff.MaxContextItems < 0 {
		return fmt.Errorf("invalid handoff.max_context_items %d: must not be negative", c.Handoff.MaxContextItems)
	}
	if _, err := c.Session.IdleTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("missing required config: storage.data_dir")
	}
	return nil
}

// IdleTimeoutDuration parses IdleTimeout. "0" or "" disables idle reaping.
func (s SessionConfig) IdleTimeoutDuration() (time.Duration, error) {
	if s.IdleTimeout == "" || s.IdleTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid session.idle_timeout %q: %w", s.IdleTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid session.idle_timeout %q: must not be negative", s.IdleTimeout)
	}
	return d, nil
}

// SlogLevel maps Level to a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: want debug, info, warn or error", l.Level)
	}
}
