package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is nexusd's top-level configuration document, loaded from YAML
// the way the teacher's internal/config package loads nexus.yaml:
// environment variables are expanded before parsing, unknown fields are
// rejected, and a single document is required.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	LLM        LLMConfig        `yaml:"llm"`
	Snapshots  SnapshotsConfig  `yaml:"snapshots"`
	RemoteMesh RemoteMeshConfig `yaml:"remote_mesh"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// TracingConfig mirrors telemetry.TraceConfig. Leaving Endpoint empty
// disables span export without disabling the engine's trace calls
// themselves — they just become free no-ops.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// ServerConfig configures the local listeners nexusd's "serve" command
// binds. serve binds only WSAddr and mounts /metrics on that same
// listener; MetricsAddr is not read.
type ServerConfig struct {
	WSAddr      string `yaml:"ws_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DatabaseConfig selects and configures the session store and event
// journal backend. Backend is one of "memory", "sqlite", "postgres".
type DatabaseConfig struct {
	Backend         string        `yaml:"backend"`
	URL             string        `yaml:"url"`
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig mirrors internal/auth.Config.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	APIKeys     []APIKeyEntry `yaml:"api_keys"`
}

// APIKeyEntry mirrors internal/auth.APIKeyConfig.
type APIKeyEntry struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// LLMConfig declares which provider adapters to build and their
// credentials. An empty APIKey/Region leaves that provider unregistered
// rather than failing startup, so a deployment only pays for the
// providers it configures.
type LLMConfig struct {
	DefaultProvider string            `yaml:"default_provider"`
	DefaultModel    string            `yaml:"default_model"`
	Anthropic       AnthropicSettings `yaml:"anthropic"`
	OpenAI          OpenAISettings    `yaml:"openai"`
	Bedrock         BedrockSettings   `yaml:"bedrock"`
}

type AnthropicSettings struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
}

type OpenAISettings struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
}

type BedrockSettings struct {
	Region    string `yaml:"region"`
	ModelID   string `yaml:"model_id"`
	MaxTokens int32  `yaml:"max_tokens"`
}

// SnapshotsConfig enables per-turn workspace snapshotting.
type SnapshotsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseDir      string        `yaml:"base_dir"`
	GCSpec       string        `yaml:"gc_spec"`
	GCMinCount   int           `yaml:"gc_min_count"`
	GCMaxAge     time.Duration `yaml:"gc_max_age"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// RemoteMeshConfig optionally exposes the local provider registry over
// gRPC and/or dials out to a peer's remote proxy for providers not
// configured locally.
type RemoteMeshConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Peers      map[string]string `yaml:"peers"` // provider name -> peer addr
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WSAddr == "" {
		cfg.Server.WSAddr = ":7630"
	}
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "memory"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "nexusd.db"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Snapshots.GCSpec == "" {
		cfg.Snapshots.GCSpec = "@every 1h"
	}
	if cfg.Snapshots.GCMinCount == 0 {
		cfg.Snapshots.GCMinCount = 10
	}
	if cfg.Snapshots.WatchDebounce == 0 {
		cfg.Snapshots.WatchDebounce = 500 * time.Millisecond
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Database.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.backend: unknown backend %q", cfg.Database.Backend)
	}
	if cfg.Database.Backend == "postgres" && strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url is required for the postgres backend")
	}
	return nil
}

// loadConfig reads and validates a YAML config file, expanding
// environment variables the way the teacher's config loader does.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parsing config: expected a single YAML document")
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
