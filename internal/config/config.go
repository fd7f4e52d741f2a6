// Package config handles collab-hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	AI        AIConfig        `json:"ai" yaml:"ai"`
	Sandbox   SandboxConfig   `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty" yaml:"cache,omitempty"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider  string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSURL   string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`
	Issuer    string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver" yaml:"driver"`                             // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn" yaml:"dsn"`                                   // e.g. "collab.db" or ":memory:"
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"` // message log retention; 0 keeps forever
}

// RelayConfig defines real-time relay behavior.
type RelayConfig struct {
	TriggerMarker     string   `json:"trigger_marker,omitempty" yaml:"trigger_marker,omitempty"` // default "@ai"
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
	SendQueueSize     int      `json:"send_queue_size,omitempty" yaml:"send_queue_size,omitempty"`
	MessagesPerSecond float64  `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty"`
	MessageBurst      int      `json:"message_burst,omitempty" yaml:"message_burst,omitempty"`
	RequireMembership bool     `json:"require_membership,omitempty" yaml:"require_membership,omitempty"`
	PersistTimeout    Duration `json:"persist_timeout,omitempty" yaml:"persist_timeout,omitempty"`
}

// AIConfig defines the AI delegate.
type AIConfig struct {
	Provider     string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "openai" or "none"
	APIKey       string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url,omitempty"` // any OpenAI-compatible endpoint
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature  float32  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// SandboxConfig defines the server-side project runner. Disabled by default.
type SandboxConfig struct {
	Enabled    bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty"` // default ["npm", "start"]
	WorkRoot   string            `json:"work_root,omitempty" yaml:"work_root,omitempty"`
	MaxRuntime Duration          `json:"max_runtime,omitempty" yaml:"max_runtime,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// CacheConfig points at an optional Redis used for the token denylist.
type CacheConfig struct {
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// Duration is a JSON- and YAML-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// envOverrides lists the COLLAB_* variables that take precedence over file values.
type envOverrides struct {
	Addr          string `env:"COLLAB_ADDR"`
	JWTSecret     string `env:"COLLAB_JWT_SECRET"`
	StorageDriver string `env:"COLLAB_STORAGE_DRIVER"`
	StorageDSN    string `env:"COLLAB_STORAGE_DSN"`
	AIAPIKey      string `env:"COLLAB_AI_API_KEY"`
	AIModel       string `env:"COLLAB_AI_MODEL"`
	AIBaseURL     string `env:"COLLAB_AI_BASE_URL"`
	RedisURL      string `env:"COLLAB_REDIS_URL"`
	LogLevel      string `env:"COLLAB_LOG_LEVEL"`
}

// Load reads, overlays environment overrides onto, and validates a config file.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, o.Addr)
	set(&c.Auth.JWTSecret, o.JWTSecret)
	set(&c.Storage.Driver, o.StorageDriver)
	set(&c.Storage.DSN, o.StorageDSN)
	set(&c.AI.APIKey, o.AIAPIKey)
	set(&c.AI.Model, o.AIModel)
	set(&c.AI.BaseURL, o.AIBaseURL)
	set(&c.Cache.RedisURL, o.RedisURL)
	set(&c.Logging.Level, o.LogLevel)
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret signs builtin tokens and is only required for that provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Auth.Provider {
	case "", "builtin":
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	switch c.AI.Provider {
	case "", "none":
	case "openai":
		if c.AI.APIKey == "" && c.AI.BaseURL == "" {
			return fmt.Errorf("ai.api_key is required when provider is openai")
		}
	default:
		return fmt.Errorf("unknown ai provider: %q", c.AI.Provider)
	}
	if c.Relay.TriggerMarker != "" && strings.TrimSpace(c.Relay.TriggerMarker) == "" {
		return fmt.Errorf("relay.trigger_marker must not be blank")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "collab.db"
	}
	if c.Relay.TriggerMarker == "" {
		c.Relay.TriggerMarker = "@ai"
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 256 * 1024 // 256KB, file trees ride on AI replies
	}
	if c.Relay.SendQueueSize == 0 {
		c.Relay.SendQueueSize = 64
	}
	if c.Relay.MessagesPerSecond == 0 {
		c.Relay.MessagesPerSecond = 5
	}
	if c.Relay.MessageBurst == 0 {
		c.Relay.MessageBurst = 10
	}
	if c.Relay.PersistTimeout.Duration == 0 {
		c.Relay.PersistTimeout.Duration = 5 * time.Second
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "none"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.AI.Timeout.Duration == 0 {
		c.AI.Timeout.Duration = 30 * time.Second
	}
	if len(c.Sandbox.Command) == 0 {
		c.Sandbox.Command = []string{"npm", "start"}
	}
	if c.Sandbox.WorkRoot == "" {
		c.Sandbox.WorkRoot = os.TempDir()
	}
	if c.Sandbox.MaxRuntime.Duration == 0 {
		c.Sandbox.MaxRuntime.Duration = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
