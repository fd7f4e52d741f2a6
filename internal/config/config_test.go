package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:5173"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"relay": {
			"trigger_marker": "@bot",
			"send_queue_size": 16,
			"messages_per_second": 2,
			"message_burst": 4,
			"require_membership": true,
			"persist_timeout": 3
		},
		"ai": {
			"provider": "openai",
			"api_key": "sk-test",
			"model": "gpt-4o",
			"timeout": "10s"
		},
		"sandbox": {
			"enabled": true,
			"command": ["node", "index.js"],
			"max_runtime": "1m"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, "config.json", configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}

	// Auth
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.Provider != "builtin" {
		t.Errorf("Auth.Provider: got %q, want builtin", cfg.Auth.Provider)
	}

	// Storage
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}

	// Relay
	if cfg.Relay.TriggerMarker != "@bot" {
		t.Errorf("Relay.TriggerMarker: got %q", cfg.Relay.TriggerMarker)
	}
	if cfg.Relay.SendQueueSize != 16 {
		t.Errorf("Relay.SendQueueSize: got %d, want 16", cfg.Relay.SendQueueSize)
	}
	if !cfg.Relay.RequireMembership {
		t.Error("Relay.RequireMembership: got false, want true")
	}
	if cfg.Relay.PersistTimeout.Duration != 3*time.Second {
		t.Errorf("Relay.PersistTimeout: got %v, want 3s", cfg.Relay.PersistTimeout.Duration)
	}

	// AI
	if cfg.AI.Model != "gpt-4o" {
		t.Errorf("AI.Model: got %q", cfg.AI.Model)
	}
	if cfg.AI.Timeout.Duration != 10*time.Second {
		t.Errorf("AI.Timeout: got %v, want 10s", cfg.AI.Timeout.Duration)
	}

	// Sandbox
	if !cfg.Sandbox.Enabled {
		t.Error("Sandbox.Enabled: got false")
	}
	if len(cfg.Sandbox.Command) != 2 || cfg.Sandbox.Command[0] != "node" {
		t.Errorf("Sandbox.Command: got %v", cfg.Sandbox.Command)
	}
	if cfg.Sandbox.MaxRuntime.Duration != time.Minute {
		t.Errorf("Sandbox.MaxRuntime: got %v, want 1m", cfg.Sandbox.MaxRuntime.Duration)
	}

	// Logging
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}

	// Rate limit
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadYAML(t *testing.T) {
	configYAML := `
server:
  addr: ":9090"
auth:
  jwt_secret: "yaml-secret-that-is-long-enough-to-pass"
storage:
  driver: postgres
  dsn: "postgres://localhost/collab"
relay:
  message_burst: 3
  persist_timeout: 2s
ai:
  timeout: 15
`
	path := writeTempConfig(t, "config.yaml", configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Relay.MessageBurst != 3 {
		t.Errorf("Relay.MessageBurst: got %d", cfg.Relay.MessageBurst)
	}
	if cfg.Relay.PersistTimeout.Duration != 2*time.Second {
		t.Errorf("Relay.PersistTimeout: got %v", cfg.Relay.PersistTimeout.Duration)
	}
	if cfg.AI.Timeout.Duration != 15*time.Second {
		t.Errorf("AI.Timeout: got %v", cfg.AI.Timeout.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_ADDR", ":7070")
	t.Setenv("COLLAB_STORAGE_DSN", ":memory:")
	t.Setenv("COLLAB_AI_MODEL", "llama3")
	t.Setenv("COLLAB_LOG_LEVEL", "warn")
	t.Setenv("COLLAB_JWT_SECRET", "env-secret-that-is-definitely-long-enough")

	path := writeTempConfig(t, "config.json", `{
		"server": {"addr": ":8080"},
		"storage": {"dsn": "file.db"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Server.Addr: got %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != ":memory:" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.AI.Model != "llama3" {
		t.Errorf("AI.Model: got %q", cfg.AI.Model)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q", cfg.Logging.Level)
	}
	if cfg.Auth.JWTSecret != "env-secret-that-is-definitely-long-enough" {
		t.Errorf("Auth.JWTSecret not taken from env")
	}
}

func TestValidateRequired(t *testing.T) {
	cases := map[string]string{
		"missing addr":      `{"server": {}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-it"}}`,
		"missing secret":    `{"server": {"addr": ":8080"}, "auth": {}}`,
		"short secret":      `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`,
		"weak secret":       `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
		"jwks without url":  `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks"}}`,
		"unknown driver":    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-it"}, "storage": {"driver": "mongo"}}`,
		"openai without key": `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-for-it"}, "ai": {"provider": "openai"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeTempConfig(t, "config.json", body)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, "config.json", minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "collab.db" {
		t.Errorf("default Storage: got %+v", cfg.Storage)
	}
	if cfg.Storage.Retention.Duration != 0 {
		t.Errorf("default Storage.Retention: got %v, want 0", cfg.Storage.Retention.Duration)
	}
	if cfg.Relay.TriggerMarker != "@ai" {
		t.Errorf("default TriggerMarker: got %q", cfg.Relay.TriggerMarker)
	}
	if cfg.Relay.SendQueueSize != 64 {
		t.Errorf("default SendQueueSize: got %d", cfg.Relay.SendQueueSize)
	}
	if cfg.Relay.RequireMembership {
		t.Error("default RequireMembership: got true, want false")
	}
	if cfg.AI.Provider != "none" {
		t.Errorf("default AI.Provider: got %q", cfg.AI.Provider)
	}
	if cfg.AI.Timeout.Duration != 30*time.Second {
		t.Errorf("default AI.Timeout: got %v", cfg.AI.Timeout.Duration)
	}
	if cfg.Sandbox.Enabled {
		t.Error("default Sandbox.Enabled: got true")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %+v", cfg.Logging)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, _ := GenerateRandomSecret()
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if a == b {
		t.Error("expected distinct secrets")
	}
}
