package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/pkg/cli"
)

func runWizard(t *testing.T, answers []string, outputPath string) string {
	t.Helper()
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(strings.Join(answers, "\n") + "\n"), Out: out}
	require.NoError(t, New(p).Run(outputPath))
	return out.String()
}

func TestWizardSQLiteYAML(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "collab-hub.yaml")
	out := runWizard(t, []string{
		":9090",                      // listen address
		"https://app.example.com, ",  // origins
		"1",                          // builtin auth
		"1",                          // sqlite
		"./data/collab.db",           // sqlite path
		"",                           // no redis
		"1",                          // ai: none
		"n",                          // no sandbox
	}, outputPath)
	require.Contains(t, out, "Config written to "+outputPath)

	info, err := os.Stat(outputPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The generated file must load cleanly.
	cfg, err := config.Load(outputPath)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "builtin", cfg.Auth.Provider)
	require.Len(t, cfg.Auth.JWTSecret, 64)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "./data/collab.db", cfg.Storage.DSN)
	require.Equal(t, "none", cfg.AI.Provider)
	require.False(t, cfg.Sandbox.Enabled)
}

func TestWizardPostgresOpenAIJSON(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "collab-hub.json")
	runWizard(t, []string{
		"not-an-addr",  // rejected
		":8081",        // listen address
		"",             // origins default
		"1",            // builtin auth
		"2",            // postgres
		"postgres://u:p@db:5432/collab",
		"redis://localhost:6379/0",
		"2",            // openai
		"sk-test",      // api key
		"",             // model default
		"",             // base url
		"y",            // sandbox
		"node index.js",
	}, outputPath)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(data, &cfg))

	require.Equal(t, ":8081", cfg.Server.Addr)
	require.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "postgres://u:p@db:5432/collab", cfg.Storage.DSN)
	require.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	require.Equal(t, "openai", cfg.AI.Provider)
	require.Equal(t, "sk-test", cfg.AI.APIKey)
	require.Equal(t, "gpt-4o-mini", cfg.AI.Model)
	require.True(t, cfg.Sandbox.Enabled)
	require.Equal(t, []string{"node", "index.js"}, cfg.Sandbox.Command)
}

func TestWizardJWKS(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "collab-hub.yaml")
	runWizard(t, []string{
		"", "",
		"2", // jwks
		"https://issuer.example.com/.well-known/jwks.json",
		"https://issuer.example.com/",
		"1", "", "",
		"1",
		"",
	}, outputPath)

	cfg, err := config.Load(outputPath)
	require.NoError(t, err)
	require.Equal(t, "jwks", cfg.Auth.Provider)
	require.Empty(t, cfg.Auth.JWTSecret)
	require.Equal(t, "https://issuer.example.com/.well-known/jwks.json", cfg.Auth.JWKSURL)
	require.Equal(t, "https://issuer.example.com/", cfg.Auth.Issuer)
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("COLLAB_ADDR", ":7070")
	t.Setenv("COLLAB_STORAGE_DRIVER", "")
	t.Setenv("COLLAB_STORAGE_DSN", "")
	t.Setenv("COLLAB_AI_API_KEY", "sk-env")
	t.Setenv("COLLAB_AI_MODEL", "")
	t.Setenv("COLLAB_AI_BASE_URL", "")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "")
	t.Setenv("COLLAB_REDIS_URL", "")
	t.Setenv("COLLAB_JWT_SECRET", "")
	t.Setenv("COLLAB_LOG_LEVEL", "")

	outputPath := filepath.Join(t.TempDir(), "collab-hub.yaml")
	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: out})
	require.NoError(t, w.RunDefaults(outputPath))
	require.Contains(t, out.String(), outputPath)

	cfg, err := config.Load(outputPath)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, "collab.db", cfg.Storage.DSN)
	require.Equal(t, "openai", cfg.AI.Provider)
	require.Equal(t, "sk-env", cfg.AI.APIKey)
	require.Equal(t, "gpt-4o-mini", cfg.AI.Model)
}

func TestRunDefaultsPostgresNeedsDSN(t *testing.T) {
	t.Setenv("COLLAB_STORAGE_DRIVER", "postgres")
	t.Setenv("COLLAB_STORAGE_DSN", "")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := w.RunDefaults(filepath.Join(t.TempDir(), "c.yaml"))
	require.ErrorContains(t, err, "COLLAB_STORAGE_DSN")
}
