package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 10, cfg.Workflow.StepBudget)
	assert.Equal(t, 3, cfg.Workflow.TopK)
	assert.Equal(t, 5, cfg.Workflow.HistoryWindow)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL.Std())
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingSecretFails(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "test-secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
workflow:
  step_budget: 4
  emergency_phrases: ["fell off a ladder"]
llm:
  provider: gemini
  gemini_api_key: from-file
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Workflow.StepBudget)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, []string{"fell off a ladder"}, cfg.Workflow.EmergencyPhrases)
	assert.Equal(t, 3, cfg.Workflow.TopK, "unset fields keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "test-secret")
	t.Setenv("MEDSCREENING_ADDR", ":7070")
	t.Setenv("MEDSCREENING_OLLAMA_ENDPOINT", "http://models:11434")
	t.Setenv("MEDSCREENING_RATE_PER_MINUTE", "99")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "http://models:11434", cfg.LLM.OllamaEndpoint)
	assert.Equal(t, "http://models:11434", cfg.Records.EmbeddingEndpoint, "embedding endpoint follows the shared server")
	assert.Equal(t, 99, cfg.Server.RatePerMinute)
}

func TestLoad_InvalidBudgetRejected(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "test-secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  step_budget: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("MEDSCREENING_JWT_SECRET", "test-secret")

	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
