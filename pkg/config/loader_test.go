package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
llm:
  model: base-model
  api_key: ${LLM_API_KEY}
  timeout: 30s
server:
  port: "8080"
`)
	writeFile(t, dir, "staging.yaml", `
llm:
  model: staging-model
`)
	writeFile(t, dir, "secrets.env", "LLM_API_KEY=from-secrets\n")

	cfg, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	llm := cfg["llm"].(map[string]interface{})
	assert.Equal(t, "staging-model", llm["model"])
	assert.Equal(t, "from-secrets", llm["api_key"])
	assert.Equal(t, "30s", llm["timeout"])
	assert.Equal(t, "8080", cfg["server"].(map[string]interface{})["port"])
}

func TestLoadConfigProcessEnvWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "key: ${MAILTRIAGE_TEST_KEY}\n")
	writeFile(t, dir, "secrets.env", "MAILTRIAGE_TEST_KEY=file\n")
	t.Setenv("MAILTRIAGE_TEST_KEY", "process")

	cfg, err := LoadConfig("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "process", cfg["key"])
}

func TestLoadConfigMissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestOverrideSecondsFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"fraction", "0.5", 500 * time.Millisecond},
		{"integer", "60", time.Minute},
		{"garbage", "soon", 7 * time.Second},
		{"negative", "-1", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAILTRIAGE_TEST_SECONDS", tt.value)
			d := 7 * time.Second
			OverrideSecondsFromEnv("MAILTRIAGE_TEST_SECONDS", &d)
			assert.Equal(t, tt.want, d)
		})
	}
}
