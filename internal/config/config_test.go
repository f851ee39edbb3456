package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleStdioConfig = `
log_level: debug
llm:
  provider: openai
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o-mini
server:
  host: 0.0.0.0
  port: "8080"
store:
  path: /tmp/geochat.db
applet:
  type: stdio
  command: ./ggb-bridge
  args: ["--flag"]
  env:
    FOO: bar
  pacing: 250ms
  sequential: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_Stdio verifies that Load correctly unmarshals a stdio applet configuration.
func TestLoad_Stdio(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleStdioConfig))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	require.Equal(t, "dummy", cfg.LLM.APIKey)
	require.Equal(t, "/tmp/geochat.db", cfg.Store.Path)

	a := cfg.Applet
	require.Equal(t, ClientTypeStdio, a.Type)
	require.Equal(t, "./ggb-bridge", a.Command)
	require.Equal(t, []string{"--flag"}, a.Args)
	require.Equal(t, "bar", a.Env["foo"], "viper lowercases map keys")
	require.Equal(t, 250*time.Millisecond, a.Pacing)
	require.True(t, a.Sequential)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server:\n  port: \"9000\"\n"))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9000", cfg.Server.Port)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, DefaultSystemPrompt, cfg.LLM.SystemPrompt)
	require.Equal(t, "llm-chat-storage", cfg.Store.Name)
	require.Equal(t, ClientTypeNone, cfg.Applet.Type)
	require.Equal(t, "geogebra-container", cfg.Applet.Container)
	require.Equal(t, 100*time.Millisecond, cfg.Applet.Pacing)
	require.Equal(t, 500*time.Millisecond, cfg.Applet.PollDelay)
	require.Equal(t, 100*time.Millisecond, cfg.Applet.PollInterval)
}

func TestLoad_OpenAIEnvFallback(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "llm:\n  model: gpt-4o\n"))
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/nonexistent/geochat.yaml")

	_, err := Load()
	require.Error(t, err)
}
