package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  host: 127.0.0.1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.DefaultBackend)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_IgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  host: 127.0.0.1\nsome_future_section:\n  whatever: true\n")
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 70000\n")
	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoad_EnvExpansionAndOverride(t *testing.T) {
	require.NoError(t, os.Setenv("GATEWAY_TEST_HOST", "10.0.0.5"))
	defer os.Unsetenv("GATEWAY_TEST_HOST")
	require.NoError(t, os.Setenv("GATEWAY_PORT", "9999"))
	defer os.Unsetenv("GATEWAY_PORT")

	path := writeConfig(t, "server:\n  host: ${GATEWAY_TEST_HOST}\n  port: 8080\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestResolveAPIKey_MissingEnvReturnsEmpty(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{Backends: map[string]BackendConfig{
		"local": {},
	}}}
	assert.Empty(t, cfg.ResolveAPIKey("local"))
	assert.Empty(t, cfg.ResolveAPIKey("missing-backend"))
}

func TestResolveAPIKey_ReadsNamedEnvVar(t *testing.T) {
	require.NoError(t, os.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123"))
	defer os.Unsetenv("TEST_ANTHROPIC_KEY")

	cfg := &Config{LLM: LLMConfig{Backends: map[string]BackendConfig{
		"anthropic": {APIKeyEnv: "TEST_ANTHROPIC_KEY"},
	}}}
	assert.Equal(t, "sk-test-123", cfg.ResolveAPIKey("anthropic"))
}
