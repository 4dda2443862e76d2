// Package config loads the gateway's YAML configuration file and applies
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	MCP        MCPConfig        `yaml:"mcp"`
	Limits     LimitsConfig     `yaml:"limits"`
	Registry   RegistryConfig   `yaml:"registry"`
	Interrupts InterruptsConfig `yaml:"interrupts"`
	Logging    LoggingConfig    `yaml:"logging"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig configures the HTTP bind address and ports.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LLMConfig configures the active backend and its fallback chain.
type LLMConfig struct {
	DefaultBackend string                    `yaml:"default_backend"`
	FallbackChain  []string                  `yaml:"fallback_chain"`
	Backends       map[string]BackendConfig  `yaml:"backends"`
}

// BackendConfig configures a single LLM backend variant. APIKey is never
// read from YAML; it is always sourced from an environment variable named
// by APIKeyEnv so secrets never land in a config file on disk.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
	APIKeyEnv    string        `yaml:"api_key_env"`
}

// MCPConfig configures the MCP client's target server and timeouts.
type MCPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LimitsConfig configures default tool-call budgets.
type LimitsConfig struct {
	DefaultMaxToolCalls int `yaml:"default_max_tool_calls"`
}

// RegistryConfig configures the agent registry's persistence and liveness.
type RegistryConfig struct {
	PersistPath      string        `yaml:"persist_path"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// InterruptsConfig configures the human-in-the-loop interrupt store.
type InterruptsConfig struct {
	StorageDir string `yaml:"storage_dir"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" (default) or "text"
}

// AuthConfig configures the optional bearer-token verification hook. This
// is ambient transport plumbing, not an auth system: the gateway never
// issues or stores credentials, it only verifies a JWT already supplied by
// an upstream caller.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// Load reads, expands, and parses the configuration file at path, then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.LLM.DefaultBackend == "" {
		cfg.LLM.DefaultBackend = "anthropic"
	}
	if cfg.MCP.Timeout == 0 {
		cfg.MCP.Timeout = 30 * time.Second
	}
	if cfg.Registry.HeartbeatTimeout == 0 {
		cfg.Registry.HeartbeatTimeout = 30 * time.Second
	}
	// Floor: a registry that reaps agents faster than this is almost
	// certainly a config typo (seconds mistaken for a smaller unit).
	if cfg.Registry.HeartbeatTimeout < 100*time.Millisecond {
		cfg.Registry.HeartbeatTimeout = 100 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if format := strings.ToLower(os.Getenv("GATEWAY_LOG_FORMAT")); format != "" {
		cfg.Logging.Format = format
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GATEWAY_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_DEFAULT_BACKEND")); v != "" {
		cfg.LLM.DefaultBackend = v
	}
}

// ResolveAPIKey reads the API key for a named backend from the environment
// variable its config points at. Missing APIKeyEnv is not an error: some
// backends (a local inference server) don't need a key at all.
func (c *Config) ResolveAPIKey(backendName string) string {
	b, ok := c.LLM.Backends[backendName]
	if !ok || b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// ValidationError collects every configuration problem found at once,
// rather than failing on the first one.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		issues = append(issues, "server.port must be between 1 and 65535")
	}
	if cfg.Limits.DefaultMaxToolCalls < 0 {
		issues = append(issues, "limits.default_max_tool_calls must be >= 0")
	}
	if cfg.Registry.HeartbeatTimeout < 0 {
		issues = append(issues, "registry.heartbeat_timeout must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, `logging.format must be "json" or "text"`)
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecretEnv == "" {
		issues = append(issues, "auth.jwt_secret_env is required when auth.enabled is true")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
