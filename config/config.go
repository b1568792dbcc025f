// Package config loads the runtime configuration from YAML, with environment
// variable expansion, defaults and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Logging   LoggingConfig          `yaml:"logging"`
	Agent     AgentConfig            `yaml:"agent"`
	Providers ProvidersConfig        `yaml:"providers"`
	Aliases   map[string]AliasConfig `yaml:"model_aliases"`
	MCP       []MCPServerConfig      `yaml:"mcp_servers"`
	Session   SessionConfig          `yaml:"session"`
	Tasks     TasksConfig            `yaml:"tasks"`
	Bus       BusConfig              `yaml:"bus"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	SystemPrompt    string   `yaml:"system_prompt"`
	MaxIterations   int      `yaml:"max_iterations"`
	DefaultProvider string   `yaml:"default_provider"`
	DefaultModel    string   `yaml:"default_model"`
	SearchKeywords  []string `yaml:"search_keywords"`
	VisionTool      string   `yaml:"vision_tool"`
	SearchTool      string   `yaml:"search_tool"`
}

// ProvidersConfig holds per-backend credentials and defaults.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one model backend. A provider is considered
// enabled when it carries an API key.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	APIBase      string `yaml:"api_base"`
	DefaultModel string `yaml:"default_model"`
}

// Enabled reports whether the provider is configured for use.
func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

// AliasConfig maps a short model nickname to a provider and model id.
type AliasConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// MCPServerConfig describes one external tool server to launch and discover.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// SessionConfig selects the conversation store backend.
type SessionConfig struct {
	Store string `yaml:"store"` // "memory" or "sqlite"
	Path  string `yaml:"path"`  // sqlite database file
}

// TasksConfig tunes the task tracker cleanup.
type TasksConfig struct {
	CleanupInterval time.Duration `yaml:"-"`
	MaxAge          time.Duration `yaml:"-"`

	CleanupIntervalRaw string `yaml:"cleanup_interval"`
	MaxAgeRaw          string `yaml:"max_age"`
}

// BusConfig tunes the in-process message queues.
type BusConfig struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Agent: AgentConfig{
			MaxIterations:   20,
			DefaultProvider: "openai",
			VisionTool:      "understand_image",
			SearchTool:      "web_search",
		},
		Session: SessionConfig{Store: "memory"},
		Tasks: TasksConfig{
			CleanupInterval: time.Hour,
			MaxAge:          24 * time.Hour,
		},
		Bus: BusConfig{Buffer: 64},
	}
}

// Load reads and parses the configuration file at path. Environment
// variables written as ${VAR_NAME} are expanded before parsing; missing
// variables expand to the empty string.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment variable's value.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks the parsed configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Agent.DefaultProvider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("agent.default_provider must be \"openai\" or \"anthropic\", got %q", c.Agent.DefaultProvider)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}

	switch c.Session.Store {
	case "memory":
	case "sqlite":
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required when session.store is \"sqlite\"")
		}
	default:
		return fmt.Errorf("session.store must be \"memory\" or \"sqlite\", got %q", c.Session.Store)
	}

	for i, server := range c.MCP {
		if server.Name == "" {
			return fmt.Errorf("mcp_servers[%d].name is required", i)
		}
		if server.Enabled && server.Command == "" {
			return fmt.Errorf("mcp_servers[%d].command is required when enabled", i)
		}
	}

	for alias, mapped := range c.Aliases {
		if mapped.Provider == "" || mapped.Model == "" {
			return fmt.Errorf("model_aliases.%s requires both provider and model", alias)
		}
	}

	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error
	if cfg.Tasks.CleanupIntervalRaw != "" {
		cfg.Tasks.CleanupInterval, err = time.ParseDuration(cfg.Tasks.CleanupIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing cleanup_interval %q: %w", cfg.Tasks.CleanupIntervalRaw, err)
		}
	}
	if cfg.Tasks.MaxAgeRaw != "" {
		cfg.Tasks.MaxAge, err = time.ParseDuration(cfg.Tasks.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_age %q: %w", cfg.Tasks.MaxAgeRaw, err)
		}
	}
	return nil
}
