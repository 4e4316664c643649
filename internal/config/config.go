// Package config loads and validates the runtime configuration file. Files
// are YAML or JSON5, may pull in fragments through $include, and have
// environment variables expanded before parsing. Bridge functions convert
// the file's override types into the runtime settings the session and LLM
// client consume.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/drover/internal/observability"
	"github.com/haasonsaas/drover/internal/workspace"
)

// Config is the root configuration structure. Files are YAML or JSON5 with
// $include resolution and environment variable expansion; see LoadRaw.
type Config struct {
	// Version guards against config files written for a different build.
	Version int `yaml:"version" json:"version"`

	LLM       LLMConfig                   `yaml:"llm" json:"llm,omitempty"`
	Session   SessionConfig               `yaml:"session" json:"session,omitempty"`
	Pipeline  PipelineConfig              `yaml:"pipeline" json:"pipeline,omitempty"`
	Workspace workspace.Config            `yaml:"workspace" json:"workspace,omitempty"`
	Storage   StorageConfig               `yaml:"storage" json:"storage,omitempty"`
	Logging   observability.LogConfig     `yaml:"logging" json:"logging,omitempty"`
	Metrics   observability.MetricsConfig `yaml:"metrics" json:"metrics,omitempty"`
	Tracing   observability.TraceConfig   `yaml:"tracing" json:"tracing,omitempty"`
}

// LLMConfig selects the default route and credentials per provider.
type LLMConfig struct {
	// DefaultProvider is used when a request names none. Defaults to
	// "anthropic".
	DefaultProvider string `yaml:"default_provider" json:"default_provider,omitempty"`

	// DefaultModel is used when neither the request nor the provider's
	// own default names one.
	DefaultModel string `yaml:"default_model" json:"default_model,omitempty"`

	// RequestsPerSecond caps the request rate across all providers. Zero
	// means no limit.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`

	// Providers maps provider IDs (anthropic, openai, gemini, bedrock) to
	// their credentials. Only configured providers are registered.
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers,omitempty"`
}

// ProviderConfig carries one provider's credentials and defaults. Fields
// that do not apply to a given vendor are ignored by its adapter.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key,omitempty"`
	DefaultModel string `yaml:"default_model" json:"default_model,omitempty"`
	BaseURL      string `yaml:"base_url" json:"base_url,omitempty"`

	// OrgID scopes OpenAI requests to an organization.
	OrgID string `yaml:"org_id" json:"org_id,omitempty"`

	// DefaultMaxTokens bounds Anthropic completions when a request does
	// not set one.
	DefaultMaxTokens int `yaml:"default_max_tokens" json:"default_max_tokens,omitempty"`

	// Region and the static credential triple configure Bedrock. Leaving
	// the credentials empty falls back to the ambient AWS chain.
	Region          string `yaml:"region" json:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token" json:"session_token,omitempty"`
}

// SessionConfig holds agent session overrides. Pointer fields distinguish
// "absent" from an explicit zero so the file only overrides what it names;
// EffectiveSessionConfig merges these over the runtime defaults.
type SessionConfig struct {
	MaxTurns              *int           `yaml:"max_turns" json:"max_turns,omitempty"`
	MaxToolRoundsPerInput *int           `yaml:"max_tool_rounds_per_input" json:"max_tool_rounds_per_input,omitempty"`
	ReasoningEffort       string         `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`
	ToolOutputLimits      map[string]int `yaml:"tool_output_limits" json:"tool_output_limits,omitempty"`
	ToolLineLimits        map[string]int `yaml:"tool_line_limits" json:"tool_line_limits,omitempty"`
	EnableLoopDetection   *bool          `yaml:"enable_loop_detection" json:"enable_loop_detection,omitempty"`
	LoopDetectionWindow   *int           `yaml:"loop_detection_window" json:"loop_detection_window,omitempty"`
	MaxSubagentDepth      *int           `yaml:"max_subagent_depth" json:"max_subagent_depth,omitempty"`
	UserInstructions      string         `yaml:"user_instructions" json:"user_instructions,omitempty"`
	Retry                 RetryConfig    `yaml:"retry" json:"retry,omitempty"`
}

// RetryConfig overrides the LLM retry policy.
type RetryConfig struct {
	MaxRetries *int           `yaml:"max_retries" json:"max_retries,omitempty"`
	BaseDelay  *time.Duration `yaml:"base_delay" json:"base_delay,omitempty"`
	MaxDelay   *time.Duration `yaml:"max_delay" json:"max_delay,omitempty"`
	Multiplier *float64       `yaml:"multiplier" json:"multiplier,omitempty"`
	Jitter     *bool          `yaml:"jitter" json:"jitter,omitempty"`
}

// PipelineConfig holds engine defaults the CLI applies to every run.
type PipelineConfig struct {
	// LogsRoot is the parent directory for run artifact directories.
	// Defaults to "logs".
	LogsRoot string `yaml:"logs_root" json:"logs_root,omitempty"`

	// CheckpointInterval saves the run checkpoint every Nth completed
	// stage. Values below 2 save after every stage.
	CheckpointInterval int `yaml:"checkpoint_interval" json:"checkpoint_interval,omitempty"`

	// Stylesheet is the path of the model stylesheet applied when a graph
	// does not name its own.
	Stylesheet string `yaml:"stylesheet" json:"stylesheet,omitempty"`
}

// StorageConfig locates the run and transcript store.
type StorageConfig struct {
	// Path is the SQLite database file. Defaults to "drover.db" in the
	// working directory.
	Path string `yaml:"path" json:"path,omitempty"`

	// Disabled turns persistence off entirely.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, resolves $include directives, expands environment
// variables, and decodes into a Config. Unknown fields are rejected so a
// typoed key fails loudly instead of silently using defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Pipeline.LogsRoot == "" {
		cfg.Pipeline.LogsRoot = "logs"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "drover.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
