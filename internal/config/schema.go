package config

import (
	"fmt"
	"time"

	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/providers"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFS     = "fs"
	BackendMemory = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Storage  StorageCfg  `mapstructure:"storage" yaml:"storage"`
	LLM      LLMCfg      `mapstructure:"llm" yaml:"llm"`
	Defaults DefaultsCfg `mapstructure:"defaults" yaml:"defaults"`
	Retry    RetryCfg    `mapstructure:"retry" yaml:"retry"`
	Usage    UsageCfg    `mapstructure:"usage" yaml:"usage"`
	Stages   StagesCfg   `mapstructure:"stages" yaml:"stages"`
	Runner   RunnerCfg   `mapstructure:"runner" yaml:"runner"`
}

// StorageCfg selects the checkpoint backend. Empty paths resolve under the
// home directory.
type StorageCfg struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Path       string `mapstructure:"path" yaml:"path"` // sqlite database file
	Dir        string `mapstructure:"dir" yaml:"dir"`   // fs checkpoint root
	TextMirror bool   `mapstructure:"text_mirror" yaml:"text_mirror"`
}

// LLMCfg configures the chat model used by the stages.
type LLMCfg struct {
	Provider       string            `mapstructure:"provider" yaml:"provider"` // openai or mock
	Model          string            `mapstructure:"model" yaml:"model"`
	APIKey         string            `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string            `mapstructure:"base_url" yaml:"base_url"`
	RPM            int               `mapstructure:"rpm" yaml:"rpm"`
	MaxRetries     int               `mapstructure:"max_retries" yaml:"max_retries"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Pricing        providers.Pricing `mapstructure:"pricing" yaml:"pricing"`
}

// DefaultsCfg holds per-job defaults applied when a request leaves them unset.
type DefaultsCfg struct {
	BudgetUSD         float64 `mapstructure:"budget_usd" yaml:"budget_usd"`
	MaxRepairAttempts int     `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts"`
	CorruptionPolicy  string  `mapstructure:"corruption_policy" yaml:"corruption_policy"`
}

// RetryCfg bounds transient stage retries.
type RetryCfg struct {
	MaxAttempts     int `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS  int `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelaySeconds int `mapstructure:"max_delay_seconds" yaml:"max_delay_seconds"`
}

// UsageCfg sets the per-user spending ceiling. Zero disables it.
type UsageCfg struct {
	UserLimitUSD float64 `mapstructure:"user_limit_usd" yaml:"user_limit_usd"`
}

// StagesCfg tunes the manuscript stages.
type StagesCfg struct {
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	Review      bool    `mapstructure:"review" yaml:"review"`
	PromptsDir  string  `mapstructure:"prompts_dir" yaml:"prompts_dir"`
}

// RunnerCfg configures `scribe worker`.
type RunnerCfg struct {
	Concurrency         int `mapstructure:"concurrency" yaml:"concurrency"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	// LeaseTTLSeconds bounds how long a job stays claimed by a process that
	// stopped renewing it.
	LeaseTTLSeconds int `mapstructure:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageCfg{
			Backend: BackendSQLite,
		},
		LLM: LLMCfg{
			Provider:       providers.OpenAIName,
			Model:          "gpt-4o-mini",
			APIKey:         "${OPENAI_API_KEY}",
			RPM:            150,
			MaxRetries:     2,
			TimeoutSeconds: 120,
			Pricing:        providers.Pricing{InputPer1M: 0.15, OutputPer1M: 0.60},
		},
		Defaults: DefaultsCfg{
			BudgetUSD:         5.0,
			MaxRepairAttempts: 3,
			CorruptionPolicy:  string(pipeline.CorruptionRestart),
		},
		Retry: RetryCfg{
			MaxAttempts:     3,
			InitialDelayMS:  500,
			MaxDelaySeconds: 30,
		},
		Stages: StagesCfg{
			Temperature: 0.7,
		},
		Runner: RunnerCfg{
			Concurrency:         4,
			PollIntervalSeconds: 5,
			LeaseTTLSeconds:     120,
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFS, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.LLM.Provider {
	case providers.OpenAIName, providers.MockClientName:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if _, err := pipeline.ParseCorruptionPolicy(c.Defaults.CorruptionPolicy); err != nil {
		return err
	}
	if c.Defaults.BudgetUSD < 0 {
		return fmt.Errorf("defaults.budget_usd must not be negative")
	}
	if c.Defaults.MaxRepairAttempts < 0 {
		return fmt.Errorf("defaults.max_repair_attempts must not be negative")
	}
	if c.Usage.UserLimitUSD < 0 {
		return fmt.Errorf("usage.user_limit_usd must not be negative")
	}
	if c.LLM.Pricing.InputPer1M < 0 || c.LLM.Pricing.OutputPer1M < 0 {
		return fmt.Errorf("llm.pricing must not be negative")
	}
	if c.Runner.LeaseTTLSeconds < 0 {
		return fmt.Errorf("runner.lease_ttl_seconds must not be negative")
	}
	return nil
}

// CorruptionPolicy returns the parsed policy. Call after Validate.
func (c *Config) CorruptionPolicy() pipeline.CorruptionPolicy {
	p, _ := pipeline.ParseCorruptionPolicy(c.Defaults.CorruptionPolicy)
	return p
}

// RetryDelays returns the retry backoff bounds.
func (c *Config) RetryDelays() (initial, max time.Duration) {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond,
		time.Duration(c.Retry.MaxDelaySeconds) * time.Second
}

// PollInterval returns the worker poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Runner.PollIntervalSeconds) * time.Second
}

// LeaseTTL returns the job lease lifetime. Zero selects the orchestrator
// default.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Runner.LeaseTTLSeconds) * time.Second
}

// OpenAIConfig converts the llm section for providers.NewOpenAIClient,
// resolving ${ENV_VAR} references in the API key.
func (c *Config) OpenAIConfig() providers.OpenAIConfig {
	return providers.OpenAIConfig{
		APIKey:     ResolveEnvVars(c.LLM.APIKey),
		Model:      c.LLM.Model,
		BaseURL:    c.LLM.BaseURL,
		MaxRetries: c.LLM.MaxRetries,
		Timeout:    time.Duration(c.LLM.TimeoutSeconds) * time.Second,
		RPM:        c.LLM.RPM,
		Pricing:    c.LLM.Pricing,
	}
}
