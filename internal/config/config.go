// Package config defines the application configuration and its defaults.
// Values come from (in increasing precedence) built-in defaults, the YAML
// config file, and STEERSMAN_* environment variables, all through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// Config is the root configuration object.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all settings for the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// LLMConfig configures the language-model service.
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32       `mapstructure:"temperature" yaml:"temperature"`

	// Rate-limit retry tuning: doubling delay from BackoffBase, at most
	// MaxRetries attempts before the error propagates.
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// BrowserConfig holds settings for the chromedp-backed driver.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
}

// AgentConfig carries the retry budgets and policy knobs of the orchestration
// core. Tests shrink the budgets to keep runs short.
type AgentConfig struct {
	MaxLoopsPerSubgoal int `mapstructure:"max_loops_per_subgoal" yaml:"max_loops_per_subgoal"`
	MaxReflections     int `mapstructure:"max_reflections" yaml:"max_reflections"`
	MaxQAFails         int `mapstructure:"max_qa_fails" yaml:"max_qa_fails"`
	MaxReplanAttempts  int `mapstructure:"max_replan_attempts" yaml:"max_replan_attempts"`
	MaxSchemaRetries   int `mapstructure:"max_schema_retries" yaml:"max_schema_retries"`
	HistoryWindow      int `mapstructure:"history_window" yaml:"history_window"`

	// Stuck detection thresholds.
	StuckConsecutive int `mapstructure:"stuck_consecutive" yaml:"stuck_consecutive"`
	StuckRepeats     int `mapstructure:"stuck_repeats" yaml:"stuck_repeats"`
	StuckStagnation  int `mapstructure:"stuck_stagnation" yaml:"stuck_stagnation"`

	InterventionMode schemas.InterventionMode `mapstructure:"intervention_mode" yaml:"intervention_mode"`
	ApprovalDelay    time.Duration            `mapstructure:"approval_delay" yaml:"approval_delay"`

	// Workspace is the directory the read_file/write_file tools are confined to.
	Workspace string `mapstructure:"workspace" yaml:"workspace"`
}

// StoreConfig configures the sqlite audit/memory store. An empty path disables
// persistence (correctness does not depend on it).
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SetDefaults installs the built-in defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "steersman")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_retries", 5)
	v.SetDefault("llm.backoff_base", "1s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)

	// -- Agent budgets --
	v.SetDefault("agent.max_loops_per_subgoal", 15)
	v.SetDefault("agent.max_reflections", 2)
	v.SetDefault("agent.max_qa_fails", 3)
	v.SetDefault("agent.max_replan_attempts", 3)
	v.SetDefault("agent.max_schema_retries", 3)
	v.SetDefault("agent.history_window", 10)
	v.SetDefault("agent.stuck_consecutive", 5)
	v.SetDefault("agent.stuck_repeats", 3)
	v.SetDefault("agent.stuck_stagnation", 3)
	v.SetDefault("agent.intervention_mode", string(schemas.ModeAutonomous))
	v.SetDefault("agent.approval_delay", "750ms")
	v.SetDefault("agent.workspace", "./workspace")

	// -- Store --
	v.SetDefault("store.path", "steersman.db")
}

// NewDefaultConfig returns a Config populated with the built-in defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper unmarshals and validates a configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("llm.api_key", "STEERSMAN_LLM_API_KEY", "GEMINI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks for sane values in the fields the core depends on.
func (c *Config) Validate() error {
	if c.Agent.MaxLoopsPerSubgoal <= 0 {
		return fmt.Errorf("agent.max_loops_per_subgoal must be a positive integer")
	}
	if c.Agent.MaxReflections < 0 {
		return fmt.Errorf("agent.max_reflections must not be negative")
	}
	if c.Agent.MaxQAFails <= 0 {
		return fmt.Errorf("agent.max_qa_fails must be a positive integer")
	}
	if c.Agent.MaxReplanAttempts <= 0 {
		return fmt.Errorf("agent.max_replan_attempts must be a positive integer")
	}
	if c.Agent.HistoryWindow <= 0 {
		return fmt.Errorf("agent.history_window must be a positive integer")
	}
	switch c.Agent.InterventionMode {
	case schemas.ModeAutonomous, schemas.ModeConfirm, schemas.ModeEdit:
	default:
		return fmt.Errorf("agent.intervention_mode must be one of autonomous, confirm, edit")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	return nil
}
