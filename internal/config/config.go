// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output (rotated by lumberjack). Empty disables file logging.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ExecutionMode selects which execution adapter drives browser actions.
type ExecutionMode string

const (
	// ModeLocal drives an in-process chromedp browser.
	ModeLocal ExecutionMode = "local"
	// ModeHybrid relays commands to an externally attached executor process.
	ModeHybrid ExecutionMode = "hybrid"
)

// ExecutionConfig selects the adapter and bounds remote commands.
type ExecutionConfig struct {
	Mode ExecutionMode `mapstructure:"mode" yaml:"mode"`
	// CommandTimeout bounds one remote command round-trip when the caller
	// does not supply an explicit timeout.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// BrowserConfig tunes the local browser manager.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`

	// IdleTimeout evicts a session's browser handle after this much
	// inactivity; GCInterval is the sweep period.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	GCInterval  time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`

	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// NetworkIdleWait is the short settle period after click actions.
	NetworkIdleWait time.Duration `mapstructure:"network_idle_wait" yaml:"network_idle_wait"`
}

// AgentConfig bounds the action loop.
type AgentConfig struct {
	// MaxActionsPerTurn caps how many actions one user turn may spend before
	// the loop terminates with a budget-exhausted outcome.
	MaxActionsPerTurn int    `mapstructure:"max_actions_per_turn" yaml:"max_actions_per_turn"`
	ScreenshotDir     string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// LLMConfig configures the reasoning model client.
type LLMConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// ServerConfig configures the executor-facing HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// KeepAliveInterval is how often the SSE stream emits keep-alive comments.
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
}

// Load reads configuration from the given file (or ./config.yaml when empty),
// layered under HELMSMAN_* environment overrides, and validates it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("HELMSMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env carry the load.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "helmsman")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("execution.mode", string(ModeLocal))
	v.SetDefault("execution.command_timeout", 30*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.idle_timeout", 10*time.Minute)
	v.SetDefault("browser.gc_interval", time.Minute)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.network_idle_wait", 500*time.Millisecond)

	v.SetDefault("agent.max_actions_per_turn", 25)
	v.SetDefault("agent.screenshot_dir", "screenshots")

	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.api_timeout", 60*time.Second)

	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.keep_alive_interval", 15*time.Second)
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.Execution.Mode {
	case ModeLocal, ModeHybrid:
	default:
		return fmt.Errorf("invalid execution.mode %q (want %q or %q)", c.Execution.Mode, ModeLocal, ModeHybrid)
	}

	if c.Execution.CommandTimeout <= 0 {
		return fmt.Errorf("execution.command_timeout must be positive")
	}
	if c.Agent.MaxActionsPerTurn <= 0 {
		return fmt.Errorf("agent.max_actions_per_turn must be positive")
	}
	if c.Browser.IdleTimeout <= 0 || c.Browser.GCInterval <= 0 {
		return fmt.Errorf("browser idle_timeout and gc_interval must be positive")
	}
	return nil
}

// Default returns a validated configuration built purely from defaults.
// Tests and embedded callers use it to avoid touching the filesystem.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
