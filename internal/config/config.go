// Package config loads stepflow settings. STEPFLOW_* environment variables
// override the config file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/stepflow/internal/breaker"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. STEPFLOW_EXECUTOR_MAX_CONCURRENCY.
const EnvPrefix = "STEPFLOW"

// Config represents the complete stepflow configuration.
type Config struct {
	Executor ExecutorConfig `mapstructure:"executor"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	EventBus EventBusConfig `mapstructure:"eventbus"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Planner  PlannerConfig  `mapstructure:"planner"`
}

// ExecutorConfig controls plan execution.
type ExecutorConfig struct {
	// MaxConcurrency bounds the steps running at once within a wave.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// StepTimeout bounds a single tool call.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// ProcessTimeout bounds a whole query (0 = no bound).
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// BreakerConfig controls circuit breaking around tool calls.
type BreakerConfig struct {
	// Scope is "tool" (one breaker per tool) or "global".
	Scope            string        `mapstructure:"scope"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// HTTPConfig configures the remote tool invoker. An empty BaseURL means tools run in-process.
type HTTPConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	RateLimit float64           `mapstructure:"rate_limit"`
	Burst     int               `mapstructure:"burst"`
	Headers   map[string]string `mapstructure:"headers"`
}

// EventBusConfig configures the channel event bus.
type EventBusConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	BufferSize  int  `mapstructure:"buffer_size"`
	WorkerCount int  `mapstructure:"worker_count"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// PlannerConfig controls the plan cache in front of the planner.
type PlannerConfig struct {
	Cache PlanCacheConfig `mapstructure:"cache"`
}

// PlanCacheConfig selects the plan cache backend.
type PlanCacheConfig struct {
	// Backend is "memory", "file" or "none".
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	// Path is the JSON file used by the file backend.
	Path string `mapstructure:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxConcurrency: 5,
			StepTimeout:    30 * time.Second,
			ProcessTimeout: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			Scope:            string(breaker.ScopeTool),
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
			Burst:   1,
		},
		EventBus: EventBusConfig{
			Enabled:     true,
			BufferSize:  100,
			WorkerCount: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Planner: PlannerConfig{
			Cache: PlanCacheConfig{
				Backend: "memory",
				TTL:     10 * time.Minute,
				Path:    ".stepflow/plans.json",
			},
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("executor.max_concurrency", d.Executor.MaxConcurrency)
	v.SetDefault("executor.step_timeout", d.Executor.StepTimeout)
	v.SetDefault("executor.process_timeout", d.Executor.ProcessTimeout)

	v.SetDefault("breaker.scope", d.Breaker.Scope)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", d.Breaker.ResetTimeout)

	v.SetDefault("http.base_url", d.HTTP.BaseURL)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)
	v.SetDefault("http.burst", d.HTTP.Burst)

	v.SetDefault("eventbus.enabled", d.EventBus.Enabled)
	v.SetDefault("eventbus.buffer_size", d.EventBus.BufferSize)
	v.SetDefault("eventbus.worker_count", d.EventBus.WorkerCount)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("planner.cache.backend", d.Planner.Cache.Backend)
	v.SetDefault("planner.cache.ttl", d.Planner.Cache.TTL)
	v.SetDefault("planner.cache.path", d.Planner.Cache.Path)
}

// New returns a viper instance with defaults and environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and returns the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Executor.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("executor.max_concurrency must be at least 1, got %d", c.Executor.MaxConcurrency))
	}
	if c.Executor.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.step_timeout must be positive, got %s", c.Executor.StepTimeout))
	}
	if c.Executor.ProcessTimeout < 0 {
		errs = append(errs, fmt.Errorf("executor.process_timeout cannot be negative"))
	}
	if _, err := breaker.ParseScope(c.Breaker.Scope); err != nil {
		errs = append(errs, fmt.Errorf("breaker.scope: %w", err))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout must be positive, got %s", c.Breaker.ResetTimeout))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit cannot be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch c.Planner.Cache.Backend {
	case "memory", "none":
	case "file":
		if c.Planner.Cache.Path == "" {
			errs = append(errs, fmt.Errorf("planner.cache.path is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("planner.cache.backend must be memory, file or none, got %q", c.Planner.Cache.Backend))
	}
	return errors.Join(errs...)
}

// BreakerTemplate converts the breaker section into a breaker.Config and scope.
func (c *Config) BreakerTemplate() (breaker.Scope, breaker.Config) {
	scope, _ := breaker.ParseScope(c.Breaker.Scope)
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = c.Breaker.FailureThreshold
	cfg.ResetTimeout = c.Breaker.ResetTimeout
	return scope, cfg
}
