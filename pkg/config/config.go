package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Research      ResearchConfig      `yaml:"research"`
	Agents        map[string]Agent    `yaml:"agents"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DispatcherConfig contains task dispatcher configuration
type DispatcherConfig struct {
	MaxConcurrentPerAgent int    `yaml:"max_concurrent_per_agent"`
	QueueSize             int    `yaml:"queue_size"`
	TaskTimeout           string `yaml:"task_timeout"`
}

// ResilienceConfig contains circuit breaker and rate limiter configuration
type ResilienceConfig struct {
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
	HalfOpenTrials   int    `yaml:"half_open_trials"`
}

// RateLimitConfig contains per-upstream token bucket configuration
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// ResearchConfig contains autonomous research loop configuration
type ResearchConfig struct {
	AgentType           string  `yaml:"agent_type"`
	MaxIterations       int     `yaml:"max_iterations"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxSessions         int     `yaml:"max_sessions"`
}

// Agent describes one remote agent service endpoint
type Agent struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout,omitempty"`
}

// APIConfig contains API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	config.overrideFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file or returns default config
func LoadOrDefault(path string) *Config {
	config, err := Load(path)
	if err != nil {
		config = Default()
	}
	return config
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxConcurrentPerAgent: 4,
			QueueSize:             64,
			TaskTimeout:           "300s",
		},
		Resilience: ResilienceConfig{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  "30s",
				HalfOpenTrials:   3,
			},
			RateLimit: RateLimitConfig{
				Capacity:        10,
				RefillPerSecond: 5,
			},
		},
		Research: ResearchConfig{
			AgentType:           "due_diligence",
			MaxIterations:       5,
			ConfidenceThreshold: 0.8,
			MaxSessions:         10,
		},
		Agents: map[string]Agent{
			"due_diligence":        {Endpoint: "http://localhost:8101"},
			"sentiment_analysis":   {Endpoint: "http://localhost:8102"},
			"risk_analysis":        {Endpoint: "http://localhost:8103"},
			"macro_analysis":       {Endpoint: "http://localhost:8104"},
			"idea_generation":      {Endpoint: "http://localhost:8105"},
			"portfolio_management": {Endpoint: "http://localhost:8106"},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      true,
				Endpoint:     "localhost:4318",
				SamplingRate: 1.0,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    2223,
			},
		},
	}
}

// applyDefaults applies default values to missing fields
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Dispatcher.MaxConcurrentPerAgent == 0 {
		c.Dispatcher.MaxConcurrentPerAgent = defaults.Dispatcher.MaxConcurrentPerAgent
	}
	if c.Dispatcher.QueueSize == 0 {
		c.Dispatcher.QueueSize = defaults.Dispatcher.QueueSize
	}
	if c.Dispatcher.TaskTimeout == "" {
		c.Dispatcher.TaskTimeout = defaults.Dispatcher.TaskTimeout
	}

	if c.Resilience.Breaker.FailureThreshold == 0 {
		c.Resilience.Breaker.FailureThreshold = defaults.Resilience.Breaker.FailureThreshold
	}
	if c.Resilience.Breaker.RecoveryTimeout == "" {
		c.Resilience.Breaker.RecoveryTimeout = defaults.Resilience.Breaker.RecoveryTimeout
	}
	if c.Resilience.Breaker.HalfOpenTrials == 0 {
		c.Resilience.Breaker.HalfOpenTrials = defaults.Resilience.Breaker.HalfOpenTrials
	}
	if c.Resilience.RateLimit.Capacity == 0 {
		c.Resilience.RateLimit.Capacity = defaults.Resilience.RateLimit.Capacity
	}
	if c.Resilience.RateLimit.RefillPerSecond == 0 {
		c.Resilience.RateLimit.RefillPerSecond = defaults.Resilience.RateLimit.RefillPerSecond
	}

	if c.Research.AgentType == "" {
		c.Research.AgentType = defaults.Research.AgentType
	}
	if c.Research.MaxIterations == 0 {
		c.Research.MaxIterations = defaults.Research.MaxIterations
	}
	if c.Research.ConfidenceThreshold == 0 {
		c.Research.ConfidenceThreshold = defaults.Research.ConfidenceThreshold
	}
	if c.Research.MaxSessions == 0 {
		c.Research.MaxSessions = defaults.Research.MaxSessions
	}

	if c.API.Host == "" {
		c.API.Host = defaults.API.Host
	}
	if c.API.Port == 0 {
		c.API.Port = defaults.API.Port
	}
}

// overrideFromEnv overrides configuration from environment variables
func (c *Config) overrideFromEnv() {
	if timeout := os.Getenv("TASK_TIMEOUT"); timeout != "" {
		c.Dispatcher.TaskTimeout = timeout
	}

	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Observability.Tracing.Endpoint = endpoint
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Dispatcher.MaxConcurrentPerAgent < 1 {
		return fmt.Errorf("dispatcher max_concurrent_per_agent must be at least 1")
	}
	if c.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("dispatcher queue_size must be at least 1")
	}
	if _, err := time.ParseDuration(c.Dispatcher.TaskTimeout); err != nil {
		return fmt.Errorf("invalid task timeout: %w", err)
	}

	if c.Resilience.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure_threshold must be at least 1")
	}
	if _, err := time.ParseDuration(c.Resilience.Breaker.RecoveryTimeout); err != nil {
		return fmt.Errorf("invalid breaker recovery timeout: %w", err)
	}

	if c.Research.MaxIterations < 1 {
		return fmt.Errorf("research max_iterations must be at least 1")
	}
	if c.Research.ConfidenceThreshold <= 0 || c.Research.ConfidenceThreshold > 1 {
		return fmt.Errorf("research confidence_threshold must be in (0, 1]")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	return nil
}

// TaskTimeout parses the configured task timeout
func (c *Config) TaskTimeout() time.Duration {
	d, err := time.ParseDuration(c.Dispatcher.TaskTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// BreakerRecoveryTimeout parses the configured recovery timeout
func (c *Config) BreakerRecoveryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Resilience.Breaker.RecoveryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
