// Package config loads the strand worker configuration from a YAML file with
// environment variable expansion. All numeric policy values (context budgets,
// truncation knobs, iteration caps, TTLs) live here with defaults so they are
// never hard-coded at use sites.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandlabs/strand/runtime/agent/compactor"
	"github.com/strandlabs/strand/runtime/agent/runtime"
)

type (
	// Config is the root configuration for the strand worker binary.
	Config struct {
		Server     ServerConfig     `yaml:"server"`
		Redis      RedisConfig      `yaml:"redis"`
		Mongo      MongoConfig      `yaml:"mongo"`
		Providers  ProvidersConfig  `yaml:"providers"`
		Runtime    RuntimeConfig    `yaml:"runtime"`
		Budgets    BudgetsConfig    `yaml:"budgets"`
		Compaction CompactionConfig `yaml:"compaction"`
		RateLimit  RateLimitConfig  `yaml:"rate_limit"`
		Logging    LoggingConfig    `yaml:"logging"`
	}

	// ServerConfig configures the HTTP surface serving the SSE stream.
	ServerConfig struct {
		Addr            string   `yaml:"addr"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	}

	// RedisConfig configures the Redis connection backing the lock, event log,
	// notification channels and worker pool.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the MongoDB connection backing the run and
	// thread stores.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// ProvidersConfig selects and configures model providers.
	ProvidersConfig struct {
		Default   string         `yaml:"default"`
		Anthropic ProviderConfig `yaml:"anthropic"`
		OpenAI    ProviderConfig `yaml:"openai"`
	}

	// ProviderConfig holds per-provider credentials and model selection.
	ProviderConfig struct {
		APIKey       string `yaml:"api_key"`
		DefaultModel string `yaml:"default_model"`
		MaxTokens    int    `yaml:"max_tokens"`
	}

	// RuntimeConfig holds the run coordinator policy knobs.
	RuntimeConfig struct {
		WorkerID         string   `yaml:"worker_id"`
		PoolName         string   `yaml:"pool_name"`
		MaxIterations    int      `yaml:"max_iterations"`
		LockTTL          Duration `yaml:"lock_ttl"`
		LivenessTTL      Duration `yaml:"liveness_ttl"`
		LivenessInterval Duration `yaml:"liveness_interval"`
		Retention        Duration `yaml:"retention"`
		GatewayRetries   int      `yaml:"gateway_retries"`
		GatewayBackoff   Duration `yaml:"gateway_backoff"`
		PersistRetries   int      `yaml:"persist_retries"`
		ParallelToolCap  int      `yaml:"parallel_tool_cap"`
	}

	// BudgetsConfig holds the per-model context window table.
	BudgetsConfig struct {
		Windows       map[string]int `yaml:"windows"`
		SafetyMargin  int            `yaml:"safety_margin"`
		DefaultWindow int            `yaml:"default_window"`
	}

	// CompactionConfig tunes the staged history compression policy.
	CompactionConfig struct {
		KeepRecent    int `yaml:"keep_recent"`
		KeepEarliest  int `yaml:"keep_earliest"`
		PerMessageCap int `yaml:"per_message_cap"`
		EdgeChars     int `yaml:"edge_chars"`
		OmitBatch     int `yaml:"omit_batch"`
		MinRetained   int `yaml:"min_retained"`
	}

	// RateLimitConfig configures the adaptive model rate limiter. Zero TPM
	// disables the limiter.
	RateLimitConfig struct {
		TPM        float64 `yaml:"tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
		ClusterKey string  `yaml:"cluster_key"`
	}

	// LoggingConfig configures the structured logger.
	LoggingConfig struct {
		Debug  bool   `yaml:"debug"`
		Format string `yaml:"format"`
	}

	// Duration wraps time.Duration so YAML values can use Go duration syntax
	// ("30s", "5m").
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config populated with defaults suitable for local
// development against localhost Redis and Mongo.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. Environment variables in the
// file are expanded before parsing so secrets can be injected as ${VAR}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "strand"
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Runtime.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Runtime.WorkerID = host
	}
	if cfg.Runtime.PoolName == "" {
		cfg.Runtime.PoolName = "strand-runs"
	}
	if cfg.Runtime.MaxIterations <= 0 {
		cfg.Runtime.MaxIterations = 24
	}
	if cfg.Runtime.LockTTL <= 0 {
		cfg.Runtime.LockTTL = Duration(5 * time.Minute)
	}
	if cfg.Runtime.LivenessTTL <= 0 {
		cfg.Runtime.LivenessTTL = Duration(30 * time.Second)
	}
	if cfg.Runtime.LivenessInterval <= 0 {
		cfg.Runtime.LivenessInterval = Duration(10 * time.Second)
	}
	if cfg.Runtime.Retention <= 0 {
		cfg.Runtime.Retention = Duration(30 * time.Minute)
	}
	if cfg.Runtime.GatewayRetries <= 0 {
		cfg.Runtime.GatewayRetries = 3
	}
	if cfg.Runtime.GatewayBackoff <= 0 {
		cfg.Runtime.GatewayBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Runtime.PersistRetries <= 0 {
		cfg.Runtime.PersistRetries = 3
	}
	if cfg.Runtime.ParallelToolCap <= 0 {
		cfg.Runtime.ParallelToolCap = 4
	}
}

// Validate reports configuration errors that defaults cannot paper over.
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	active := c.ActiveProvider()
	if active.APIKey == "" {
		return errors.New("active provider api key is required")
	}
	if c.Runtime.LivenessInterval.Std() >= c.Runtime.LivenessTTL.Std() {
		return errors.New("liveness interval must be shorter than liveness ttl")
	}
	return nil
}

// ActiveProvider returns the configuration of the default provider.
func (c *Config) ActiveProvider() ProviderConfig {
	if c.Providers.Default == "openai" {
		return c.Providers.OpenAI
	}
	return c.Providers.Anthropic
}

// BudgetTable converts the budgets section into the compactor table.
func (c *Config) BudgetTable() compactor.BudgetTable {
	return compactor.BudgetTable{
		Windows:       c.Budgets.Windows,
		SafetyMargin:  c.Budgets.SafetyMargin,
		DefaultWindow: c.Budgets.DefaultWindow,
	}
}

// CompactorOptions converts the compaction section into compactor options.
func (c *Config) CompactorOptions() compactor.Options {
	return compactor.Options{
		KeepRecent:    c.Compaction.KeepRecent,
		KeepEarliest:  c.Compaction.KeepEarliest,
		PerMessageCap: c.Compaction.PerMessageCap,
		EdgeChars:     c.Compaction.EdgeChars,
		OmitBatch:     c.Compaction.OmitBatch,
		MinRetained:   c.Compaction.MinRetained,
	}
}

// RuntimeConfig converts the runtime section into the coordinator config.
func (c *Config) RuntimeConfig() runtime.Config {
	return runtime.Config{
		WorkerID:         c.Runtime.WorkerID,
		MaxIterations:    c.Runtime.MaxIterations,
		LockTTL:          c.Runtime.LockTTL.Std(),
		LivenessTTL:      c.Runtime.LivenessTTL.Std(),
		LivenessInterval: c.Runtime.LivenessInterval.Std(),
		Retention:        c.Runtime.Retention.Std(),
		GatewayRetries:   c.Runtime.GatewayRetries,
		GatewayBackoff:   c.Runtime.GatewayBackoff.Std(),
		PersistRetries:   c.Runtime.PersistRetries,
		ParallelToolCap:  c.Runtime.ParallelToolCap,
	}
}
