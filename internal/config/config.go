package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the dispatch service.
// It is loaded from ~/.dispatch/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama" yaml:"ollama"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Pipelines PipelinesConfig `mapstructure:"pipelines" yaml:"pipelines"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1)
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the listen port (default: 8765)
	Port int `mapstructure:"port" yaml:"port"`
	// ReadTimeout bounds how long the server waits for a full request
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// ShutdownGrace is how long in-flight dispatches get to finish on shutdown
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OllamaConfig contains configuration for the Ollama inference backend.
type OllamaConfig struct {
	// Endpoint is the Ollama server base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// ConnectionTimeout is the time to establish an HTTP connection
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	// WarmupOnStart issues a tiny generation against each tier-one model
	// at startup so the first real request does not pay model load cost
	WarmupOnStart bool `mapstructure:"warmup_on_start" yaml:"warmup_on_start"`
}

// RouterConfig contains configuration for the request classifier.
type RouterConfig struct {
	// Model is the small model used for LLM classification
	Model string `mapstructure:"model" yaml:"model"`
	// Timeout bounds the LLM classification call; on expiry the keyword
	// result is used instead
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// FastPathThreshold is the keyword-score confidence above which the
	// LLM call is skipped entirely
	FastPathThreshold float64 `mapstructure:"fast_path_threshold" yaml:"fast_path_threshold"`
}

// DispatchConfig controls per-dispatch deadline budgets and retries.
type DispatchConfig struct {
	// NormalBudget is the end-to-end deadline for normal priority requests
	NormalBudget time.Duration `mapstructure:"normal_budget" yaml:"normal_budget"`
	// UrgentBudget is the shortened deadline for urgent priority requests
	UrgentBudget time.Duration `mapstructure:"urgent_budget" yaml:"urgent_budget"`
	// MaxSessionWait bounds how long a request queues behind another
	// in-flight dispatch on the same session
	MaxSessionWait time.Duration `mapstructure:"max_session_wait" yaml:"max_session_wait"`
}

// TierConfig names the model tiers for one specialist category.
type TierConfig struct {
	// Primary is the default model for the category
	Primary string `mapstructure:"primary" yaml:"primary"`
	// Escalation is the larger model tried once when the primary fails
	// or the request is scored complex; empty disables escalation
	Escalation string `mapstructure:"escalation" yaml:"escalation,omitempty"`
	// Timeout bounds a single model call within the pipeline
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelinesConfig maps each specialist category to its model tiers.
type PipelinesConfig struct {
	Code     TierConfig `mapstructure:"code" yaml:"code"`
	Vision   TierConfig `mapstructure:"vision" yaml:"vision"`
	Analysis TierConfig `mapstructure:"analysis" yaml:"analysis"`
	Search   TierConfig `mapstructure:"search" yaml:"search"`
	Email    TierConfig `mapstructure:"email" yaml:"email"`
	Generic  TierConfig `mapstructure:"generic" yaml:"generic"`
}

// ForCategory returns the tier config for a category name, falling back
// to the generic tier for anything unrecognized.
func (p PipelinesConfig) ForCategory(category string) TierConfig {
	switch category {
	case "code":
		return p.Code
	case "vision":
		return p.Vision
	case "analysis":
		return p.Analysis
	case "search":
		return p.Search
	case "email":
		return p.Email
	default:
		return p.Generic
	}
}

// MemoryConfig contains configuration for session persistence.
type MemoryConfig struct {
	// DBPath is the path to the SQLite session database
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// MaxTurns caps the per-session history length; oldest turns are
	// dropped first
	MaxTurns int `mapstructure:"max_turns" yaml:"max_turns"`
	// ContextTurns is how many recent turns are handed to pipelines
	ContextTurns int `mapstructure:"context_turns" yaml:"context_turns"`
	// SessionTTL is the idle time after which a session is evicted
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	// EvictionInterval is how often the eviction sweep runs
	EvictionInterval time.Duration `mapstructure:"eviction_interval" yaml:"eviction_interval"`
}

// CacheConfig contains configuration for the LLM response cache.
type CacheConfig struct {
	// Enabled determines whether response caching is active
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TTL is how long a cached response stays valid
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// MaxEntries bounds the cache size
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
	// MaxTemperature is the sampling temperature at or below which
	// responses are considered deterministic enough to cache
	MaxTemperature float64 `mapstructure:"max_temperature" yaml:"max_temperature"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// Pretty enables human-readable console output
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dispatch")

	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8765,
			ReadTimeout:   30 * time.Second,
			ShutdownGrace: 15 * time.Second,
		},
		Ollama: OllamaConfig{
			Endpoint:          "http://127.0.0.1:11434",
			ConnectionTimeout: 10 * time.Second,
			WarmupOnStart:     false,
		},
		Router: RouterConfig{
			Model:             "gemma3:1b",
			Timeout:           300 * time.Millisecond,
			FastPathThreshold: 0.75,
		},
		Dispatch: DispatchConfig{
			NormalBudget:   120 * time.Second,
			UrgentBudget:   30 * time.Second,
			MaxSessionWait: 60 * time.Second,
		},
		Pipelines: PipelinesConfig{
			Code: TierConfig{
				Primary:    "qwen2.5-coder:7b",
				Escalation: "deepseek-coder-v2:16b",
				Timeout:    90 * time.Second,
			},
			Vision: TierConfig{
				Primary:    "gemma3:4b",
				Escalation: "llama3.2-vision:11b",
				Timeout:    90 * time.Second,
			},
			Analysis: TierConfig{
				Primary: "phi4:14b",
				Timeout: 120 * time.Second,
			},
			Search: TierConfig{
				Primary: "qwen2.5:7b",
				Timeout: 60 * time.Second,
			},
			Email: TierConfig{
				Primary: "qwen2.5:14b",
				Timeout: 90 * time.Second,
			},
			Generic: TierConfig{
				Primary: "llama3.2:3b",
				Timeout: 60 * time.Second,
			},
		},
		Memory: MemoryConfig{
			DBPath:           filepath.Join(dataDir, "sessions.db"),
			MaxTurns:         50,
			ContextTurns:     10,
			SessionTTL:       24 * time.Hour,
			EvictionInterval: 15 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:        true,
			TTL:            10 * time.Minute,
			MaxEntries:     256,
			MaxTemperature: 0.3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
			File:   filepath.Join(dataDir, "logs", "dispatch.log"),
		},
	}
}

// DefaultPath returns the default config file location
// (~/.dispatch/config.yaml).
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".dispatch", "config.yaml"), nil
}

// Load reads configuration from the default location (~/.dispatch/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: DISPATCH_OLLAMA_ENDPOINT
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields with defaults so a sparse
// config file still yields a working service.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = defaults.Server.ShutdownGrace
	}
	if c.Ollama.Endpoint == "" {
		c.Ollama.Endpoint = defaults.Ollama.Endpoint
	}
	if c.Ollama.ConnectionTimeout == 0 {
		c.Ollama.ConnectionTimeout = defaults.Ollama.ConnectionTimeout
	}
	if c.Router.Model == "" {
		c.Router.Model = defaults.Router.Model
	}
	if c.Router.Timeout == 0 {
		c.Router.Timeout = defaults.Router.Timeout
	}
	if c.Router.FastPathThreshold == 0 {
		c.Router.FastPathThreshold = defaults.Router.FastPathThreshold
	}
	if c.Dispatch.NormalBudget == 0 {
		c.Dispatch.NormalBudget = defaults.Dispatch.NormalBudget
	}
	if c.Dispatch.UrgentBudget == 0 {
		c.Dispatch.UrgentBudget = defaults.Dispatch.UrgentBudget
	}
	if c.Dispatch.MaxSessionWait == 0 {
		c.Dispatch.MaxSessionWait = defaults.Dispatch.MaxSessionWait
	}
	applyTierDefaults(&c.Pipelines.Code, defaults.Pipelines.Code)
	applyTierDefaults(&c.Pipelines.Vision, defaults.Pipelines.Vision)
	applyTierDefaults(&c.Pipelines.Analysis, defaults.Pipelines.Analysis)
	applyTierDefaults(&c.Pipelines.Search, defaults.Pipelines.Search)
	applyTierDefaults(&c.Pipelines.Email, defaults.Pipelines.Email)
	applyTierDefaults(&c.Pipelines.Generic, defaults.Pipelines.Generic)
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = defaults.Memory.DBPath
	}
	if c.Memory.MaxTurns == 0 {
		c.Memory.MaxTurns = defaults.Memory.MaxTurns
	}
	if c.Memory.ContextTurns == 0 {
		c.Memory.ContextTurns = defaults.Memory.ContextTurns
	}
	if c.Memory.SessionTTL == 0 {
		c.Memory.SessionTTL = defaults.Memory.SessionTTL
	}
	if c.Memory.EvictionInterval == 0 {
		c.Memory.EvictionInterval = defaults.Memory.EvictionInterval
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = defaults.Cache.TTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if c.Cache.MaxTemperature == 0 {
		c.Cache.MaxTemperature = defaults.Cache.MaxTemperature
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

func applyTierDefaults(tier *TierConfig, defaults TierConfig) {
	if tier.Primary == "" {
		tier.Primary = defaults.Primary
		if tier.Escalation == "" {
			tier.Escalation = defaults.Escalation
		}
	}
	if tier.Timeout == 0 {
		tier.Timeout = defaults.Timeout
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".dispatch", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the dispatch data directory path (~/.dispatch).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".dispatch")
}

// EnsureDirectories creates all directories the service writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		filepath.Dir(c.Logging.File),
		filepath.Dir(c.Memory.DBPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Ollama.Endpoint == "" {
		return fmt.Errorf("ollama.endpoint cannot be empty")
	}

	if c.Router.FastPathThreshold < 0 || c.Router.FastPathThreshold > 1 {
		return fmt.Errorf("router.fast_path_threshold must be between 0 and 1")
	}

	if c.Dispatch.UrgentBudget > c.Dispatch.NormalBudget {
		return fmt.Errorf("dispatch.urgent_budget cannot exceed dispatch.normal_budget")
	}

	for category, tier := range map[string]TierConfig{
		"code": c.Pipelines.Code, "vision": c.Pipelines.Vision,
		"analysis": c.Pipelines.Analysis, "search": c.Pipelines.Search,
		"email": c.Pipelines.Email, "generic": c.Pipelines.Generic,
	} {
		if tier.Primary == "" {
			return fmt.Errorf("pipelines.%s.primary cannot be empty", category)
		}
		if tier.Timeout <= 0 {
			return fmt.Errorf("pipelines.%s.timeout must be positive", category)
		}
	}

	if c.Memory.MaxTurns < 2 {
		return fmt.Errorf("memory.max_turns must be at least 2")
	}

	if c.Memory.ContextTurns > c.Memory.MaxTurns {
		return fmt.Errorf("memory.context_turns cannot exceed memory.max_turns")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
