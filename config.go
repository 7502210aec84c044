package memori

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vishalbelsare/memori-sub000/internal/conscious"
	"github.com/vishalbelsare/memori-sub000/internal/inject"
	"github.com/vishalbelsare/memori-sub000/internal/intercept"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// Config holds all memory-layer configuration. It is loaded from memori.yaml
// and can be overridden by environment variables
// (MEMORI_DATABASE__CONNECTION_STRING style, double underscore per section).
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	// ConnectionString is a postgres:// URL or a SQLite file path.
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string"`
	// PoolSize bounds connections on the networked backend.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// MaxRetries bounds transient-error retries per write.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// EchoSQL logs every statement at debug level.
	EchoSQL bool `mapstructure:"echo_sql" yaml:"echo_sql"`
}

// AgentConfig configures the ProcessingClient used for classification and
// retrieval planning.
type AgentConfig struct {
	// APIType selects the adapter: "openai", "azure", "ollama", or
	// "rule-based" to run without a provider.
	APIType string `mapstructure:"api_type" yaml:"api_type"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model   string `mapstructure:"model" yaml:"model,omitempty"`

	// Azure-only fields.
	AzureEndpoint   string `mapstructure:"azure_endpoint" yaml:"azure_endpoint,omitempty"`
	AzureDeployment string `mapstructure:"azure_deployment" yaml:"azure_deployment,omitempty"`
	APIVersion      string `mapstructure:"api_version" yaml:"api_version,omitempty"`

	Organization string `mapstructure:"organization" yaml:"organization,omitempty"`
	Project      string `mapstructure:"project" yaml:"project,omitempty"`

	// TimeoutSec bounds one provider call.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// MemoryConfig tunes recording and injection behavior.
type MemoryConfig struct {
	// Namespace isolates this application's memories.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// ConsciousIngest primes each session once with the working set.
	ConsciousIngest bool `mapstructure:"conscious_ingest" yaml:"conscious_ingest"`

	// AutoIngest retrieves per-call context through the planner.
	AutoIngest bool `mapstructure:"auto_ingest" yaml:"auto_ingest"`

	// WorkingSetSize is how many memories conscious analysis promotes.
	WorkingSetSize int `mapstructure:"working_set_size" yaml:"working_set_size"`

	// RetentionPolicy bounds long-term rows: "7_days", "30_days",
	// "90_days", or "permanent".
	RetentionPolicy string `mapstructure:"retention_policy" yaml:"retention_policy"`

	// TokenBudget caps injected context size.
	TokenBudget int `mapstructure:"token_budget" yaml:"token_budget"`

	// QueueSize and Workers tune the capture pipeline.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	Workers   int `mapstructure:"workers" yaml:"workers"`

	// AnalysisIntervalMin re-runs conscious analysis periodically;
	// 0 disables the loop (analysis still runs once at enable).
	AnalysisIntervalMin int `mapstructure:"analysis_interval_min" yaml:"analysis_interval_min"`

	// ExpiryIntervalMin drives the short-term expiry sweep.
	ExpiryIntervalMin int `mapstructure:"expiry_interval_min" yaml:"expiry_interval_min"`

	// UserContext biases classification; never updated automatically.
	UserContext types.UserContext `mapstructure:"user_context" yaml:"user_context,omitempty"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level" yaml:"level"`
	// Structured emits JSON instead of console output.
	Structured bool `mapstructure:"structured" yaml:"structured"`
	// File duplicates output to a log file when set.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// retentionPolicies maps policy names to long-term row lifetimes. Zero means
// rows are kept forever.
var retentionPolicies = map[string]time.Duration{
	"7_days":    7 * 24 * time.Hour,
	"30_days":   30 * 24 * time.Hour,
	"90_days":   90 * 24 * time.Hour,
	"permanent": 0,
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			ConnectionString: "memori.db",
			PoolSize:         10,
			MaxRetries:       3,
		},
		Agent: AgentConfig{
			APIType:    "rule-based",
			TimeoutSec: 30,
		},
		Memory: MemoryConfig{
			Namespace:           "default",
			ConsciousIngest:     true,
			AutoIngest:          true,
			WorkingSetSize:      conscious.DefaultWorkingSetSize,
			RetentionPolicy:     "30_days",
			TokenBudget:         inject.DefaultTokenBudget,
			QueueSize:           intercept.DefaultQueueSize,
			Workers:             intercept.DefaultWorkers,
			AnalysisIntervalMin: 360,
			ExpiryIntervalMin:   60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// configSearchPaths lists where Load looks for memori.yaml, in order.
func configSearchPaths() []string {
	paths := []string{"memori.yaml", filepath.Join("config", "memori.yaml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".memori", "memori.yaml"))
	}
	return append(paths, "/etc/memori/memori.yaml")
}

// Load reads configuration from the first memori.yaml on the search path
// (cwd, config/, ~/.memori, /etc/memori) and merges environment overrides.
// When no file exists one is created in the working directory with defaults.
func Load() (*Config, error) {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromPath(p)
		}
	}
	path := "memori.yaml"
	if err := writeConfigFile(path, Default()); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from a specific file and merges
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: MEMORI_DATABASE__CONNECTION_STRING overrides
	// database.connection_string.
	v.SetEnvPrefix("MEMORI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults seeds viper so env-only overrides work on top of sparse files.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database.connection_string", d.Database.ConnectionString)
	v.SetDefault("database.pool_size", d.Database.PoolSize)
	v.SetDefault("database.max_retries", d.Database.MaxRetries)
	v.SetDefault("agent.api_type", d.Agent.APIType)
	v.SetDefault("agent.timeout_sec", d.Agent.TimeoutSec)
	v.SetDefault("memory.namespace", d.Memory.Namespace)
	v.SetDefault("memory.conscious_ingest", d.Memory.ConsciousIngest)
	v.SetDefault("memory.auto_ingest", d.Memory.AutoIngest)
	v.SetDefault("memory.working_set_size", d.Memory.WorkingSetSize)
	v.SetDefault("memory.retention_policy", d.Memory.RetentionPolicy)
	v.SetDefault("memory.token_budget", d.Memory.TokenBudget)
	v.SetDefault("memory.queue_size", d.Memory.QueueSize)
	v.SetDefault("memory.workers", d.Memory.Workers)
	v.SetDefault("memory.analysis_interval_min", d.Memory.AnalysisIntervalMin)
	v.SetDefault("memory.expiry_interval_min", d.Memory.ExpiryIntervalMin)
	v.SetDefault("logging.level", d.Logging.Level)
}

// Validate rejects configurations the layer cannot run with.
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("%w: database.connection_string cannot be empty", ErrConfig)
	}
	if c.Memory.Namespace == "" {
		return fmt.Errorf("%w: memory.namespace cannot be empty", ErrConfig)
	}
	if _, ok := retentionPolicies[c.Memory.RetentionPolicy]; !ok {
		return fmt.Errorf("%w: invalid retention_policy %q, must be one of: 7_days, 30_days, 90_days, permanent",
			ErrConfig, c.Memory.RetentionPolicy)
	}
	switch c.Agent.APIType {
	case "openai", "azure", "ollama", "rule-based", "stub", "none", "":
	default:
		return fmt.Errorf("%w: invalid agent.api_type %q", ErrConfig, c.Agent.APIType)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: invalid log level %q, must be one of: debug, info, warn, error", ErrConfig, c.Logging.Level)
	}
	if c.Memory.TokenBudget < 0 || c.Memory.WorkingSetSize < 0 || c.Memory.QueueSize < 0 {
		return fmt.Errorf("%w: memory limits cannot be negative", ErrConfig)
	}
	return nil
}

// RetentionMaxAge returns the configured long-term lifetime. ok is false for
// the permanent policy, meaning no sweep applies.
func (c *Config) RetentionMaxAge() (time.Duration, bool) {
	d := retentionPolicies[c.Memory.RetentionPolicy]
	return d, d > 0
}

// writeConfigFile persists a config as YAML.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
