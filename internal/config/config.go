package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig identifies the local knowledge agent
type AgentConfig struct {
	ID          string   `yaml:"id"`
	GroupID     string   `yaml:"group_id"`
	CAPublicKey string   `yaml:"ca_public_key"`
	Endpoints   []string `yaml:"endpoints"`
}

// Config represents the complete configuration of a knowledge agent
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Lock         LockConfig         `yaml:"lock"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	StructureLog StructureLogConfig `yaml:"structure_log"`
	UpdateCache  UpdateCacheConfig  `yaml:"update_cache"`
	Cache        CacheConfig        `yaml:"cache"`
	Database     DatabaseConfig     `yaml:"database"`
	Gossip       GossipConfig       `yaml:"gossip"`
	Sync         SyncConfig         `yaml:"sync"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LockConfig holds subtree lock timing
type LockConfig struct {
	ExpirationTime time.Duration `yaml:"expiration_time"`
	WarningTime    time.Duration `yaml:"warning_time"`
}

// HeartbeatConfig holds alive ping configuration
type HeartbeatConfig struct {
	// IntervalSeconds is the sending period; 0 disables periodic sending
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the sending period as a duration
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// StructureLogConfig holds change log retention
type StructureLogConfig struct {
	Retention int `yaml:"retention"`
}

// UpdateCacheConfig holds out-of-order update parking configuration
type UpdateCacheConfig struct {
	MaxCacheTime   time.Duration `yaml:"max_cache_time"`
	ValidityPeriod time.Duration `yaml:"validity_period"`
}

// CacheConfig holds remote node cache configuration
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxSize         int64         `yaml:"max_size"`
	LowWatermark    float64       `yaml:"low_watermark"`
	Policy          string        `yaml:"policy"`
	CleanerInterval time.Duration `yaml:"cleaner_interval"`
}

// DatabaseConfig selects and configures the node store
type DatabaseConfig struct {
	Engine     string `yaml:"engine"`
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// GossipConfig holds memberlist transport configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SecretKey      string        `yaml:"secret_key"`
	InboundRate    float64       `yaml:"inbound_rate"`
	InboundBurst   int           `yaml:"inbound_burst"`
}

// SyncConfig holds resynchronization worker configuration
type SyncConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// ReadConfig loads a configuration file and applies defaults without
// validating, so callers can layer overrides first
func ReadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)
	return &cfg, nil
}

// Parse decodes YAML, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default(agentID string) *Config {
	cfg := &Config{
		Agent: AgentConfig{ID: agentID},
		Cache: CacheConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Lock.ExpirationTime == 0 {
		cfg.Lock.ExpirationTime = 60 * time.Second
	}
	if cfg.Lock.WarningTime == 0 {
		cfg.Lock.WarningTime = 10 * time.Second
	}

	if cfg.StructureLog.Retention == 0 {
		cfg.StructureLog.Retention = 1000
	}

	if cfg.UpdateCache.MaxCacheTime == 0 {
		cfg.UpdateCache.MaxCacheTime = 5 * time.Minute
	}
	if cfg.UpdateCache.ValidityPeriod == 0 {
		cfg.UpdateCache.ValidityPeriod = time.Minute
	}

	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 64 * 1024 * 1024 // 64MB
	}
	if cfg.Cache.LowWatermark == 0 {
		cfg.Cache.LowWatermark = 0.8
	}
	if cfg.Cache.Policy == "" {
		cfg.Cache.Policy = "lru"
	}
	if cfg.Cache.CleanerInterval == 0 {
		cfg.Cache.CleanerInterval = 30 * time.Second
	}

	if cfg.Database.Engine == "" {
		cfg.Database.Engine = EngineMemory
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.InboundRate == 0 {
		cfg.Gossip.InboundRate = 100
	}
	if cfg.Gossip.InboundBurst == 0 {
		cfg.Gossip.InboundBurst = 200
	}

	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 128
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Lock.ExpirationTime <= 0 {
		return fmt.Errorf("lock.expiration_time must be positive")
	}
	if c.Lock.WarningTime < 0 || c.Lock.WarningTime >= c.Lock.ExpirationTime {
		return fmt.Errorf("lock.warning_time must be shorter than lock.expiration_time")
	}
	if c.Heartbeat.IntervalSeconds < 0 {
		return fmt.Errorf("heartbeat.interval_seconds cannot be negative")
	}
	if c.StructureLog.Retention < 1 {
		return fmt.Errorf("structure_log.retention must be at least 1")
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Cache.LowWatermark <= 0 || c.Cache.LowWatermark > 1 {
		return fmt.Errorf("cache.low_watermark must be between 0 and 1")
	}
	switch c.Database.Engine {
	case EngineMemory:
	case EngineBadger:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the badger engine")
		}
	default:
		return fmt.Errorf("unknown database.engine %q", c.Database.Engine)
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	if n := len(c.Gossip.SecretKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("gossip.secret_key must be 16, 24 or 32 bytes")
	}
	return nil
}
