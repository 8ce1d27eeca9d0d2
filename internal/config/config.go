package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the router's configuration.
type Config struct {
	// Server settings
	GRPCAddr    string `mapstructure:"grpc_addr"`
	GRPCPort    int    `mapstructure:"grpc_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Shard groups
	ShardGroups []ShardGroupConfig `mapstructure:"shard_groups"`

	// Reconciliation
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// Health probing
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthDialTimeout   time.Duration `mapstructure:"health_dial_timeout"`
	MaxInFlightPerInstance int        `mapstructure:"max_in_flight_per_instance"`

	// Command guard
	BlockedCommands []string `mapstructure:"blocked_commands"`

	// Rate limiting for warning logs
	WarnRateLimitPerSecond float64 `mapstructure:"warn_rate_limit_per_second"`

	// Observability
	MetricsNamespace string `mapstructure:"metrics_namespace"`
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
}

// ShardGroupConfig describes one named group of shards.
type ShardGroupConfig struct {
	Name   string        `mapstructure:"name"`
	Mode   string        `mapstructure:"mode"` // "sentinel" or "cluster"
	Shards []ShardConfig `mapstructure:"shards"`
}

// ShardConfig describes one shard's desired instance set.
type ShardConfig struct {
	Name      string           `mapstructure:"name"`
	Instances []InstanceConfig `mapstructure:"instances"`
}

// InstanceConfig is the on-disk form of a router.ConnectionInfo.
type InstanceConfig struct {
	Host     string `mapstructure:"host"`
	Port     uint16 `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ReadOnly bool   `mapstructure:"read_only"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetDefault("grpc_addr", "0.0.0.0")
	viper.SetDefault("grpc_port", 50052)
	viper.SetDefault("metrics_addr", ":7002")

	viper.SetDefault("reconcile_interval", 2*time.Second)

	viper.SetDefault("health_check_interval", 5*time.Second)
	viper.SetDefault("health_dial_timeout", 2*time.Second)
	viper.SetDefault("max_in_flight_per_instance", 64)

	viper.SetDefault("blocked_commands", []string{
		"CLUSTER", "SHUTDOWN", "CONFIG", "DEBUG", "MONITOR", "SLAVEOF", "REPLICAOF", "FAILOVER",
	})

	viper.SetDefault("warn_rate_limit_per_second", 1.0)

	viper.SetDefault("metrics_namespace", "marchproxy_redis_router")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MARCHPROXY_REDIS_ROUTER")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port: must be 1-65535")
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be > 0")
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be > 0")
	}

	if c.MaxInFlightPerInstance <= 0 {
		return fmt.Errorf("max_in_flight_per_instance must be > 0")
	}

	seen := make(map[string]bool)
	for i, group := range c.ShardGroups {
		if err := group.Validate(); err != nil {
			return fmt.Errorf("shard group %d (%s): %w", i, group.Name, err)
		}
		if seen[group.Name] {
			return fmt.Errorf("duplicate shard group name: %s", group.Name)
		}
		seen[group.Name] = true
	}

	return nil
}

// Validate validates a shard group configuration.
func (g *ShardGroupConfig) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}

	if g.Mode != "sentinel" && g.Mode != "cluster" {
		return fmt.Errorf("invalid mode: %s (must be sentinel or cluster)", g.Mode)
	}

	seen := make(map[string]bool)
	for i, shard := range g.Shards {
		if shard.Name == "" {
			return fmt.Errorf("shard %d: name is required", i)
		}
		if seen[shard.Name] {
			return fmt.Errorf("duplicate shard name: %s", shard.Name)
		}
		seen[shard.Name] = true

		if len(shard.Instances) == 0 {
			return fmt.Errorf("shard %s: at least one instance is required", shard.Name)
		}
		for j, inst := range shard.Instances {
			if err := inst.Validate(); err != nil {
				return fmt.Errorf("shard %s, instance %d: %w", shard.Name, j, err)
			}
		}
	}

	return nil
}

// Validate validates an instance configuration.
func (i *InstanceConfig) Validate() error {
	if i.Host == "" {
		return fmt.Errorf("host is required")
	}
	if i.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}
