// Package config loads the daemon configuration: YAML file with
// SHARDMASTER_-prefixed environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/codewandler/shardmaster-go/core/ratelimit"
)

type LimitConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	Interval        time.Duration `mapstructure:"interval"`
	FireImmediately bool          `mapstructure:"fire_immediately"`
}

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Master struct {
		ListenAddr        string        `mapstructure:"listen_addr"`
		ShardCount        int           `mapstructure:"shard_count"`
		Secret            string        `mapstructure:"secret"`
		WorkerCommand     []string      `mapstructure:"worker_command"`
		RestartDelay      time.Duration `mapstructure:"restart_delay"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		ConnectStagger    time.Duration `mapstructure:"connect_stagger"`
	} `mapstructure:"master"`

	Limits map[string]LimitConfig `mapstructure:"limits"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"metrics"`

	Nats struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
}

// BucketConfigs converts the limits section for core/ratelimit.
func (c *Config) BucketConfigs() map[string]ratelimit.Config {
	if len(c.Limits) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Config, len(c.Limits))
	for name, l := range c.Limits {
		out[name] = ratelimit.Config{
			Capacity:        l.Capacity,
			Interval:        l.Interval,
			FireImmediately: l.FireImmediately,
		}
	}
	return out
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("SHARDMASTER")

	v.SetDefault("log_level", "info")
	v.SetDefault("master.listen_addr", "127.0.0.1:4021")
	v.SetDefault("metrics.listen_addr", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Master.ShardCount <= 0 {
		return nil, fmt.Errorf("config: master.shard_count must be positive")
	}
	if c.Master.Secret == "" {
		return nil, fmt.Errorf("config: master.secret is required")
	}

	return &c, nil
}
