package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  string `mapstructure:"server_port"`
	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`
	NATSURL     string `mapstructure:"nats_url"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	LogLevel    string `mapstructure:"log_level"`

	// InstanceID names this server process in the shared presence store.
	InstanceID string `mapstructure:"instance_id"`

	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	PingTimeout           time.Duration `mapstructure:"ping_timeout"`
	DeadInstanceThreshold time.Duration `mapstructure:"dead_instance_threshold"`
	SkipInitialCleanup    bool          `mapstructure:"skip_initial_cleanup"`
	SweepConcurrency      int           `mapstructure:"sweep_concurrency"`

	NATSMaxReconnects int           `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait time.Duration `mapstructure:"nats_reconnect_wait"`
}

var keys = []string{
	"server_port",
	"redis_url",
	"database_url",
	"nats_url",
	"jwt_secret",
	"log_level",
	"instance_id",
	"heartbeat_interval",
	"cleanup_interval",
	"ping_timeout",
	"dead_instance_threshold",
	"skip_initial_cleanup",
	"sweep_concurrency",
	"nats_max_reconnects",
	"nats_reconnect_wait",
}

// LoadConfig reads configuration from the environment (SERVER_PORT,
// REDIS_URL, ...) layered over an optional YAML file named by CONFIG_FILE.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("heartbeat_interval", 5*time.Minute)
	v.SetDefault("cleanup_interval", 15*time.Minute)
	v.SetDefault("ping_timeout", 5*time.Second)
	v.SetDefault("skip_initial_cleanup", false)
	v.SetDefault("sweep_concurrency", 16)
	v.SetDefault("nats_max_reconnects", 60)
	v.SetDefault("nats_reconnect_wait", 2*time.Second)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.BindEnv("config_file"); err != nil {
		return nil, fmt.Errorf("failed to bind config_file: %w", err)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.DeadInstanceThreshold <= 0 {
		cfg.DeadInstanceThreshold = 3 * cfg.HeartbeatInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.CleanupInterval <= 0 {
		return errors.New("CLEANUP_INTERVAL must be positive")
	}
	if c.PingTimeout <= 0 {
		return errors.New("PING_TIMEOUT must be positive")
	}
	if c.DeadInstanceThreshold <= c.HeartbeatInterval {
		return errors.New("DEAD_INSTANCE_THRESHOLD must exceed HEARTBEAT_INTERVAL")
	}
	if c.SweepConcurrency <= 0 {
		return errors.New("SWEEP_CONCURRENCY must be positive")
	}
	return nil
}
