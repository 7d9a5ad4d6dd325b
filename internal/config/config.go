// Package config loads server configuration from defaults, an optional
// TOML file and CASHFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
}

// BackendConfig selects and configures the remote collection backend.
type BackendConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisURL   string `mapstructure:"redis_url"`
}

// AuthConfig holds token settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
}

// SyncConfig tunes the sync coordinators and reports.
type SyncConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MonthCount   int           `mapstructure:"month_count"`
	// IdleTimeout is how long an unused session keeps its subscriptions.
	// Zero disables eviction.
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. The file named by CASHFLOW_CONFIG is read if
// set, otherwise ./cashflow.toml if present. Env var overrides use prefix
// CASHFLOW_, e.g. CASHFLOW_AUTH_JWT_SECRET.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "../frontend/static")
	v.SetDefault("backend.driver", DriverSQLite)
	v.SetDefault("backend.sqlite_path", "./data/cashflow.db")
	v.SetDefault("backend.redis_url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_duration", 24*time.Hour)
	v.SetDefault("sync.fetch_timeout", 10*time.Second)
	v.SetDefault("sync.month_count", 6)
	v.SetDefault("sync.idle_timeout", 30*time.Minute)
	v.SetDefault("log.level", "info")

	v.SetConfigType("toml")
	if cfgPath := os.Getenv("CASHFLOW_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("cashflow")
	}

	v.SetEnvPrefix("CASHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch c.Backend.Driver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if c.Backend.RedisURL == "" {
			return errors.New("backend.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown backend.driver %q", c.Backend.Driver)
	}
	if c.Sync.MonthCount < 1 {
		return fmt.Errorf("sync.month_count must be at least 1, got %d", c.Sync.MonthCount)
	}
	return nil
}
