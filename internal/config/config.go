// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

// AuthConfig holds JWT settings. The secret is shared between the server and
// whatever issues client tokens.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// SyncConfig holds sync behavior limits.
type SyncConfig struct {
	MaxPushBatchSize    int `mapstructure:"max_push_batch_size"`
	MaxPayloadBytes     int `mapstructure:"max_payload_bytes"`
	DefaultHistoryLimit int `mapstructure:"default_history_limit"`
	MaxHistoryLimit     int `mapstructure:"max_history_limit"`
}

// ConnectionString returns the PostgreSQL connection string.
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Sync: SyncConfig{
			MaxPushBatchSize:    500,
			MaxPayloadBytes:     1 << 20,
			DefaultHistoryLimit: 50,
			MaxHistoryLimit:     500,
		},
	}
}

// Load reads configuration from file and environment. Environment variables
// use the QUILLSYNC_ prefix with underscores, e.g. QUILLSYNC_DATABASE_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	// Empty defaults register the keys so environment-only deployments work;
	// viper resolves env values only for keys it knows about.
	v.SetDefault("database.host", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", defaults.Auth.TokenTTL)
	v.SetDefault("sync.max_push_batch_size", defaults.Sync.MaxPushBatchSize)
	v.SetDefault("sync.max_payload_bytes", defaults.Sync.MaxPayloadBytes)
	v.SetDefault("sync.default_history_limit", defaults.Sync.DefaultHistoryLimit)
	v.SetDefault("sync.max_history_limit", defaults.Sync.MaxHistoryLimit)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/quillsync")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUILLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Allow ${VAR} references in the password
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
