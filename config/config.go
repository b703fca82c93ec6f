package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Server
	Port           int    `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"` // development | production
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	MaxUploadMB    int64  `mapstructure:"MAX_UPLOAD_MB"`

	// Storage
	DataDir    string `mapstructure:"DATA_DIR"`
	AuthDBPath string `mapstructure:"AUTH_DB_PATH"`
	BackupDir  string `mapstructure:"BACKUP_DIR"`

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// Load reads configuration from environment variables (and an optional .env
// file in configDir; empty means the working directory).
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if configDir == "" {
		configDir = "."
	}
	v.AddConfigPath(configDir)
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 100)
	v.SetDefault("DATA_DIR", "./data/users")
	v.SetDefault("AUTH_DB_PATH", "")
	v.SetDefault("BACKUP_DIR", "")
	v.SetDefault("LOG_LEVEL", "info")

	// Optional .env file for local development; a missing file is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.AuthDBPath == "" {
		cfg.AuthDBPath = filepath.Join(filepath.Dir(filepath.Clean(cfg.DataDir)), "auth.db")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(filepath.Clean(cfg.DataDir)), "backups")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid MAX_UPLOAD_MB %d", c.MaxUploadMB)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}

// IsProduction reports whether APP_ENV selects production behaviour.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Level returns the zerolog level for LOG_LEVEL.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// MaxUploadBytes is MAX_UPLOAD_MB in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
