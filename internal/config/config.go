// Package config loads tasksync settings from an optional config file,
// TASKSYNC_* environment variables and built-in defaults, in that order of
// precedence after explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/sync"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKSYNC_SERVER_PORT for server.port.
const EnvPrefix = "TASKSYNC"

// Config represents the complete tasksync configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Inbox    InboxConfig    `mapstructure:"inbox" yaml:"inbox"`
}

// DatabaseConfig locates the SQLite file
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SyncConfig contains sync engine settings
type SyncConfig struct {
	UpdatePolicy string `mapstructure:"update_policy" yaml:"update_policy"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// InboxConfig contains file-drop transport settings. An empty Dir disables it.
type InboxConfig struct {
	Dir      string        `mapstructure:"dir" yaml:"dir"`
	Outbox   string        `mapstructure:"outbox" yaml:"outbox"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Loader wraps the viper instance a Config was read from so the caller can
// watch the file afterwards.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment binding applied.
// path may be empty, in which case ./tasksync.yaml and
// $HOME/.config/tasksync/tasksync.yaml are tried.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasksync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tasksync"))
		}
	}

	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the config file if present and returns the merged result.
// A missing file is not an error; a malformed one is.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file the config was read from, or "".
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-read config every time the config file
// changes. Invalid edits are passed to onError and otherwise ignored.
// Does nothing when no config file was found.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(".tasksync", "tasks.db"))

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("sync.update_policy", string(sync.LastWriteWins))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.outbox", "")
	v.SetDefault("inbox.debounce", 200*time.Millisecond)
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := sync.ParseUpdatePolicy(c.Sync.UpdatePolicy); err != nil {
		return fmt.Errorf("sync.update_policy: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q (want json or text)", c.Log.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path: must not be empty")
	}
	return nil
}

// OutboxDir returns where inbox responses go; defaults to the inbox itself.
func (c *InboxConfig) OutboxDir() string {
	if c.Outbox != "" {
		return c.Outbox
	}
	return c.Dir
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
