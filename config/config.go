// Package config loads weft configuration from defaults, a discovered
// weft.toml, and WEFT_-prefixed environment variables, in that
// precedence order.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/forward"
)

// Config is the full weft configuration tree.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Hub      HubConfig      `mapstructure:"hub"`
	Forward  ForwardConfig  `mapstructure:"forward"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig locates the sqlite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/websocket surface.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// HubConfig bounds the live broadcast backlog.
type HubConfig struct {
	BacklogSize int `mapstructure:"backlog_size"`
}

// ForwardConfig overrides the nested-event exclusion set.
type ForwardConfig struct {
	ExcludedTypes []string `mapstructure:"excluded_types"`
}

// LogConfig selects output format and verbosity.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "weft.db")

	v.SetDefault("server.port", 8357)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("hub.backlog_size", 200)

	v.SetDefault("forward.excluded_types", forward.DefaultExcludedTypes)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from the discovered project file (if any) and
// the environment.
func Load() (*Config, error) {
	v := NewViper()
	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}
	return unmarshal(v)
}

// NewViper returns a viper instance with defaults and environment
// binding applied, for callers that need raw key access.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// findProjectConfig searches for weft.toml by walking up the directory
// tree from the working directory. Returns "" if none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "weft.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
