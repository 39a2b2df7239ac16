// Package config loads gateway configuration from environment variables and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service is one configured downstream target.
type Service struct {
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
	URL    string `mapstructure:"url"`
}

// Config is the full application configuration.
type Config struct {
	Server struct {
		Address string `mapstructure:"address"`
		Port    string `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		DSN string `mapstructure:"dsn"` // empty means in-memory dev mode
	} `mapstructure:"database"`

	Auth struct {
		TokenTTL     time.Duration `mapstructure:"token_ttl"`
		RefreshTTL   time.Duration `mapstructure:"refresh_ttl"`
		StateTTL     time.Duration `mapstructure:"state_ttl"`
		CodeTTL      time.Duration `mapstructure:"code_ttl"`
		AttemptLimit int           `mapstructure:"attempt_limit"`
	} `mapstructure:"auth"`

	Identity struct {
		Secret string        `mapstructure:"secret"`
		Issuer string        `mapstructure:"issuer"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"identity"`

	RateLimit struct {
		Default int `mapstructure:"default"` // requests/sec per client
		Burst   int `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	Cache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logs"`

	Services []Service `mapstructure:"services"`
}

// Load reads configuration with env overrides and defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("authgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 14*24*time.Hour)
	v.SetDefault("auth.state_ttl", 5*time.Minute)
	v.SetDefault("auth.code_ttl", 10*time.Minute)
	v.SetDefault("auth.attempt_limit", 5)
	v.SetDefault("identity.secret", "")
	v.SetDefault("identity.issuer", "authgate")
	v.SetDefault("identity.ttl", 30*time.Second)
	v.SetDefault("ratelimit.default", 25)
	v.SetDefault("ratelimit.burst", 50)
	v.SetDefault("cache.ttl", time.Minute)
	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "json")

	if cfgFile := os.Getenv("AUTHGATE_CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("authgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad panics on configuration errors; intended for main.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Identity.Secret) == "" {
		return errors.New("identity.secret must be set")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port must not be empty")
	}
	for i, svc := range c.Services {
		if strings.TrimSpace(svc.Prefix) == "" || strings.TrimSpace(svc.URL) == "" {
			return fmt.Errorf("services[%d]: prefix and url are required", i)
		}
	}
	return nil
}
