package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and, if present, a
// flowq.yaml config file in the working directory or /etc/flowq.
// Environment variables take precedence over values from config files and
// use the FLOWQ_ prefix with underscores separating sections, for example
// FLOWQ_STORE_BACKEND or FLOWQ_WORKER_LEASE_DURATION.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return load("")
}

// LoadFile behaves like Load but reads the named config file instead of
// searching the default locations. The file must exist.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path must not be empty")
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowq")
	}

	v.SetEnvPrefix("FLOWQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when searching default locations;
		// environment variables and defaults are enough to run.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every configuration key with its default value.
// Keys without a meaningful default still get an empty registration so
// AutomaticEnv picks them up during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("worker.queues", []string{"default"})
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease_duration", "30s")
	v.SetDefault("worker.renew_interval", "10s")
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.shutdown_grace", "30s")

	v.SetDefault("cron.enabled", true)
}
