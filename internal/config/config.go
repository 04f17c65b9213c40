package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Store  StoreConfig  `mapstructure:"store"  validate:"required"`
	Worker WorkerConfig `mapstructure:"worker" validate:"required"`
	Cron   CronConfig   `mapstructure:"cron"`
}

// ServerConfig contains settings for the HTTP API server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// StoreConfig selects and configures the queue store backend.
//
// The memory backend keeps all state in-process and is intended for tests
// and local development. The postgres and redis backends are durable and
// shared between processes.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"      validate:"required,oneof=memory postgres redis"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Backend postgres,omitempty,url"`
	RedisAddr   string `mapstructure:"redis_addr"   validate:"required_if=Backend redis"`
	RedisDB     int    `mapstructure:"redis_db"     validate:"gte=0"`
}

// WorkerConfig contains settings for the task execution worker.
//
// RenewInterval must be shorter than LeaseDuration, otherwise a healthy
// worker would lose its lease between heartbeats.
type WorkerConfig struct {
	Queues        []string      `mapstructure:"queues"         validate:"required,min=1,dive,required"`
	Concurrency   int           `mapstructure:"concurrency"    validate:"required,gte=1"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"required,gt=0"`
	RenewInterval time.Duration `mapstructure:"renew_interval" validate:"required,gt=0,ltfield=LeaseDuration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"  validate:"required,gt=0"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
}

// CronConfig contains settings for the cron trigger.
type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
