// Package config loads the daemon's HCL configuration file.
package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/helpdesk-forge/helpdesk/internal/store"
	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
)

// Config is the root of the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `hcl:"listen_addr,optional"`

	// LogLevel sets the root logger level.
	LogLevel string `hcl:"log_level,optional"`

	Database *Database `hcl:"database,block"`
	Dispatch *Dispatch `hcl:"dispatch,block"`
	Retry    *Retry    `hcl:"retry,block"`
}

// Database configures the backing store.
type Database struct {
	Driver   string `hcl:"driver,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`

	// Path is the database file for the sqlite driver.
	Path string `hcl:"path,optional"`
}

// Validate checks the database block.
func (d Database) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.In("postgres", "sqlite")),
		validation.Field(&d.Host, validation.Required.When(d.Driver == "postgres")),
		validation.Field(&d.DBName, validation.Required.When(d.Driver == "postgres")),
		validation.Field(&d.Path, validation.Required.When(d.Driver == "sqlite")),
	)
}

// Dispatch configures the queue's flush timer.
type Dispatch struct {
	// TimerPeriodSeconds is the automatic flush interval; -1 disables it.
	TimerPeriodSeconds int `hcl:"timer_period_seconds,optional"`

	// TimerInitialDelaySeconds is the delay before the first automatic
	// flush; -1 prevents the timer from starting.
	TimerInitialDelaySeconds int `hcl:"timer_initial_delay_seconds,optional"`
}

// Retry configures the bounded e-mail retry policy.
type Retry struct {
	MaxAttempts           int     `hcl:"max_attempts,optional"`
	InitialBackoffSeconds int     `hcl:"initial_backoff_seconds,optional"`
	MaxBackoffSeconds     int     `hcl:"max_backoff_seconds,optional"`
	Multiplier            float64 `hcl:"multiplier,optional"`
}

// Load reads and validates a configuration file, filling in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database == nil {
		c.Database = &Database{}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	defaults := messaging.DefaultOptions()
	if c.Dispatch == nil {
		c.Dispatch = &Dispatch{
			TimerPeriodSeconds:       defaults.TimerPeriodSeconds,
			TimerInitialDelaySeconds: defaults.TimerInitialDelaySeconds,
		}
	}

	policy := messaging.DefaultRetryPolicy()
	if c.Retry == nil {
		c.Retry = &Retry{}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = policy.MaxAttempts
	}
	if c.Retry.InitialBackoffSeconds == 0 {
		c.Retry.InitialBackoffSeconds = int(policy.InitialBackoff / time.Second)
	}
	if c.Retry.MaxBackoffSeconds == 0 {
		c.Retry.MaxBackoffSeconds = int(policy.MaxBackoff / time.Second)
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = policy.Multiplier
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.LogLevel,
			validation.In("trace", "debug", "info", "warn", "error")),
		validation.Field(&c.Database),
		validation.Field(&c.Retry, validation.By(func(interface{}) error {
			if c.Retry.MaxAttempts < 1 {
				return validation.NewError("retry_max_attempts",
					"retry max_attempts must be at least 1")
			}
			return nil
		})),
	)
}

// StoreConfig maps the database block to the store's configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:   c.Database.Driver,
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		DBName:   c.Database.DBName,
		SSLMode:  c.Database.SSLMode,
		Path:     c.Database.Path,
	}
}

// DispatchOptions maps the dispatch block to consumer options.
func (c *Config) DispatchOptions() messaging.Options {
	return messaging.Options{
		TimerPeriodSeconds:       c.Dispatch.TimerPeriodSeconds,
		TimerInitialDelaySeconds: c.Dispatch.TimerInitialDelaySeconds,
	}
}

// RetryPolicy maps the retry block to the dispatcher's retry policy.
func (c *Config) RetryPolicy() messaging.RetryPolicy {
	return messaging.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: time.Duration(c.Retry.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(c.Retry.MaxBackoffSeconds) * time.Second,
		Multiplier:     c.Retry.Multiplier,
	}
}
