// Package config loads runtime configuration for the billing server.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/maji/billing-engine/billing"
)

// Config holds all application configuration.
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Store   StoreConfig
	Log     LogConfig
	Billing BillingConfig
}

// AppConfig holds application-specific settings.
type AppConfig struct {
	Name string
	Env  string
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port             string
	CORSAllowOrigins []string
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string // SQLite file path, or ":memory:"
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// BillingConfig holds the engine's tunable constants. Amounts are read
// as strings to keep exact decimal values.
type BillingConfig struct {
	RatePerUnit           string
	NearRolloverThreshold string
	ArchiveCutoffMonths   int
	SubmissionWindowDays  int
	CycleLengthDays       int
}

// Load reads configuration from config file and environment variables.
// Priority (highest to lowest):
//  1. Environment variables with BILLING_ prefix (e.g. BILLING_HTTP_PORT)
//  2. config.yaml
//  3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/billing-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults and env vars cover everything.
	}

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Port:             v.GetString("http.port"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Billing: BillingConfig{
			RatePerUnit:           v.GetString("billing.rate_per_unit"),
			NearRolloverThreshold: v.GetString("billing.near_rollover_threshold"),
			ArchiveCutoffMonths:   v.GetInt("billing.archive_cutoff_months"),
			SubmissionWindowDays:  v.GetInt("billing.submission_window_days"),
			CycleLengthDays:       v.GetInt("billing.cycle_length_days"),
		},
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "billing-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./data/billing.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Billing.RatePerUnit == "" {
		cfg.Billing.RatePerUnit = "500"
	}
	if cfg.Billing.NearRolloverThreshold == "" {
		cfg.Billing.NearRolloverThreshold = "90000"
	}
	if cfg.Billing.ArchiveCutoffMonths == 0 {
		cfg.Billing.ArchiveCutoffMonths = 36
	}
	if cfg.Billing.CycleLengthDays == 0 {
		cfg.Billing.CycleLengthDays = 30
	}
}

func (c *Config) validate() error {
	if _, err := decimal.NewFromString(c.Billing.RatePerUnit); err != nil {
		return fmt.Errorf("billing.rate_per_unit %q is not a decimal: %w", c.Billing.RatePerUnit, err)
	}
	if _, err := decimal.NewFromString(c.Billing.NearRolloverThreshold); err != nil {
		return fmt.Errorf("billing.near_rollover_threshold %q is not a decimal: %w", c.Billing.NearRolloverThreshold, err)
	}
	if c.Billing.ArchiveCutoffMonths < 0 {
		return fmt.Errorf("billing.archive_cutoff_months cannot be negative")
	}
	if c.Billing.CycleLengthDays <= 0 {
		return fmt.Errorf("billing.cycle_length_days must be positive")
	}
	return nil
}

// Engine converts the loaded settings into the billing.Config value that
// services receive at construction.
func (c *Config) Engine() billing.Config {
	rate, _ := decimal.NewFromString(c.Billing.RatePerUnit)
	threshold, _ := decimal.NewFromString(c.Billing.NearRolloverThreshold)
	return billing.Config{
		NearRolloverThreshold: threshold,
		DefaultRatePerUnit:    rate,
		ArchiveCutoffMonths:   c.Billing.ArchiveCutoffMonths,
	}
}
