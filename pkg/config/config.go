package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/export"
)

// Config holds application configuration
type Config struct {
	// LogLevel is a logrus level name. Empty keeps the logger quiet.
	LogLevel         string        `yaml:"log_level"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	Fields           int           `yaml:"fields" default:"3"`
	BatchSize        int           `yaml:"batch_size" default:"1"`
	Headers          []string      `yaml:"headers"`
	SimulateInterval time.Duration `yaml:"simulate_interval" default:"5s"`
	ButtonInterval   time.Duration `yaml:"button_interval" default:"3s"`
	ExportDir        string        `yaml:"export_dir" default:"exports"`
	CacheDir         string        `yaml:"cache_dir"`
	TimeFormat       string        `yaml:"time_format" default:"15:04:05"`
	CSVLayout        string        `yaml:"csv_layout" default:"first"`
	ShareAddr        string        `yaml:"share_addr" default:"127.0.0.1:0"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Headers = batch.DefaultHeaders()
	cfg.CacheDir = filepath.Join(os.TempDir(), "blecount")
	return cfg
}

// Load returns the defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and that the headers match the field count.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if c.Fields < 1 || c.Fields > batch.MaxColumns {
		errs = append(errs, fmt.Errorf("fields: must be between 1 and %d, got %d", batch.MaxColumns, c.Fields))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size: must be positive, got %d", c.BatchSize))
	}
	if err := batch.Headers(c.Headers).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("headers: %w", err))
	} else if len(c.Headers) != c.Fields {
		errs = append(errs, fmt.Errorf("headers: %d names for %d fields", len(c.Headers), c.Fields))
	}
	if c.ScanTimeout < 0 || c.ConnectTimeout < 0 || c.SimulateInterval < 0 || c.ButtonInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := export.ParseLayout(c.CSVLayout); err != nil {
		errs = append(errs, fmt.Errorf("csv_layout: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, PanicLevel when unset.
func (c *Config) Level() logrus.Level {
	if c.LogLevel == "" {
		return logrus.PanicLevel
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return level
}

// ExportOptions returns the CSV options from the config.
func (c *Config) ExportOptions() *export.Options {
	layout, err := export.ParseLayout(c.CSVLayout)
	if err != nil {
		layout = export.TimestampFirst
	}
	return &export.Options{
		Layout:     layout,
		TimeFormat: c.TimeFormat,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
