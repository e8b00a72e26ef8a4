// Package config handles YAML configuration for posture.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/posture/pkg/resource"
)

// Store backends.
const (
	BackendBolt     = "bolt"
	BackendDynamoDB = "dynamodb"
)

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig     `yaml:"aws"`
	Store   StoreConfig   `yaml:"store"`
	Scanner ScannerConfig `yaml:"scanner"`
	API     ServerConfig  `yaml:"api"`
	Metrics ServerConfig  `yaml:"metrics"`
	OTEL    OTELConfig    `yaml:"otel"`
	Log     LogConfig     `yaml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// StoreConfig selects and configures the result store.
type StoreConfig struct {
	Backend        string        `yaml:"backend"`
	Path           string        `yaml:"path"`
	InventoryTable string        `yaml:"inventory_table"`
	ResultsTable   string        `yaml:"results_table"`
	CreateWait     time.Duration `yaml:"create_wait"`
}

// ScannerConfig holds scan and daemon settings.
type ScannerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	OneShot         bool          `yaml:"one_shot"`
	RunOnStart      *bool         `yaml:"run_on_start"`
	ExcludeKinds    []string      `yaml:"exclude_kinds"`
	// ExcludeResources maps a kind name to resource keys left out of scans.
	ExcludeResources map[string][]string `yaml:"exclude_resources"`
}

// ShouldRunOnStart defaults to true when unset.
func (s ScannerConfig) ShouldRunOnStart() bool {
	return s.RunOnStart == nil || *s.RunOnStart
}

// SchemaTimeout bounds store schema setup at the start of a scan. DynamoDB
// may wait CreateWait for each of its two tables.
func (c *Config) SchemaTimeout() time.Duration {
	if c.Store.Backend == BackendDynamoDB {
		return 2*c.Store.CreateWait + c.Scanner.StoreTimeout
	}
	return c.Scanner.StoreTimeout
}

// ServerConfig is a listen address. An empty address disables the server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendBolt
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./posture.db"
	}
	if cfg.Store.InventoryTable == "" {
		cfg.Store.InventoryTable = "posture-inventory"
	}
	if cfg.Store.ResultsTable == "" {
		cfg.Store.ResultsTable = "posture-results"
	}
	if cfg.Store.CreateWait == 0 {
		cfg.Store.CreateWait = 2 * time.Minute
	}
	if cfg.Scanner.Interval == 0 {
		cfg.Scanner.Interval = 5 * time.Minute
	}
	if cfg.Scanner.ProviderTimeout == 0 {
		cfg.Scanner.ProviderTimeout = 2 * time.Minute
	}
	if cfg.Scanner.StoreTimeout == 0 {
		cfg.Scanner.StoreTimeout = 30 * time.Second
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "posture"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: path required for bolt backend"))
		}
	case BackendDynamoDB:
		if c.Store.InventoryTable == "" || c.Store.ResultsTable == "" {
			errs = append(errs, errors.New("store: inventory_table and results_table required for dynamodb backend"))
		}
		if c.Store.InventoryTable == c.Store.ResultsTable {
			errs = append(errs, errors.New("store: inventory_table and results_table must differ"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	if c.Scanner.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scanner: interval must be positive (got %s)", c.Scanner.Interval))
	}
	if c.Scanner.ProviderTimeout <= 0 || c.Scanner.StoreTimeout <= 0 {
		errs = append(errs, errors.New("scanner: timeouts must be positive"))
	}
	for _, name := range c.Scanner.ExcludeKinds {
		if _, err := resource.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("scanner: exclude_kinds: %w", err))
		}
	}
	for name := range c.Scanner.ExcludeResources {
		if _, err := resource.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("scanner: exclude_resources: %w", err))
		}
	}

	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
