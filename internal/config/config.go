package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"sysmon/internal/util"
)

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Sampler SamplerConfig `yaml:"sampler"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	TxTimeout   time.Duration `yaml:"tx_timeout"`
	// RecreateIncompatible moves an unreadable store aside instead of
	// refusing to start.
	RecreateIncompatible bool `yaml:"recreate_incompatible"`
}

type SamplerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	Retention       time.Duration `yaml:"retention"`
	CPUWindow       time.Duration `yaml:"cpu_window"`
	DiskPath        string        `yaml:"disk_path"`
	TemperaturePath string        `yaml:"temperature_path"`
	// TemperatureWarn is in degrees Celsius; unset means 80, zero disables it.
	TemperatureWarn *float64 `yaml:"temperature_warn"`
}

const DefaultTemperatureWarn = 80.0

func (s SamplerConfig) TemperatureThreshold() float64 {
	if s.TemperatureWarn == nil {
		return DefaultTemperatureWarn
	}
	return *s.TemperatureWarn
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	HistoryWindow   time.Duration `yaml:"history_window"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "./data/sysmon.db"
	}
	if c.Store.OpenTimeout == 0 {
		c.Store.OpenTimeout = 5 * time.Second
	}
	if c.Store.TxTimeout == 0 {
		c.Store.TxTimeout = 5 * time.Second
	}
	if c.Sampler.Interval == 0 {
		c.Sampler.Interval = 10 * time.Second
	}
	if c.Sampler.PruneInterval == 0 {
		c.Sampler.PruneInterval = time.Hour
	}
	if c.Sampler.Retention == 0 {
		c.Sampler.Retention = 24 * time.Hour
	}
	if c.Sampler.CPUWindow == 0 {
		c.Sampler.CPUWindow = time.Second
	}
	if c.Sampler.DiskPath == "" {
		c.Sampler.DiskPath = "/"
	}
	if c.Sampler.TemperaturePath == "" {
		c.Sampler.TemperaturePath = "/sys/class/thermal/thermal_zone0/temp"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.HistoryWindow == 0 {
		c.HTTP.HistoryWindow = 10 * time.Minute
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 25 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File == "" {
		c.Log.File = "sysmon.log"
	}
}

func (c *Config) validate() error {
	var errs []error

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"store.open_timeout", c.Store.OpenTimeout},
		{"store.tx_timeout", c.Store.TxTimeout},
		{"sampler.interval", c.Sampler.Interval},
		{"sampler.prune_interval", c.Sampler.PruneInterval},
		{"sampler.retention", c.Sampler.Retention},
		{"sampler.cpu_window", c.Sampler.CPUWindow},
		{"http.history_window", c.HTTP.HistoryWindow},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
	}
	for _, d := range positive {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	if c.Sampler.CPUWindow >= c.Sampler.Interval {
		errs = append(errs, fmt.Errorf("sampler.cpu_window (%s) must be shorter than sampler.interval (%s)", c.Sampler.CPUWindow, c.Sampler.Interval))
	}
	if c.Sampler.PruneInterval > c.Sampler.Retention {
		errs = append(errs, fmt.Errorf("sampler.prune_interval (%s) must not exceed sampler.retention (%s)", c.Sampler.PruneInterval, c.Sampler.Retention))
	}
	if c.HTTP.HistoryWindow > c.Sampler.Retention {
		errs = append(errs, fmt.Errorf("http.history_window (%s) must not exceed sampler.retention (%s)", c.HTTP.HistoryWindow, c.Sampler.Retention))
	}
	if c.Sampler.TemperatureThreshold() < 0 {
		errs = append(errs, fmt.Errorf("sampler.temperature_warn must not be negative, got %g", c.Sampler.TemperatureThreshold()))
	}
	if _, err := util.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", multierr.Combine(errs...))
	}
	return nil
}
