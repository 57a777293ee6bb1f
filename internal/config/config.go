package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/monitor/internal/probe"
)

const (
	envConfigPath     = "PINGSANTO_MONITOR_CONFIG"
	DefaultConfigPath = "pingsanto-monitor.yaml"
)

type Config struct {
	Monitor MonitorConfig `yaml:"monitor"`
	Probes  ProbeConfig   `yaml:"probes"`
}

type MonitorConfig struct {
	Listen        string        `yaml:"listen"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	ExportPath    string        `yaml:"export_path"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type ProbeConfig struct {
	Method          string                `yaml:"method"`
	Timeout         time.Duration         `yaml:"timeout"`
	MaxInFlight     int                   `yaml:"max_in_flight"`
	DefaultInterval time.Duration         `yaml:"default_interval"`
	StaggerStep     *time.Duration        `yaml:"stagger_step"`
	RateGovernance  *RateGovernanceConfig `yaml:"rate_governance"`
}

type RateGovernanceConfig struct {
	Enabled      bool `yaml:"enabled"`
	GlobalPPSCap int  `yaml:"global_pps_cap"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Monitor.Listen == "" {
		c.Monitor.Listen = "127.0.0.1:7878"
	}
	if c.Monitor.MetricsAddr == "" {
		c.Monitor.MetricsAddr = "127.0.0.1:9310"
	}
	if c.Monitor.ExportPath == "" {
		c.Monitor.ExportPath = "ping_stats_export.csv"
	}
	if c.Monitor.StatsInterval == 0 {
		c.Monitor.StatsInterval = 500 * time.Millisecond
	}
	if c.Probes.Method == "" {
		c.Probes.Method = probe.MethodExec
	}
	if c.Probes.Timeout == 0 {
		c.Probes.Timeout = probe.DefaultTimeout
	}
	if c.Probes.MaxInFlight == 0 {
		c.Probes.MaxInFlight = 50
	}
	if c.Probes.DefaultInterval == 0 {
		c.Probes.DefaultInterval = time.Second
	}
	if c.Probes.StaggerStep == nil {
		step := 10 * time.Millisecond
		c.Probes.StaggerStep = &step
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Probes.Method {
	case probe.MethodExec, probe.MethodICMP, probe.MethodICMPUDP:
	default:
		return fmt.Errorf("probes.method %q is not one of exec, icmp, icmp-udp", c.Probes.Method)
	}
	if c.Monitor.StatsInterval < 0 {
		return errors.New("monitor.stats_interval must be positive")
	}
	if c.Probes.Timeout < 0 {
		return errors.New("probes.timeout must be positive")
	}
	if c.Probes.MaxInFlight < 0 {
		return errors.New("probes.max_in_flight must be positive")
	}
	if c.Probes.DefaultInterval < 0 {
		return errors.New("probes.default_interval must be positive")
	}
	if c.Probes.StaggerStep != nil && *c.Probes.StaggerStep < 0 {
		return errors.New("probes.stagger_step must not be negative")
	}
	if rg := c.Probes.RateGovernance; rg != nil && rg.Enabled && rg.GlobalPPSCap <= 0 {
		return errors.New("probes.rate_governance.global_pps_cap must be positive when enabled")
	}
	return nil
}

// Stagger returns the configured start offset step between new targets.
func (c Config) Stagger() time.Duration {
	if c.Probes.StaggerStep == nil {
		return 0
	}
	return *c.Probes.StaggerStep
}

// GlobalPPSCap returns the process-wide probe rate cap, or 0 when disabled.
func (c Config) GlobalPPSCap() int {
	rg := c.Probes.RateGovernance
	if rg == nil || !rg.Enabled {
		return 0
	}
	return rg.GlobalPPSCap
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by PINGSANTO_MONITOR_CONFIG. Without the
// variable the default path is tried and a missing file yields Default().
func LoadFromEnv(ctx context.Context) (Config, error) {
	return loadFromEnv(ctx, DefaultConfigPath)
}

func loadFromEnv(ctx context.Context, fallback string) (Config, error) {
	if path := os.Getenv(envConfigPath); path != "" {
		return Load(ctx, path)
	}
	cfg, err := Load(ctx, fallback)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
