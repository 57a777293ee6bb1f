package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
monitor:
  listen: 0.0.0.0:7000
  export_path: /var/lib/pingsanto/export.csv
  stats_interval: 250ms
probes:
  method: icmp-udp
  timeout: 1500ms
  max_in_flight: 20
  stagger_step: 0s
  rate_governance:
    enabled: true
    global_pps_cap: 200
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Monitor.Listen != "0.0.0.0:7000" {
		t.Fatalf("unexpected listen: %s", cfg.Monitor.Listen)
	}
	if cfg.Monitor.StatsInterval != 250*time.Millisecond {
		t.Fatalf("unexpected stats interval: %s", cfg.Monitor.StatsInterval)
	}
	if cfg.Probes.Method != "icmp-udp" || cfg.Probes.Timeout != 1500*time.Millisecond || cfg.Probes.MaxInFlight != 20 {
		t.Fatalf("unexpected probe config: %+v", cfg.Probes)
	}
	if cfg.Stagger() != 0 {
		t.Fatalf("explicit zero stagger overridden: %s", cfg.Stagger())
	}
	if cfg.GlobalPPSCap() != 200 {
		t.Fatalf("unexpected pps cap: %d", cfg.GlobalPPSCap())
	}
	// unset keys fall back to defaults
	if cfg.Monitor.MetricsAddr != "127.0.0.1:9310" || cfg.Probes.DefaultInterval != time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Monitor.Listen != "127.0.0.1:7878" || cfg.Monitor.ExportPath != "ping_stats_export.csv" {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Monitor.StatsInterval != 500*time.Millisecond {
		t.Fatalf("unexpected stats interval: %s", cfg.Monitor.StatsInterval)
	}
	if cfg.Probes.Method != "exec" || cfg.Probes.MaxInFlight != 50 || cfg.Probes.Timeout != 2*time.Second {
		t.Fatalf("unexpected probe defaults: %+v", cfg.Probes)
	}
	if cfg.Stagger() != 10*time.Millisecond || cfg.GlobalPPSCap() != 0 {
		t.Fatalf("unexpected stagger/pps defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"method":  "probes:\n  method: carrier-pigeon\n",
		"rate":    "probes:\n  rate_governance:\n    enabled: true\n",
		"stagger": "probes:\n  stagger_step: -1s\n",
		"syntax":  "monitor: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv(envConfigPath, path)

	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Monitor.ExportPath != "/var/lib/pingsanto/export.csv" {
		t.Fatalf("unexpected export path: %s", cfg.Monitor.ExportPath)
	}
}

func TestLoadFromEnvMissingExplicitFile(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open config") {
		t.Fatalf("expected open error got %v", err)
	}
}

func TestLoadFromEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv(envConfigPath, "")
	cfg, err := loadFromEnv(context.Background(), filepath.Join(t.TempDir(), DefaultConfigPath))
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Monitor.Listen != "127.0.0.1:7878" {
		t.Fatalf("expected defaults got %+v", cfg)
	}
}
