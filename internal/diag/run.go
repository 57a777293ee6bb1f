package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pingsantohq/monitor/internal/config"
)

const (
	defaultOutputPrefix = "diag_"
	defaultMonitorURL   = "http://127.0.0.1:9310"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	logsDirName         = "logs"
	observabilityDir    = "observability"
	redactedMarker      = "REDACTED"
)

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(token=)([^&\s"']+)`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([A-Za-z0-9\._\-]+)`),
	regexp.MustCompile(`(?i)(password=)([^&\s"']+)`),
}

// endpoints scraped from the monitoring HTTP surface, keyed by bundle file name.
var endpoints = []struct {
	path string
	file string
}{
	{"/metrics", "metrics.prom"},
	{"/api/v1/state", "state.json"},
	{"/api/v1/stats", "stats.json"},
	{"/readyz", "readyz.txt"},
}

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Run collects configuration, monitoring endpoints and logs into a tar.gz
// bundle. Collection problems become warnings inside the bundle.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to monitor configuration file")
	outputPath := fs.String("output", "", "Path for diagnostics tarball (default ./diag_<ts>.tar.gz)")
	monitorURL := fs.String("monitor-url", defaultMonitorURL, "Base URL of the monitoring HTTP endpoint")
	timeout := fs.Duration("timeout", 3*time.Second, "HTTP timeout per endpoint")
	logsDir := fs.String("logs", "", "Directory containing monitor logs to include")
	redactLogs := fs.Bool("redact-logs", true, "Redact sensitive tokens in log files")
	var journalUnits multiValue
	fs.Var(&journalUnits, "journal-unit", "Systemd unit to capture via journalctl (repeatable)")
	journalSince := fs.Duration("journal-since", time.Hour, "How far back to collect journalctl logs")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	outPath := *outputPath
	if outPath == "" {
		outPath = fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure output directory %q: %w", dir, err)
		}
	}

	info := bundleInfo{
		GeneratedAt:  now.Format(time.RFC3339),
		OutputPath:   outPath,
		MonitorURL:   *monitorURL,
		GoVersion:    runtime.Version(),
		LogsRedacted: *redactLogs,
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	if cfg, err := config.Load(ctx, *configPath); err != nil {
		info.warn("config unavailable (%s): %v", *configPath, err)
	} else {
		info.ConfigPath = *configPath
		info.Config = &configSummary{
			Listen:        cfg.Monitor.Listen,
			MetricsAddr:   cfg.Monitor.MetricsAddr,
			Method:        cfg.Probes.Method,
			MaxInFlight:   cfg.Probes.MaxInFlight,
			StatsInterval: cfg.Monitor.StatsInterval.String(),
		}
		if err := addFile(tw, *configPath, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))); err != nil {
			info.warn("failed to include config %q: %v", *configPath, err)
		}
	}

	if *monitorURL != "" {
		client := deps.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: *timeout}
		}
		base := strings.TrimRight(*monitorURL, "/")
		for _, ep := range endpoints {
			data, err := scrape(ctx, client, base+ep.path, *timeout)
			if err != nil {
				info.warn("scrape %s failed: %v", ep.path, err)
				continue
			}
			if err := addBytes(tw, data, observabilityDir+"/"+ep.file); err != nil {
				info.warn("failed to include %s: %v", ep.file, err)
				continue
			}
			switch ep.path {
			case "/metrics":
				info.Metrics = summarizeMetrics(data)
			case "/api/v1/state":
				var state struct {
					IntervalMs int64    `json:"interval_ms"`
					Targets    []string `json:"targets"`
					Clients    int      `json:"clients"`
				}
				if err := json.Unmarshal(data, &state); err != nil {
					info.warn("parse state: %v", err)
					continue
				}
				info.State = &stateSummary{IntervalMs: state.IntervalMs, Targets: len(state.Targets), Clients: state.Clients}
			}
		}
	}

	if *logsDir != "" {
		if _, err := os.Stat(*logsDir); err == nil {
			if err := addLogsDir(tw, *logsDir, logsDirName, *redactLogs); err != nil {
				info.warn("failed to include logs dir %q: %v", *logsDir, err)
			}
		} else {
			info.warn("unable to stat logs dir %q: %v", *logsDir, err)
		}
	}

	if len(journalUnits) > 0 {
		sinceArg := deps.Now().Add(-*journalSince).Format(time.RFC3339)
		info.Journal = &journalSummary{Units: append([]string(nil), journalUnits...), Since: sinceArg}
		for _, unit := range journalUnits {
			data, err := deps.RunCommand(ctx, "journalctl", "--unit", unit, "--since", sinceArg, "--no-pager")
			if err != nil {
				info.warn("journalctl for unit %s failed: %v", unit, err)
				continue
			}
			if *redactLogs {
				data = redact(data)
			}
			name := logsDirName + "/journalctl/" + sanitizeFilename(unit) + ".log"
			if err := addBytes(tw, data, name); err != nil {
				info.warn("failed to include journal for unit %s: %v", unit, err)
			}
		}
	}

	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	return addBytes(tw, payload, infoFileName)
}

func scrape(ctx context.Context, client *http.Client, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// a not-ready body still explains why, so keep it
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return data, nil
}

var summaryMetrics = map[string]func(*metricsSummary, float64){
	`pingsanto_monitor_probes_total{outcome="success"}`: func(s *metricsSummary, v float64) { s.ProbeSuccess = uint64(v) },
	`pingsanto_monitor_probes_total{outcome="failure"}`: func(s *metricsSummary, v float64) { s.ProbeFailure = uint64(v) },
	"pingsanto_monitor_tasks_running":                    func(s *metricsSummary, v float64) { s.TasksRunning = int64(v) },
	"pingsanto_monitor_clients_connected":                func(s *metricsSummary, v float64) { s.ClientsConnected = int64(v) },
	"pingsanto_monitor_probes_in_flight_peak":            func(s *metricsSummary, v float64) { s.InFlightPeak = int64(v) },
}

func summarizeMetrics(data []byte) *metricsSummary {
	summary := &metricsSummary{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || strings.HasPrefix(line, "#") {
			continue
		}
		apply, ok := summaryMetrics[fields[0]]
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			apply(summary, v)
		}
	}
	return summary
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}
	return addBytes(tw, data, name)
}

func addLogsDir(tw *tar.Writer, dir, base string, redactLogs bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if redactLogs {
			data = redact(data)
		}
		return addBytes(tw, data, base+"/"+filepath.ToSlash(rel))
	})
}

func redact(data []byte) []byte {
	text := string(data)
	for _, pattern := range redactPatterns {
		text = pattern.ReplaceAllString(text, "${1}"+redactedMarker)
	}
	return []byte(text)
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt  string          `json:"generated_at"`
	OutputPath   string          `json:"output_path"`
	ConfigPath   string          `json:"config_path,omitempty"`
	MonitorURL   string          `json:"monitor_url,omitempty"`
	Config       *configSummary  `json:"config,omitempty"`
	Metrics      *metricsSummary `json:"metrics,omitempty"`
	State        *stateSummary   `json:"state,omitempty"`
	Journal      *journalSummary `json:"journal,omitempty"`
	LogsRedacted bool            `json:"logs_redacted"`
	Warnings     []string        `json:"warnings,omitempty"`
	GoVersion    string          `json:"go_version"`
}

func (b *bundleInfo) warn(format string, args ...any) {
	b.Warnings = append(b.Warnings, fmt.Sprintf(format, args...))
}

type configSummary struct {
	Listen        string `json:"listen"`
	MetricsAddr   string `json:"metrics_addr"`
	Method        string `json:"method"`
	MaxInFlight   int    `json:"max_in_flight"`
	StatsInterval string `json:"stats_interval"`
}

type metricsSummary struct {
	ProbeSuccess     uint64 `json:"probe_success_total"`
	ProbeFailure     uint64 `json:"probe_failure_total"`
	TasksRunning     int64  `json:"tasks_running"`
	ClientsConnected int64  `json:"clients_connected"`
	InFlightPeak     int64  `json:"probes_in_flight_peak"`
}

type stateSummary struct {
	IntervalMs int64 `json:"interval_ms"`
	Targets    int   `json:"targets"`
	Clients    int   `json:"clients"`
}

type journalSummary struct {
	Units []string `json:"units"`
	Since string   `json:"since"`
}
