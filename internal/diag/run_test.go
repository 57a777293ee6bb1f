package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readBundle(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		files[hdr.Name] = data
	}
	return files
}

func TestRunCreatesDiagnosticsBundle(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	configPath := filepath.Join(tmp, "pingsanto-monitor.yaml")
	cfg := "monitor:\n  listen: 127.0.0.1:7979\nprobes:\n  max_in_flight: 20\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	logsDir := filepath.Join(tmp, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(logsDir, "monitor.log"), []byte("line token=mysecret Authorization: Bearer abc.def\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	metricsBody := "" +
		"# HELP pingsanto_monitor_probes_total Completed probes by outcome.\n" +
		"# TYPE pingsanto_monitor_probes_total counter\n" +
		"pingsanto_monitor_probes_total{outcome=\"success\"} 12\n" +
		"pingsanto_monitor_probes_total{outcome=\"failure\"} 3\n" +
		"pingsanto_monitor_tasks_running 2\n" +
		"pingsanto_monitor_clients_connected 1\n" +
		"pingsanto_monitor_probes_in_flight_peak 2\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			_, _ = io.WriteString(w, metricsBody)
		case "/api/v1/state":
			_, _ = io.WriteString(w, `{"interval_ms":1000,"targets":["10.0.0.1","10.0.0.2"],"clients":1}`)
		case "/api/v1/stats":
			_, _ = io.WriteString(w, `[]`)
		case "/readyz":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "not ready: control port not listening\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	outPath := filepath.Join(tmp, "out", "bundle.tar.gz")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	args := []string{
		"--config", configPath,
		"--output", outPath,
		"--monitor-url", ts.URL,
		"--logs", logsDir,
		"--journal-unit", "pingsanto-monitor",
	}
	deps := Dependencies{
		Now: func() time.Time { return now },
		RunCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name != "journalctl" {
				t.Fatalf("unexpected command %s", name)
			}
			return []byte("journal password=hunter2\n"), nil
		},
	}
	if err := Run(ctx, args, deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := readBundle(t, outPath)
	for _, name := range []string{
		"config/pingsanto-monitor.yaml",
		"observability/metrics.prom",
		"observability/state.json",
		"observability/stats.json",
		"observability/readyz.txt",
		"logs/monitor.log",
		"logs/journalctl/pingsanto-monitor.log",
		infoFileName,
	} {
		if _, ok := files[name]; !ok {
			t.Fatalf("bundle missing %s (have %v)", name, keys(files))
		}
	}

	if logs := string(files["logs/monitor.log"]); strings.Contains(logs, "mysecret") || strings.Contains(logs, "abc.def") {
		t.Fatalf("expected log redaction, got %q", logs)
	}
	if journal := string(files["logs/journalctl/pingsanto-monitor.log"]); strings.Contains(journal, "hunter2") {
		t.Fatalf("expected journal redaction, got %q", journal)
	}
	if !strings.Contains(string(files["observability/readyz.txt"]), "not ready") {
		t.Fatalf("expected readiness body to be kept")
	}

	var info bundleInfo
	if err := json.Unmarshal(files[infoFileName], &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.GeneratedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected generated_at %s", info.GeneratedAt)
	}
	if info.Config == nil || info.Config.Listen != "127.0.0.1:7979" || info.Config.MaxInFlight != 20 {
		t.Fatalf("unexpected config summary %+v", info.Config)
	}
	if info.Metrics == nil || info.Metrics.ProbeSuccess != 12 || info.Metrics.ProbeFailure != 3 || info.Metrics.TasksRunning != 2 {
		t.Fatalf("unexpected metrics summary %+v", info.Metrics)
	}
	if info.State == nil || info.State.IntervalMs != 1000 || info.State.Targets != 2 || info.State.Clients != 1 {
		t.Fatalf("unexpected state summary %+v", info.State)
	}
	if len(info.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", info.Warnings)
	}
}

func TestRunRecordsWarningsWhenMonitorUnreachable(t *testing.T) {
	tmp := t.TempDir()
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	outPath := filepath.Join(tmp, "bundle.tar.gz")
	args := []string{
		"--config", filepath.Join(tmp, "missing.yaml"),
		"--output", outPath,
		"--monitor-url", ts.URL,
		"--timeout", "500ms",
	}
	if err := Run(context.Background(), args, Dependencies{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := readBundle(t, outPath)
	var info bundleInfo
	if err := json.Unmarshal(files[infoFileName], &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Config != nil || info.Metrics != nil {
		t.Fatalf("expected no summaries, got %+v", info)
	}
	// config plus four endpoints
	if len(info.Warnings) != 5 {
		t.Fatalf("expected 5 warnings, got %v", info.Warnings)
	}
}

func TestSummarizeMetricsIgnoresComments(t *testing.T) {
	summary := summarizeMetrics([]byte("# pingsanto_monitor_tasks_running 9\npingsanto_monitor_tasks_running 4\nbogus\n"))
	if summary.TasksRunning != 4 {
		t.Fatalf("expected 4 got %d", summary.TasksRunning)
	}
}

func TestRedact(t *testing.T) {
	out := string(redact([]byte("GET /x?token=abc&password=p Authorization: Bearer zzz")))
	if strings.Contains(out, "abc") || strings.Contains(out, "zzz") || strings.Contains(out, "=p ") {
		t.Fatalf("redaction incomplete: %q", out)
	}
	if strings.Count(out, redactedMarker) != 3 {
		t.Fatalf("expected three markers: %q", out)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
