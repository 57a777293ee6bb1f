package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/monitor/pkg/types"
)

func TestWriteCSV(t *testing.T) {
	stats := []types.PingStat{
		{Target: "10.0.0.1", Pass: 12, Fail: 3, DowntimeMs: 2000, LastProbe: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Target: "10.0.0.2"},
	}
	var sb strings.Builder
	if err := WriteCSV(&sb, stats); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "IP,Pass,Fail,Disconnected Time (ms),Last Probe Time\n" +
		"10.0.0.1,12,3,2000,2025-01-02 03:04:05\n" +
		"10.0.0.2,0,0,0,N/A\n"
	if sb.String() != want {
		t.Fatalf("unexpected csv:\n%s", sb.String())
	}
}

func TestFormatTimeUsesUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	got := FormatTime(time.Date(2025, 1, 2, 5, 4, 5, 0, zone))
	if got != "2025-01-02 03:04:05" {
		t.Fatalf("expected UTC rendering got %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "export.csv")

	if err := WriteFile(path, []types.PingStat{{Target: "10.0.0.1", Pass: 1}}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.HasSuffix(string(data), "10.0.0.1,1,0,0,N/A\n") {
		t.Fatalf("unexpected contents %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	// a second export replaces the first
	if err := WriteFile(path, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "IP,Pass,Fail,Disconnected Time (ms),Last Probe Time\n" {
		t.Fatalf("expected header only got %q", data)
	}
}

func TestWriteFileReportsUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := WriteFile(filepath.Join(blocker, "export.csv"), nil); err == nil {
		t.Fatalf("expected error writing below a regular file")
	}
}
