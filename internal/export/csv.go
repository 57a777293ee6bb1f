package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pingsantohq/monitor/pkg/types"
)

// DefaultPath is the file written when no export path is configured.
const DefaultPath = "ping_stats_export.csv"

const timeLayout = "2006-01-02 15:04:05"

var header = []string{"IP", "Pass", "Fail", "Disconnected Time (ms)", "Last Probe Time"}

// WriteCSV renders stats in the order given, one row per target.
func WriteCSV(w io.Writer, stats []types.PingStat) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, stat := range stats {
		row := []string{
			stat.Target,
			strconv.FormatUint(stat.Pass, 10),
			strconv.FormatUint(stat.Fail, 10),
			strconv.FormatUint(stat.DowntimeMs, 10),
			FormatTime(stat.LastProbe),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", stat.Target, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// FormatTime renders t in UTC, or "N/A" when no probe has completed.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(timeLayout)
}

// WriteFile replaces path with the CSV rendering of stats. Readers never see
// a partially written file.
func WriteFile(path string, stats []types.PingStat) error {
	if path == "" {
		path = DefaultPath
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, stats); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure export dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o640); err != nil {
		return fmt.Errorf("write temp export %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit export %q: %w", path, err)
	}
	return nil
}
