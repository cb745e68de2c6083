// Package export delivers the encoded output raster. Filenames are derived
// deterministically from the page title, the host, and the capture time so
// repeated captures of the same page sort together on disk.
package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxTitleFragment = 60

// Exporter writes capture outputs to a directory.
type Exporter struct {
	// Dir is the output directory, created on demand.
	Dir string

	Logger *slog.Logger
}

// New creates an Exporter writing to dir.
func New(dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{Dir: dir, Logger: logger}
}

// Export writes data under the deterministic name for (title, host, ts) and
// returns the full path of the written file.
func (e *Exporter) Export(title, host string, ts time.Time, data []byte) (string, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("export: mkdir %s: %w", e.Dir, err)
	}
	name := Filename(title, host, ts)
	path := filepath.Join(e.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("export: write %s: %w", path, err)
	}
	e.Logger.Info("export: wrote capture", "path", path, "bytes", len(data))
	return path, nil
}

// Filename builds "<title>_<host>_<timestamp>.png" with both fragments
// sanitized for the filesystem.
func Filename(title, host string, ts time.Time) string {
	t := Sanitize(title)
	if t == "" {
		t = "capture"
	}
	h := Sanitize(host)
	if h == "" {
		h = "page"
	}
	return fmt.Sprintf("%s_%s_%s.png", t, h, ts.UTC().Format("20060102-150405"))
}

// Sanitize reduces an arbitrary string to a safe lowercase filename
// fragment: [a-z0-9-], runs collapsed, trimmed, bounded length.
func Sanitize(s string) string {
	var b strings.Builder
	lastDash := true // swallow leading dashes
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxTitleFragment {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
