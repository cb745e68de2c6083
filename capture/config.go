package capture

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrollcap/scrollcap/capture/sites"
)

// Config is the capture service configuration. Everything a session needs
// is passed in here at construction; components never read ambient global
// state.
type Config struct {
	// DBPath is the SQLite session/config database.
	DBPath string `yaml:"db_path"`

	// OutputDir receives exported captures.
	OutputDir string `yaml:"output_dir"`

	Browser BrowserConfig `yaml:"browser"`

	// Overlap is the fixed safety margin in CSS pixels between scroll
	// steps, tolerating sub-pixel rounding and sticky elements. Default: 75.
	Overlap int `yaml:"overlap"`

	// SettleDelay is the bounded wait after each scroll for re-render.
	// An explicit trade-off, not a synchronization signal: the host has
	// no reliable render-complete event. Default: 350ms.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// MaxAttempts caps capture steps per session, guarding against pages
	// with misbehaving height reporting. Default: 50.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxHeight is the composite raster ceiling in rows. Default: 32000.
	MaxHeight int `yaml:"max_height"`

	// SeamTolerance is the stitcher's row-signature tolerance. Default: 8.
	SeamTolerance float64 `yaml:"seam_tolerance"`

	// CaptureRetries bounds retries when the host throttles captures.
	// Default: 3.
	CaptureRetries int `yaml:"capture_retries"`

	// RetryBackoff is the base backoff between capture retries. Default: 500ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// StaleActiveAge is how old an Active session must be before a new
	// request may supersede it. Default: 60s.
	StaleActiveAge time.Duration `yaml:"stale_active_age"`

	// ArchiveTTL is how long terminal session records stay queryable.
	// Default: 5m.
	ArchiveTTL time.Duration `yaml:"archive_ttl"`

	// Opener overrides how targets are opened. nil = rod-backed browser
	// (created at Start). Tests inject fakes here.
	Opener TargetOpener `yaml:"-"`

	// Sites is the site-handler registry. nil = sites.Default.
	Sites *sites.Registry `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// BrowserConfig controls the Chrome connection.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an external Chrome. Empty = launch.
	Remote string `yaml:"remote"`

	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	NavTimeout     time.Duration `yaml:"nav_timeout"`
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/scrollcap.db"
	}
	if c.OutputDir == "" {
		c.OutputDir = "captures"
	}
	if c.Overlap <= 0 {
		c.Overlap = 75
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 350 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 50
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 32000
	}
	if c.CaptureRetries <= 0 {
		c.CaptureRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.StaleActiveAge <= 0 {
		c.StaleActiveAge = 60 * time.Second
	}
	if c.ArchiveTTL <= 0 {
		c.ArchiveTTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sites == nil {
		c.Sites = sites.Default(c.Logger)
	}
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
