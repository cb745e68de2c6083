// Package capture is the session orchestrator: it owns capture sessions,
// drives the scroll/capture loop against a browser tab, hands frames to the
// stitching engine, and delivers the encoded output.
//
// Contexts are isolated the way the runtime isolates them: the orchestrator
// talks to the page only through the viewport driver and site handlers
// (JS eval), to the host capture capability only through the frame capturer,
// and to the stitcher only through ordered appends. One session is mutated
// by exactly one goroutine; everything a caller may poll goes through the
// session state store.
package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/scrollcap/scrollcap/capture/internal/browser"
	"github.com/scrollcap/scrollcap/capture/internal/store"
	"github.com/scrollcap/scrollcap/capture/internal/viewport"
	"github.com/scrollcap/scrollcap/capture/sites"
	"github.com/scrollcap/scrollcap/idgen"
)

// Geometry re-exports the viewport scroll geometry.
type Geometry = viewport.Geometry

// Settings re-exports the persisted runtime configuration record.
type Settings = store.Settings

// SessionStatus re-exports the persisted session record returned to
// status-polling callers.
type SessionStatus = store.SessionRecord

// DefaultSettings returns the runtime configuration used before any record
// has been written.
func DefaultSettings() Settings { return store.DefaultSettings() }

// ScrollDriver is the content-context agent: it computes scroll geometry,
// performs scroll steps and restores the original position afterwards.
type ScrollDriver interface {
	Resolve(ctx context.Context, selector string) error
	Geometry(ctx context.Context) (Geometry, error)
	ScrollTo(ctx context.Context, offset int) (int, error)
	Restore(ctx context.Context) error
}

// FrameCapturer is the host capture capability: one raster snapshot of the
// visible region, or of a clip of it, per call.
type FrameCapturer interface {
	CaptureViewport(ctx context.Context) (image.Image, error)
	CaptureClip(ctx context.Context, x, y, w, h float64) (image.Image, error)
}

// Target bundles everything a session needs from one opened page.
type Target struct {
	Driver ScrollDriver
	Frames FrameCapturer
	Page   sites.Page
	Title  string
	Host   string
	Close  func()
}

// TargetOpener opens a capturable target for a URL.
type TargetOpener func(ctx context.Context, url string) (*Target, error)

// Region is a bounded capture rectangle in page coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StartRequest is a validated capture request.
type StartRequest struct {
	URL  string `json:"url"`
	Mode Mode   `json:"mode"`

	// Region is required for ModeRegion.
	Region *Region `json:"region,omitempty"`

	// Stabilize overrides the persisted stabilization setting for this
	// session only.
	Stabilize *bool `json:"stabilize,omitempty"`

	// StabilizeMaxMs overrides the stabilization time budget.
	StabilizeMaxMs int `json:"stabilize_max_ms,omitempty"`
}

func (r StartRequest) validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidMessage)
	}
	if !r.Mode.valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidMessage, r.Mode)
	}
	if r.Mode == ModeRegion {
		if r.Region == nil || r.Region.Width <= 0 || r.Region.Height <= 0 {
			return fmt.Errorf("%w: region capture requires a non-empty region", ErrInvalidMessage)
		}
	}
	return nil
}

// Service owns capture sessions. At most one session is active per target
// at any time; a second start for the same target is rejected, not queued.
type Service struct {
	cfg    Config
	st     *store.Store
	mgr    *browser.Manager
	opener TargetOpener
	newID  idgen.Generator
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by session ID, terminal kept until ArchiveTTL
	active   map[string]*Session // by target key
}

// New creates a Service and opens its state store. Call Start before
// starting captures.
func New(cfg Config) (*Service, error) {
	cfg.applyDefaults()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("capture: open store: %w", err)
	}

	return &Service{
		cfg:      cfg,
		st:       st,
		opener:   cfg.Opener,
		newID:    idgen.Prefixed("cap_", idgen.NanoID(16)),
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		active:   make(map[string]*Session),
	}, nil
}

// Start launches the browser (unless an opener was injected) and the
// archive janitor. ctx bounds the browser's lifetime.
func (s *Service) Start(ctx context.Context) error {
	if s.opener == nil {
		mgr := browser.NewManager(browser.Config{
			RemoteURL:       s.cfg.Browser.Remote,
			ViewportWidth:   s.cfg.Browser.ViewportWidth,
			ViewportHeight:  s.cfg.Browser.ViewportHeight,
			NavigateTimeout: s.cfg.Browser.NavTimeout,
			Logger:          s.logger,
		})
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("capture: start browser: %w", err)
		}
		s.mgr = mgr
		s.opener = s.openBrowserTarget
	}

	go s.janitor(ctx)
	return nil
}

// Stop cancels active sessions and closes the browser and store.
func (s *Service) Stop() {
	s.mu.Lock()
	running := make([]*Session, 0, len(s.active))
	for _, sess := range s.active {
		if sess.cancel != nil {
			sess.cancel()
		}
		running = append(running, sess)
	}
	s.mu.Unlock()

	// Session goroutines write their final record on the way out. Wait for
	// them before closing the store underneath them.
	for _, sess := range running {
		select {
		case <-sess.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("session did not stop in time", "session_id", sess.ID)
		}
	}

	if s.mgr != nil {
		s.mgr.Close()
	}
	s.st.Close()
}

// StartCapture begins an asynchronous capture session and returns its
// identifier. The session advances on its own; poll Status for progress.
func (s *Service) StartCapture(ctx context.Context, req StartRequest) (string, error) {
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	if err := req.validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pruneLocked()
	if cur, ok := s.active[req.URL]; ok {
		if time.Since(cur.CreatedAt()) < s.cfg.StaleActiveAge {
			s.mu.Unlock()
			return "", ErrCaptureActive
		}
		// A session this old is abandoned; supersede it.
		s.logger.Warn("capture: superseding stale session",
			"session", cur.ID, "age", time.Since(cur.CreatedAt()))
		if cur.cancel != nil {
			cur.cancel()
		}
	}

	sess := newSession(s.newID(), req.URL, req.Mode)
	runCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	s.sessions[sess.ID] = sess
	s.active[req.URL] = sess
	s.mu.Unlock()

	s.persist(sess)
	s.logger.Info("capture: session started",
		"session", sess.ID, "mode", req.Mode, "url", req.URL)

	go s.run(runCtx, sess, req)
	return sess.ID, nil
}

// Status returns the persisted record for a session, or nil when the
// identifier is unknown. Querying before any capture started is not an
// error.
func (s *Service) Status(ctx context.Context, id string) (*SessionStatus, error) {
	return s.st.GetSession(ctx, id)
}

// Cancel transitions an active session to error, releasing its buffers and
// restoring the page scroll position. Cancelling a terminal session is a
// no-op.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("capture: unknown session %s", id)
	}
	if sess.Status().Terminal() {
		return nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	return nil
}

// DetectSite opens the URL and runs the site-handler registry against it.
func (s *Service) DetectSite(ctx context.Context, url string) (sites.Detection, error) {
	if url == "" {
		return sites.Detection{}, fmt.Errorf("%w: url is required", ErrInvalidMessage)
	}
	target, err := s.opener(ctx, url)
	if err != nil {
		return sites.Detection{}, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	defer target.Close()

	_, det, err := s.cfg.Sites.Detect(ctx, target.Page)
	return det, err
}

// Settings returns the persisted runtime configuration.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.st.GetSettings(ctx)
}

// UpdateSettings persists a new runtime configuration.
func (s *Service) UpdateSettings(ctx context.Context, cfg Settings) error {
	return s.st.PutSettings(ctx, cfg)
}

func (s *Service) openBrowserTarget(ctx context.Context, url string) (*Target, error) {
	tab, err := browser.OpenTab(ctx, s.mgr, url)
	if err != nil {
		return nil, err
	}
	drv := viewport.NewDriver(tab, viewport.Config{Logger: s.logger})
	return &Target{
		Driver: drv,
		Frames: tab,
		Page:   tab,
		Title:  tab.Title(),
		Host:   tab.Host(),
		Close:  func() { tab.Close() },
	}, nil
}

// persist writes the session snapshot to the state store. Uses its own
// context: status must be written even when the session context is gone.
func (s *Service) persist(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.st.PutSession(ctx, sess.snapshot()); err != nil {
		s.logger.Warn("capture: persist session failed", "session", sess.ID, "error", err)
	}
}

// pruneLocked drops terminal in-memory sessions past the archive TTL.
// Caller holds s.mu.
func (s *Service) pruneLocked() {
	cutoff := time.Now().Add(-s.cfg.ArchiveTTL)
	for id, sess := range s.sessions {
		snap := sess.snapshot()
		if Status(snap.Status).Terminal() && time.Unix(snap.UpdatedAt, 0).Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// janitor prunes archived session records on a fixed cadence.
func (s *Service) janitor(ctx context.Context) {
	interval := s.cfg.ArchiveTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.pruneLocked()
			s.mu.Unlock()
			if _, err := s.st.PruneSessions(ctx, time.Now().Add(-s.cfg.ArchiveTTL)); err != nil {
				s.logger.Warn("capture: prune store failed", "error", err)
			}
		}
	}
}
