package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrollcap/scrollcap/capture/internal/browser"
	"github.com/scrollcap/scrollcap/capture/sites"
)

// pageRow gives every absolute content row a distinct uniform color so the
// stitcher's seam verification sees consistent content across frames.
func pageRow(y int) uint8 { return uint8((y * 31) % 239) }

// fakeTarget simulates one scrollable page: a clamping scroll surface plus a
// frame capturer that renders the rows currently in view.
type fakeTarget struct {
	mu           sync.Mutex
	scrollHeight int
	clientHeight int
	width        int
	offset       int
	origOffset   int

	throttleN int // first N captures fail throttled

	captures       int
	captureOffsets []int
	scrollCalls    []int
	restored       bool
}

func newFakeTarget(scrollHeight, clientHeight int) *fakeTarget {
	return &fakeTarget{scrollHeight: scrollHeight, clientHeight: clientHeight, width: 640}
}

func (f *fakeTarget) Resolve(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origOffset = f.offset
	return nil
}

func (f *fakeTarget) Geometry(_ context.Context) (Geometry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Geometry{
		ScrollHeight: f.scrollHeight,
		ClientHeight: f.clientHeight,
		Offset:       f.offset,
		Container:    "document",
	}, nil
}

func (f *fakeTarget) ScrollTo(_ context.Context, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrollCalls = append(f.scrollCalls, offset)
	max := f.scrollHeight - f.clientHeight
	if max < 0 {
		max = 0
	}
	if offset > max {
		offset = max
	}
	if offset < 0 {
		offset = 0
	}
	f.offset = offset
	return f.offset, nil
}

func (f *fakeTarget) Restore(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = f.origOffset
	f.restored = true
	return nil
}

func (f *fakeTarget) render(top, w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		v := pageRow(top + y)
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func (f *fakeTarget) capture(w, h, relY int) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captures <= f.throttleN {
		return nil, browser.ErrThrottled
	}
	f.captureOffsets = append(f.captureOffsets, f.offset)
	return f.render(f.offset+relY, w, h), nil
}

func (f *fakeTarget) CaptureViewport(_ context.Context) (image.Image, error) {
	return f.capture(f.width, f.clientHeight, 0)
}

func (f *fakeTarget) CaptureClip(_ context.Context, _, y, w, h float64) (image.Image, error) {
	return f.capture(int(w), int(h), int(y))
}

func (f *fakeTarget) EvalJSON(_ context.Context, js string) (json.RawMessage, error) {
	if strings.Contains(js, "application-name") {
		return json.RawMessage(`{"detected": false}`), nil
	}
	return json.RawMessage(`{"clicked": 0}`), nil
}

func (f *fakeTarget) asTarget() *Target {
	return &Target{
		Driver: f,
		Frames: f,
		Page:   f,
		Title:  "Fake Page",
		Host:   "fake.example.com",
		Close:  func() {},
	}
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "state.db")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	cfg.SettleDelay = time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Stop)

	// Fast settle, no stabilization clicking unless a test opts in.
	err = svc.UpdateSettings(context.Background(), Settings{
		StabilizeEnabled: false,
		StabilizeMaxMs:   100,
		SettleDelayMs:    1,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	return svc
}

func waitDone(t *testing.T, svc *Service, id string) {
	t.Helper()
	svc.mu.Lock()
	sess := svc.sessions[id]
	svc.mu.Unlock()
	if sess == nil {
		t.Fatalf("unknown session %s", id)
	}
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
}

func TestStartCapture_FullPage(t *testing.T) {
	fake := newFakeTarget(2000, 800)
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/long"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if !strings.HasPrefix(id, "cap_") {
		t.Errorf("session id = %q, want cap_ prefix", id)
	}
	waitDone(t, svc, id)

	rec, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec == nil {
		t.Fatal("Status returned nil for finished session")
	}
	if rec.Status != string(StatusCompleted) {
		t.Fatalf("status = %s (%s), want completed", rec.Status, rec.Message)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
	if rec.FrameCount != 3 {
		t.Errorf("frame count = %d, want 3", rec.FrameCount)
	}
	if rec.OutputHeight != 2000 {
		t.Errorf("output height = %d, want 2000", rec.OutputHeight)
	}

	// Viewport 800 with overlap 75 steps by 725: frames at 0, 725 and the
	// clamped bottom offset 1200.
	want := []int{0, 725, 1200}
	if fmt.Sprint(fake.captureOffsets) != fmt.Sprint(want) {
		t.Errorf("capture offsets = %v, want %v", fake.captureOffsets, want)
	}
	// The second command overshoots and the surface clamps to 1200.
	wantScrolls := []int{725, 1450}
	if fmt.Sprint(fake.scrollCalls) != fmt.Sprint(wantScrolls) {
		t.Errorf("scroll commands = %v, want %v", fake.scrollCalls, wantScrolls)
	}
	if !fake.restored {
		t.Error("scroll position was not restored")
	}

	data, err := os.ReadFile(rec.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 2000 {
		t.Fatalf("output = %dx%d, want 640x2000", img.Bounds().Dx(), img.Bounds().Dy())
	}
	r, _, _, _ := img.At(5, 1999).RGBA()
	if uint8(r>>8) != pageRow(1999) {
		t.Errorf("bottom row = %d, want %d", uint8(r>>8), pageRow(1999))
	}
}

func TestStartCapture_RejectsConcurrentTarget(t *testing.T) {
	release := make(chan struct{})
	other := newFakeTarget(500, 800)
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, url string) (*Target, error) {
			if url == "https://example.com/a" {
				<-release
				return nil, errors.New("target gone")
			}
			return other.asTarget(), nil
		},
	})
	defer close(release)

	ctx := context.Background()
	if _, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/a"}); err != nil {
		t.Fatalf("first StartCapture: %v", err)
	}

	if _, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/a"}); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("second StartCapture err = %v, want ErrCaptureActive", err)
	}

	// A different target is not affected.
	id2, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/b"})
	if err != nil {
		t.Fatalf("StartCapture other target: %v", err)
	}
	waitDone(t, svc, id2)
}

func TestStartCapture_SupersedesStaleSession(t *testing.T) {
	release := make(chan struct{})
	fake := newFakeTarget(500, 800)
	var calls atomic.Int32
	svc := newTestService(t, Config{
		StaleActiveAge: time.Millisecond,
		Opener: func(_ context.Context, _ string) (*Target, error) {
			if calls.Add(1) == 1 {
				<-release
				return nil, errors.New("target gone")
			}
			return fake.asTarget(), nil
		},
	})
	defer close(release)

	ctx := context.Background()
	if _, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/a"}); err != nil {
		t.Fatalf("first StartCapture: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	id2, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("superseding StartCapture err = %v, want nil", err)
	}
	waitDone(t, svc, id2)
}

func TestStartCapture_InvalidRequests(t *testing.T) {
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) {
			t.Error("opener called for invalid request")
			return nil, errors.New("unreachable")
		},
	})

	ctx := context.Background()
	cases := []StartRequest{
		{},
		{URL: "https://example.com", Mode: "panorama"},
		{URL: "https://example.com", Mode: ModeRegion},
		{URL: "https://example.com", Mode: ModeRegion, Region: &Region{Width: 0, Height: 10}},
	}
	for i, req := range cases {
		if _, err := svc.StartCapture(ctx, req); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("case %d: err = %v, want ErrInvalidMessage", i, err)
		}
	}
}

func TestStatus_UnknownSession(t *testing.T) {
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) { return nil, errors.New("unused") },
	})
	rec, err := svc.Status(context.Background(), "cap_nope")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec != nil {
		t.Fatalf("Status = %+v, want nil for unknown session", rec)
	}
}

func TestStartCapture_TruncatesAtCeiling(t *testing.T) {
	fake := newFakeTarget(5000, 800)
	svc := newTestService(t, Config{
		MaxHeight: 1000,
		Opener:    func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/huge"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, err := svc.Status(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("Status: rec=%v err=%v", rec, err)
	}
	if rec.Status != string(StatusCompleted) {
		t.Fatalf("status = %s (%s), want completed", rec.Status, rec.Message)
	}
	if rec.OutputHeight != 1000 {
		t.Errorf("output height = %d, want exactly 1000", rec.OutputHeight)
	}
	if !strings.Contains(rec.Message, "truncated") {
		t.Errorf("message = %q, want truncation notice", rec.Message)
	}
}

func TestStartCapture_ThrottledRetries(t *testing.T) {
	fake := newFakeTarget(1200, 800)
	fake.throttleN = 2
	svc := newTestService(t, Config{
		CaptureRetries: 3,
		Opener:         func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/busy"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusCompleted) {
		t.Fatalf("status = %+v, want completed despite early throttling", rec)
	}
}

func TestStartCapture_ThrottledExhaustsRetries(t *testing.T) {
	fake := newFakeTarget(1200, 800)
	fake.throttleN = 1000
	svc := newTestService(t, Config{
		CaptureRetries: 2,
		Opener:         func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/busy"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusError) {
		t.Fatalf("status = %+v, want error after exhausted retries", rec)
	}
	if rec.Message != "capture rate limit exceeded" {
		t.Errorf("message = %q, want rate limit summary", rec.Message)
	}
	if !fake.restored {
		t.Error("scroll position was not restored on failure")
	}
}

func TestStartCapture_RegionMode(t *testing.T) {
	fake := newFakeTarget(3000, 800)
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{
		URL:    "https://example.com/page",
		Mode:   ModeRegion,
		Region: &Region{X: 10, Y: 900, Width: 200, Height: 150},
	})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusCompleted) {
		t.Fatalf("status = %+v, want completed", rec)
	}
	if rec.OutputHeight != 150 || rec.FrameCount != 1 {
		t.Errorf("output = %d rows / %d frames, want 150 / 1", rec.OutputHeight, rec.FrameCount)
	}

	data, err := os.ReadFile(rec.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 150 {
		t.Fatalf("output = %dx%d, want 200x150", img.Bounds().Dx(), img.Bounds().Dy())
	}
	// Region top row is absolute page row 900.
	r, _, _, _ := img.At(0, 0).RGBA()
	if uint8(r>>8) != pageRow(900) {
		t.Errorf("top row = %d, want %d", uint8(r>>8), pageRow(900))
	}
}

func TestCancel_EndsSessionWithCancelledMessage(t *testing.T) {
	fake := newFakeTarget(100000, 800)
	opened := make(chan struct{})
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) {
			close(opened)
			return fake.asTarget(), nil
		},
	})

	// A long settle keeps the session inside the scroll loop.
	if err := svc.UpdateSettings(context.Background(), Settings{
		StabilizeEnabled: false,
		StabilizeMaxMs:   100,
		SettleDelayMs:    200,
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/endless"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	<-opened
	if err := svc.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusError) {
		t.Fatalf("status = %+v, want error after cancel", rec)
	}
	if rec.Message != "capture cancelled" {
		t.Errorf("message = %q, want cancellation summary", rec.Message)
	}
	if !fake.restored {
		t.Error("scroll position was not restored after cancel")
	}

	// Terminal state is stable: a second cancel changes nothing.
	if err := svc.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	again, _ := svc.Status(ctx, id)
	if again.Status != rec.Status || again.Message != rec.Message {
		t.Errorf("terminal record changed: %+v vs %+v", again, rec)
	}
}

func TestCancel_UnknownSession(t *testing.T) {
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) { return nil, errors.New("unused") },
	})
	if err := svc.Cancel("cap_nope"); err == nil {
		t.Fatal("Cancel of unknown session should error")
	}
}

func TestStop_WaitsForActiveSessions(t *testing.T) {
	opened := make(chan struct{})
	svc := newTestService(t, Config{
		Opener: func(ctx context.Context, _ string) (*Target, error) {
			close(opened)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	id, err := svc.StartCapture(context.Background(), StartRequest{URL: "https://example.com/slow"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	<-opened

	svc.mu.Lock()
	sess := svc.sessions[id]
	svc.mu.Unlock()
	if sess == nil {
		t.Fatalf("unknown session %s", id)
	}

	// Stop cancels the session and must not return before its goroutine has
	// written the terminal record; otherwise that write races the store close.
	svc.Stop()

	select {
	case <-sess.Done():
	default:
		t.Fatal("Stop returned while the session was still running")
	}
	if st := sess.Status(); st != StatusError {
		t.Errorf("status after Stop = %s, want error", st)
	}
}

// stubSite is a handler that always recognizes the page and reports fixed
// geometry, standing in for the Jira handler's DOM probing.
type stubSite struct {
	selector string
	bounds   sites.Bounds
}

func (s *stubSite) Name() string { return "stub" }

func (s *stubSite) Detect(_ context.Context, _ sites.Page) (sites.Detection, error) {
	return sites.Detection{Detected: true, SiteType: "stub", DetectionType: "dom"}, nil
}

func (s *stubSite) FindScrollContainer(_ context.Context, _ sites.Page) (*sites.Container, error) {
	if s.selector == "" {
		return nil, nil
	}
	return &sites.Container{Selector: s.selector}, nil
}

func (s *stubSite) CenterBounds(_ context.Context, _ sites.Page) (*sites.Bounds, error) {
	if s.bounds.Width == 0 {
		return nil, nil
	}
	b := s.bounds
	return &b, nil
}

func TestStartCapture_SiteCenterMode(t *testing.T) {
	fake := newFakeTarget(2000, 800)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(t, Config{
		Sites: sites.NewRegistry(logger, &stubSite{
			selector: ".issue-column",
			bounds:   sites.Bounds{Left: 100, Top: 0, Width: 400, ClientHeight: 800},
		}),
		Opener: func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/browse/X-1", Mode: ModeSiteCenter})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusCompleted) {
		t.Fatalf("status = %+v, want completed", rec)
	}
	if rec.OutputHeight != 2000 || rec.FrameCount != 3 {
		t.Errorf("output = %d rows / %d frames, want 2000 / 3", rec.OutputHeight, rec.FrameCount)
	}

	data, err := os.ReadFile(rec.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 400 {
		t.Errorf("output width = %d, want center column width 400", img.Bounds().Dx())
	}
}

func TestStartCapture_SiteCenterNoHandler(t *testing.T) {
	fake := newFakeTarget(2000, 800)
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) { return fake.asTarget(), nil },
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://example.com/", Mode: ModeSiteCenter})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusError) {
		t.Fatalf("status = %+v, want error without a recognized site", rec)
	}
	if rec.Message != "page cannot be captured" {
		t.Errorf("message = %q, want target summary", rec.Message)
	}
}

func TestStartCapture_TargetUnavailable(t *testing.T) {
	svc := newTestService(t, Config{
		Opener: func(_ context.Context, _ string) (*Target, error) {
			return nil, errors.New("net::ERR_NAME_NOT_RESOLVED")
		},
	})

	ctx := context.Background()
	id, err := svc.StartCapture(ctx, StartRequest{URL: "https://nope.invalid/"})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitDone(t, svc, id)

	rec, _ := svc.Status(ctx, id)
	if rec == nil || rec.Status != string(StatusError) {
		t.Fatalf("status = %+v, want error", rec)
	}
	if rec.Message != "page cannot be captured" {
		t.Errorf("message = %q, want target summary", rec.Message)
	}
}
