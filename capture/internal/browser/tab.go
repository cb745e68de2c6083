package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrThrottled signals that the host capture capability refused the request
// because of rate limiting. Retryable, not fatal.
var ErrThrottled = errors.New("browser: capture throttled")

// Tab wraps a Rod page prepared for capture: stealth applied, viewport
// pinned to a fixed size with device scale 1 so one CSS pixel is one raster
// row, page loaded.
type Tab struct {
	Page    *rod.Page
	PageURL string
	title   string
}

// OpenTab creates a tab, pins the viewport, navigates and waits for load.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	// Scale 1 keeps scroll offsets and screenshot rows in the same unit.
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             mgr.cfg.ViewportWidth,
		Height:            mgr.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	t := &Tab{Page: page, PageURL: pageURL}
	if info, err := page.Info(); err == nil {
		t.title = info.Title
		if info.URL != "" {
			t.PageURL = info.URL
		}
	}
	return t, nil
}

// EvalJSON runs a JS function that returns a JSON.stringify'd value and
// hands back the raw JSON.
func (t *Tab) EvalJSON(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := t.Page.Context(ctx).Eval(js)
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	return json.RawMessage(res.Value.Str()), nil
}

// CaptureViewport snapshots the currently visible region.
func (t *Tab) CaptureViewport(ctx context.Context) (image.Image, error) {
	return t.capture(ctx, nil)
}

// CaptureClip snapshots a sub-rectangle of the viewport, in CSS pixels.
func (t *Tab) CaptureClip(ctx context.Context, x, y, w, h float64) (image.Image, error) {
	return t.capture(ctx, &proto.PageViewport{X: x, Y: y, Width: w, Height: h, Scale: 1})
}

func (t *Tab) capture(ctx context.Context, clip *proto.PageViewport) (image.Image, error) {
	req := &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip:   clip,
	}
	data, err := t.Page.Context(ctx).Screenshot(false, req)
	if err != nil {
		if isThrottled(err) {
			return nil, fmt.Errorf("browser: screenshot: %w", ErrThrottled)
		}
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("browser: decode screenshot: %w", err)
	}
	// Normalize to RGBA once here so the stitcher's row access is uniform.
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// Title returns the page title observed at load time.
func (t *Tab) Title() string { return t.title }

// Host returns the hostname of the loaded page.
func (t *Tab) Host() string {
	u, err := url.Parse(t.PageURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}

// isThrottled matches the host's rate-limit refusals. CDP reports these as
// plain error strings, so classification is textual.
func isThrottled(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "throttl") ||
		strings.Contains(msg, "too many") ||
		strings.Contains(msg, "rate limit")
}
