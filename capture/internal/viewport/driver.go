// Package viewport drives scrolling inside the target page. It resolves
// which surface actually scrolls (the document or a nested overflow
// container), reports scroll geometry, performs scroll steps, and restores
// the original position when the session ends.
//
// All page access goes through the Evaluator interface so the driver can be
// exercised against a fake page in tests; the production implementation is
// a rod-backed tab.
package viewport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Evaluator runs a JavaScript function in the page and returns its
// JSON-stringified result.
type Evaluator interface {
	EvalJSON(ctx context.Context, js string) (json.RawMessage, error)
}

// Geometry is the scroll state of the capture surface, recomputed before
// every scroll step because dynamic content can change page height
// mid-capture.
type Geometry struct {
	ScrollHeight int    `json:"scroll_height"`
	ClientHeight int    `json:"client_height"`
	Offset       int    `json:"offset"`
	Container    string `json:"container"` // "document" or "element"
}

// markerAttr tags the resolved nested scroll container so later evals can
// re-find the same element without holding a node reference across calls.
const markerAttr = "data-scrollcap-container"

// defaultScrollableDelta rejects elements that merely carry overflow styling
// but have no excess content to scroll.
const defaultScrollableDelta = 16

// Config configures a Driver.
type Config struct {
	// ScrollableDelta is the minimum scrollHeight-clientHeight excess for
	// an element to count as a real scroll container. Default: 16.
	ScrollableDelta int

	Logger *slog.Logger
}

// Driver computes scroll geometry and performs scroll steps on one page.
type Driver struct {
	page       Evaluator
	cfg        Config
	nested     bool
	origOffset int
	resolved   bool
}

// NewDriver creates a Driver for the given page.
func NewDriver(page Evaluator, cfg Config) *Driver {
	if cfg.ScrollableDelta <= 0 {
		cfg.ScrollableDelta = defaultScrollableDelta
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{page: page, cfg: cfg}
}

// Resolve determines the scroll container and records the original scroll
// offset for later restoration. Must be called before Geometry or ScrollTo.
// A non-empty selector forces a specific container (a site handler's known
// scroll column); empty means autodetect.
func (d *Driver) Resolve(ctx context.Context, selector string) error {
	js := fmt.Sprintf(resolveJS, jsString(selector), markerAttr, d.cfg.ScrollableDelta)
	raw, err := d.page.EvalJSON(ctx, js)
	if err != nil {
		return fmt.Errorf("viewport: resolve container: %w", err)
	}
	var res struct {
		Nested bool `json:"nested"`
		Offset int  `json:"offset"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("viewport: resolve container: parse: %w", err)
	}
	d.nested = res.Nested
	d.origOffset = res.Offset
	d.resolved = true
	if res.Nested {
		d.cfg.Logger.Debug("viewport: nested scroll container resolved")
	}
	return nil
}

// Geometry reports the current scroll geometry of the resolved container.
func (d *Driver) Geometry(ctx context.Context) (Geometry, error) {
	if !d.resolved {
		return Geometry{}, fmt.Errorf("viewport: Geometry before Resolve")
	}
	js := fmt.Sprintf(geometryJS, d.containerExpr())
	raw, err := d.page.EvalJSON(ctx, js)
	if err != nil {
		return Geometry{}, fmt.Errorf("viewport: geometry: %w", err)
	}
	var g Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return Geometry{}, fmt.Errorf("viewport: geometry: parse: %w", err)
	}
	if d.nested {
		g.Container = "element"
	} else {
		g.Container = "document"
	}
	return g, nil
}

// ScrollTo scrolls the container to the requested offset and returns the
// offset the surface actually settled at, which may be smaller near the end
// of content.
func (d *Driver) ScrollTo(ctx context.Context, offset int) (int, error) {
	if !d.resolved {
		return 0, fmt.Errorf("viewport: ScrollTo before Resolve")
	}
	if offset < 0 {
		offset = 0
	}
	js := fmt.Sprintf(scrollToJS, d.containerExpr(), offset)
	raw, err := d.page.EvalJSON(ctx, js)
	if err != nil {
		return 0, fmt.Errorf("viewport: scroll to %d: %w", offset, err)
	}
	var res struct {
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("viewport: scroll to %d: parse: %w", offset, err)
	}
	return res.Offset, nil
}

// Restore puts the original scroll position back and removes the container
// marker. Called on every session exit path, success or failure.
func (d *Driver) Restore(ctx context.Context) error {
	if !d.resolved {
		return nil
	}
	if _, err := d.ScrollTo(ctx, d.origOffset); err != nil {
		return err
	}
	js := fmt.Sprintf(unmarkJS, markerAttr)
	if _, err := d.page.EvalJSON(ctx, js); err != nil {
		return fmt.Errorf("viewport: unmark container: %w", err)
	}
	return nil
}

// containerExpr is the JS expression that re-finds the resolved container.
func (d *Driver) containerExpr() string {
	if d.nested {
		return fmt.Sprintf("document.querySelector('[%s]') || document.scrollingElement || document.documentElement", markerAttr)
	}
	return "document.scrollingElement || document.documentElement"
}

// jsString renders a Go string as a quoted JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
