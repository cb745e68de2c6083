// Package sites holds site-specific capture knowledge. Each recognized site
// family implements Handler; the orchestrator queries handlers in registry
// order and uses the first positive detection. Adding a new site family
// means appending an implementation, never branching on a type tag in the
// orchestrator.
package sites

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Page runs a JavaScript function in the target page and returns its
// JSON-stringified result. Satisfied by the browser tab.
type Page interface {
	EvalJSON(ctx context.Context, js string) (json.RawMessage, error)
}

// Detection is the outcome of a site probe.
type Detection struct {
	Detected      bool   `json:"detected"`
	SiteType      string `json:"site_type"`
	DetectionType string `json:"detection_type"` // "meta", "dom", "url"
}

// Container describes a site-known scroll container.
type Container struct {
	Selector     string `json:"selector"`
	ScrollHeight int    `json:"scroll_height"`
	ClientHeight int    `json:"client_height"`
}

// Bounds describes the center content region of a recognized layout, in
// viewport coordinates. Capturing only this region keeps sidebars out of
// every frame.
type Bounds struct {
	Left         int `json:"left"`
	Right        int `json:"right"`
	Top          int `json:"top"`
	Width        int `json:"width"`
	ScrollHeight int `json:"scroll_height"`
	ClientHeight int `json:"client_height"`
}

// Handler is one site family's capture knowledge.
type Handler interface {
	// Name identifies the site family ("jira").
	Name() string

	// Detect probes the page for this site family.
	Detect(ctx context.Context, p Page) (Detection, error)

	// FindScrollContainer returns the site's known scroll container, or
	// nil when the page doesn't expose one.
	FindScrollContainer(ctx context.Context, p Page) (*Container, error)

	// CenterBounds returns the center content region, or nil when the
	// current layout has none.
	CenterBounds(ctx context.Context, p Page) (*Bounds, error)
}

// Registry is an ordered list of handlers queried first-positive.
type Registry struct {
	handlers []Handler
	logger   *slog.Logger
}

// NewRegistry creates a registry with the given priority order.
func NewRegistry(logger *slog.Logger, handlers ...Handler) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: handlers, logger: logger}
}

// Default returns the registry with all built-in handlers in priority order.
func Default(logger *slog.Logger) *Registry {
	return NewRegistry(logger, &Jira{})
}

// Detect queries handlers in order and returns the first positive detection
// together with the handler that produced it. A handler error is logged and
// skipped; a page nobody recognizes yields (nil, Detection{}, nil).
func (r *Registry) Detect(ctx context.Context, p Page) (Handler, Detection, error) {
	for _, h := range r.handlers {
		det, err := h.Detect(ctx, p)
		if err != nil {
			r.logger.Warn("sites: handler detect failed", "handler", h.Name(), "error", err)
			continue
		}
		if det.Detected {
			return h, det, nil
		}
	}
	return nil, Detection{}, nil
}
