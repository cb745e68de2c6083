// Package stitch assembles ordered viewport frames into one seamless
// composite raster and encodes it as PNG.
//
// The engine is strictly sequential: frames arrive in capture order with
// monotonically increasing offsets, and overlap trimming depends on that
// order. It holds at most the composite plus the frame currently being
// folded, which bounds memory on very tall pages.
package stitch

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
)

// ErrCapacityExceeded signals that an append reached the raster ceiling.
// The composite is clipped to exactly the ceiling and stays usable for a
// partial Finish.
var ErrCapacityExceeded = errors.New("stitch: composite height ceiling reached")

// DefaultMaxHeight is the platform raster dimension limit for PNG outputs.
const DefaultMaxHeight = 32000

// Config configures an Engine.
type Config struct {
	// MaxHeight is the hard composite-height ceiling in rows. Default: 32000.
	MaxHeight int

	// SeamTolerance is the maximum mean per-row signature delta (0..255)
	// for seam rows to be considered matching. Default: 8.
	SeamTolerance float64

	// SeamWindow is how many rows around the seam are compared. Default: 3.
	SeamWindow int

	// SeamSearch is the maximum realignment distance in rows when the
	// geometric seam does not match. 0 disables realignment. Default: 8.
	SeamSearch int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxHeight <= 0 {
		c.MaxHeight = DefaultMaxHeight
	}
	if c.SeamTolerance <= 0 {
		c.SeamTolerance = 8
	}
	if c.SeamWindow <= 0 {
		c.SeamWindow = 3
	}
	if c.SeamSearch < 0 {
		c.SeamSearch = 0
	} else if c.SeamSearch == 0 {
		c.SeamSearch = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine composites viewport frames. Not safe for concurrent use; the
// owning session appends from a single goroutine.
type Engine struct {
	cfg        Config
	width      int
	buf        *image.RGBA
	height     int // rows currently used in buf
	prevOffset int
	prevRows   int
	frames     int
}

// New creates an Engine. Call Begin before the first Append.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// Begin starts a session for frames of the given width. expectedHeight is a
// sizing hint (the page's reported scroll height); the composite grows past
// it if the page turns out taller, up to MaxHeight.
func (e *Engine) Begin(width, expectedHeight int) error {
	if width <= 0 {
		return fmt.Errorf("stitch: invalid width %d", width)
	}
	e.width = width
	e.height = 0
	e.frames = 0
	e.prevOffset = 0
	e.prevRows = 0
	alloc := expectedHeight
	if alloc <= 0 {
		alloc = 0
	}
	if alloc > e.cfg.MaxHeight {
		alloc = e.cfg.MaxHeight
	}
	if alloc > 0 {
		e.buf = image.NewRGBA(image.Rect(0, 0, width, alloc))
	} else {
		e.buf = nil
	}
	return nil
}

// Height returns the current composite height in rows.
func (e *Engine) Height() int { return e.height }

// Frames returns how many frames have been folded in.
func (e *Engine) Frames() int { return e.frames }

// Append folds one viewport frame captured at the given vertical offset into
// the composite. The offset is authoritative: the expected overlap with the
// previous frame is derived from it, verified against seam row signatures,
// and the duplicate leading rows are trimmed before the remainder is copied.
//
// Returns ErrCapacityExceeded when the ceiling is hit; the composite is then
// clipped to exactly MaxHeight and Finish still works.
func (e *Engine) Append(frame image.Image, offset int) error {
	if e.width == 0 {
		return fmt.Errorf("stitch: Append before Begin")
	}
	fb := frame.Bounds()
	fw, fh := fb.Dx(), fb.Dy()
	if fw != e.width {
		return fmt.Errorf("stitch: frame width %d does not match composite width %d", fw, e.width)
	}
	if fh <= 0 {
		return fmt.Errorf("stitch: empty frame")
	}

	trim := 0
	if e.frames > 0 {
		if offset <= e.prevOffset {
			return fmt.Errorf("stitch: non-monotonic offset %d after %d", offset, e.prevOffset)
		}
		trim = e.trimRows(frame, offset, fh)
		if trim >= fh {
			// Frame lies entirely inside already-composited rows.
			e.prevOffset = offset
			e.prevRows = fh
			e.frames++
			return nil
		}
	}

	rows := fh - trim
	clipped := false
	if e.height+rows > e.cfg.MaxHeight {
		rows = e.cfg.MaxHeight - e.height
		clipped = true
	}
	if rows > 0 {
		if err := e.grow(e.height + rows); err != nil {
			return err
		}
		dst := image.Rect(0, e.height, e.width, e.height+rows)
		src := image.Pt(fb.Min.X, fb.Min.Y+trim)
		draw.Draw(e.buf, dst, frame, src, draw.Src)
		e.height += rows
	}

	e.prevOffset = offset
	e.prevRows = fh
	e.frames++

	if clipped {
		e.cfg.Logger.Warn("stitch: raster ceiling reached",
			"height", e.height, "ceiling", e.cfg.MaxHeight)
		return ErrCapacityExceeded
	}
	return nil
}

// trimRows computes how many leading rows of the new frame duplicate rows
// already in the composite. The geometric overlap implied by the offsets is
// the baseline; row signatures near the seam either confirm it or, within
// SeamSearch rows, refine it. Offsets win when no alignment matches.
func (e *Engine) trimRows(frame image.Image, offset, frameRows int) int {
	overlap := e.prevOffset + e.prevRows - offset
	if overlap <= 0 {
		if overlap < 0 {
			e.cfg.Logger.Warn("stitch: gap between frames",
				"gap_rows", -overlap, "offset", offset)
		}
		return 0
	}
	if overlap >= frameRows {
		return frameRows
	}

	w := e.cfg.SeamWindow
	if overlap < w || e.height < w {
		return overlap
	}

	delta := e.seamDelta(frame, overlap)
	if delta <= e.cfg.SeamTolerance {
		return overlap
	}

	// Geometric seam rows disagree; try a bounded realignment.
	bestTrim, bestDelta := overlap, delta
	for d := -e.cfg.SeamSearch; d <= e.cfg.SeamSearch; d++ {
		t := overlap + d
		if d == 0 || t < w || t >= frameRows {
			continue
		}
		if dd := e.seamDelta(frame, t); dd < bestDelta {
			bestTrim, bestDelta = t, dd
		}
	}
	if bestDelta <= e.cfg.SeamTolerance && bestTrim != overlap {
		e.cfg.Logger.Debug("stitch: seam realigned",
			"geometric", overlap, "actual", bestTrim, "delta", bestDelta)
		return bestTrim
	}
	if delta > e.cfg.SeamTolerance {
		e.cfg.Logger.Warn("stitch: seam mismatch, trusting offsets",
			"overlap", overlap, "delta", delta, "tolerance", e.cfg.SeamTolerance)
	}
	return overlap
}

// seamDelta compares the last SeamWindow rows of the composite against the
// frame rows that would land on them given the candidate trim.
func (e *Engine) seamDelta(frame image.Image, trim int) float64 {
	w := e.cfg.SeamWindow
	var sum float64
	for i := 1; i <= w; i++ {
		a := rowSignature(e.buf, e.height-i)
		b := rowSignature(frame, trim-i)
		d := a - b
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(w)
}

// Finish encodes the composite as PNG and returns the bytes. The composite
// buffer stays allocated until Release so a partial result can be re-encoded.
func (e *Engine) Finish() ([]byte, error) {
	if e.buf == nil || e.height == 0 {
		return nil, fmt.Errorf("stitch: nothing to encode")
	}
	out := e.buf.SubImage(image.Rect(0, 0, e.width, e.height))
	var b bytes.Buffer
	if err := png.Encode(&b, out); err != nil {
		return nil, fmt.Errorf("stitch: encode: %w", err)
	}
	return b.Bytes(), nil
}

// Release drops the composite buffer. Must be called on every session exit
// path, including errors and truncation.
func (e *Engine) Release() {
	e.buf = nil
	e.height = 0
	e.width = 0
	e.frames = 0
}

// grow ensures the composite buffer holds at least rows rows.
func (e *Engine) grow(rows int) error {
	if rows > e.cfg.MaxHeight {
		return fmt.Errorf("stitch: grow beyond ceiling %d", e.cfg.MaxHeight)
	}
	cur := 0
	if e.buf != nil {
		cur = e.buf.Bounds().Dy()
	}
	if rows <= cur {
		return nil
	}
	alloc := cur * 2
	if alloc < rows {
		alloc = rows
	}
	if alloc > e.cfg.MaxHeight {
		alloc = e.cfg.MaxHeight
	}
	nb := image.NewRGBA(image.Rect(0, 0, e.width, alloc))
	if e.buf != nil && e.height > 0 {
		draw.Draw(nb, image.Rect(0, 0, e.width, e.height), e.buf, image.Point{}, draw.Src)
	}
	e.buf = nb
	return nil
}
