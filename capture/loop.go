package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/scrollcap/scrollcap/capture/internal/browser"
	"github.com/scrollcap/scrollcap/capture/internal/export"
	"github.com/scrollcap/scrollcap/capture/internal/stabilize"
	"github.com/scrollcap/scrollcap/capture/internal/stitch"
	"github.com/scrollcap/scrollcap/capture/internal/store"
	"github.com/scrollcap/scrollcap/capture/sites"
)

// captureResult carries the composite out of the capture phase. The engine
// still owns its buffer; the caller must Release after Finish.
type captureResult struct {
	engine    *stitch.Engine
	truncated bool
}

// run executes one session end to end. It is the only goroutine that mutates
// the session; every exit path restores the page scroll position, releases
// buffers and emits exactly one terminal state.
func (s *Service) run(ctx context.Context, sess *Session, req StartRequest) {
	defer close(sess.done)
	defer func() {
		s.mu.Lock()
		if s.active[sess.TargetKey] == sess {
			delete(s.active, sess.TargetKey)
		}
		s.mu.Unlock()
	}()

	s.advance(sess, StatusPreparing, "opening target")
	target, err := s.opener(ctx, req.URL)
	if err != nil {
		s.fail(sess, fmt.Errorf("%w: open target: %v", ErrTargetUnavailable, err))
		return
	}
	defer target.Close()
	defer func() {
		// Session ctx may already be cancelled; restoration still runs.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := target.Driver.Restore(rctx); err != nil {
			s.logger.Debug("capture: restore scroll failed", "session", sess.ID, "error", err)
		}
	}()

	selector := ""
	var clip *sites.Bounds
	if req.Mode == ModeSiteCenter {
		handler, det, err := s.cfg.Sites.Detect(ctx, target.Page)
		if err != nil {
			s.fail(sess, fmt.Errorf("%w: site detection: %v", ErrTargetUnavailable, err))
			return
		}
		if handler == nil {
			s.fail(sess, fmt.Errorf("%w: no recognized site layout", ErrTargetUnavailable))
			return
		}
		s.logger.Info("capture: site detected",
			"session", sess.ID, "site", det.SiteType, "via", det.DetectionType)

		if c, err := handler.FindScrollContainer(ctx, target.Page); err == nil && c != nil {
			selector = c.Selector
		}
		b, err := handler.CenterBounds(ctx, target.Page)
		if err != nil || b == nil {
			s.fail(sess, fmt.Errorf("%w: no center region found", ErrTargetUnavailable))
			return
		}
		clip = b
	}

	if err := target.Driver.Resolve(ctx, selector); err != nil {
		s.fail(sess, fmt.Errorf("%w: %v", ErrTargetUnavailable, err))
		return
	}

	settings, err := s.st.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("capture: read settings failed, using defaults", "error", err)
		settings = store.DefaultSettings()
	}
	settle := time.Duration(settings.SettleDelayMs) * time.Millisecond
	if settle <= 0 {
		settle = s.cfg.SettleDelay
	}

	if s.stabilizeEnabled(req, settings) && req.Mode != ModeRegion {
		s.advance(sess, StatusStabilizing, "expanding collapsed content")
		maxDur := time.Duration(settings.StabilizeMaxMs) * time.Millisecond
		if req.StabilizeMaxMs > 0 {
			maxDur = time.Duration(req.StabilizeMaxMs) * time.Millisecond
		}
		clicked, timedOut, err := stabilize.Expand(ctx, target.Page, stabilize.Config{
			MaxDuration: maxDur,
			Logger:      s.logger,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.fail(sess, ctx.Err())
				return
			}
			s.logger.Warn("capture: stabilization failed, proceeding",
				"session", sess.ID, "error", err)
		}
		if timedOut {
			s.logger.Info("capture: stabilization hit time budget, proceeding",
				"session", sess.ID, "clicked", clicked)
		}
	}

	s.advance(sess, StatusCapturing, "capturing frames")
	var result *captureResult
	if req.Mode == ModeRegion {
		result, err = s.captureRegion(ctx, sess, target, *req.Region, settle)
	} else {
		result, err = s.captureScroll(ctx, sess, target, clip, settle)
	}
	if err != nil {
		s.fail(sess, err)
		return
	}
	defer result.engine.Release()

	s.advance(sess, StatusStitching, "encoding composite")
	data, err := result.engine.Finish()
	if err != nil {
		s.fail(sess, err)
		return
	}

	s.advance(sess, StatusFinalizing, "saving output")
	path, err := export.New(s.cfg.OutputDir, s.logger).
		Export(target.Title, target.Host, time.Now(), data)
	if err != nil {
		s.fail(sess, fmt.Errorf("%w: %v", ErrExportFailed, err))
		return
	}

	sess.setOutput(result.engine.Height(), result.engine.Frames(), path)
	msg := "capture complete"
	if result.truncated {
		msg = "capture truncated at the raster ceiling"
	}
	s.finish(sess, StatusCompleted, msg)
}

func (s *Service) stabilizeEnabled(req StartRequest, settings store.Settings) bool {
	if req.Stabilize != nil {
		return *req.Stabilize
	}
	return settings.StabilizeEnabled
}

// captureScroll runs the scroll-and-capture loop: capture a frame at the
// settled offset, hand it to the stitcher with that offset, then scroll one
// step (client height minus overlap) and wait for the page to settle.
// Geometry is re-read every iteration because content can grow or shrink
// mid-capture.
func (s *Service) captureScroll(ctx context.Context, sess *Session, target *Target, clip *sites.Bounds, settle time.Duration) (*captureResult, error) {
	geom, err := target.Driver.Geometry(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}

	engine := stitch.New(stitch.Config{
		MaxHeight:     s.cfg.MaxHeight,
		SeamTolerance: s.cfg.SeamTolerance,
		Logger:        s.logger,
	})
	ok := false
	defer func() {
		if !ok {
			engine.Release()
		}
	}()

	step := geom.ClientHeight - s.cfg.Overlap
	if step <= 0 {
		step = geom.ClientHeight
	}

	// Captures start from the top regardless of where the user left the
	// page; Restore puts the original position back afterwards.
	settled := geom.Offset
	if settled != 0 {
		if settled, err = target.Driver.ScrollTo(ctx, 0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		}
		if err := sleepCtx(ctx, settle); err != nil {
			return nil, err
		}
	}

	truncated := false
	began := false
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		frame, err := s.captureFrame(ctx, target, clip, geom.ClientHeight)
		if err != nil {
			return nil, err
		}
		if !began {
			if err := engine.Begin(frame.Bounds().Dx(), geom.ScrollHeight); err != nil {
				return nil, err
			}
			began = true
		}
		if err := engine.Append(frame, settled); err != nil {
			if errors.Is(err, stitch.ErrCapacityExceeded) {
				s.logger.Warn("capture: raster ceiling reached, truncating",
					"session", sess.ID, "height", engine.Height())
				truncated = true
				break
			}
			return nil, err
		}

		geom, err = target.Driver.Geometry(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		}
		maxScroll := geom.ScrollHeight - geom.ClientHeight
		if maxScroll < 0 {
			maxScroll = 0
		}
		if settled >= maxScroll {
			break
		}

		if _, err := target.Driver.ScrollTo(ctx, settled+step); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		}
		if err := sleepCtx(ctx, settle); err != nil {
			return nil, err
		}
		after, err := target.Driver.Geometry(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		}
		if after.Offset <= settled {
			// The surface refused to move; nothing new to capture.
			break
		}
		settled = after.Offset
		geom = after

		if geom.ScrollHeight > 0 {
			pct := (settled + geom.ClientHeight) * 100 / geom.ScrollHeight
			sess.setProgress(pct, fmt.Sprintf("captured %d frames", engine.Frames()))
			s.persist(sess)
		}
	}

	ok = true
	return &captureResult{engine: engine, truncated: truncated}, nil
}

// captureRegion captures a single bounded rectangle. The region is scrolled
// into view first; coordinates are translated from page space to viewport
// space by the settled offset.
func (s *Service) captureRegion(ctx context.Context, sess *Session, target *Target, region Region, settle time.Duration) (*captureResult, error) {
	settled, err := target.Driver.ScrollTo(ctx, region.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	if err := sleepCtx(ctx, settle); err != nil {
		return nil, err
	}

	relY := region.Y - settled
	if relY < 0 {
		relY = 0
	}
	frame, err := s.captureWithRetry(ctx, func() (image.Image, error) {
		return target.Frames.CaptureClip(ctx,
			float64(region.X), float64(relY), float64(region.Width), float64(region.Height))
	})
	if err != nil {
		return nil, err
	}

	engine := stitch.New(stitch.Config{
		MaxHeight:     s.cfg.MaxHeight,
		SeamTolerance: s.cfg.SeamTolerance,
		Logger:        s.logger,
	})
	if err := engine.Begin(frame.Bounds().Dx(), frame.Bounds().Dy()); err != nil {
		return nil, err
	}
	if err := engine.Append(frame, 0); err != nil {
		engine.Release()
		return nil, err
	}
	sess.setProgress(99, "captured region")
	s.persist(sess)
	return &captureResult{engine: engine}, nil
}

// captureFrame grabs one frame: the full visible region, or the center clip
// when a site handler bounded the capture column.
func (s *Service) captureFrame(ctx context.Context, target *Target, clip *sites.Bounds, clientHeight int) (image.Image, error) {
	return s.captureWithRetry(ctx, func() (image.Image, error) {
		if clip != nil {
			return target.Frames.CaptureClip(ctx,
				float64(clip.Left), float64(clip.Top), float64(clip.Width), float64(clientHeight))
		}
		return target.Frames.CaptureViewport(ctx)
	})
}

// captureWithRetry retries throttled captures with linear backoff. Any other
// error is final.
func (s *Service) captureWithRetry(ctx context.Context, fn func() (image.Image, error)) (image.Image, error) {
	var lastErr error
	for i := 0; i <= s.cfg.CaptureRetries; i++ {
		img, err := fn()
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, browser.ErrThrottled) {
			return nil, err
		}
		lastErr = err
		if err := sleepCtx(ctx, s.cfg.RetryBackoff*time.Duration(i+1)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrCaptureThrottled, lastErr)
}

// advance moves the session forward and persists the new state. An illegal
// transition is a bug in this file; it is logged, never panicked on.
func (s *Service) advance(sess *Session, to Status, message string) {
	if err := sess.transition(to, message); err != nil {
		s.logger.Error("capture: state transition rejected", "session", sess.ID, "error", err)
		return
	}
	s.persist(sess)
	s.logger.Debug("capture: state", "session", sess.ID, "status", to)
}

// finish emits the terminal state exactly once. A second terminal attempt is
// absorbed by the transition guard.
func (s *Service) finish(sess *Session, to Status, message string) {
	if err := sess.transition(to, message); err != nil {
		return
	}
	s.persist(sess)
	s.logger.Info("capture: session finished",
		"session", sess.ID, "status", to, "message", message)
}

// fail ends the session with its error state and a short user-facing summary;
// the full error goes to the log only.
func (s *Service) fail(sess *Session, err error) {
	s.logger.Error("capture: session failed", "session", sess.ID, "error", err)
	s.finish(sess, StatusError, userMessage(err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
