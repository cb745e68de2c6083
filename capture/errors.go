package capture

import (
	"context"
	"errors"

	"github.com/scrollcap/scrollcap/capture/internal/stitch"
)

// Error taxonomy. Transient conditions (throttling) are retried inside the
// orchestrator and surface only when retries exhaust; structural conditions
// move the session to its error state with a short user-facing summary,
// while the full detail goes to the log.
var (
	// ErrTargetUnavailable means no capturable surface was found:
	// restricted page, failed navigation, or a detached container.
	ErrTargetUnavailable = errors.New("capture: no capturable surface")

	// ErrCaptureActive rejects a second start while a session is active
	// for the same target. No preemption, no queuing.
	ErrCaptureActive = errors.New("capture: capture already active for this target")

	// ErrCaptureThrottled means the host capture rate limit held through
	// every retry.
	ErrCaptureThrottled = errors.New("capture: host capture throttled")

	// ErrCapacityExceeded is the raster ceiling. Partial success, not
	// fatal: the session completes with a truncated composite.
	ErrCapacityExceeded = stitch.ErrCapacityExceeded

	// ErrExportFailed means the encoded output could not be delivered.
	ErrExportFailed = errors.New("capture: export failed")

	// ErrInvalidMessage rejects a malformed cross-context request at the
	// boundary; session state is untouched.
	ErrInvalidMessage = errors.New("capture: invalid message")
)

// userMessage maps an internal error to the single short summary surfaced
// to callers. Internal detail is logged, never exposed verbatim.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrTargetUnavailable):
		return "page cannot be captured"
	case errors.Is(err, ErrCaptureThrottled):
		return "capture rate limit exceeded"
	case errors.Is(err, ErrExportFailed):
		return "could not save capture"
	case errors.Is(err, context.Canceled):
		return "capture cancelled"
	default:
		return "capture failed"
	}
}
