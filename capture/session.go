package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scrollcap/scrollcap/capture/internal/store"
)

// Status is a capture session state. idle is initial; completed and error
// are terminal.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusPreparing   Status = "preparing"
	StatusStabilizing Status = "stabilizing"
	StatusCapturing   Status = "capturing"
	StatusStitching   Status = "stitching"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// transitions lists the legal forward edges. StatusError is additionally
// reachable from every non-terminal state.
var transitions = map[Status]Status{
	StatusIdle:        StatusPreparing,
	StatusPreparing:   StatusStabilizing,
	StatusStabilizing: StatusCapturing,
	StatusCapturing:   StatusStitching,
	StatusStitching:   StatusFinalizing,
	StatusFinalizing:  StatusCompleted,
}

func (s Status) canTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	// Skipping intermediate states forward is allowed (stabilizing is
	// optional, the region path goes straight to finalizing).
	cur := s
	for {
		next, ok := transitions[cur]
		if !ok {
			return false
		}
		if next == to {
			return true
		}
		cur = next
	}
}

// Mode selects the capture variant.
type Mode string

const (
	ModeFull       Mode = "full"
	ModeRegion     Mode = "region"
	ModeSiteCenter Mode = "site-center"
)

func (m Mode) valid() bool {
	switch m {
	case ModeFull, ModeRegion, ModeSiteCenter:
		return true
	}
	return false
}

// Session is one end-to-end capture request. Mutated exclusively by the
// orchestrator goroutine that runs it; reads go through the snapshot.
type Session struct {
	ID        string
	TargetKey string
	Mode      Mode

	mu           sync.Mutex
	status       Status
	message      string
	progress     int
	outputHeight int
	frameCount   int
	outputPath   string
	createdAt    time.Time
	updatedAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id, targetKey string, mode Mode) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		TargetKey: targetKey,
		Mode:      mode,
		status:    StatusIdle,
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// transition moves the session to a new state, enforcing the state machine.
func (s *Session) transition(to Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.canTransition(to) {
		return fmt.Errorf("capture: illegal transition %s -> %s", s.status, to)
	}
	s.status = to
	s.message = message
	s.updatedAt = time.Now()
	if to == StatusCompleted {
		s.progress = 100
	}
	return nil
}

func (s *Session) setProgress(progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	if progress > 99 {
		progress = 99
	}
	s.progress = progress
	if message != "" {
		s.message = message
	}
	s.updatedAt = time.Now()
}

func (s *Session) setOutput(height, frames int, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputHeight = height
	s.frameCount = frames
	if path != "" {
		s.outputPath = path
	}
	s.updatedAt = time.Now()
}

// snapshot renders the session as its persisted record.
func (s *Session) snapshot() store.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.SessionRecord{
		SessionID:    s.ID,
		TargetKey:    s.TargetKey,
		Mode:         string(s.Mode),
		Status:       string(s.status),
		Message:      s.message,
		Progress:     s.progress,
		OutputHeight: s.outputHeight,
		FrameCount:   s.frameCount,
		OutputPath:   s.outputPath,
		CreatedAt:    s.createdAt.Unix(),
		UpdatedAt:    s.updatedAt.Unix(),
	}
}
