package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrollcap/scrollcap/dbopen"
)

// SessionRecord is the persisted view of a capture session. Written only by
// the orchestrator; read by status-polling callers.
type SessionRecord struct {
	SessionID    string `json:"session_id"`
	TargetKey    string `json:"target_key"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	Progress     int    `json:"progress"`
	OutputHeight int    `json:"output_height"`
	FrameCount   int    `json:"frame_count"`
	OutputPath   string `json:"output_path,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(ctx context.Context, r SessionRecord) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO capture_sessions (
			session_id, target_key, mode, status, message, progress,
			output_height, frame_count, output_path, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			progress = excluded.progress,
			output_height = excluded.output_height,
			frame_count = excluded.frame_count,
			output_path = excluded.output_path,
			updated_at = excluded.updated_at`,
		r.SessionID, r.TargetKey, r.Mode, r.Status, r.Message, r.Progress,
		r.OutputHeight, r.FrameCount, r.OutputPath, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put session %s: %w", r.SessionID, err)
	}
	return nil
}

// GetSession returns the record for id, or (nil, nil) when none exists.
// A status query before any capture started is not an error.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var r SessionRecord
	err := s.DB.QueryRowContext(ctx, `
		SELECT session_id, target_key, mode, status, message, progress,
		       output_height, frame_count, output_path, created_at, updated_at
		FROM capture_sessions WHERE session_id = ?`, id).Scan(
		&r.SessionID, &r.TargetKey, &r.Mode, &r.Status, &r.Message, &r.Progress,
		&r.OutputHeight, &r.FrameCount, &r.OutputPath, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return &r, nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM capture_sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	return nil
}

// PruneSessions deletes terminal session records not updated since cutoff.
// Terminal records are retained briefly for status polling, then discarded.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		DELETE FROM capture_sessions
		WHERE status IN ('completed', 'error') AND updated_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
