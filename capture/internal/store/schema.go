package store

// Schema is the scrollcap database schema. Additive changes only; there is
// no version table because both entities are simple key-value documents.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_sessions (
	session_id     TEXT PRIMARY KEY,
	target_key     TEXT NOT NULL,
	mode           TEXT NOT NULL,
	status         TEXT NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	progress       INTEGER NOT NULL DEFAULT 0,
	output_height  INTEGER NOT NULL DEFAULT 0,
	frame_count    INTEGER NOT NULL DEFAULT 0,
	output_path    TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capture_sessions_target
	ON capture_sessions(target_key, status);

CREATE TABLE IF NOT EXISTS capture_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`
