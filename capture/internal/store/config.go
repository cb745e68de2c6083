package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/scrollcap/scrollcap/dbopen"
)

// Settings is the runtime-mutable configuration record, persisted so it
// survives restarts. Fields are additive; absent keys keep their defaults.
type Settings struct {
	StabilizeEnabled bool `json:"stabilize_enabled"`
	StabilizeMaxMs   int  `json:"stabilize_max_ms"`
	SettleDelayMs    int  `json:"settle_delay_ms"`
}

// DefaultSettings are used when no record has been written yet.
func DefaultSettings() Settings {
	return Settings{
		StabilizeEnabled: true,
		StabilizeMaxMs:   5000,
		SettleDelayMs:    350,
	}
}

// GetSettings reads the configuration record, filling absent keys from
// defaults.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	out := DefaultSettings()
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM capture_config`)
	if err != nil {
		return out, fmt.Errorf("store: get settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return out, fmt.Errorf("store: get settings: scan: %w", err)
		}
		switch k {
		case "stabilize_enabled":
			out.StabilizeEnabled = v == "true"
		case "stabilize_max_ms":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				out.StabilizeMaxMs = n
			}
		case "settle_delay_ms":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				out.SettleDelayMs = n
			}
		}
	}
	return out, rows.Err()
}

// PutSettings writes the configuration record.
func (s *Store) PutSettings(ctx context.Context, cfg Settings) error {
	now := time.Now().Unix()
	pairs := map[string]string{
		"stabilize_enabled": strconv.FormatBool(cfg.StabilizeEnabled),
		"stabilize_max_ms":  strconv.Itoa(cfg.StabilizeMaxMs),
		"settle_delay_ms":   strconv.Itoa(cfg.SettleDelayMs),
	}
	for k, v := range pairs {
		_, err := dbopen.Exec(ctx, s.DB, `
			INSERT INTO capture_config (key, value, updated_at) VALUES (?,?,?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now)
		if err != nil {
			return fmt.Errorf("store: put setting %s: %w", k, err)
		}
	}
	return nil
}
