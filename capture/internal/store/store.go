// Package store provides the SQLite persistence layer for scrollcap:
// capture-session status records read by pollers, and the small mutable
// configuration record. Session rows are status reporting only; a crash
// mid-capture is reported, never resumed.
package store

import (
	"database/sql"

	"github.com/scrollcap/scrollcap/dbopen"
)

// Store is the scrollcap database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the scrollcap SQLite database at path and applies
// the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
