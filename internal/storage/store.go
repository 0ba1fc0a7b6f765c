// Package storage owns all durable state: order intents, fills, trades,
// tracked positions, signal gates, bot state and audit tables. It is the
// only package that touches the database and the only one allowed to run
// DDL.
//
// All methods are safe for concurrent use. SQLite runs in WAL mode with a
// busy timeout, so writers serialize on short exclusive locks and readers
// never block each other.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// tsFormat is the canonical timestamp encoding for every *_utc column.
const tsFormat = time.RFC3339Nano

// Store is the SQLite-backed implementation of Interface.
type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating if needed) the database at path, runs the schema
// migrator, and returns a ready store. EnsureSchema must complete before
// any other consumer sees the handle, so this is the only constructor.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}

	result, err := EnsureSchema(path, logger, false)
	if err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	if len(result.Applied) > 0 {
		logger.Printf("Schema migration applied %d change(s), version %d", len(result.Applied), CurrentSchemaVersion)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// WAL allows one writer and many readers; the busy timeout covers the
	// short exclusive locks writers take.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func nowUTC() string {
	return time.Now().UTC().Format(tsFormat)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsFormat, s)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
