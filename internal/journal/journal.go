// Package journal persists controller activity to SQLite.
//
// A journal records one row per controller session, every routed call with
// its outcome, runtime faults, performance samples and a sampled subset of
// snapshots. Snapshot payloads are msgpack-encoded and block-compressed with
// zstd or snappy. *Journal implements controller.Recorder.
//
// Reads are ordered by insertion sequence so `simbridge trace` output is
// stable for a given database.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on faults(session_id, seq)
const currentSchemaVersion = 1

// DefaultSnapshotEvery keeps one snapshot in this many frames.
const DefaultSnapshotEvery = 30

// Options tunes what the journal keeps.
type Options struct {
	// Codec names the snapshot compression: "zstd" (default) or "snappy".
	Codec string
	// SnapshotEvery keeps frames 1, 1+N, 1+2N, ... Zero selects the
	// default; one keeps every frame.
	SnapshotEvery int
}

// Journal is a SQLite-backed controller recorder.
type Journal struct {
	db    *sql.DB
	codec Codec
	every uint64
}

// Open creates or opens the journal at path and brings its schema up to
// date. Safe to call repeatedly on the same file.
func Open(path string, opts Options) (*Journal, error) {
	codec, err := CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	every := opts.SnapshotEvery
	if every <= 0 {
		every = DefaultSnapshotEvery
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Journal{db: db, codec: codec, every: uint64(every)}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Codec returns the snapshot codec in use.
func (j *Journal) Codec() Codec {
	return j.codec
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_faults_session ON faults(session_id, seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func (j *Journal) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := j.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}
