// Package store provides the SQLite storage layer for driftline.
//
// All engine state lives in a single SQLite database file: themes with their
// centroids, items, exclusive theme memberships, append-only per-run
// snapshots, surge records, and the run log. A run's writes are applied in
// one transaction; a failed run leaves the database exactly as it was.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.driftline/driftline.db"

// Config holds configuration for Open.
type Config struct {
	DBPath string
	Dims   int
}

// Store is the concrete SQLite-backed store. It satisfies engine.Storage
// plus the read surfaces the CLI and MCP tools use.
type Store struct {
	db     *sql.DB
	dbPath string
	dims   int
}

// Open opens (creating if needed) the database at cfg.DBPath, applies
// pragmas, and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, dbPath: cfg.DBPath, dims: cfg.Dims}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats holds observability counts for the stats command and MCP tool.
type Stats struct {
	ThemeCount    int64
	ActiveThemes  int64
	ItemCount     int64
	SnapshotCount int64
	SurgeCount    int64
	RunCount      int64
	DBSizeBytes   int64
}

// GetStats returns row counts and database size.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM themes", &st.ThemeCount},
		{"SELECT COUNT(*) FROM themes WHERE active = 1", &st.ActiveThemes},
		{"SELECT COUNT(*) FROM items", &st.ItemCount},
		{"SELECT COUNT(*) FROM theme_snapshots", &st.SnapshotCount},
		{"SELECT COUNT(*) FROM term_surges", &st.SurgeCount},
		{"SELECT COUNT(*) FROM runs", &st.RunCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = fi.Size()
		}
	}
	return st, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// timestamps are stored as RFC3339Nano UTC text so scans never depend on
// driver-specific datetime handling.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
