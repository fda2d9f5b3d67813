package store

import (
	"database/sql"
	"fmt"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *Store) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	return nil
}

func (s *Store) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Persistent clusters. Centroid is the running mean of member
		// embeddings, float32 little-endian. Rows are never deleted;
		// active flips to 0 after enough idle runs.
		`CREATE TABLE IF NOT EXISTS themes (
			id                INTEGER PRIMARY KEY,
			fingerprint       TEXT UNIQUE NOT NULL,
			centroid          BLOB NOT NULL,
			dims              INTEGER NOT NULL,
			first_seen        TEXT NOT NULL,
			last_seen         TEXT NOT NULL,
			times_seen        INTEGER NOT NULL DEFAULT 1,
			latest_signal     REAL NOT NULL DEFAULT 0,
			latest_delta      REAL NOT NULL DEFAULT 0,
			latest_item_count INTEGER NOT NULL DEFAULT 0,
			latest_engagement INTEGER NOT NULL DEFAULT 0,
			novelty           REAL NOT NULL DEFAULT 1,
			persistence       REAL NOT NULL DEFAULT 0,
			active            INTEGER NOT NULL DEFAULT 1,
			idle_runs         INTEGER NOT NULL DEFAULT 0,
			member_count      INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS items (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			points      INTEGER NOT NULL DEFAULT 0,
			comments    INTEGER NOT NULL DEFAULT 0,
			imported_at TEXT NOT NULL
		)`,

		// Exclusive membership: the UNIQUE(item_id) constraint backs the
		// one-theme-per-item rule at the storage level.
		`CREATE TABLE IF NOT EXISTS theme_members (
			theme_id   INTEGER NOT NULL REFERENCES themes(id),
			item_id    TEXT NOT NULL REFERENCES items(id),
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			PRIMARY KEY (theme_id, item_id),
			UNIQUE (item_id)
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			started_at     TEXT NOT NULL,
			finished_at    TEXT NOT NULL,
			reference_time TEXT NOT NULL,
			state          TEXT NOT NULL,
			themes_created INTEGER NOT NULL DEFAULT 0,
			themes_updated INTEGER NOT NULL DEFAULT 0,
			themes_merged  INTEGER NOT NULL DEFAULT 0,
			items_assigned INTEGER NOT NULL DEFAULT 0,
			items_skipped  INTEGER NOT NULL DEFAULT 0,
			terms_surged   INTEGER NOT NULL DEFAULT 0,
			message        TEXT NOT NULL DEFAULT ''
		)`,

		// Append-only history: one row per (theme, run).
		`CREATE TABLE IF NOT EXISTS theme_snapshots (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			theme_id         INTEGER NOT NULL REFERENCES themes(id),
			run_id           TEXT NOT NULL REFERENCES runs(id),
			window_start     TEXT NOT NULL,
			window_end       TEXT NOT NULL,
			item_count       INTEGER NOT NULL,
			engagement_count INTEGER NOT NULL,
			signal           REAL NOT NULL,
			delta            REAL NOT NULL,
			novelty          REAL NOT NULL,
			persistence      REAL NOT NULL,
			created_at       TEXT NOT NULL,
			UNIQUE (theme_id, run_id)
		)`,

		`CREATE TABLE IF NOT EXISTS term_surges (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id         TEXT NOT NULL REFERENCES runs(id),
			term           TEXT NOT NULL,
			current_score  REAL NOT NULL,
			baseline_score REAL NOT NULL,
			surge_ratio    REAL NOT NULL,
			surge_delta    REAL NOT NULL,
			theme_ids      TEXT NOT NULL DEFAULT '[]',
			created_at     TEXT NOT NULL,
			UNIQUE (run_id, term)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_themes_active ON themes(active)`,
		`CREATE INDEX IF NOT EXISTS idx_members_theme ON theme_members(theme_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_theme ON theme_snapshots(theme_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_surges_run ON term_surges(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap: %w", err)
	}
	return nil
}

func (s *Store) seedMeta() error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1')")
	return err
}

func (s *Store) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *Store) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}
