package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelo/driftline/internal/engine"
)

// FirstRunStartedAt returns the start time of the earliest recorded run, or
// the zero time when no runs exist yet.
func (s *Store) FirstRunStartedAt(ctx context.Context) (time.Time, error) {
	var started sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT MIN(started_at) FROM runs").Scan(&started)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying first run: %w", err)
	}
	if !started.Valid {
		return time.Time{}, nil
	}
	return parseTime(started.String), nil
}

// RecordFailedRun writes a run row for a failed attempt. Called outside the
// run transaction; engine state is untouched.
func (s *Store) RecordFailedRun(ctx context.Context, run engine.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started_at, finished_at, reference_time, state,
			themes_created, themes_updated, themes_merged, items_assigned, items_skipped,
			terms_surged, message)
		 VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, ?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		formatTime(run.ReferenceTime), string(run.State), run.Message,
	)
	if err != nil {
		return fmt.Errorf("recording failed run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns one run row by ID, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, reference_time, state, themes_created,
			themes_updated, themes_merged, items_assigned, items_skipped, terms_surged, message
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

// LatestRunID returns the most recently started run's ID, empty when none.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1").Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id.String, nil
}

// ListRuns returns run rows newest-first, up to limit (default 20).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*engine.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, reference_time, state, themes_created,
			themes_updated, themes_merged, items_assigned, items_skipped, terms_surged, message
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*engine.RunRecord, error) {
	var run engine.RunRecord
	var started, finished, reference, state string
	if err := row.Scan(
		&run.ID, &started, &finished, &reference, &state,
		&run.ThemesCreated, &run.ThemesUpdated, &run.ThemesMerged,
		&run.ItemsAssigned, &run.ItemsSkipped, &run.TermsSurged, &run.Message,
	); err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished)
	run.ReferenceTime = parseTime(reference)
	run.State = engine.State(state)
	return &run, nil
}
