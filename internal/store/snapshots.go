package store

import (
	"context"
	"fmt"

	"github.com/kestrelo/driftline/internal/engine"
)

// ListSnapshots returns a theme's history oldest-first, up to limit
// (0 = unlimited).
func (s *Store) ListSnapshots(ctx context.Context, themeID int64, limit int) ([]engine.Snapshot, error) {
	q := `SELECT theme_id, run_id, window_start, window_end, item_count,
		engagement_count, signal, delta, novelty, persistence
		FROM theme_snapshots WHERE theme_id = ? ORDER BY created_at, id`
	args := []any{themeID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots for theme %d: %w", themeID, err)
	}
	defer rows.Close()

	var snaps []engine.Snapshot
	for rows.Next() {
		var snap engine.Snapshot
		var start, end string
		if err := rows.Scan(
			&snap.ThemeID, &snap.RunID, &start, &end, &snap.ItemCount,
			&snap.EngagementCount, &snap.Signal, &snap.Delta,
			&snap.Novelty, &snap.Persistence,
		); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snap.WindowStart = parseTime(start)
		snap.WindowEnd = parseTime(end)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
