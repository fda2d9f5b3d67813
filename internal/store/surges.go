package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrelo/driftline/internal/surge"
)

// SurgeRecord is one persisted term surge.
type SurgeRecord struct {
	RunID string `json:"run_id"`
	surge.Surge
}

// ListSurges returns the surges recorded for a run, highest ratio first.
func (s *Store) ListSurges(ctx context.Context, runID string) ([]SurgeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, term, current_score, baseline_score, surge_ratio, surge_delta, theme_ids
		 FROM term_surges WHERE run_id = ? ORDER BY surge_ratio DESC, term`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying surges for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []SurgeRecord
	for rows.Next() {
		var rec SurgeRecord
		var themeIDs string
		if err := rows.Scan(
			&rec.RunID, &rec.Term, &rec.Current, &rec.Baseline,
			&rec.Ratio, &rec.Delta, &themeIDs,
		); err != nil {
			return nil, fmt.Errorf("scanning surge: %w", err)
		}
		if err := json.Unmarshal([]byte(themeIDs), &rec.ThemeIDs); err != nil {
			return nil, fmt.Errorf("decoding theme ids for term %q: %w", rec.Term, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
