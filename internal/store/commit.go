package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrelo/driftline/internal/engine"
)

// CommitRun applies everything one run produced in a single transaction:
// the run row, new items, theme upserts, membership moves for folded
// themes, new memberships, snapshot rows, and surge rows. Any failure rolls
// the whole run back.
func (s *Store) CommitRun(ctx context.Context, set *engine.CommitSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	run := set.Run
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, reference_time, state,
			themes_created, themes_updated, themes_merged, items_assigned, items_skipped,
			terms_surged, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		formatTime(run.ReferenceTime), string(run.State),
		run.ThemesCreated, run.ThemesUpdated, run.ThemesMerged, run.ItemsAssigned,
		run.ItemsSkipped, run.TermsSurged, run.Message,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for _, it := range set.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, title, created_at, points, comments, imported_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				title = excluded.title, points = excluded.points, comments = excluded.comments`,
			it.ID, it.Title, formatTime(it.CreatedAt), it.Points, it.Comments,
			formatTime(run.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}

	for _, th := range set.Themes {
		// fold losers are the one legitimate zero-member write
		if th.Active && th.MemberCount == 0 {
			return fmt.Errorf("active theme %d has no members", th.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO themes (id, fingerprint, centroid, dims, first_seen, last_seen,
				times_seen, latest_signal, latest_delta, latest_item_count, latest_engagement,
				novelty, persistence, active, idle_runs, member_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				centroid = excluded.centroid,
				first_seen = excluded.first_seen,
				last_seen = excluded.last_seen,
				times_seen = excluded.times_seen,
				latest_signal = excluded.latest_signal,
				latest_delta = excluded.latest_delta,
				latest_item_count = excluded.latest_item_count,
				latest_engagement = excluded.latest_engagement,
				novelty = excluded.novelty,
				persistence = excluded.persistence,
				active = excluded.active,
				idle_runs = excluded.idle_runs,
				member_count = excluded.member_count`,
			th.ID, th.Fingerprint, float32ToBytes(th.Centroid), len(th.Centroid),
			formatTime(th.FirstSeen), formatTime(th.LastSeen), th.TimesSeen,
			th.LatestSignal, th.LatestDelta, th.LatestItemCount, th.LatestEngagement,
			th.Novelty, th.Persistence, boolToInt(th.Active), th.IdleRuns,
			th.MemberCount, formatTime(th.CreatedAt),
		); err != nil {
			return fmt.Errorf("upserting theme %d: %w", th.ID, err)
		}
	}

	for _, m := range set.Merges {
		if _, err := tx.ExecContext(ctx,
			`UPDATE theme_members SET theme_id = ? WHERE theme_id = ?`,
			m.WinnerID, m.LoserID,
		); err != nil {
			return fmt.Errorf("moving members of theme %d to %d: %w", m.LoserID, m.WinnerID, err)
		}
	}

	for _, m := range set.Memberships {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO theme_members (theme_id, item_id, first_seen, last_seen)
			 VALUES (?, ?, ?, ?)`,
			m.ThemeID, m.ItemID, formatTime(m.FirstSeen), formatTime(m.LastSeen),
		); err != nil {
			return fmt.Errorf("inserting membership %d/%s: %w", m.ThemeID, m.ItemID, err)
		}
	}

	for _, snap := range set.Snapshots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO theme_snapshots (theme_id, run_id, window_start, window_end,
				item_count, engagement_count, signal, delta, novelty, persistence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ThemeID, snap.RunID, formatTime(snap.WindowStart), formatTime(snap.WindowEnd),
			snap.ItemCount, snap.EngagementCount, snap.Signal, snap.Delta,
			snap.Novelty, snap.Persistence, formatTime(run.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting snapshot for theme %d: %w", snap.ThemeID, err)
		}
	}

	for _, su := range set.Surges {
		themeIDs, err := json.Marshal(su.ThemeIDs)
		if err != nil {
			return fmt.Errorf("encoding theme ids for term %q: %w", su.Term, err)
		}
		if su.ThemeIDs == nil {
			themeIDs = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO term_surges (run_id, term, current_score, baseline_score,
				surge_ratio, surge_delta, theme_ids, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, su.Term, su.Current, su.Baseline, su.Ratio, su.Delta,
			string(themeIDs), formatTime(run.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting surge for term %q: %w", su.Term, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run %s: %w", run.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
