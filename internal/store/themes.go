package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelo/driftline/internal/engine"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const themeColumns = `id, fingerprint, centroid, first_seen, last_seen, times_seen,
	latest_signal, latest_delta, latest_item_count, latest_engagement,
	novelty, persistence, active, idle_runs, member_count, created_at`

// LoadActiveThemes returns every active theme with its centroid.
func (s *Store) LoadActiveThemes(ctx context.Context) ([]*engine.Theme, error) {
	return s.queryThemes(ctx,
		"SELECT "+themeColumns+" FROM themes WHERE active = 1 ORDER BY id")
}

// LoadAllThemes returns every theme, active or not.
func (s *Store) LoadAllThemes(ctx context.Context) ([]*engine.Theme, error) {
	return s.queryThemes(ctx,
		"SELECT "+themeColumns+" FROM themes ORDER BY id")
}

// GetTheme returns one theme by ID, or ErrNotFound.
func (s *Store) GetTheme(ctx context.Context, id int64) (*engine.Theme, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+themeColumns+" FROM themes WHERE id = ?", id)
	th, err := scanTheme(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("theme %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting theme %d: %w", id, err)
	}
	return th, nil
}

// MaxThemeID returns the highest persisted theme ID, zero when none exist.
func (s *Store) MaxThemeID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM themes").Scan(&max); err != nil {
		return 0, fmt.Errorf("querying max theme id: %w", err)
	}
	return max.Int64, nil
}

// KnownItemThemes maps every item already belonging to a theme to that
// theme's ID. Membership is exclusive, so the mapping is single-valued.
func (s *Store) KnownItemThemes(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT item_id, theme_id FROM theme_members")
	if err != nil {
		return nil, fmt.Errorf("querying member item ids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]int64)
	for rows.Next() {
		var id string
		var themeID int64
		if err := rows.Scan(&id, &themeID); err != nil {
			return nil, fmt.Errorf("scanning item id: %w", err)
		}
		known[id] = themeID
	}
	return known, rows.Err()
}

// LoadMemberStats returns the scoring inputs (engagement counts, timestamps)
// for the persisted members of each given theme.
func (s *Store) LoadMemberStats(ctx context.Context, themeIDs []int64) (map[int64][]engine.MemberStat, error) {
	out := make(map[int64][]engine.MemberStat, len(themeIDs))
	if len(themeIDs) == 0 {
		return out, nil
	}

	// per-theme queries keep this simple; theme counts are small
	const q = `SELECT i.id, i.points, i.comments, i.created_at
		FROM theme_members tm JOIN items i ON i.id = tm.item_id
		WHERE tm.theme_id = ? ORDER BY i.created_at, i.id`
	for _, themeID := range themeIDs {
		rows, err := s.db.QueryContext(ctx, q, themeID)
		if err != nil {
			return nil, fmt.Errorf("querying members of theme %d: %w", themeID, err)
		}
		for rows.Next() {
			var st engine.MemberStat
			var created string
			if err := rows.Scan(&st.ItemID, &st.Points, &st.Comments, &created); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning member of theme %d: %w", themeID, err)
			}
			st.CreatedAt = parseTime(created)
			out[themeID] = append(out[themeID], st)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating members of theme %d: %w", themeID, err)
		}
		rows.Close()
	}
	return out, nil
}

// ListMembers returns the memberships of one theme.
func (s *Store) ListMembers(ctx context.Context, themeID int64) ([]engine.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT theme_id, item_id, first_seen, last_seen
		 FROM theme_members WHERE theme_id = ? ORDER BY first_seen, item_id`, themeID)
	if err != nil {
		return nil, fmt.Errorf("querying members of theme %d: %w", themeID, err)
	}
	defer rows.Close()

	var members []engine.Membership
	for rows.Next() {
		var m engine.Membership
		var first, last string
		if err := rows.Scan(&m.ThemeID, &m.ItemID, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		m.FirstSeen = parseTime(first)
		m.LastSeen = parseTime(last)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) queryThemes(ctx context.Context, query string, args ...any) ([]*engine.Theme, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying themes: %w", err)
	}
	defer rows.Close()

	var themes []*engine.Theme
	for rows.Next() {
		th, err := scanTheme(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning theme: %w", err)
		}
		themes = append(themes, th)
	}
	return themes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTheme(row rowScanner) (*engine.Theme, error) {
	var th engine.Theme
	var centroid []byte
	var firstSeen, lastSeen, createdAt string
	var active int
	if err := row.Scan(
		&th.ID, &th.Fingerprint, &centroid, &firstSeen, &lastSeen, &th.TimesSeen,
		&th.LatestSignal, &th.LatestDelta, &th.LatestItemCount, &th.LatestEngagement,
		&th.Novelty, &th.Persistence, &active, &th.IdleRuns, &th.MemberCount, &createdAt,
	); err != nil {
		return nil, err
	}
	th.Centroid = bytesToFloat32(centroid)
	th.FirstSeen = parseTime(firstSeen)
	th.LastSeen = parseTime(lastSeen)
	th.CreatedAt = parseTime(createdAt)
	th.Active = active == 1
	return &th, nil
}
