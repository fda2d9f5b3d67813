package mcp

import (
	"context"
	"time"

	"github.com/kestrelo/driftline/internal/engine"
)

// themeView is the JSON shape returned by driftline_themes: theme scores
// without the raw centroid blob.
type themeView struct {
	ID               int64     `json:"id"`
	Fingerprint      string    `json:"fingerprint"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	TimesSeen        int       `json:"times_seen"`
	LatestSignal     float64   `json:"latest_signal"`
	LatestDelta      float64   `json:"latest_delta"`
	LatestItemCount  int       `json:"latest_item_count"`
	LatestEngagement int64     `json:"latest_engagement"`
	Novelty          float64   `json:"novelty"`
	Persistence      float64   `json:"persistence"`
	Active           bool      `json:"active"`
	IdleRuns         int       `json:"idle_runs"`
	MemberCount      int       `json:"member_count"`
}

func loadThemeViews(ctx context.Context, load func(context.Context) ([]*engine.Theme, error)) ([]*themeView, error) {
	themes, err := load(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*themeView, 0, len(themes))
	for _, th := range themes {
		views = append(views, &themeView{
			ID:               th.ID,
			Fingerprint:      th.Fingerprint,
			FirstSeen:        th.FirstSeen,
			LastSeen:         th.LastSeen,
			TimesSeen:        th.TimesSeen,
			LatestSignal:     th.LatestSignal,
			LatestDelta:      th.LatestDelta,
			LatestItemCount:  th.LatestItemCount,
			LatestEngagement: th.LatestEngagement,
			Novelty:          th.Novelty,
			Persistence:      th.Persistence,
			Active:           th.Active,
			IdleRuns:         th.IdleRuns,
			MemberCount:      th.MemberCount,
		})
	}
	return views, nil
}
