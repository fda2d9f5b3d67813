package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsolidateFoldsAndRemaps(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	winner := &Theme{
		ID:          1,
		Centroid:    vec(1, 0, 0),
		TimesSeen:   3,
		Active:      true,
		MemberCount: 2,
		FirstSeen:   base.Add(-48 * time.Hour),
		LastSeen:    base.Add(-24 * time.Hour),
	}
	loser := &Theme{
		ID:          2,
		Centroid:    vec(0.95, 0.312, 0),
		TimesSeen:   1,
		Active:      true,
		MemberCount: 1,
		FirstSeen:   base.Add(-10 * time.Hour),
		LastSeen:    base.Add(-10 * time.Hour),
	}

	as := NewAssigner(0.78, 3, []*Theme{winner, loser}, 2, map[string]int64{"p": 2})
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("x", base, vec(0.95, 0.312, 0)),
	}))
	require.Equal(t, int64(2), as.Assignments()["x"])

	merges := as.ConsolidateThemes(0.9)
	require.Equal(t, []ThemeMerge{{WinnerID: 1, LoserID: 2}}, merges)

	// winner absorbed the loser's members and its sighting this run
	require.Equal(t, 4, winner.MemberCount)
	require.Equal(t, 4, winner.TimesSeen)
	require.Equal(t, base.Add(-48*time.Hour), winner.FirstSeen)
	require.Equal(t, base, winner.LastSeen)
	require.True(t, winner.Active)

	require.False(t, loser.Active)
	require.Equal(t, 0, loser.MemberCount)

	// run bookkeeping repointed at the winner
	require.Equal(t, []int64{1}, as.TouchedIDs())
	require.Equal(t, int64(1), as.Assignments()["x"])
	require.Equal(t, int64(1), as.ItemThemes()["p"])
	require.Len(t, as.NewMemberships(), 1)
	require.Equal(t, int64(1), as.NewMemberships()[0].ThemeID)
}

func TestConsolidateDropsCreatedLoser(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// a and b are close, but not close enough to merge at assign time
	as := NewAssigner(0.995, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("a", base, vec(1, 0, 0)),
		item("b", base.Add(time.Minute), vec(0.9, 0.436, 0)),
	}))
	require.Len(t, as.CreatedIDs(), 2)

	merges := as.ConsolidateThemes(0.85)
	// a created loser was never persisted, so there is nothing to move
	require.Empty(t, merges)
	require.Equal(t, []int64{1}, as.CreatedIDs())
	require.Len(t, as.Themes(), 1)
	require.Equal(t, 2, as.Themes()[1].MemberCount)
	require.Equal(t, int64(1), as.Assignments()["a"])
	require.Equal(t, int64(1), as.Assignments()["b"])
}

func TestConsolidateLeavesDistinctThemes(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t1 := &Theme{ID: 1, Centroid: vec(1, 0, 0), TimesSeen: 1, Active: true, MemberCount: 1, FirstSeen: base, LastSeen: base}
	t2 := &Theme{ID: 2, Centroid: vec(0, 1, 0), TimesSeen: 1, Active: true, MemberCount: 1, FirstSeen: base, LastSeen: base}

	as := NewAssigner(0.78, 3, []*Theme{t1, t2}, 2, nil)
	require.Empty(t, as.ConsolidateThemes(0.9))
	require.True(t, t1.Active)
	require.True(t, t2.Active)
	require.Equal(t, 1, t1.MemberCount)
}
