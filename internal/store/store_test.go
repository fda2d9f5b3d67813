package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelo/driftline/internal/engine"
	"github.com/kestrelo/driftline/internal/surge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: ":memory:", Dims: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testCommitSet(ref time.Time) *engine.CommitSet {
	return &engine.CommitSet{
		Run: engine.RunRecord{
			ID:            "01RUN",
			StartedAt:     ref.Add(-time.Minute),
			FinishedAt:    ref,
			ReferenceTime: ref,
			State:         engine.StateDone,
			ThemesCreated: 1,
			ItemsAssigned: 2,
		},
		Items: []engine.Item{
			{ID: "i1", Title: "first", CreatedAt: ref.Add(-2 * time.Hour), Points: 10, Comments: 3},
			{ID: "i2", Title: "second", CreatedAt: ref.Add(-time.Hour), Points: 4, Comments: 1},
		},
		Themes: []*engine.Theme{{
			ID:               1,
			Fingerprint:      "fp-1",
			Centroid:         []float32{0.6, 0.8, 0},
			FirstSeen:        ref.Add(-2 * time.Hour),
			LastSeen:         ref.Add(-time.Hour),
			TimesSeen:        1,
			LatestSignal:     17.5,
			LatestDelta:      17.5,
			LatestItemCount:  2,
			LatestEngagement: 18,
			Novelty:          1,
			Persistence:      1,
			Active:           true,
			MemberCount:      2,
			CreatedAt:        ref.Add(-2 * time.Hour),
		}},
		Memberships: []engine.Membership{
			{ThemeID: 1, ItemID: "i1", FirstSeen: ref.Add(-2 * time.Hour), LastSeen: ref.Add(-2 * time.Hour)},
			{ThemeID: 1, ItemID: "i2", FirstSeen: ref.Add(-time.Hour), LastSeen: ref.Add(-time.Hour)},
		},
		Snapshots: []engine.Snapshot{{
			ThemeID:         1,
			RunID:           "01RUN",
			WindowStart:     ref.Add(-2 * time.Hour),
			WindowEnd:       ref.Add(-time.Hour),
			ItemCount:       2,
			EngagementCount: 18,
			Signal:          17.5,
			Delta:           17.5,
			Novelty:         1,
			Persistence:     1,
		}},
		Surges: []surge.Surge{{
			Term:     "wasm",
			Current:  10,
			Baseline: 5,
			Ratio:    2,
			Delta:    5,
			ThemeIDs: []int64{1},
		}},
	}
}

func TestCommitRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CommitRun(ctx, testCommitSet(ref)))

	themes, err := s.LoadActiveThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 1)
	th := themes[0]
	require.Equal(t, int64(1), th.ID)
	require.Equal(t, "fp-1", th.Fingerprint)
	require.Equal(t, []float32{0.6, 0.8, 0}, th.Centroid)
	require.Equal(t, ref.Add(-2*time.Hour), th.FirstSeen)
	require.Equal(t, 17.5, th.LatestSignal)
	require.Equal(t, int64(18), th.LatestEngagement)
	require.True(t, th.Active)

	maxID, err := s.MaxThemeID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), maxID)

	known, err := s.KnownItemThemes(ctx)
	require.NoError(t, err)
	require.Len(t, known, 2)
	require.Equal(t, int64(1), known["i1"])

	stats, err := s.LoadMemberStats(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, stats[1], 2)
	require.Equal(t, "i1", stats[1][0].ItemID)
	require.Equal(t, int64(10), stats[1][0].Points)

	snaps, err := s.ListSnapshots(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "01RUN", snaps[0].RunID)
	require.Equal(t, 17.5, snaps[0].Signal)

	surges, err := s.ListSurges(ctx, "01RUN")
	require.NoError(t, err)
	require.Len(t, surges, 1)
	require.Equal(t, "wasm", surges[0].Term)
	require.Equal(t, []int64{1}, surges[0].ThemeIDs)

	first, err := s.FirstRunStartedAt(ctx)
	require.NoError(t, err)
	require.Equal(t, ref.Add(-time.Minute), first)

	run, err := s.GetRun(ctx, "01RUN")
	require.NoError(t, err)
	require.Equal(t, engine.StateDone, run.State)
	require.Equal(t, 2, run.ItemsAssigned)
}

func TestCommitRunAtomicRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	set := testCommitSet(ref)
	// duplicate membership violates the primary key mid-transaction
	set.Memberships = append(set.Memberships, set.Memberships[0])
	require.Error(t, s.CommitRun(ctx, set))

	themes, err := s.LoadAllThemes(ctx)
	require.NoError(t, err)
	require.Empty(t, themes)

	known, err := s.KnownItemThemes(ctx)
	require.NoError(t, err)
	require.Empty(t, known)

	_, err = s.GetRun(ctx, "01RUN")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommitRunRejectsEmptyActiveTheme(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	set := testCommitSet(ref)
	set.Themes[0].MemberCount = 0
	require.Error(t, s.CommitRun(ctx, set))
}

func TestCommitRunMergeMovesMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CommitRun(ctx, testCommitSet(ref)))

	// second run seeds a separate theme with its own member
	second := testCommitSet(ref.Add(time.Hour))
	second.Run.ID = "02RUN"
	second.Items = []engine.Item{{ID: "i3", CreatedAt: ref, Points: 2}}
	second.Themes = []*engine.Theme{{
		ID: 2, Fingerprint: "fp-2", Centroid: []float32{0.62, 0.78, 0},
		FirstSeen: ref, LastSeen: ref, TimesSeen: 1, Active: true,
		MemberCount: 1, CreatedAt: ref,
	}}
	second.Memberships = []engine.Membership{{ThemeID: 2, ItemID: "i3", FirstSeen: ref, LastSeen: ref}}
	second.Snapshots = nil
	second.Surges = nil
	require.NoError(t, s.CommitRun(ctx, second))

	// third run folds theme 2 into theme 1
	third := testCommitSet(ref.Add(2 * time.Hour))
	third.Run.ID = "03RUN"
	third.Run.ThemesMerged = 1
	third.Items = nil
	third.Memberships = nil
	third.Snapshots = nil
	third.Surges = nil
	third.Merges = []engine.ThemeMerge{{WinnerID: 1, LoserID: 2}}
	third.Themes[0].MemberCount = 3
	third.Themes = append(third.Themes, &engine.Theme{
		ID: 2, Fingerprint: "fp-2", Centroid: []float32{0.62, 0.78, 0},
		FirstSeen: ref, LastSeen: ref, TimesSeen: 1, Active: false,
		MemberCount: 0, CreatedAt: ref,
	})
	require.NoError(t, s.CommitRun(ctx, third))

	known, err := s.KnownItemThemes(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), known["i3"])

	stats, err := s.LoadMemberStats(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, stats[1], 3)

	loser, err := s.GetTheme(ctx, 2)
	require.NoError(t, err)
	require.False(t, loser.Active)
	require.Equal(t, 0, loser.MemberCount)

	run, err := s.GetRun(ctx, "03RUN")
	require.NoError(t, err)
	require.Equal(t, 1, run.ThemesMerged)
}

func TestExclusiveMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CommitRun(ctx, testCommitSet(ref)))

	// a later run trying to claim i1 for another theme must fail whole
	set := testCommitSet(ref.Add(time.Hour))
	set.Run.ID = "02RUN"
	set.Themes = []*engine.Theme{{
		ID: 2, Fingerprint: "fp-2", Centroid: []float32{0, 0, 1},
		FirstSeen: ref, LastSeen: ref, TimesSeen: 1, Active: true,
		MemberCount: 1, CreatedAt: ref,
	}}
	set.Items = nil
	set.Snapshots = nil
	set.Surges = nil
	set.Memberships = []engine.Membership{{ThemeID: 2, ItemID: "i1", FirstSeen: ref, LastSeen: ref}}

	require.Error(t, s.CommitRun(ctx, set))
	themes, err := s.LoadAllThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 1)
}

func TestThemeUpsertAcrossRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CommitRun(ctx, testCommitSet(ref)))

	set := testCommitSet(ref.Add(24 * time.Hour))
	set.Run.ID = "02RUN"
	set.Items = []engine.Item{{ID: "i3", CreatedAt: ref.Add(23 * time.Hour), Points: 2}}
	set.Themes[0].TimesSeen = 2
	set.Themes[0].LatestSignal = 20
	set.Themes[0].MemberCount = 3
	set.Themes[0].Novelty = 0.5
	set.Memberships = []engine.Membership{{ThemeID: 1, ItemID: "i3", FirstSeen: ref.Add(23 * time.Hour), LastSeen: ref.Add(23 * time.Hour)}}
	set.Snapshots[0].RunID = "02RUN"
	set.Surges = nil
	require.NoError(t, s.CommitRun(ctx, set))

	th, err := s.GetTheme(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, th.TimesSeen)
	require.Equal(t, 20.0, th.LatestSignal)
	require.Equal(t, 3, th.MemberCount)
	require.Equal(t, 0.5, th.Novelty)

	snaps, err := s.ListSnapshots(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestRecordFailedRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordFailedRun(ctx, engine.RunRecord{
		ID:            "01BAD",
		StartedAt:     ref,
		FinishedAt:    ref.Add(time.Second),
		ReferenceTime: ref,
		State:         engine.StateFailed,
		Message:       "storage unavailable: disk full",
	}))

	run, err := s.GetRun(ctx, "01BAD")
	require.NoError(t, err)
	require.Equal(t, engine.StateFailed, run.State)
	require.Contains(t, run.Message, "disk full")
}

func TestFirstRunStartedAtEmpty(t *testing.T) {
	s := newTestStore(t)
	first, err := s.FirstRunStartedAt(context.Background())
	require.NoError(t, err)
	require.True(t, first.IsZero())
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CommitRun(ctx, testCommitSet(ref)))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ThemeCount)
	require.Equal(t, int64(1), stats.ActiveThemes)
	require.Equal(t, int64(2), stats.ItemCount)
	require.Equal(t, int64(1), stats.SnapshotCount)
	require.Equal(t, int64(1), stats.SurgeCount)
	require.Equal(t, int64(1), stats.RunCount)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 0, 3.14159}
	require.Equal(t, v, bytesToFloat32(float32ToBytes(v)))
}
