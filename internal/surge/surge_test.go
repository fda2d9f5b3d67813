package surge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetectFlagsAtThreshold(t *testing.T) {
	d := NewDetector(0)
	stats := []TermStats{
		{
			Term: "wasm",
			Daily: map[string]float64{
				"2026-08-23": 4,
				"2026-08-24": 5,
				"2026-08-25": 6,
				"2026-08-30": 10,
			},
		},
	}

	surges, err := d.Detect(context.Background(), stats, "2026-08-30")
	require.NoError(t, err)
	require.Len(t, surges, 1)

	s := surges[0]
	require.Equal(t, "wasm", s.Term)
	require.InDelta(t, 10.0, s.Current, 1e-12)
	require.InDelta(t, 5.0, s.Baseline, 1e-12)
	require.InDelta(t, 2.0, s.Ratio, 1e-12)
	require.InDelta(t, 5.0, s.Delta, 1e-12)
}

func TestDetectBelowThresholdNotFlagged(t *testing.T) {
	d := NewDetector(2.0)
	stats := []TermStats{
		{
			Term: "rust",
			Daily: map[string]float64{
				"2026-08-29": 5,
				"2026-08-30": 9.9,
			},
		},
	}

	surges, err := d.Detect(context.Background(), stats, "2026-08-30")
	require.NoError(t, err)
	require.Empty(t, surges)
}

func TestDetectFirstSightingNeverFlagged(t *testing.T) {
	d := NewDetector(2.0)
	stats := []TermStats{
		{
			Term:  "brandnew",
			Daily: map[string]float64{"2026-08-30": 100},
		},
		{
			// only future-dated history, which does not count
			Term:  "timetravel",
			Daily: map[string]float64{"2026-08-30": 100, "2026-08-31": 1},
		},
	}

	surges, err := d.Detect(context.Background(), stats, "2026-08-30")
	require.NoError(t, err)
	require.Empty(t, surges)
}

func TestDetectZeroBaselineUsesEpsilon(t *testing.T) {
	d := NewDetector(2.0)
	stats := []TermStats{
		{
			Term:  "dormant",
			Daily: map[string]float64{"2026-08-29": 0, "2026-08-30": 3},
		},
	}

	surges, err := d.Detect(context.Background(), stats, "2026-08-30")
	require.NoError(t, err)
	require.Len(t, surges, 1)
	require.Greater(t, surges[0].Ratio, 1e6)
}

func TestDetectOrdering(t *testing.T) {
	d := NewDetector(2.0)
	stats := []TermStats{
		{Term: "beta", Daily: map[string]float64{"2026-08-29": 1, "2026-08-30": 3}},
		{Term: "alpha", Daily: map[string]float64{"2026-08-29": 1, "2026-08-30": 3}},
		{Term: "gamma", Daily: map[string]float64{"2026-08-29": 1, "2026-08-30": 5}},
	}

	surges, err := d.Detect(context.Background(), stats, "2026-08-30")
	require.NoError(t, err)
	require.Len(t, surges, 3)
	require.Equal(t, "gamma", surges[0].Term)
	require.Equal(t, "alpha", surges[1].Term)
	require.Equal(t, "beta", surges[2].Term)
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDetector(2.0)
	stats := []TermStats{{Term: "x", Daily: map[string]float64{"2026-08-30": 1}}}

	_, err := d.Detect(ctx, stats, "2026-08-30")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLinkThemes(t *testing.T) {
	stats := []TermStats{
		{Term: "wasm", ItemIDs: []string{"i1", "i2", "i3", "i2"}},
	}
	surges := []Surge{{Term: "wasm"}}
	assignments := map[string]int64{
		"i1": 7,
		"i2": 3,
		// i3 was skipped this run, no assignment
	}

	LinkThemes(surges, stats, assignments)
	require.Equal(t, []int64{3, 7}, surges[0].ThemeIDs)
}

func TestDayKey(t *testing.T) {
	ts := time.Date(2026, 8, 30, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	require.Equal(t, "2026-08-31", DayKey(ts))
}
