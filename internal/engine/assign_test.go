package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func vec(vals ...float32) []float32 { return vals }

func item(id string, created time.Time, v []float32) Item {
	return Item{ID: id, Title: id, CreatedAt: created, Points: 1, Comments: 1, Vector: v}
}

func TestAssignTwoThemesFromThreeItems(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// A and A' are nearly parallel; B is orthogonal to both.
	a := item("a", base, vec(1, 0, 0))
	aPrime := item("a2", base.Add(time.Minute), vec(0.99, 0.141, 0))
	b := item("b", base.Add(2*time.Minute), vec(0, 0, 1))

	as := NewAssigner(0.78, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{b, aPrime, a}))

	require.Len(t, as.CreatedIDs(), 2)
	assignments := as.Assignments()
	require.Equal(t, assignments["a"], assignments["a2"])
	require.NotEqual(t, assignments["a"], assignments["b"])
	require.Empty(t, as.Skipped())
}

func TestAssignCentroidIsMeanOfMembers(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	v1 := vec(1, 0, 0)
	v2 := vec(0.98, 0.199, 0)
	as := NewAssigner(0.78, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("i1", base, v1),
		item("i2", base.Add(time.Minute), v2),
	}))

	require.Len(t, as.CreatedIDs(), 1)
	th := as.Themes()[as.CreatedIDs()[0]]
	require.Equal(t, 2, th.MemberCount)

	n1 := normFor(t, v1)
	n2 := normFor(t, v2)
	for i := range th.Centroid {
		want := (n1[i] + n2[i]) / 2
		require.InDelta(t, float64(want), float64(th.Centroid[i]), 1e-6)
	}
}

func normFor(t *testing.T, v []float32) []float32 {
	t.Helper()
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] / norm
	}
	return out
}

func TestAssignTimesSeenOncePerRun(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	seed := &Theme{
		ID:          5,
		Centroid:    vec(1, 0, 0),
		TimesSeen:   3,
		Active:      true,
		MemberCount: 4,
		FirstSeen:   base.Add(-48 * time.Hour),
		LastSeen:    base.Add(-24 * time.Hour),
	}
	as := NewAssigner(0.78, 3, []*Theme{seed}, 5, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("i1", base, vec(0.99, 0.1, 0)),
		item("i2", base.Add(time.Minute), vec(0.98, 0.15, 0)),
		item("i3", base.Add(2*time.Minute), vec(0.97, 0.2, 0)),
	}))

	require.Empty(t, as.CreatedIDs())
	require.Equal(t, 4, seed.TimesSeen)
	require.Equal(t, 7, seed.MemberCount)
	require.Equal(t, []int64{5}, as.TouchedIDs())
}

func TestAssignSkipsMalformedItems(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	items := []Item{
		item("zero", base, vec(0, 0, 0)),
		item("short", base, vec(1, 0)),
		item("nan", base, vec(float32(math.NaN()), 0, 0)),
		{ID: "neg", CreatedAt: base, Points: -1, Vector: vec(1, 0, 0)},
		item("good", base, vec(1, 0, 0)),
	}
	as := NewAssigner(0.78, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), items))

	require.Len(t, as.CreatedIDs(), 1)
	require.Len(t, as.Assignments(), 1)

	reasons := make(map[string]string)
	for _, s := range as.Skipped() {
		reasons[s.ItemID] = s.Reason
	}
	require.Equal(t, map[string]string{
		"zero":  SkipZeroVector,
		"short": SkipBadDimensions,
		"nan":   SkipNonFiniteValue,
		"neg":   SkipNegativeCounts,
	}, reasons)
}

func TestAssignDuplicateItemSkipped(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	known := map[string]int64{"dup": 7}
	as := NewAssigner(0.78, 3, nil, 0, known)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("dup", base, vec(1, 0, 0)),
	}))

	require.Empty(t, as.Assignments())
	require.Len(t, as.Skipped(), 1)
	require.Equal(t, SkipDuplicate, as.Skipped()[0].Reason)
}

func TestAssignSameRunChaining(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// c is too far from a alone but close enough to the a+b centroid, so it
	// chains into the theme only because the centroid moved mid-run.
	a := item("a", base, vec(1, 0, 0))
	b := item("b", base.Add(time.Minute), vec(0.81, 0.59, 0))
	cItem := item("c", base.Add(2*time.Minute), vec(0.62, 0.79, 0))

	as := NewAssigner(0.80, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{a, b, cItem}))

	require.Len(t, as.CreatedIDs(), 1)
	require.Len(t, as.Assignments(), 3)
}

func TestAssignOldestFirstOrdering(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Delivered newest-first; the oldest item must seed the theme, so the
	// fingerprint derives from its vector.
	newer := item("newer", base.Add(time.Hour), vec(0, 1, 0))
	older := item("older", base, vec(1, 0, 0))

	as := NewAssigner(0.99, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{newer, older}))

	require.Len(t, as.CreatedIDs(), 2)
	first := as.Themes()[as.CreatedIDs()[0]]
	require.Equal(t, Fingerprint(normFor(t, vec(1, 0, 0)), first.ID), first.Fingerprint)
	require.Equal(t, base, first.FirstSeen)
}

func TestAssignThresholdBoundary(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Similarity exactly at the threshold merges; just below seeds.
	as := NewAssigner(1.0, 3, nil, 0, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("a", base, vec(1, 0, 0)),
		item("b", base.Add(time.Minute), vec(2, 0, 0)), // same direction, sim = 1.0
		item("c", base.Add(2*time.Minute), vec(1, 0.01, 0)),
	}))

	assignments := as.Assignments()
	require.Equal(t, assignments["a"], assignments["b"])
	require.NotEqual(t, assignments["a"], assignments["c"])
}

func TestAssignCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	as := NewAssigner(0.78, 3, nil, 0, nil)
	err := as.ProcessBatch(ctx, []Item{item("a", time.Now(), vec(1, 0, 0))})
	require.ErrorIs(t, err, ErrRunCancelled)
}

func TestAssignIDsContinueFromMax(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	as := NewAssigner(0.78, 3, nil, 41, nil)
	require.NoError(t, as.ProcessBatch(context.Background(), []Item{
		item("a", base, vec(1, 0, 0)),
		item("b", base.Add(time.Minute), vec(0, 1, 0)),
	}))

	require.Equal(t, []int64{42, 43}, as.CreatedIDs())
	require.Equal(t, int64(43), as.MaxThemeID())
}
