package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kestrelo/driftline/internal/vectorindex"
)

// DefaultMergeThreshold is the cosine similarity above which an item merges
// into an existing theme instead of seeding a new one.
const DefaultMergeThreshold = 0.78

// Assigner performs the greedy single-pass assignment of a run's items onto
// the persistent theme set.
//
// Items are processed oldest-first so earlier items establish centroids that
// later, more recent items merge into. The centroid index is updated after
// every assignment, so a burst of near-duplicate items consolidates into one
// theme within the same run instead of fragmenting (same-run chaining is
// load-bearing, not incidental). This makes assignment order-dependent by
// design: the trade is global optimality for speed and explainability, and
// the policy itself is the contract.
type Assigner struct {
	threshold float64
	dims      int

	index  *vectorindex.Index
	themes map[int64]*Theme
	nextID int64

	// item -> theme for everything persisted as a member in prior runs;
	// membership is exclusive, so a re-delivered item is skipped rather
	// than reassigned. Items assigned this run are added as they land.
	knownItems map[string]int64

	created     []int64
	touched     map[int64]struct{}
	memberships []Membership
	assignments map[string]int64
	skipped     []SkippedItem
}

// NewAssigner builds an assigner over the given theme set. maxThemeID seeds
// the ID sequence for themes created this run; knownItems maps every item
// already belonging to some theme to that theme's ID.
func NewAssigner(threshold float64, dims int, themes []*Theme, maxThemeID int64, knownItems map[string]int64) *Assigner {
	a := &Assigner{
		threshold:   threshold,
		dims:        dims,
		index:       vectorindex.New(dims),
		themes:      make(map[int64]*Theme, len(themes)),
		nextID:      maxThemeID,
		knownItems:  knownItems,
		touched:     make(map[int64]struct{}),
		assignments: make(map[string]int64),
	}
	if a.knownItems == nil {
		a.knownItems = make(map[string]int64)
	}
	for _, th := range themes {
		a.themes[th.ID] = th
		if norm := vectorindex.Normalize(th.Centroid); norm != nil {
			a.index.InsertOrReplace(th.ID, norm, th.MemberCount)
		}
	}
	return a
}

// ProcessBatch assigns every valid item in the batch to a theme, creating
// themes as needed. Items are sorted oldest-first by (CreatedAt, ID) before
// processing so the outcome is deterministic even when the collaborator's
// ordering carries ties. Cancellation is checked between items; a cancelled
// batch returns ErrRunCancelled with the in-memory state discarded by the
// caller.
func (a *Assigner) ProcessBatch(ctx context.Context, items []Item) error {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return ErrRunCancelled
		}
		a.assign(ordered[i])
	}
	return nil
}

// assign places one item: merge into the nearest theme above threshold, or
// seed a new theme. Malformed items are skipped and recorded, never fatal.
func (a *Assigner) assign(item Item) {
	if reason := validateItem(item, a.dims); reason != "" {
		a.skipped = append(a.skipped, SkippedItem{ItemID: item.ID, Reason: reason})
		return
	}
	if _, seen := a.knownItems[item.ID]; seen {
		a.skipped = append(a.skipped, SkippedItem{ItemID: item.ID, Reason: SkipDuplicate})
		return
	}

	query := vectorindex.Normalize(item.Vector)
	if query == nil {
		a.skipped = append(a.skipped, SkippedItem{ItemID: item.ID, Reason: SkipZeroVector})
		return
	}

	match, ok := a.index.Nearest(query)
	if !ok || match.Similarity < a.threshold {
		a.createTheme(item, query)
	} else {
		a.mergeInto(a.themes[match.ThemeID], item)
	}
	a.knownItems[item.ID] = a.assignments[item.ID]
}

func (a *Assigner) createTheme(item Item, normalized []float32) {
	a.nextID++
	centroid := make([]float32, len(normalized))
	copy(centroid, normalized)

	th := &Theme{
		ID:          a.nextID,
		Fingerprint: Fingerprint(normalized, a.nextID),
		Centroid:    centroid,
		FirstSeen:   item.CreatedAt,
		LastSeen:    item.CreatedAt,
		TimesSeen:   1,
		Active:      true,
		MemberCount: 1,
		CreatedAt:   item.CreatedAt,
	}
	a.themes[th.ID] = th
	a.created = append(a.created, th.ID)
	a.touched[th.ID] = struct{}{}
	a.memberships = append(a.memberships, Membership{
		ThemeID:   th.ID,
		ItemID:    item.ID,
		FirstSeen: item.CreatedAt,
		LastSeen:  item.CreatedAt,
	})
	a.assignments[item.ID] = th.ID

	// Insert immediately so later items in this run can merge into it.
	a.index.InsertOrReplace(th.ID, normalized, 1)
}

func (a *Assigner) mergeInto(th *Theme, item Item) {
	th.MemberCount++

	// Incremental running mean: c += (v - c) / n. Keeps the centroid equal
	// to the arithmetic mean of all member embeddings without storing them.
	n := float32(th.MemberCount)
	norm := vectorindex.Normalize(item.Vector)
	for i := range th.Centroid {
		th.Centroid[i] += (norm[i] - th.Centroid[i]) / n
	}

	if item.CreatedAt.After(th.LastSeen) {
		th.LastSeen = item.CreatedAt
	}
	if item.CreatedAt.Before(th.FirstSeen) {
		th.FirstSeen = item.CreatedAt
	}
	if _, ok := a.touched[th.ID]; !ok {
		// times_seen counts runs, not items: once per run per theme.
		th.TimesSeen++
		a.touched[th.ID] = struct{}{}
	}
	a.memberships = append(a.memberships, Membership{
		ThemeID:   th.ID,
		ItemID:    item.ID,
		FirstSeen: item.CreatedAt,
		LastSeen:  item.CreatedAt,
	})
	a.assignments[item.ID] = th.ID

	// Re-insert so subsequent items in the same run see the updated position.
	if reNorm := vectorindex.Normalize(th.Centroid); reNorm != nil {
		a.index.InsertOrReplace(th.ID, reNorm, th.MemberCount)
	}
}

// Themes returns the full working theme set (existing plus created).
func (a *Assigner) Themes() map[int64]*Theme { return a.themes }

// CreatedIDs returns IDs of themes created this run, in creation order.
func (a *Assigner) CreatedIDs() []int64 { return a.created }

// TouchedIDs returns IDs of themes that received at least one new assignment
// this run (created or merged-into), sorted ascending.
func (a *Assigner) TouchedIDs() []int64 {
	ids := make([]int64, 0, len(a.touched))
	for id := range a.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewMemberships returns the memberships added this run.
func (a *Assigner) NewMemberships() []Membership { return a.memberships }

// Assignments maps item ID to the theme it was assigned to this run.
func (a *Assigner) Assignments() map[string]int64 { return a.assignments }

// ItemThemes maps every known member item to its theme: memberships
// persisted by prior runs plus this run's assignments.
func (a *Assigner) ItemThemes() map[string]int64 { return a.knownItems }

// Skipped returns the items the batch could not assign.
func (a *Assigner) Skipped() []SkippedItem { return a.skipped }

// MaxThemeID returns the highest theme ID after this batch.
func (a *Assigner) MaxThemeID() int64 { return a.nextID }

func validateItem(item Item, dims int) string {
	if len(item.Vector) != dims {
		return SkipBadDimensions
	}
	if item.Points < 0 || item.Comments < 0 {
		return SkipNegativeCounts
	}
	allZero := true
	for _, v := range item.Vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return SkipNonFiniteValue
		}
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		return SkipZeroVector
	}
	return ""
}

// earliest/latest helpers for snapshot windows.
func windowBounds(stats []MemberStat) (time.Time, time.Time) {
	var start, end time.Time
	for i, st := range stats {
		if i == 0 {
			start, end = st.CreatedAt, st.CreatedAt
			continue
		}
		if st.CreatedAt.Before(start) {
			start = st.CreatedAt
		}
		if st.CreatedAt.After(end) {
			end = st.CreatedAt
		}
	}
	return start, end
}
