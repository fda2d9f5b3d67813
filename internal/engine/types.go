// Package engine implements the incremental trend-clustering and
// signal-scoring core: greedy single-pass assignment of embedded items to
// persistent themes, decayed signal scoring, novelty/persistence tracking,
// and the run coordinator that ties one end-to-end pass together.
package engine

import (
	"errors"
	"time"
)

// Run-level failure kinds. Per-item failures are never errors; they become
// SkippedItem entries in the run summary.
var (
	// ErrInvalidConfig means the engine configuration failed validation.
	// Raised before any state is loaded, so no partial state can result.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrStorageUnavailable wraps storage failures. The run transitions to
	// StateFailed and persisted state is untouched; callers retry the whole
	// run later.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRunCancelled is returned when the caller's context is cancelled
	// mid-run. Equivalent to a failed run: no partial writes.
	ErrRunCancelled = errors.New("run cancelled")
)

// Item is one unit of incoming content: a discussion thread with engagement
// counts and a pre-computed, pre-normalized embedding. The engine only reads
// items; it never mutates them.
type Item struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Points    int64 // primary engagement (e.g. upvotes)
	Comments  int64 // secondary engagement (e.g. replies)
	Vector    []float32
}

// Theme is a persistent cluster of items sharing a semantic centroid.
//
// The centroid is the running arithmetic mean of member embeddings, owned
// exclusively by the assigner. Fingerprint is derived once at creation from
// the seed vector and creation order so the theme keeps its identity across
// process restarts. Themes are never deleted; Active flips to false after
// enough consecutive runs without a new assignment.
type Theme struct {
	ID               int64
	Fingerprint      string
	Centroid         []float32
	FirstSeen        time.Time
	LastSeen         time.Time
	TimesSeen        int
	LatestSignal     float64
	LatestDelta      float64
	LatestItemCount  int
	LatestEngagement int64
	Novelty          float64
	Persistence      float64
	Active           bool
	IdleRuns         int
	MemberCount      int
	CreatedAt        time.Time
}

// Membership links an item to exactly one theme. Assignment is exclusive:
// an item belongs to a single theme at a time.
type Membership struct {
	ThemeID   int64
	ItemID    string
	FirstSeen time.Time
	LastSeen  time.Time
}

// MemberStat is the per-member slice of item data signal scoring needs:
// engagement counts and the origin timestamp. Embeddings are not required
// once the centroid has absorbed them.
type MemberStat struct {
	ItemID    string
	Points    int64
	Comments  int64
	CreatedAt time.Time
}

// Snapshot is one immutable per-(theme, run) record. The ordered sequence of
// a theme's snapshots is its history.
type Snapshot struct {
	ThemeID         int64     `json:"theme_id"`
	RunID           string    `json:"run_id"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	ItemCount       int       `json:"item_count"`
	EngagementCount int64     `json:"engagement_count"`
	Signal          float64   `json:"signal"`
	Delta           float64   `json:"delta"`
	Novelty         float64   `json:"novelty"`
	Persistence     float64   `json:"persistence"`
}

// Skip reasons recorded for items the assigner refuses to process.
const (
	SkipZeroVector     = "zero_vector"
	SkipBadDimensions  = "bad_dimensions"
	SkipNonFiniteValue = "non_finite_value"
	SkipNegativeCounts = "negative_engagement"
	SkipDuplicate      = "already_member"
)

// SkippedItem records an item the run could not assign, and why.
type SkippedItem struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Summary is the caller-visible result of one run.
type Summary struct {
	RunID         string        `json:"run_id"`
	ReferenceTime time.Time     `json:"reference_time"`
	ThemesCreated int           `json:"themes_created"`
	ThemesUpdated int           `json:"themes_updated"`
	ThemesMerged  int           `json:"themes_merged"`
	ItemsAssigned int           `json:"items_assigned"`
	ItemsSkipped  []SkippedItem `json:"items_skipped,omitempty"`
	TermsSurged   int           `json:"terms_surged"`
	State         State         `json:"state"`
}

// SkipCounts aggregates skipped items by reason.
func (s *Summary) SkipCounts() map[string]int {
	if len(s.ItemsSkipped) == 0 {
		return nil
	}
	counts := make(map[string]int, 4)
	for _, skip := range s.ItemsSkipped {
		counts[skip.Reason]++
	}
	return counts
}
