// Package surge flags terms whose current-day score spikes above their
// trailing baseline. Term extraction and per-day score aggregation happen
// upstream; this package is pure arithmetic plus bookkeeping that links
// surging terms back to the themes whose member items contributed them.
package surge

import (
	"context"
	"sort"
	"time"
)

// DefaultRatioThreshold flags a term whose current score is at least this
// multiple of its trailing baseline.
const DefaultRatioThreshold = 2.0

// baselineEpsilon guards the ratio against a zero baseline.
const baselineEpsilon = 1e-9

// DayKey formats a timestamp as the aggregation day key ("2006-01-02", UTC).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TermStats is the per-term input: day-keyed scores over the trailing
// window, plus the IDs of the items that contributed the term in the
// current run (used only for theme linkage).
type TermStats struct {
	Term    string
	Daily   map[string]float64 // day key -> aggregate score
	ItemIDs []string
}

// Surge is one flagged term for the current run.
type Surge struct {
	Term     string  `json:"term"`
	Current  float64 `json:"current_score"`
	Baseline float64 `json:"baseline_score"`
	Ratio    float64 `json:"surge_ratio"`
	Delta    float64 `json:"surge_delta"`
	ThemeIDs []int64 `json:"theme_ids,omitempty"`
}

// Detector computes surges over a window of term aggregates.
type Detector struct {
	RatioThreshold float64
}

// NewDetector returns a detector, falling back to the default threshold for
// non-positive values.
func NewDetector(ratioThreshold float64) Detector {
	if ratioThreshold <= 0 {
		ratioThreshold = DefaultRatioThreshold
	}
	return Detector{RatioThreshold: ratioThreshold}
}

// Detect flags every term whose current-day score is at least the threshold
// multiple of its trailing baseline (the mean score over all window days
// before currentDay). Terms with no prior-day data have an undefined
// baseline and are never flagged: a first sighting is not a surge.
//
// Results are sorted by ratio descending, then term ascending, so output is
// deterministic. Cancellation is checked between terms.
func (d Detector) Detect(ctx context.Context, stats []TermStats, currentDay string) ([]Surge, error) {
	ordered := make([]TermStats, len(stats))
	copy(ordered, stats)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Term < ordered[j].Term })

	surges := make([]Surge, 0, 8)
	for _, ts := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, baseline, hasHistory := splitWindow(ts.Daily, currentDay)
		if !hasHistory {
			continue
		}
		ratio := current / maxFloat(baseline, baselineEpsilon)
		if ratio < d.RatioThreshold {
			continue
		}
		surges = append(surges, Surge{
			Term:     ts.Term,
			Current:  current,
			Baseline: baseline,
			Ratio:    ratio,
			Delta:    current - baseline,
		})
	}
	sort.SliceStable(surges, func(i, j int) bool {
		if surges[i].Ratio != surges[j].Ratio {
			return surges[i].Ratio > surges[j].Ratio
		}
		return surges[i].Term < surges[j].Term
	})
	return surges, nil
}

// LinkThemes annotates each surge with the themes whose member items
// contributed the term in the current run. A pure item->theme join; the
// memberOf map covers both this run's assignments and memberships persisted
// by earlier runs, so a re-delivered member still links its theme.
func LinkThemes(surges []Surge, stats []TermStats, memberOf map[string]int64) {
	byTerm := make(map[string][]string, len(stats))
	for _, ts := range stats {
		byTerm[ts.Term] = ts.ItemIDs
	}
	for i := range surges {
		seen := make(map[int64]struct{})
		for _, itemID := range byTerm[surges[i].Term] {
			themeID, ok := memberOf[itemID]
			if !ok {
				continue
			}
			if _, dup := seen[themeID]; dup {
				continue
			}
			seen[themeID] = struct{}{}
			surges[i].ThemeIDs = append(surges[i].ThemeIDs, themeID)
		}
		sort.Slice(surges[i].ThemeIDs, func(a, b int) bool {
			return surges[i].ThemeIDs[a] < surges[i].ThemeIDs[b]
		})
	}
}

// splitWindow separates the current day's score from the trailing baseline
// mean. hasHistory is false when no day before currentDay has data.
func splitWindow(daily map[string]float64, currentDay string) (current, baseline float64, hasHistory bool) {
	var sum float64
	var days int
	for day, score := range daily {
		if day == currentDay {
			current = score
			continue
		}
		if day > currentDay {
			// future-dated rows are collaborator noise; ignore them
			continue
		}
		sum += score
		days++
	}
	if days == 0 {
		return current, 0, false
	}
	return current, sum / float64(days), true
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
