package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kestrelo/driftline/internal/engine"
	"github.com/kestrelo/driftline/internal/surge"
)

// batchFile is the JSON shape the run command accepts: pre-embedded items
// plus optional per-term day-keyed score aggregates.
type batchFile struct {
	Items []batchItem `json:"items"`
	Terms []batchTerm `json:"terms,omitempty"`
}

type batchItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Points    int64     `json:"points"`
	Comments  int64     `json:"comments"`
	Vector    []float32 `json:"vector"`
}

type batchTerm struct {
	Term    string             `json:"term"`
	Daily   map[string]float64 `json:"daily"`
	ItemIDs []string           `json:"item_ids,omitempty"`
}

// readBatch loads a run batch from a file, or stdin when path is "-".
func readBatch(path string) (*engine.Batch, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch input: %w", err)
	}

	var bf batchFile
	if err := json.Unmarshal(raw, &bf); err != nil {
		return nil, fmt.Errorf("parsing batch input: %w", err)
	}

	batch := &engine.Batch{}
	for _, it := range bf.Items {
		batch.Items = append(batch.Items, engine.Item{
			ID:        it.ID,
			Title:     it.Title,
			CreatedAt: it.CreatedAt,
			Points:    it.Points,
			Comments:  it.Comments,
			Vector:    it.Vector,
		})
	}
	for _, tm := range bf.Terms {
		batch.Terms = append(batch.Terms, surge.TermStats{
			Term:    tm.Term,
			Daily:   tm.Daily,
			ItemIDs: tm.ItemIDs,
		})
	}
	return batch, nil
}

// themeView is the themes command output: theme scores without the raw
// centroid blob.
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

func themeViews(themes []*engine.Theme) []themeView {
	views := make([]themeView, 0, len(themes))
	for _, th := range themes {
		views = append(views, themeView{
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
	return views
}
