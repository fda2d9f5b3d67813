package engine

import (
	"math"
	"sort"

	"github.com/kestrelo/driftline/internal/vectorindex"
)

// DefaultThemeMergeSimilarity is the centroid cosine similarity at which two
// active themes count as duplicates and are folded into one.
const DefaultThemeMergeSimilarity = 0.9

// ThemeMerge records one fold: every member of LoserID moved to WinnerID and
// the loser deactivated. The winner keeps its fingerprint and counters, so
// theme identity survives the fold.
type ThemeMerge struct {
	WinnerID int64 `json:"winner_id"`
	LoserID  int64 `json:"loser_id"`
}

// ConsolidateThemes folds pairs of themes whose centroids have drifted
// within simThreshold of each other, which happens when separately seeded
// themes converge on the same topic across runs. The lower-ID theme wins and
// absorbs the other's members; the loser goes inactive and keeps its row. A
// loser created earlier in the same run was never persisted and is dropped
// outright. Run bookkeeping (assignments, memberships, the item->theme map)
// is repointed at the winners.
//
// Returned merges cover only persisted losers; the store moves their member
// rows during commit.
func (a *Assigner) ConsolidateThemes(simThreshold float64) []ThemeMerge {
	if simThreshold <= 0 {
		simThreshold = DefaultThemeMergeSimilarity
	}

	ids := make([]int64, 0, len(a.themes))
	for id := range a.themes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	createdSet := make(map[int64]struct{}, len(a.created))
	for _, id := range a.created {
		createdSet[id] = struct{}{}
	}

	removed := make(map[int64]struct{})
	remap := make(map[int64]int64)
	var merges []ThemeMerge
	for i := 0; i < len(ids); i++ {
		if _, gone := removed[ids[i]]; gone {
			continue
		}
		winner := a.themes[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			if _, gone := removed[ids[j]]; gone {
				continue
			}
			loser := a.themes[ids[j]]
			if centroidSimilarity(winner.Centroid, loser.Centroid) < simThreshold {
				continue
			}
			a.fold(winner, loser)
			removed[loser.ID] = struct{}{}
			remap[loser.ID] = winner.ID
			if _, fresh := createdSet[loser.ID]; fresh {
				// never persisted: no row to deactivate, no members to move
				delete(a.themes, loser.ID)
				a.dropCreated(loser.ID)
			} else {
				merges = append(merges, ThemeMerge{WinnerID: winner.ID, LoserID: loser.ID})
			}
		}
	}
	if len(remap) == 0 {
		return nil
	}

	for i := range a.memberships {
		if to, ok := remap[a.memberships[i].ThemeID]; ok {
			a.memberships[i].ThemeID = to
		}
	}
	for itemID, themeID := range a.assignments {
		if to, ok := remap[themeID]; ok {
			a.assignments[itemID] = to
		}
	}
	for itemID, themeID := range a.knownItems {
		if to, ok := remap[themeID]; ok {
			a.knownItems[itemID] = to
		}
	}
	return merges
}

// fold absorbs loser into winner. The member-count-weighted mean keeps the
// winner's centroid equal to the arithmetic mean of the combined member set.
func (a *Assigner) fold(winner, loser *Theme) {
	wn := float32(winner.MemberCount)
	ln := float32(loser.MemberCount)
	if total := wn + ln; total > 0 {
		for i := range winner.Centroid {
			winner.Centroid[i] = (winner.Centroid[i]*wn + loser.Centroid[i]*ln) / total
		}
	}
	winner.MemberCount += loser.MemberCount

	if !loser.FirstSeen.IsZero() && (winner.FirstSeen.IsZero() || loser.FirstSeen.Before(winner.FirstSeen)) {
		winner.FirstSeen = loser.FirstSeen
	}
	if loser.LastSeen.After(winner.LastSeen) {
		winner.LastSeen = loser.LastSeen
	}

	if _, ok := a.touched[loser.ID]; ok {
		delete(a.touched, loser.ID)
		if _, ok := a.touched[winner.ID]; !ok {
			// the loser's assignments this run now count as the winner's
			winner.TimesSeen++
			a.touched[winner.ID] = struct{}{}
		}
	}

	loser.Active = false
	loser.MemberCount = 0

	a.index.Remove(loser.ID)
	if norm := vectorindex.Normalize(winner.Centroid); norm != nil {
		a.index.InsertOrReplace(winner.ID, norm, winner.MemberCount)
	}
}

func (a *Assigner) dropCreated(id int64) {
	for i, cid := range a.created {
		if cid == id {
			a.created = append(a.created[:i], a.created[i+1:]...)
			return
		}
	}
}

func centroidSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
