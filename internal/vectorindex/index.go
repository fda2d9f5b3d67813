// Package vectorindex provides nearest-centroid lookup by cosine similarity
// for theme assignment.
//
// The index holds one vector per tracked theme and is rebuilt from persisted
// centroids at the start of every run, so it never needs persistence of its
// own and can never go stale across runs. At the expected scale (hundreds to
// low thousands of themes) a linear scan with dot-product scoring is faster
// in practice than maintaining an approximate structure, and it has no recall
// error. A proper ANN index (e.g. HNSW) can replace the internals behind the
// same contract if theme counts grow by orders of magnitude.
//
// Callers must L2-normalize vectors once before insertion and once before
// querying; the index treats the dot product as cosine similarity and does
// no normalization of its own.
package vectorindex

import (
	"math"
	"sync"
)

// equidistance tolerance for tie-breaking between centroids
const tieEpsilon = 1e-6

// Match is a nearest-centroid result.
type Match struct {
	ThemeID    int64
	Similarity float64
}

type entry struct {
	id      int64
	vector  []float32
	members int
}

// Index is an in-memory centroid index keyed by theme ID.
type Index struct {
	mu      sync.RWMutex
	dims    int
	entries []entry
	idToIdx map[int64]int
}

// New creates an empty index for vectors of the given dimensionality.
func New(dims int) *Index {
	return &Index{
		dims:    dims,
		idToIdx: make(map[int64]int),
	}
}

// Len returns the number of centroids in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dims returns the vector dimensionality the index was created with.
func (ix *Index) Dims() int {
	return ix.dims
}

// InsertOrReplace adds a centroid or replaces the existing one for themeID.
// memberCount is carried for tie-breaking in Nearest. The vector is copied.
func (ix *Index) InsertOrReplace(themeID int64, vector []float32, memberCount int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	vec := make([]float32, len(vector))
	copy(vec, vector)

	if idx, ok := ix.idToIdx[themeID]; ok {
		ix.entries[idx].vector = vec
		ix.entries[idx].members = memberCount
		return
	}
	ix.idToIdx[themeID] = len(ix.entries)
	ix.entries = append(ix.entries, entry{id: themeID, vector: vec, members: memberCount})
}

// Remove deletes a centroid from the index. Unknown IDs are a no-op.
func (ix *Index) Remove(themeID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	idx, ok := ix.idToIdx[themeID]
	if !ok {
		return
	}
	last := len(ix.entries) - 1
	if idx != last {
		ix.entries[idx] = ix.entries[last]
		ix.idToIdx[ix.entries[idx].id] = idx
	}
	ix.entries = ix.entries[:last]
	delete(ix.idToIdx, themeID)
}

// Nearest scans all centroids and returns the one with the highest cosine
// similarity to query. Returns false when the index is empty or the query
// dimensionality does not match.
//
// Tie-break: centroids whose similarity differs by less than a floating-point
// tolerance are considered equidistant; the theme with the larger member
// count wins, then the lower theme ID. This keeps assignment deterministic
// and biases growth toward established themes instead of fragmenting into
// near-duplicates.
func (ix *Index) Nearest(query []float32) (Match, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 || len(query) != ix.dims {
		return Match{}, false
	}

	best := -1
	bestSim := math.Inf(-1)
	for i := range ix.entries {
		sim := dot(query, ix.entries[i].vector)
		if best < 0 {
			best = i
			bestSim = sim
			continue
		}
		switch {
		case sim > bestSim+tieEpsilon:
			best = i
			bestSim = sim
		case sim > bestSim-tieEpsilon:
			// equidistant within tolerance
			if ix.entries[i].members > ix.entries[best].members ||
				(ix.entries[i].members == ix.entries[best].members && ix.entries[i].id < ix.entries[best].id) {
				if sim > bestSim {
					bestSim = sim
				}
				best = i
			}
		}
	}
	return Match{ThemeID: ix.entries[best].id, Similarity: bestSim}, true
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns an L2-normalized copy of v, or nil for a zero-norm input.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
