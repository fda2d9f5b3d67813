package engine

import (
	"math"
	"time"
)

// DefaultCommentWeight is the weight applied to secondary engagement
// (comments/replies) relative to primary engagement (points/upvotes).
const DefaultCommentWeight = 0.6

// DefaultHalfLifeDays is the default signal decay constant, in days.
const DefaultHalfLifeDays = 7.0

// Scorer computes the decayed, engagement-weighted importance signal for a
// theme at a reference time. It is a pure function of its inputs: the same
// members and reference always produce the same signal, independent of run
// history. Velocity (delta) is the coordinator's job, computed against the
// theme's previously stored signal.
type Scorer struct {
	CommentWeight float64
	HalfLifeDays  float64
}

// NewScorer returns a scorer with the given weights. A zero comment weight
// is a valid choice (points only); a negative one and a non-positive
// half-life fall back to the defaults.
func NewScorer(commentWeight, halfLifeDays float64) Scorer {
	if commentWeight < 0 {
		commentWeight = DefaultCommentWeight
	}
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	return Scorer{CommentWeight: commentWeight, HalfLifeDays: halfLifeDays}
}

// Score sums each member's engagement contribution scaled by exponential
// time decay:
//
//	signal = Σ (points + commentWeight*comments + 1) * exp(-age/τ)
//
// The +1 floor keeps a theme of zero-engagement items above zero so later
// ratio computations never divide by nothing. Ages are clamped at zero:
// an item timestamped after the reference contributes at full weight.
func (s Scorer) Score(members []MemberStat, reference time.Time) float64 {
	tau := s.HalfLifeDays * 86400.0
	var total float64
	for _, m := range members {
		age := reference.Sub(m.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		base := float64(m.Points) + s.CommentWeight*float64(m.Comments) + 1.0
		total += base * math.Exp(-age/tau)
	}
	return total
}

// Engagement returns the undecayed total engagement (points + comments) of
// the member set, used for snapshot bookkeeping.
func Engagement(members []MemberStat) int64 {
	var total int64
	for _, m := range members {
		total += m.Points + m.Comments
	}
	return total
}
