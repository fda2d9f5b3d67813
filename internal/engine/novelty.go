package engine

// Novelty is the inverse observation count: 1.0 for a theme seen in exactly
// one run, decaying harmonically with every additional run that assigns it a
// new item. Past snapshots keep the novelty they were written with; this is
// never recomputed retroactively.
func Novelty(timesSeen int) float64 {
	if timesSeen < 1 {
		timesSeen = 1
	}
	return 1.0 / float64(timesSeen)
}

// Persistence is the fraction of the observation window in which the theme
// appeared: times_seen over the number of weeks the system has been
// operating (or a configured analysis window), clamped to [0, 1]. A theme
// observed in every run over the window approaches 1; one seen once in a
// long window sits near 0.
func Persistence(timesSeen int, windowWeeks float64) float64 {
	if windowWeeks < 1 {
		windowWeeks = 1
	}
	p := float64(timesSeen) / windowWeeks
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
