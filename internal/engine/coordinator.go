package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/kestrelo/driftline/internal/surge"
)

// State is the coordinator's run stage. Stages are strictly sequential;
// Failed is reachable from any of them.
type State string

const (
	StateIdle           State = "idle"
	StateLoading        State = "loading"
	StateAssigning      State = "assigning"
	StateScoring        State = "scoring"
	StateSurgeDetection State = "surge_detection"
	StatePersisting     State = "persisting"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Batch is one run's input: embedded items plus optional per-term score
// aggregates for surge detection. Both come from external collaborators.
type Batch struct {
	Items []Item
	Terms []surge.TermStats

	// ReferenceTime overrides the scoring reference; zero means "now".
	ReferenceTime time.Time
}

// RunRecord is the persisted bookkeeping row for one run.
type RunRecord struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	ReferenceTime time.Time `json:"reference_time"`
	State         State     `json:"state"`
	ThemesCreated int       `json:"themes_created"`
	ThemesUpdated int       `json:"themes_updated"`
	ThemesMerged  int       `json:"themes_merged"`
	ItemsAssigned int       `json:"items_assigned"`
	ItemsSkipped  int       `json:"items_skipped"`
	TermsSurged   int       `json:"terms_surged"`
	Message       string    `json:"message,omitempty"`
}

// CommitSet is everything one successful run writes, applied in a single
// transaction.
type CommitSet struct {
	Run         RunRecord
	Items       []Item
	Themes      []*Theme
	Merges      []ThemeMerge
	Memberships []Membership
	Snapshots   []Snapshot
	Surges      []surge.Surge
}

// Storage is the persistence surface the coordinator needs. The concrete
// store holds more (query surfaces for the CLI and MCP tools); the
// coordinator only sees this.
type Storage interface {
	LoadActiveThemes(ctx context.Context) ([]*Theme, error)
	MaxThemeID(ctx context.Context) (int64, error)
	KnownItemThemes(ctx context.Context) (map[string]int64, error)
	LoadMemberStats(ctx context.Context, themeIDs []int64) (map[int64][]MemberStat, error)
	FirstRunStartedAt(ctx context.Context) (time.Time, error)
	CommitRun(ctx context.Context, set *CommitSet) error
	RecordFailedRun(ctx context.Context, run RunRecord) error
}

// Config holds the engine knobs the coordinator needs for one run.
type Config struct {
	Dims           int
	MergeThreshold float64
	CommentWeight  float64
	HalfLifeDays   float64
	SurgeRatio     float64
	InactiveRuns   int

	// ThemeMergeSimilarity is the centroid similarity at which two active
	// themes fold into one; zero selects the default.
	ThemeMergeSimilarity float64

	// WindowWeeks fixes the persistence analysis window; zero derives it
	// from the first recorded run.
	WindowWeeks float64
}

// Validate rejects configurations no run should start with.
func (c Config) Validate() error {
	if c.Dims <= 0 {
		return fmt.Errorf("%w: dims must be positive", ErrInvalidConfig)
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("%w: merge threshold must be in [0, 1]", ErrInvalidConfig)
	}
	if c.HalfLifeDays <= 0 {
		return fmt.Errorf("%w: half-life must be positive", ErrInvalidConfig)
	}
	if c.SurgeRatio < 1 {
		return fmt.Errorf("%w: surge ratio must be at least 1", ErrInvalidConfig)
	}
	if c.InactiveRuns < 1 {
		return fmt.Errorf("%w: inactive runs must be at least 1", ErrInvalidConfig)
	}
	if c.ThemeMergeSimilarity < 0 || c.ThemeMergeSimilarity > 1 {
		return fmt.Errorf("%w: theme merge similarity must be in [0, 1]", ErrInvalidConfig)
	}
	if c.WindowWeeks < 0 {
		return fmt.Errorf("%w: window weeks must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Coordinator executes runs one at a time: load state, assign the batch,
// rescore, detect surges, persist atomically. It holds no state between
// runs; everything durable lives behind Storage.
type Coordinator struct {
	cfg   Config
	store Storage
	log   *logrus.Logger
	now   func() time.Time

	mu    sync.Mutex
	state State
}

// NewCoordinator validates the config and returns a coordinator. A nil
// logger is replaced with a discarding one.
func NewCoordinator(cfg Config, store Storage, log *logrus.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfig)
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Coordinator{
		cfg:   cfg,
		store: store,
		log:   log,
		now:   time.Now,
		state: StateIdle,
	}, nil
}

// State reports the current run stage.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State, runID string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"run_id": runID, "state": string(s)}).Info("run stage")
}

// Run executes one full pass over the batch. On any failure or cancellation
// no engine state is written; a failed run row is recorded best-effort so
// the run history reflects the attempt.
func (c *Coordinator) Run(ctx context.Context, batch Batch) (*Summary, error) {
	started := c.now().UTC()
	runID := ulid.MustNew(ulid.Timestamp(started), ulid.DefaultEntropy()).String()

	reference := batch.ReferenceTime
	if reference.IsZero() {
		reference = started
	}
	reference = reference.UTC()

	summary, err := c.run(ctx, runID, started, reference, batch)
	if err != nil {
		c.setState(StateFailed, runID)
		c.recordFailure(runID, started, reference, err)
		return nil, err
	}
	c.setState(StateDone, runID)
	summary.State = StateDone
	return summary, nil
}

func (c *Coordinator) run(ctx context.Context, runID string, started, reference time.Time, batch Batch) (*Summary, error) {
	c.setState(StateLoading, runID)

	themes, err := c.store.LoadActiveThemes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading themes: %v", ErrStorageUnavailable, err)
	}
	maxID, err := c.store.MaxThemeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading max theme id: %v", ErrStorageUnavailable, err)
	}
	known, err := c.store.KnownItemThemes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading item memberships: %v", ErrStorageUnavailable, err)
	}
	firstRun, err := c.store.FirstRunStartedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading first run: %v", ErrStorageUnavailable, err)
	}

	c.setState(StateAssigning, runID)
	assigner := NewAssigner(c.cfg.MergeThreshold, c.cfg.Dims, themes, maxID, known)
	if err := assigner.ProcessBatch(ctx, batch.Items); err != nil {
		return nil, err
	}
	merges := assigner.ConsolidateThemes(c.cfg.ThemeMergeSimilarity)

	c.setState(StateScoring, runID)
	scored, snapshots, err := c.score(ctx, runID, reference, firstRun, batch.Items, assigner, merges)
	if err != nil {
		return nil, err
	}

	c.setState(StateSurgeDetection, runID)
	surges, err := c.detectSurges(ctx, reference, batch.Terms, assigner.ItemThemes())
	if err != nil {
		return nil, err
	}

	created := len(assigner.CreatedIDs())
	summary := &Summary{
		RunID:         runID,
		ReferenceTime: reference,
		ThemesCreated: created,
		ThemesUpdated: len(assigner.TouchedIDs()) - created,
		ThemesMerged:  len(merges),
		ItemsAssigned: len(assigner.Assignments()),
		ItemsSkipped:  assigner.Skipped(),
		TermsSurged:   len(surges),
	}

	c.setState(StatePersisting, runID)
	set := &CommitSet{
		Run: RunRecord{
			ID:            runID,
			StartedAt:     started,
			FinishedAt:    c.now().UTC(),
			ReferenceTime: reference,
			State:         StateDone,
			ThemesCreated: summary.ThemesCreated,
			ThemesUpdated: summary.ThemesUpdated,
			ThemesMerged:  summary.ThemesMerged,
			ItemsAssigned: summary.ItemsAssigned,
			ItemsSkipped:  len(summary.ItemsSkipped),
			TermsSurged:   summary.TermsSurged,
		},
		Items:       assignedItems(batch.Items, assigner.Assignments()),
		Themes:      scored,
		Merges:      merges,
		Memberships: assigner.NewMemberships(),
		Snapshots:   snapshots,
		Surges:      surges,
	}
	if err := c.store.CommitRun(ctx, set); err != nil {
		return nil, fmt.Errorf("%w: committing run %s: %v", ErrStorageUnavailable, runID, err)
	}

	c.log.WithFields(logrus.Fields{
		"run_id":         runID,
		"themes_created": summary.ThemesCreated,
		"themes_updated": summary.ThemesUpdated,
		"themes_merged":  summary.ThemesMerged,
		"items_assigned": summary.ItemsAssigned,
		"items_skipped":  len(summary.ItemsSkipped),
		"terms_surged":   summary.TermsSurged,
	}).Info("run committed")
	return summary, nil
}

// score rescores every active theme at the reference time. Touched themes
// (assigned this run) additionally get an immutable snapshot; untouched
// ones decay, accrue an idle run, and may go inactive. Themes created this
// run have no persisted members, so their stats come entirely from the
// batch. Fold losers are passed through deactivated, not rescored; their
// persisted members count toward the winner.
func (c *Coordinator) score(ctx context.Context, runID string, reference, firstRun time.Time, items []Item, assigner *Assigner, merges []ThemeMerge) ([]*Theme, []Snapshot, error) {
	mergedAway := make(map[int64]int64, len(merges))
	for _, m := range merges {
		mergedAway[m.LoserID] = m.WinnerID
	}

	themes := assigner.Themes()
	ids := make([]int64, 0, len(themes))
	existing := make([]int64, 0, len(themes))
	createdSet := make(map[int64]struct{}, len(assigner.CreatedIDs()))
	for _, id := range assigner.CreatedIDs() {
		createdSet[id] = struct{}{}
	}
	for id := range themes {
		ids = append(ids, id)
		if _, ok := createdSet[id]; !ok {
			existing = append(existing, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	persisted, err := c.store.LoadMemberStats(ctx, existing)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: loading member stats: %v", ErrStorageUnavailable, err)
	}
	// member rows move at commit time; for this run's scoring, hand the
	// loser's persisted stats to the winner
	for loser, winner := range mergedAway {
		if stats, ok := persisted[loser]; ok {
			persisted[winner] = append(persisted[winner], stats...)
			delete(persisted, loser)
		}
	}

	// Stats for members added this run come straight from the batch.
	batchStats := make(map[string]MemberStat, len(items))
	for _, it := range items {
		batchStats[it.ID] = MemberStat{
			ItemID:    it.ID,
			Points:    it.Points,
			Comments:  it.Comments,
			CreatedAt: it.CreatedAt,
		}
	}
	newMembers := make(map[int64][]MemberStat)
	for _, m := range assigner.NewMemberships() {
		if st, ok := batchStats[m.ItemID]; ok {
			newMembers[m.ThemeID] = append(newMembers[m.ThemeID], st)
		}
	}

	windowWeeks := c.windowWeeks(reference, firstRun)
	scorer := NewScorer(c.cfg.CommentWeight, c.cfg.HalfLifeDays)
	touched := make(map[int64]struct{})
	for _, id := range assigner.TouchedIDs() {
		touched[id] = struct{}{}
	}

	scored := make([]*Theme, 0, len(ids))
	snapshots := make([]Snapshot, 0, len(touched))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, nil, ErrRunCancelled
		}
		th := themes[id]
		if _, gone := mergedAway[id]; gone {
			scored = append(scored, th)
			continue
		}
		members := append(persisted[id], newMembers[id]...)

		signal := scorer.Score(members, reference)
		th.LatestDelta = signal - th.LatestSignal
		th.LatestSignal = signal
		th.LatestItemCount = len(members)
		th.LatestEngagement = Engagement(members)
		th.Novelty = Novelty(th.TimesSeen)
		th.Persistence = Persistence(th.TimesSeen, windowWeeks)

		if _, ok := touched[id]; ok {
			th.IdleRuns = 0
			start, end := windowBounds(members)
			snapshots = append(snapshots, Snapshot{
				ThemeID:         id,
				RunID:           runID,
				WindowStart:     start,
				WindowEnd:       end,
				ItemCount:       th.LatestItemCount,
				EngagementCount: th.LatestEngagement,
				Signal:          signal,
				Delta:           th.LatestDelta,
				Novelty:         th.Novelty,
				Persistence:     th.Persistence,
			})
		} else {
			th.IdleRuns++
			if th.IdleRuns >= c.cfg.InactiveRuns {
				th.Active = false
			}
		}
		scored = append(scored, th)
	}
	return scored, snapshots, nil
}

func (c *Coordinator) detectSurges(ctx context.Context, reference time.Time, terms []surge.TermStats, memberOf map[string]int64) ([]surge.Surge, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	detector := surge.NewDetector(c.cfg.SurgeRatio)
	surges, err := detector.Detect(ctx, terms, surge.DayKey(reference))
	if err != nil {
		return nil, ErrRunCancelled
	}
	surge.LinkThemes(surges, terms, memberOf)
	return surges, nil
}

// windowWeeks derives the persistence window: configured value if set,
// otherwise whole weeks elapsed since the first recorded run, minimum 1.
func (c *Coordinator) windowWeeks(reference, firstRun time.Time) float64 {
	if c.cfg.WindowWeeks > 0 {
		return c.cfg.WindowWeeks
	}
	if firstRun.IsZero() {
		return 1
	}
	weeks := reference.Sub(firstRun).Hours() / (24 * 7)
	if weeks < 1 {
		return 1
	}
	return weeks
}

func (c *Coordinator) recordFailure(runID string, started, reference time.Time, cause error) {
	rec := RunRecord{
		ID:            runID,
		StartedAt:     started,
		FinishedAt:    c.now().UTC(),
		ReferenceTime: reference,
		State:         StateFailed,
		Message:       cause.Error(),
	}
	// Best-effort with a fresh context: the run context may already be
	// cancelled, and the failure row is bookkeeping, not engine state.
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.RecordFailedRun(recordCtx, rec); err != nil {
		c.log.WithError(err).WithField("run_id", runID).Warn("failed run row not recorded")
	}
	c.log.WithError(cause).WithField("run_id", runID).Error("run failed")
}

// assignedItems filters the batch down to the items actually assigned this
// run; skipped items are never persisted.
func assignedItems(items []Item, assignments map[string]int64) []Item {
	out := make([]Item, 0, len(assignments))
	for _, it := range items {
		if _, ok := assignments[it.ID]; ok {
			out = append(out, it)
		}
	}
	return out
}
