// Package cleanup runs the periodic hygiene pass over the sink: near-duplicate
// reconciliation, expiry of old closed issues, and garbage collection of
// orphaned image files.
package cleanup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
	"github.com/logsink/logsink/internal/telemetry"
)

// ErrBusy is returned when a run is already in flight.
var ErrBusy = errors.New("cleanup is already running")

const (
	DefaultSchedule = "0 2 * * *"
	DefaultMaxAge   = 720 * time.Hour

	// DefaultSimilarityThreshold is the lexical similarity at or above which
	// two issues are treated as duplicates.
	DefaultSimilarityThreshold = 0.85

	// refineFloor is the lexical similarity below which a pair is not worth
	// asking the LLM about.
	refineFloor = 0.5

	defaultConcurrency = 4

	// DefaultBatchSize caps how many issues one application contributes to a
	// reconciliation pass.
	DefaultBatchSize = 100
)

// Refiner produces a second-opinion similarity score for borderline pairs.
// *llm.Client satisfies it.
type Refiner interface {
	Enabled() bool
	RefineSimilarity(ctx context.Context, a, b string) (float64, error)
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	Schedule            string
	MaxAge              time.Duration
	SimilarityThreshold float64
	Concurrency         int
	BatchSize           int
}

// Result summarizes one cleanup run.
type Result struct {
	DuplicatesFound   int `json:"duplicatesFound"`
	DuplicatesRemoved int `json:"duplicatesRemoved"`
	OldLogsRemoved    int `json:"oldLogsRemoved"`
	OrphanedImages    int `json:"orphanedImagesRemoved"`
}

// Status is a point-in-time view of the scheduler for the status endpoint.
type Status struct {
	Schedule     string     `json:"schedule"`
	Running      bool       `json:"running"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	LastResult   *Result    `json:"lastResult,omitempty"`
}

// ImageStore is the slice of the image file store cleanup needs.
type ImageStore interface {
	List() ([]string, error)
	Delete(filenames []string) int
}

// Scheduler owns the cron entry and the three-phase run. At most one run is
// in flight at a time; triggers during a run report busy.
type Scheduler struct {
	store     store.Store
	engine    *lifecycle.Engine
	images    ImageStore
	refiner   Refiner
	schedule  string
	maxAge    time.Duration
	threshold float64
	workers   int
	batchSize int
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	cron    *cron.Cron
	entry   cron.EntryID
	running atomic.Bool

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastResult   *Result
}

// NewScheduler wires the cleanup phases. refiner may be nil when no LLM is
// configured.
func NewScheduler(st store.Store, engine *lifecycle.Engine, imgs ImageStore, refiner Refiner, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Scheduler{
		store:     st,
		engine:    engine,
		images:    imgs,
		refiner:   refiner,
		schedule:  cfg.Schedule,
		maxAge:    cfg.MaxAge,
		threshold: cfg.SimilarityThreshold,
		workers:   cfg.Concurrency,
		batchSize: cfg.BatchSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start registers the cron entry and begins scheduling. Stop must be called
// to drain.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	id, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrBusy) {
			s.logger.Error().Err(err).Msg("scheduled cleanup failed")
		}
	})
	if err != nil {
		return err
	}
	s.entry = id
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("cleanup scheduler started")
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("cleanup scheduler stopped")
}

// Trigger starts a run in the background, rejecting with ErrBusy if one is
// already in flight.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if s.running.Load() {
		return ErrBusy
	}
	go func() {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrBusy) {
			s.logger.Error().Err(err).Msg("triggered cleanup failed")
		}
	}()
	return nil
}

// Config returns the effective configuration after defaulting.
func (s *Scheduler) Config() Config {
	return Config{
		Schedule:            s.schedule,
		MaxAge:              s.maxAge,
		SimilarityThreshold: s.threshold,
		Concurrency:         s.workers,
		BatchSize:           s.batchSize,
	}
}

// Status reports the scheduler's run state and last result.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Schedule: s.schedule,
		Running:  s.running.Load(),
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
		st.LastDuration = s.lastDuration.Round(time.Millisecond).String()
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	if s.cron != nil {
		next := s.cron.Entry(s.entry).Next
		if !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// Run executes the three phases. Each phase recovers per item; a failed merge
// or delete is logged and skipped so one bad row cannot block the pass.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer s.running.Store(false)

	start := time.Now()
	var result Result

	s.reconcileDuplicates(ctx, &result)
	s.expireClosed(ctx, &result)
	s.sweepOrphanImages(ctx, &result)

	elapsed := time.Since(start)

	s.mu.Lock()
	s.lastRun = start.UTC()
	s.lastDuration = elapsed
	r := result
	s.lastResult = &r
	s.mu.Unlock()

	s.metrics.CleanupRun(ctx, elapsed,
		int64(result.DuplicatesRemoved), int64(result.OldLogsRemoved), int64(result.OrphanedImages))

	s.logger.Info().
		Int("duplicates_found", result.DuplicatesFound).
		Int("duplicates_removed", result.DuplicatesRemoved).
		Int("old_logs_removed", result.OldLogsRemoved).
		Int("orphaned_images_removed", result.OrphanedImages).
		Dur("duration", elapsed).
		Msg("cleanup run complete")
	return result, ctx.Err()
}

// appResult carries one application's phase-1 counters back to the aggregator.
type appResult struct {
	found   int
	removed int
}

func (s *Scheduler) reconcileDuplicates(ctx context.Context, result *Result) {
	apps, err := s.store.ListApplications(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: list applications failed")
		return
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, app := range apps {
		g.Go(func() error {
			r := s.reconcileApplication(ctx, app)
			mu.Lock()
			result.DuplicatesFound += r.found
			result.DuplicatesRemoved += r.removed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileApplication merges near-duplicate issues of one application.
// Closed issues are history and pending issues belong to the embedding
// worker, so both stay out of the candidate set.
func (s *Scheduler) reconcileApplication(ctx context.Context, applicationID string) appResult {
	var r appResult

	issues, err := s.store.ListIssues(ctx, store.IssueFilter{
		ApplicationID: applicationID,
		States: []models.IssueState{
			models.IssueStateOpen, models.IssueStateInProgress,
			models.IssueStateDone, models.IssueStateRevert,
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("app", applicationID).
			Msg("cleanup: list issues failed")
		return r
	}
	if len(issues) < 2 {
		return r
	}
	// The list is newest-first, so capping keeps the most recent issues in
	// the pair scan. Older ones wait for a later pass.
	if len(issues) > s.batchSize {
		issues = issues[:s.batchSize]
	}

	absorbed := make(map[string]bool)
	for i := 0; i < len(issues); i++ {
		for j := i + 1; j < len(issues); j++ {
			if ctx.Err() != nil {
				return r
			}
			a, b := issues[i], issues[j]
			if absorbed[a.ID] || absorbed[b.ID] {
				continue
			}

			score := s.similarity(ctx, a, b)
			if score < s.threshold {
				continue
			}
			r.found++

			newer, older := orderByAge(a, b)
			if err := s.engine.AbsorbDuplicate(ctx, newer, older, score); err != nil {
				s.logger.Error().Err(err).
					Str("newer_id", newer.ID).
					Str("older_id", older.ID).
					Msg("cleanup: merge failed")
				continue
			}
			absorbed[older.ID] = true
			r.removed++
			s.logger.Info().
				Str("app", applicationID).
				Str("kept_id", newer.ID).
				Str("removed_id", older.ID).
				Float64("similarity", score).
				Msg("merged near-duplicate issues")
		}
	}
	return r
}

// similarity scores a candidate pair: 1.0 on exact message match, otherwise
// normalized Levenshtein, optionally refined by the LLM for borderline pairs.
func (s *Scheduler) similarity(ctx context.Context, a, b *models.Issue) float64 {
	score := lexicalSimilarity(a.Message, b.Message)
	if score >= s.threshold || score < refineFloor {
		return score
	}
	if s.refiner == nil || !s.refiner.Enabled() {
		return score
	}
	refined, err := s.refiner.RefineSimilarity(ctx, a.Message, b.Message)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("a_id", a.ID).Str("b_id", b.ID).
			Msg("cleanup: similarity refinement failed, keeping lexical score")
		return score
	}
	return refined
}

// lexicalSimilarity is 1 − d/max(len) over the two messages, case-folded.
func lexicalSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1.0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}

// orderByAge splits a pair into the survivor (newer) and the merge source
// (older). Creation-time ties fall back to ULID order.
func orderByAge(a, b *models.Issue) (newer, older *models.Issue) {
	if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
		return a, b
	}
	return b, a
}

func (s *Scheduler) expireClosed(ctx context.Context, result *Result) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	expired, err := s.store.ListExpiredClosed(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: list expired issues failed")
		return
	}
	for _, issue := range expired {
		if ctx.Err() != nil {
			return
		}
		if len(issue.Screenshots) > 0 {
			s.images.Delete(issue.Screenshots)
		}
		if err := s.store.DeleteIssue(ctx, issue.ID); err != nil {
			s.logger.Error().Err(err).Str("issue_id", issue.ID).
				Msg("cleanup: delete expired issue failed")
			continue
		}
		result.OldLogsRemoved++
	}
}

// sweepOrphanImages deletes image files no live issue references. Files left
// behind by failed admissions are reaped here; an admission racing the sweep
// can lose a just-written file, which surfaces as a missing screenshot and is
// tolerated.
func (s *Scheduler) sweepOrphanImages(ctx context.Context, result *Result) {
	issues, err := s.store.ListIssues(ctx, store.IssueFilter{})
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: list issues for image sweep failed")
		return
	}
	referenced := make(map[string]bool)
	for _, issue := range issues {
		for _, name := range issue.Screenshots {
			referenced[name] = true
		}
	}

	files, err := s.images.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: list image files failed")
		return
	}
	var orphans []string
	for _, name := range files {
		if !referenced[name] {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) == 0 {
		return
	}
	removed := s.images.Delete(orphans)
	result.OrphanedImages += removed
	s.logger.Info().Int("removed", removed).Msg("cleanup: removed orphaned images")
}
