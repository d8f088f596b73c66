package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
	"github.com/logsink/logsink/internal/telemetry"
)

// ErrBusy is returned when a batch is already running.
var ErrBusy = errors.New("embedding worker is busy")

const (
	DefaultInterval  = 2 * time.Minute
	DefaultBatchSize = 20

	// DefaultSimilarityThreshold is the cosine similarity above which a
	// pending issue is merged into its neighbor instead of promoted.
	DefaultSimilarityThreshold = 0.85

	neighborLimit = 5
)

// WorkerConfig tunes the background drain of pending issues.
type WorkerConfig struct {
	Interval            time.Duration
	BatchSize           int
	SimilarityThreshold float64
}

// BatchResult summarizes one processing run.
type BatchResult struct {
	Claimed  int `json:"claimed"`
	Merged   int `json:"merged"`
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
}

// Status is a point-in-time view of the worker for the status endpoint.
type Status struct {
	Enabled       bool       `json:"enabled"`
	Model         string     `json:"model"`
	Running       bool       `json:"running"`
	InFlight      int        `json:"inFlight"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	LastDuration  string     `json:"lastDuration,omitempty"`
	TotalClaimed  int64      `json:"totalClaimed"`
	TotalMerged   int64      `json:"totalMerged"`
	TotalPromoted int64      `json:"totalPromoted"`
	TotalFailed   int64      `json:"totalFailed"`
}

// Worker drains pending issues: embed, find neighbors, merge or promote.
// At most one batch runs at a time; triggers during a run report busy.
type Worker struct {
	store     store.Store
	engine    *lifecycle.Engine
	client    *Client
	interval  time.Duration
	batchSize int
	threshold float64
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	running atomic.Bool
	trigger chan struct{}

	mu           sync.Mutex
	inFlight     map[string]struct{}
	lastRun      time.Time
	lastDuration time.Duration

	totalClaimed  atomic.Int64
	totalMerged   atomic.Int64
	totalPromoted atomic.Int64
	totalFailed   atomic.Int64
}

func NewWorker(st store.Store, engine *lifecycle.Engine, client *Client, cfg WorkerConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Worker{
		store:     st,
		engine:    engine,
		client:    client,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		threshold: cfg.SimilarityThreshold,
		metrics:   metrics,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		inFlight:  make(map[string]struct{}),
	}
}

// Start runs the tick loop until the context is cancelled. The current batch
// finishes draining before Start returns.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("interval", w.interval).
		Int("batch_size", w.batchSize).
		Msg("embedding worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("embedding worker stopped")
			return
		case <-ticker.C:
		case <-w.trigger:
		}

		if _, err := w.ProcessBatch(ctx); err != nil && !errors.Is(err, ErrBusy) {
			w.logger.Error().Err(err).Msg("embedding batch failed")
		}
	}
}

// Trigger wakes the worker outside its timer. A trigger during a running
// batch is rejected with ErrBusy.
func (w *Worker) Trigger() error {
	if w.running.Load() {
		return ErrBusy
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Status reports the worker's counters and run state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Enabled:       w.client.Enabled(),
		Model:         w.client.Model(),
		Running:       w.running.Load(),
		InFlight:      len(w.inFlight),
		TotalClaimed:  w.totalClaimed.Load(),
		TotalMerged:   w.totalMerged.Load(),
		TotalPromoted: w.totalPromoted.Load(),
		TotalFailed:   w.totalFailed.Load(),
	}
	if !w.lastRun.IsZero() {
		t := w.lastRun
		s.LastRun = &t
		s.LastDuration = w.lastDuration.Round(time.Millisecond).String()
	}
	return s
}

// ProcessBatch claims and processes one batch of pending issues. Only one
// batch may run at a time.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return BatchResult{}, ErrBusy
	}
	defer w.running.Store(false)

	start := time.Now()
	result, err := w.drain(ctx)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.lastRun = start.UTC()
	w.lastDuration = elapsed
	w.mu.Unlock()

	if result.Claimed > 0 {
		w.metrics.EmbeddingTick(ctx, elapsed,
			int64(result.Merged), int64(result.Promoted), int64(result.Failed))
	}

	if err != nil {
		return result, err
	}
	if result.Claimed > 0 {
		w.logger.Info().
			Int("claimed", result.Claimed).
			Int("merged", result.Merged).
			Int("promoted", result.Promoted).
			Int("failed", result.Failed).
			Msg("embedding batch complete")
	}
	return result, nil
}

func (w *Worker) drain(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	issues, err := w.store.ListPendingEmbeddings(ctx, w.batchSize, w.inFlightIDs())
	if err != nil {
		return result, fmt.Errorf("claim pending issues: %w", err)
	}
	if len(issues) == 0 {
		return result, nil
	}

	w.claim(issues)
	defer w.release(issues)

	result.Claimed = len(issues)
	w.totalClaimed.Add(int64(len(issues)))

	for _, issue := range issues {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		switch w.processIssue(ctx, issue) {
		case outcomeMerged:
			result.Merged++
			w.totalMerged.Add(1)
		case outcomePromoted:
			result.Promoted++
			w.totalPromoted.Add(1)
		case outcomeFailed:
			result.Failed++
			w.totalFailed.Add(1)
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeMerged
	outcomePromoted
)

func (w *Worker) processIssue(ctx context.Context, issue *models.Issue) outcome {
	vec, err := w.client.Embed(ctx, BuildInput(issue))
	if err != nil {
		// Never strand an issue in pending: fall back to open without a
		// vector and let exact-key dedup carry it.
		w.logger.Warn().Err(err).Str("issue_id", issue.ID).
			Msg("embedding failed, falling back to open")
		if fbErr := w.engine.FallbackOpen(ctx, issue.ID); fbErr != nil {
			w.logger.Error().Err(fbErr).Str("issue_id", issue.ID).
				Msg("failed to drop issue back to open")
		}
		return outcomeFailed
	}

	neighbor, score, err := w.bestNeighbor(ctx, issue, vec)
	if err != nil {
		w.logger.Warn().Err(err).Str("issue_id", issue.ID).
			Msg("neighbor query failed, promoting without dedup")
	}

	if neighbor != nil {
		reason := fmt.Sprintf("embedding similarity %.2f", score)
		if err := w.engine.AbsorbPending(ctx, neighbor, issue, reason); err != nil {
			w.logger.Error().Err(err).
				Str("issue_id", issue.ID).
				Str("neighbor_id", neighbor.ID).
				Msg("merge failed")
			return outcomeFailed
		}
		w.logger.Info().
			Str("issue_id", issue.ID).
			Str("neighbor_id", neighbor.ID).
			Float64("similarity", score).
			Msg("merged pending issue into neighbor")
		return outcomeMerged
	}

	if err := w.engine.Promote(ctx, issue.ID, vec, w.client.Model()); err != nil {
		w.logger.Error().Err(err).Str("issue_id", issue.ID).Msg("promote failed")
		return outcomeFailed
	}
	return outcomePromoted
}

// bestNeighbor returns the highest-scoring mergeable neighbor at or above the
// similarity threshold, or nil when the issue has no duplicate.
func (w *Worker) bestNeighbor(ctx context.Context, issue *models.Issue, vec []float32) (*models.Issue, float64, error) {
	similar, err := w.store.FindSimilar(ctx, issue.ApplicationID, vec, neighborLimit, issue.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, s := range similar {
		if s.Similarity < w.threshold {
			break // sorted descending
		}
		switch s.Issue.State {
		case models.IssueStateOpen, models.IssueStateInProgress, models.IssueStateDone:
			return s.Issue, s.Similarity, nil
		}
	}
	return nil, 0, nil
}

// ProcessOne embeds a single pending issue on demand, outside the timer.
func (w *Worker) ProcessOne(ctx context.Context, id string) (BatchResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return BatchResult{}, ErrBusy
	}
	defer w.running.Store(false)

	issue, err := w.store.GetIssue(ctx, id)
	if err != nil {
		return BatchResult{}, err
	}
	if issue.State != models.IssueStatePending {
		return BatchResult{}, fmt.Errorf("issue %s is not in pending state (current: %s): %w",
			id, issue.State, lifecycle.ErrInvalidTransition)
	}

	result := BatchResult{Claimed: 1}
	w.claim([]*models.Issue{issue})
	defer w.release([]*models.Issue{issue})
	w.totalClaimed.Add(1)

	switch w.processIssue(ctx, issue) {
	case outcomeMerged:
		result.Merged = 1
		w.totalMerged.Add(1)
	case outcomePromoted:
		result.Promoted = 1
		w.totalPromoted.Add(1)
	case outcomeFailed:
		result.Failed = 1
		w.totalFailed.Add(1)
	}
	return result, nil
}

func (w *Worker) claim(issues []*models.Issue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, issue := range issues {
		w.inFlight[issue.ID] = struct{}{}
	}
}

func (w *Worker) release(issues []*models.Issue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, issue := range issues {
		delete(w.inFlight, issue.ID)
	}
}

func (w *Worker) inFlightIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// BuildInput renders the text sent to the embedding provider for an issue.
func BuildInput(issue *models.Issue) string {
	parts := []string{
		"Message: " + issue.Message,
		"Application: " + issue.ApplicationID,
	}
	if len(issue.Context) > 0 {
		if pretty, err := json.MarshalIndent(issue.Context, "", "  "); err == nil {
			parts = append(parts, "Context: "+string(pretty))
		}
	}
	return strings.Join(parts, "\n")
}
