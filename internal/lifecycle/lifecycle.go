// Package lifecycle enforces the issue state machine. All issue mutations
// after admission go through the Engine so transition guards, timestamps,
// and screenshot ownership stay in one place.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

// ErrInvalidTransition marks a request that is not allowed from the issue's
// current state. Callers can distinguish it from store.ErrNotFound.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrInvalidField marks a field patch carrying a value outside its enum.
var ErrInvalidField = errors.New("invalid field value")

// InitialState is the state a freshly admitted issue starts in.
func InitialState(embeddingEnabled bool) models.IssueState {
	if embeddingEnabled {
		return models.IssueStatePending
	}
	return models.IssueStateOpen
}

// Engine applies state transitions against the store.
type Engine struct {
	store        store.Store
	images       *images.FileStore
	planPromotes bool
	logger       zerolog.Logger
}

func NewEngine(st store.Store, imgs *images.FileStore, planPromotes bool, logger zerolog.Logger) *Engine {
	return &Engine{store: st, images: imgs, planPromotes: planPromotes, logger: logger}
}

func transitionErr(id string, current models.IssueState, wanted ...models.IssueState) error {
	names := make([]string, len(wanted))
	for i, s := range wanted {
		names[i] = string(s)
	}
	return fmt.Errorf("issue %s is not in %s state (current: %s): %w",
		id, strings.Join(names, " or "), current, ErrInvalidTransition)
}

func stateIn(s models.IssueState, set ...models.IssueState) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// transition loads the issue, checks the guard, applies mutate, and writes it
// back guarded by the observed state so concurrent transitions cannot race.
func (e *Engine) transition(ctx context.Context, id string, from []models.IssueState, mutate func(*models.Issue)) (*models.Issue, error) {
	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !stateIn(issue.State, from...) {
		return nil, transitionErr(id, issue.State, from...)
	}

	observed := issue.State
	mutate(issue)
	if err := e.store.UpdateIssue(ctx, issue, observed); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			current, getErr := e.store.GetIssue(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, transitionErr(id, current.State, from...)
		}
		return nil, err
	}
	return issue, nil
}

// StartProgress moves an issue from open or revert into in_progress.
func (e *Engine) StartProgress(ctx context.Context, id string) (*models.Issue, error) {
	return e.transition(ctx, id,
		[]models.IssueState{models.IssueStateOpen, models.IssueStateRevert},
		func(issue *models.Issue) {
			now := time.Now().UTC()
			issue.State = models.IssueStateInProgress
			issue.StartedAt = &now
		})
}

// DoneFields carries the completion report attached to a set-done call.
type DoneFields struct {
	Message    string
	Error      string
	GitCommit  string
	Statistics models.Context
}

// SetDone completes an issue from open or in_progress.
func (e *Engine) SetDone(ctx context.Context, id string, fields DoneFields) (*models.Issue, error) {
	return e.transition(ctx, id,
		[]models.IssueState{models.IssueStateOpen, models.IssueStateInProgress},
		func(issue *models.Issue) {
			now := time.Now().UTC()
			issue.State = models.IssueStateDone
			issue.CompletedAt = &now
			if fields.Message != "" {
				issue.LLMMessage = fields.Message
			}
			if fields.Error != "" {
				issue.LLMOutput = fields.Error
			}
			if fields.GitCommit != "" {
				issue.GitCommit = fields.GitCommit
			}
			if fields.Statistics != nil {
				issue.Statistics = fields.Statistics
			}
		})
}

// Revert flags a done issue whose fix did not hold.
func (e *Engine) Revert(ctx context.Context, id, reason string) (*models.Issue, error) {
	return e.transition(ctx, id,
		[]models.IssueState{models.IssueStateDone},
		func(issue *models.Issue) {
			now := time.Now().UTC()
			issue.State = models.IssueStateRevert
			issue.RevertedAt = &now
			issue.RevertReason = reason
		})
}

// ReopenReject forces any non-open issue back to open, recording the caller's
// reason in the context.
func (e *Engine) ReopenReject(ctx context.Context, id, reason string) (*models.Issue, error) {
	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue.State == models.IssueStateOpen {
		return nil, fmt.Errorf("issue %s is already in open state: %w", id, ErrInvalidTransition)
	}

	observed := issue.State
	issue.State = models.IssueStateOpen
	if reason != "" {
		issue.Context = issue.Context.Merge(models.Context{"reject_reason": reason})
	}
	if err := e.store.UpdateIssue(ctx, issue, observed); err != nil {
		return nil, err
	}
	return issue, nil
}

// Close moves an issue to closed and deletes its screenshot files. The row
// keeps no references to the deleted files.
func (e *Engine) Close(ctx context.Context, id string) (*models.Issue, error) {
	var shots []string
	issue, err := e.transition(ctx, id,
		[]models.IssueState{
			models.IssueStatePending,
			models.IssueStateOpen,
			models.IssueStateInProgress,
			models.IssueStateDone,
			models.IssueStateRevert,
		},
		func(issue *models.Issue) {
			shots = issue.Screenshots
			issue.State = models.IssueStateClosed
			issue.Screenshots = nil
		})
	if err != nil {
		return nil, err
	}
	if len(shots) > 0 {
		removed := e.images.Delete(shots)
		e.logger.Debug().
			Str("issue_id", id).
			Int("screenshots", removed).
			Msg("deleted screenshots on close")
	}
	return issue, nil
}

// SetPlan stores an implementation plan. When plan promotion is enabled, a
// non-empty plan also moves a pending issue to open.
func (e *Engine) SetPlan(ctx context.Context, id, plan string) (*models.Issue, error) {
	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}

	observed := issue.State
	issue.Plan = plan
	if e.planPromotes && plan != "" && issue.State == models.IssueStatePending {
		issue.State = models.IssueStateOpen
	}
	if err := e.store.UpdateIssue(ctx, issue, observed); err != nil {
		return nil, err
	}
	return issue, nil
}

// IssueFieldsPatch is a partial update to the issue-management fields.
// Nil fields are left untouched.
type IssueFieldsPatch struct {
	Plan      *string
	Type      *models.IssueType
	Effort    *models.IssueEffort
	LLMOutput *string
}

// PatchIssueFields applies a partial update, validating enum fields.
func (e *Engine) PatchIssueFields(ctx context.Context, id string, patch IssueFieldsPatch) (*models.Issue, error) {
	if patch.Type != nil && !patch.Type.Valid() {
		return nil, fmt.Errorf("type %q: %w", *patch.Type, ErrInvalidField)
	}
	if patch.Effort != nil && !patch.Effort.Valid() {
		return nil, fmt.Errorf("effort %q: %w", *patch.Effort, ErrInvalidField)
	}

	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}

	observed := issue.State
	if patch.Plan != nil {
		issue.Plan = *patch.Plan
		if e.planPromotes && *patch.Plan != "" && issue.State == models.IssueStatePending {
			issue.State = models.IssueStateOpen
		}
	}
	if patch.Type != nil {
		issue.Type = *patch.Type
	}
	if patch.Effort != nil {
		issue.Effort = *patch.Effort
	}
	if patch.LLMOutput != nil {
		issue.LLMOutput = *patch.LLMOutput
	}
	if err := e.store.UpdateIssue(ctx, issue, observed); err != nil {
		return nil, err
	}
	return issue, nil
}

// ReopenPayload is the part of a new admission folded into an existing done
// issue during an exact-duplicate reopen.
type ReopenPayload struct {
	Context     models.Context
	Screenshots []string
	Timestamp   time.Time
}

// ReopenFromDuplicate performs the done-to-open reopen for an exact-duplicate
// admission. When two admissions race, the loser merges its payload into the
// winner's reopen instead of bumping reopen_count a second time.
func (e *Engine) ReopenFromDuplicate(ctx context.Context, id string, payload ReopenPayload) (*models.Issue, error) {
	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue.State != models.IssueStateDone {
		return nil, transitionErr(id, issue.State, models.IssueStateDone)
	}

	now := time.Now().UTC()
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = now
	}

	issue.State = models.IssueStateOpen
	issue.Context = issue.Context.Merge(payload.Context)
	issue.Screenshots = append(issue.Screenshots, payload.Screenshots...)
	issue.ReopenCount++
	issue.Timestamp = ts
	issue.ReopenedAt = &now

	err = e.store.UpdateIssue(ctx, issue, models.IssueStateDone)
	if err == nil {
		return issue, nil
	}
	if !errors.Is(err, store.ErrStateConflict) {
		return nil, err
	}

	// Lost the reopen race: fold our payload into the issue as it stands now.
	issue, err = e.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	observed := issue.State
	issue.Context = issue.Context.Merge(payload.Context)
	issue.Screenshots = append(issue.Screenshots, payload.Screenshots...)
	if err := e.store.UpdateIssue(ctx, issue, observed); err != nil {
		return nil, err
	}
	return issue, nil
}

// Promote persists an embedding and moves a pending issue to open.
func (e *Engine) Promote(ctx context.Context, id string, embedding []float32, model string) error {
	return e.store.PromoteWithEmbedding(ctx, id, embedding, model)
}

// FallbackOpen drops a pending issue to open without an embedding, so a
// failing provider cannot strand it in pending.
func (e *Engine) FallbackOpen(ctx context.Context, id string) error {
	issue, err := e.store.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	if issue.State != models.IssueStatePending {
		return transitionErr(id, issue.State, models.IssueStatePending)
	}
	issue.State = models.IssueStateOpen
	return e.store.UpdateIssue(ctx, issue, models.IssueStatePending)
}

// mergeEdgeScore is the score recorded on edges created by embedding merges.
const mergeEdgeScore = 0.95

// AbsorbPending merges a pending source issue into a similar neighbor found
// by the embedding worker: contexts deep-merged with merge provenance,
// screenshots appended, neighbor reopen_count bumped, edge recorded, source
// deleted. The store makes this atomic.
func (e *Engine) AbsorbPending(ctx context.Context, neighbor, source *models.Issue, reason string) error {
	provenance := models.Context{
		"merged_from":     source.ID,
		"merge_reason":    reason,
		"merge_timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	neighbor.Context = neighbor.Context.Merge(source.Context.Merge(provenance))
	neighbor.Screenshots = append(neighbor.Screenshots, source.Screenshots...)
	neighbor.ReopenCount++
	return e.store.MergeIssues(ctx, neighbor, source.ID, mergeEdgeScore)
}

// AbsorbDuplicate merges an older near-duplicate into a newer one during
// cleanup. The newer issue's context wins conflicts and its reopen_count is
// left alone.
func (e *Engine) AbsorbDuplicate(ctx context.Context, newer, older *models.Issue, score float64) error {
	newer.Context = older.Context.Merge(newer.Context)
	newer.Screenshots = append(newer.Screenshots, older.Screenshots...)
	return e.store.MergeIssues(ctx, newer, older.ID, score)
}
