// Package admission accepts or rejects incoming log entries. The pipeline
// runs validate, blacklist check, image extraction, and exact-duplicate
// detection before anything is persisted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
	"github.com/logsink/logsink/internal/telemetry"
)

// ErrInvalidInput is wrapped by validation failures.
var ErrInvalidInput = errors.New("invalid input")

// BlockedError reports that an admission matched a blacklist pattern.
// Nothing was persisted.
type BlockedError struct {
	Pattern *models.BlacklistPattern
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("message blocked by blacklist pattern %q", e.Pattern.Pattern)
}

// Admission actions returned to the caller.
const (
	ActionCreatedNew       = "created_new"
	ActionReopenedExisting = "reopened_existing"
)

// Request is one incoming log entry.
type Request struct {
	ApplicationID string
	Message       string
	Timestamp     time.Time
	Context       models.Context
	Type          models.IssueType
	Effort        models.IssueEffort
	Plan          string
	LLMOutput     string
}

// Result is the outcome of a successful admission.
type Result struct {
	Issue        *models.Issue
	Action       string
	Deduplicated bool
}

// Pipeline orchestrates admission. A nil blacklist service disables the
// blacklist check.
type Pipeline struct {
	store            store.Store
	blacklist        *blacklist.Service
	images           *images.FileStore
	engine           *lifecycle.Engine
	embeddingEnabled bool
	metrics          *telemetry.Metrics
	logger           zerolog.Logger
}

func NewPipeline(st store.Store, bl *blacklist.Service, imgs *images.FileStore, engine *lifecycle.Engine, embeddingEnabled bool, metrics *telemetry.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:            st,
		blacklist:        bl,
		images:           imgs,
		engine:           engine,
		embeddingEnabled: embeddingEnabled,
		metrics:          metrics,
		logger:           logger,
	}
}

func (p *Pipeline) validate(req *Request) error {
	if req.ApplicationID == "" {
		return fmt.Errorf("applicationId is required: %w", ErrInvalidInput)
	}
	if req.Message == "" {
		return fmt.Errorf("message is required: %w", ErrInvalidInput)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("type %q: %w", req.Type, ErrInvalidInput)
	}
	if !req.Effort.Valid() {
		return fmt.Errorf("effort %q: %w", req.Effort, ErrInvalidInput)
	}
	return nil
}

// newIssueID generates the identity of a fresh admission. The id is needed
// before the issue row exists because extracted image filenames embed it.
func newIssueID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Admit runs the pipeline for one request. Images are written before the
// issue row; an admission that fails after that point leaves orphan files for
// the cleanup sweep to reap.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Result, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}

	if p.blacklist != nil {
		pattern, err := p.blacklist.Check(ctx, req.ApplicationID, req.Message)
		if err != nil {
			return nil, fmt.Errorf("blacklist check: %w", err)
		}
		if pattern != nil {
			p.metrics.Blocked(ctx)
			p.logger.Info().
				Str("application_id", req.ApplicationID).
				Str("pattern", pattern.Pattern).
				Msg("admission blocked by blacklist")
			return nil, &BlockedError{Pattern: pattern}
		}
	}

	id := newIssueID()
	rewritten, saved := p.images.ExtractFromContext(req.ApplicationID, id, req.Context)

	key := models.ExactKey(req.Message, rewritten)
	existing, err := p.store.FindExactDuplicate(ctx, req.ApplicationID, req.Message, key, models.IssueStateDone)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("exact duplicate probe: %w", err)
	}

	if existing != nil {
		issue, err := p.engine.ReopenFromDuplicate(ctx, existing.ID, lifecycle.ReopenPayload{
			Context:     rewritten,
			Screenshots: saved,
			Timestamp:   req.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("reopen duplicate: %w", err)
		}
		p.metrics.Admission(ctx, ActionReopenedExisting)
		p.logger.Info().
			Str("application_id", req.ApplicationID).
			Str("issue_id", issue.ID).
			Int("reopen_count", issue.ReopenCount).
			Msg("reopened existing issue for exact duplicate")
		return &Result{Issue: issue, Action: ActionReopenedExisting, Deduplicated: true}, nil
	}

	issue := &models.Issue{
		ID:            id,
		ApplicationID: req.ApplicationID,
		Timestamp:     req.Timestamp,
		Message:       req.Message,
		Context:       rewritten,
		Screenshots:   saved,
		State:         lifecycle.InitialState(p.embeddingEnabled),
		Plan:          req.Plan,
		Type:          req.Type,
		Effort:        req.Effort,
		LLMOutput:     req.LLMOutput,
	}
	if err := p.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	p.metrics.Admission(ctx, ActionCreatedNew)
	p.logger.Info().
		Str("application_id", req.ApplicationID).
		Str("issue_id", issue.ID).
		Str("state", string(issue.State)).
		Msg("admitted new issue")
	return &Result{Issue: issue, Action: ActionCreatedNew}, nil
}
