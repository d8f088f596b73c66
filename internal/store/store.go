package store

import (
	"context"
	"errors"
	"time"

	"github.com/logsink/logsink/internal/models"
)

// ErrNotFound is wrapped by lookups that miss.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned by guarded updates when the stored state no
// longer matches the expected source state (a concurrent transition won).
var ErrStateConflict = errors.New("state conflict")

// ErrDuplicatePattern is wrapped when a blacklist insert or update violates
// the (pattern, application_id) unique key.
var ErrDuplicatePattern = errors.New("pattern already exists")

// IssueFilter specifies filters for listing issues.
type IssueFilter struct {
	ApplicationID string
	States        []models.IssueState
	// RevertFirst orders revert issues ahead of everything else, for the
	// worker-facing open view.
	RevertFirst bool
	Limit       int
}

// SimilarIssue pairs an issue with its cosine similarity to a query vector.
type SimilarIssue struct {
	Issue      *models.Issue
	Similarity float64
}

// Store defines the persistence contract for the issue sink.
type Store interface {
	// Issues
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, error)
	// UpdateIssue persists all mutable fields of issue. When fromStates is
	// non-empty the update applies only while the stored state is one of
	// them; otherwise ErrStateConflict (or ErrNotFound) is returned.
	UpdateIssue(ctx context.Context, issue *models.Issue, fromStates ...models.IssueState) error
	DeleteIssue(ctx context.Context, id string) error
	BulkDeleteIssues(ctx context.Context, ids []string) (int64, error)

	// FindExactDuplicate returns the most recently updated issue in the
	// given state whose (application_id, message [+ context.message]) key
	// equals key. ErrNotFound when no issue matches.
	FindExactDuplicate(ctx context.Context, applicationID, message, key string, state models.IssueState) (*models.Issue, error)

	// Embedding support
	ListPendingEmbeddings(ctx context.Context, limit int, exclude []string) ([]*models.Issue, error)
	// PromoteWithEmbedding transitions a pending issue to open, persisting
	// its vector in the same statement.
	PromoteWithEmbedding(ctx context.Context, id string, embedding []float32, model string) error
	// FindSimilar returns up to k non-pending issues of the application with
	// a stored embedding, ordered by ascending cosine distance to the query.
	FindSimilar(ctx context.Context, applicationID string, query []float32, k int, excludeID string) ([]SimilarIssue, error)
	// MergeIssues atomically applies the already-merged target fields,
	// records a DuplicateEdge (target, sourceID, score), and deletes the
	// source issue.
	MergeIssues(ctx context.Context, target *models.Issue, sourceID string, score float64) error

	// Scans
	CountByState(ctx context.Context, applicationID string) (map[models.IssueState]int, error)
	ListApplications(ctx context.Context) ([]string, error)
	ListExpiredClosed(ctx context.Context, cutoff time.Time) ([]*models.Issue, error)

	// Blacklist
	CreateBlacklistPattern(ctx context.Context, p *models.BlacklistPattern) error
	GetBlacklistPattern(ctx context.Context, id int64) (*models.BlacklistPattern, error)
	ListBlacklistPatterns(ctx context.Context, applicationID string) ([]*models.BlacklistPattern, error)
	UpdateBlacklistPattern(ctx context.Context, p *models.BlacklistPattern) error
	DeleteBlacklistPattern(ctx context.Context, id int64) error
	ClearBlacklist(ctx context.Context, applicationID string) (int64, error)

	// Duplicate edges
	ListDuplicateEdges(ctx context.Context, originalID string) ([]*models.DuplicateEdge, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
