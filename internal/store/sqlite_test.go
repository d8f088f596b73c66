package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsink/logsink/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath, 0)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestIssue(app, message string, state models.IssueState) *models.Issue {
	return &models.Issue{
		ApplicationID: app,
		Message:       message,
		State:         state,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Issue CRUD ---

func TestIssueCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &models.Issue{
		ApplicationID: "shop-api",
		Message:       "database connection refused",
		Context: models.Context{
			"message": "dial tcp: connection refused",
			"level":   "error",
		},
		Screenshots: []string{"shop-api-img-x-1.png"},
		State:       models.IssueStateOpen,
	}
	err := s.CreateIssue(ctx, issue)
	require.NoError(t, err)
	assert.NotEmpty(t, issue.ID)
	assert.False(t, issue.CreatedAt.IsZero())
	assert.False(t, issue.Timestamp.IsZero())

	// Get
	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "database connection refused", got.Message)
	assert.Equal(t, models.IssueStateOpen, got.State)
	assert.Equal(t, "dial tcp: connection refused", got.Context["message"])
	assert.Equal(t, []string{"shop-api-img-x-1.png"}, got.Screenshots)
	assert.Equal(t, 0, got.ReopenCount)
	assert.Nil(t, got.StartedAt)

	// Update
	now := time.Now().UTC()
	got.State = models.IssueStateInProgress
	got.StartedAt = &now
	got.Plan = "restart the pooler"
	err = s.UpdateIssue(ctx, got)
	require.NoError(t, err)

	got2, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStateInProgress, got2.State)
	assert.Equal(t, "restart the pooler", got2.Plan)
	require.NotNil(t, got2.StartedAt)
	assert.WithinDuration(t, now, *got2.StartedAt, time.Second)

	// Delete
	err = s.DeleteIssue(ctx, issue.ID)
	require.NoError(t, err)

	_, err = s.GetIssue(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newTestIssue("app", "panic in worker", models.IssueStateOpen)
	issue.Embedding = []float32{0.1, -0.5, 2.25}
	issue.EmbeddingModel = "text-embedding-004"
	require.NoError(t, s.CreateIssue(ctx, issue))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.5, 2.25}, got.Embedding)
	assert.Equal(t, "text-embedding-004", got.EmbeddingModel)
}

func TestGetIssue_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetIssue(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestListIssues_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app-a", "first", models.IssueStateOpen)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app-a", "second", models.IssueStateDone)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app-b", "third", models.IssueStateOpen)))

	issues, err := s.ListIssues(ctx, IssueFilter{ApplicationID: "app-a"})
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	issues, err = s.ListIssues(ctx, IssueFilter{States: []models.IssueState{models.IssueStateOpen}})
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	issues, err = s.ListIssues(ctx, IssueFilter{
		ApplicationID: "app-a",
		States:        []models.IssueState{models.IssueStateDone},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "second", issues[0].Message)

	issues, err = s.ListIssues(ctx, IssueFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestListIssues_RevertFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := newTestIssue("app", "reverted deploy", models.IssueStateRevert)
	older.Timestamp = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateIssue(ctx, older))

	newer := newTestIssue("app", "fresh crash", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, newer))

	issues, err := s.ListIssues(ctx, IssueFilter{ApplicationID: "app", RevertFirst: true})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, models.IssueStateRevert, issues[0].State)

	issues, err = s.ListIssues(ctx, IssueFilter{ApplicationID: "app"})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "fresh crash", issues[0].Message)
}

func TestUpdateIssue_StateGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newTestIssue("app", "flaky test", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, issue))

	// Guard matches current state
	issue.State = models.IssueStateInProgress
	err := s.UpdateIssue(ctx, issue, models.IssueStateOpen)
	require.NoError(t, err)

	// Guard no longer matches
	issue.State = models.IssueStateInProgress
	err = s.UpdateIssue(ctx, issue, models.IssueStateOpen)
	assert.ErrorIs(t, err, ErrStateConflict)

	// Missing issue reports not found, not conflict
	ghost := newTestIssue("app", "gone", models.IssueStateOpen)
	ghost.ID = "nonexistent"
	ghost.CreatedAt = time.Now().UTC()
	err = s.UpdateIssue(ctx, ghost, models.IssueStateOpen)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkDeleteIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestIssue("app", "a", models.IssueStateClosed)
	b := newTestIssue("app", "b", models.IssueStateClosed)
	c := newTestIssue("app", "c", models.IssueStateOpen)
	for _, issue := range []*models.Issue{a, b, c} {
		require.NoError(t, s.CreateIssue(ctx, issue))
	}

	n, err := s.BulkDeleteIssues(ctx, []string{a.ID, b.ID, "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.BulkDeleteIssues(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.GetIssue(ctx, c.ID)
	assert.NoError(t, err)
}

// --- Exact duplicates ---

func TestFindExactDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := newTestIssue("app", "timeout calling billing", models.IssueStateDone)
	done.Context = models.Context{"message": "deadline exceeded"}
	require.NoError(t, s.CreateIssue(ctx, done))

	// Same message but different context message is not a match
	key := models.ExactKey("timeout calling billing", models.Context{"message": "other detail"})
	_, err := s.FindExactDuplicate(ctx, "app", "timeout calling billing", key, models.IssueStateDone)
	assert.ErrorIs(t, err, ErrNotFound)

	// Matching key finds the issue
	key = models.ExactKey("timeout calling billing", models.Context{"message": "deadline exceeded"})
	got, err := s.FindExactDuplicate(ctx, "app", "timeout calling billing", key, models.IssueStateDone)
	require.NoError(t, err)
	assert.Equal(t, done.ID, got.ID)

	// State filter applies
	_, err = s.FindExactDuplicate(ctx, "app", "timeout calling billing", key, models.IssueStateOpen)
	assert.ErrorIs(t, err, ErrNotFound)

	// Application filter applies
	_, err = s.FindExactDuplicate(ctx, "other-app", "timeout calling billing", key, models.IssueStateDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindExactDuplicate_NoContextMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := newTestIssue("app", "plain failure", models.IssueStateDone)
	require.NoError(t, s.CreateIssue(ctx, done))

	got, err := s.FindExactDuplicate(ctx, "app", "plain failure",
		models.ExactKey("plain failure", nil), models.IssueStateDone)
	require.NoError(t, err)
	assert.Equal(t, done.ID, got.ID)
}

// --- Embedding queue ---

func TestListPendingEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestIssue("app", "first pending", models.IssueStatePending)
	require.NoError(t, s.CreateIssue(ctx, first))
	time.Sleep(5 * time.Millisecond) // ensure distinct created_at

	second := newTestIssue("app", "second pending", models.IssueStatePending)
	require.NoError(t, s.CreateIssue(ctx, second))

	embedded := newTestIssue("app", "already embedded", models.IssueStateOpen)
	embedded.Embedding = []float32{1, 0}
	require.NoError(t, s.CreateIssue(ctx, embedded))

	// Oldest first
	pending, err := s.ListPendingEmbeddings(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	// Exclusion set filters in-flight work
	pending, err = s.ListPendingEmbeddings(ctx, 10, []string{first.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	// Limit applies
	pending, err = s.ListPendingEmbeddings(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestPromoteWithEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := newTestIssue("app", "pending issue", models.IssueStatePending)
	require.NoError(t, s.CreateIssue(ctx, issue))

	err := s.PromoteWithEmbedding(ctx, issue.ID, []float32{0.5, 0.5}, "text-embedding-004")
	require.NoError(t, err)

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStateOpen, got.State)
	assert.Equal(t, []float32{0.5, 0.5}, got.Embedding)
	assert.Equal(t, "text-embedding-004", got.EmbeddingModel)

	// Already promoted
	err = s.PromoteWithEmbedding(ctx, issue.ID, []float32{1, 0}, "text-embedding-004")
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.PromoteWithEmbedding(ctx, "nonexistent", []float32{1, 0}, "text-embedding-004")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Similarity search ---

func TestFindSimilar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := newTestIssue("app", "near match", models.IssueStateOpen)
	near.Embedding = []float32{1, 0.1}
	require.NoError(t, s.CreateIssue(ctx, near))

	far := newTestIssue("app", "far match", models.IssueStateDone)
	far.Embedding = []float32{0, 1}
	require.NoError(t, s.CreateIssue(ctx, far))

	pending := newTestIssue("app", "pending skipped", models.IssueStatePending)
	pending.Embedding = []float32{1, 0}
	require.NoError(t, s.CreateIssue(ctx, pending))

	noVec := newTestIssue("app", "no embedding", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, noVec))

	otherApp := newTestIssue("other", "other app", models.IssueStateOpen)
	otherApp.Embedding = []float32{1, 0}
	require.NoError(t, s.CreateIssue(ctx, otherApp))

	results, err := s.FindSimilar(ctx, "app", []float32{1, 0}, 5, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].Issue.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	// Top-k truncation
	results, err = s.FindSimilar(ctx, "app", []float32{1, 0}, 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, near.ID, results[0].Issue.ID)

	// Exclusion
	results, err = s.FindSimilar(ctx, "app", []float32{1, 0}, 5, near.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, far.ID, results[0].Issue.ID)
}

// --- Merge ---

func TestMergeIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := newTestIssue("app", "canonical issue", models.IssueStateOpen)
	target.Embedding = []float32{1, 0}
	require.NoError(t, s.CreateIssue(ctx, target))

	source := newTestIssue("app", "duplicate issue", models.IssueStatePending)
	require.NoError(t, s.CreateIssue(ctx, source))

	target.ReopenCount = 1
	target.Context = models.Context{"merged_from": source.ID}
	require.NoError(t, s.MergeIssues(ctx, target, source.ID, 0.95))

	// Target updated
	got, err := s.GetIssue(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReopenCount)
	assert.Equal(t, source.ID, got.Context["merged_from"])

	// Source gone
	_, err = s.GetIssue(ctx, source.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Edge recorded
	edges, err := s.ListDuplicateEdges(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, source.ID, edges[0].DuplicateLogID)
	assert.Equal(t, 0.95, edges[0].SimilarityScore)
}

func TestMergeIssues_EdgeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := newTestIssue("app", "canonical", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, target))

	for i := 0; i < 2; i++ {
		source := newTestIssue("app", "dup", models.IssueStatePending)
		source.ID = "fixed-source-id"
		require.NoError(t, s.CreateIssue(ctx, source))
		require.NoError(t, s.MergeIssues(ctx, target, source.ID, 0.9))
	}

	edges, err := s.ListDuplicateEdges(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestDuplicateEdges_CascadeOnOriginalDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := newTestIssue("app", "canonical", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, target))

	source := newTestIssue("app", "dup", models.IssueStatePending)
	require.NoError(t, s.CreateIssue(ctx, source))
	require.NoError(t, s.MergeIssues(ctx, target, source.ID, 0.9))

	require.NoError(t, s.DeleteIssue(ctx, target.ID))

	edges, err := s.ListDuplicateEdges(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 0)
}

// --- Scans ---

func TestCountByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app", "a", models.IssueStateOpen)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app", "b", models.IssueStateOpen)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("app", "c", models.IssueStateDone)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("other", "d", models.IssueStateOpen)))

	counts, err := s.CountByState(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.IssueStateOpen])
	assert.Equal(t, 1, counts[models.IssueStateDone])
	assert.Equal(t, 0, counts[models.IssueStatePending])
	assert.Equal(t, 0, counts[models.IssueStateClosed])

	// All applications
	counts, err = s.CountByState(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.IssueStateOpen])
}

func TestListApplications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIssue(ctx, newTestIssue("zebra", "a", models.IssueStateOpen)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("alpha", "b", models.IssueStateOpen)))
	require.NoError(t, s.CreateIssue(ctx, newTestIssue("alpha", "c", models.IssueStateDone)))

	apps, err := s.ListApplications(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zebra"}, apps)
}

func TestListExpiredClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestIssue("app", "stale closed", models.IssueStateClosed)
	require.NoError(t, s.CreateIssue(ctx, old))
	// Backdate updated_at past the cutoff
	_, err := s.db.ExecContext(ctx, "UPDATE issues SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Add(-48*time.Hour), old.ID)
	require.NoError(t, err)

	fresh := newTestIssue("app", "fresh closed", models.IssueStateClosed)
	require.NoError(t, s.CreateIssue(ctx, fresh))

	openOld := newTestIssue("app", "old but open", models.IssueStateOpen)
	require.NoError(t, s.CreateIssue(ctx, openOld))
	_, err = s.db.ExecContext(ctx, "UPDATE issues SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Add(-48*time.Hour), openOld.ID)
	require.NoError(t, err)

	expired, err := s.ListExpiredClosed(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

// --- Blacklist ---

func TestBlacklistCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.BlacklistPattern{
		Pattern: "health check ping",
		Type:    models.PatternTypeExact,
		Reason:  "monitoring noise",
	}
	err := s.CreateBlacklistPattern(ctx, p)
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := s.GetBlacklistPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "health check ping", got.Pattern)
	assert.Equal(t, models.PatternTypeExact, got.Type)
	assert.Equal(t, "", got.ApplicationID)
	assert.True(t, got.Global())

	// Update
	got.Pattern = "health check"
	got.Type = models.PatternTypeSubstring
	err = s.UpdateBlacklistPattern(ctx, got)
	require.NoError(t, err)

	got2, err := s.GetBlacklistPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "health check", got2.Pattern)
	assert.Equal(t, models.PatternTypeSubstring, got2.Type)

	// Delete
	err = s.DeleteBlacklistPattern(ctx, p.ID)
	require.NoError(t, err)

	_, err = s.GetBlacklistPattern(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteBlacklistPattern(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlacklistUniqueConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1 := &models.BlacklistPattern{Pattern: "noise", Type: models.PatternTypeExact}
	require.NoError(t, s.CreateBlacklistPattern(ctx, p1))

	// Same pattern, same (global) scope
	p2 := &models.BlacklistPattern{Pattern: "noise", Type: models.PatternTypeSubstring}
	err := s.CreateBlacklistPattern(ctx, p2)
	assert.ErrorIs(t, err, ErrDuplicatePattern)

	// Same pattern, different scope is fine
	p3 := &models.BlacklistPattern{Pattern: "noise", Type: models.PatternTypeExact, ApplicationID: "app"}
	assert.NoError(t, s.CreateBlacklistPattern(ctx, p3))

	// Two global patterns must stay unique even though scope is empty
	p4 := &models.BlacklistPattern{Pattern: "noise", Type: models.PatternTypeRegex}
	err = s.CreateBlacklistPattern(ctx, p4)
	assert.ErrorIs(t, err, ErrDuplicatePattern)
}

func TestListBlacklistPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	global := &models.BlacklistPattern{Pattern: "global noise", Type: models.PatternTypeExact}
	require.NoError(t, s.CreateBlacklistPattern(ctx, global))

	scoped := &models.BlacklistPattern{Pattern: "app noise", Type: models.PatternTypeExact, ApplicationID: "app"}
	require.NoError(t, s.CreateBlacklistPattern(ctx, scoped))

	all, err := s.ListBlacklistPatterns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	appOnly, err := s.ListBlacklistPatterns(ctx, "app")
	require.NoError(t, err)
	require.Len(t, appOnly, 1)
	assert.Equal(t, "app noise", appOnly[0].Pattern)
}

func TestClearBlacklist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBlacklistPattern(ctx, &models.BlacklistPattern{Pattern: "a", Type: models.PatternTypeExact}))
	require.NoError(t, s.CreateBlacklistPattern(ctx, &models.BlacklistPattern{Pattern: "b", Type: models.PatternTypeExact, ApplicationID: "app"}))
	require.NoError(t, s.CreateBlacklistPattern(ctx, &models.BlacklistPattern{Pattern: "c", Type: models.PatternTypeExact, ApplicationID: "app"}))

	n, err := s.ClearBlacklist(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.ClearBlacklist(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListBlacklistPatterns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 0)
}
