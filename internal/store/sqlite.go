package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/vector"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
// busyTimeoutMS <= 0 falls back to 5000.
func NewSQLiteStore(dbPath string, busyTimeoutMS int) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const issueCols = `id, application_id, timestamp, message, context, screenshots, state, reopen_count,
	plan, type, effort, llm_output, llm_message, git_commit, statistics, revert_reason,
	started_at, completed_at, reopened_at, reverted_at, created_at, updated_at, embedding, embedding_model`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var (
		contextJSON, screenshotsJSON, statsJSON string
		state, issueType, effort                string
		startedAt, completedAt                  sql.NullTime
		reopenedAt, revertedAt                  sql.NullTime
		embBlob                                 []byte
		embModel                                sql.NullString
	)

	err := row.Scan(
		&issue.ID, &issue.ApplicationID, &issue.Timestamp, &issue.Message,
		&contextJSON, &screenshotsJSON, &state, &issue.ReopenCount,
		&issue.Plan, &issueType, &effort, &issue.LLMOutput,
		&issue.LLMMessage, &issue.GitCommit, &statsJSON, &issue.RevertReason,
		&startedAt, &completedAt, &reopenedAt, &revertedAt,
		&issue.CreatedAt, &issue.UpdatedAt, &embBlob, &embModel,
	)
	if err != nil {
		return nil, err
	}

	issue.State = models.IssueState(state)
	issue.Type = models.IssueType(issueType)
	issue.Effort = models.IssueEffort(effort)

	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &issue.Context); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", issue.ID, err)
		}
	}
	if screenshotsJSON != "" {
		if err := json.Unmarshal([]byte(screenshotsJSON), &issue.Screenshots); err != nil {
			return nil, fmt.Errorf("decode screenshots for %s: %w", issue.ID, err)
		}
	}
	if statsJSON != "" {
		if err := json.Unmarshal([]byte(statsJSON), &issue.Statistics); err != nil {
			return nil, fmt.Errorf("decode statistics for %s: %w", issue.ID, err)
		}
	}

	issue.StartedAt = timePtr(startedAt)
	issue.CompletedAt = timePtr(completedAt)
	issue.ReopenedAt = timePtr(reopenedAt)
	issue.RevertedAt = timePtr(revertedAt)

	if len(embBlob) > 0 {
		vec, err := vector.Decode(embBlob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", issue.ID, err)
		}
		issue.Embedding = vec
	}
	issue.EmbeddingModel = embModel.String

	return issue, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// issueArgs produces the bind arguments matching issueCols minus id.
func issueArgs(issue *models.Issue) ([]any, error) {
	contextJSON, err := marshalJSON(issue.Context, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	screenshotsJSON, err := marshalJSON(issue.Screenshots, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshal screenshots: %w", err)
	}
	statsJSON := ""
	if issue.Statistics != nil {
		statsJSON, err = marshalJSON(issue.Statistics, "")
		if err != nil {
			return nil, fmt.Errorf("marshal statistics: %w", err)
		}
	}

	return []any{
		issue.ApplicationID, issue.Timestamp.UTC(), issue.Message,
		contextJSON, screenshotsJSON, string(issue.State), issue.ReopenCount,
		issue.Plan, string(issue.Type), string(issue.Effort), issue.LLMOutput,
		issue.LLMMessage, issue.GitCommit, statsJSON, issue.RevertReason,
		nullTime(issue.StartedAt), nullTime(issue.CompletedAt),
		nullTime(issue.ReopenedAt), nullTime(issue.RevertedAt),
		issue.CreatedAt.UTC(), issue.UpdatedAt.UTC(),
		vector.Encode(issue.Embedding), nullString(issue.EmbeddingModel),
	}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Issues ---

func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = newULID()
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now
	if issue.Timestamp.IsZero() {
		issue.Timestamp = now
	}

	args, err := issueArgs(issue)
	if err != nil {
		return err
	}
	args = append([]any{issue.ID}, args...)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (`+issueCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueCols+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, error) {
	var (
		where []string
		args  []any
	)
	if filter.ApplicationID != "" {
		where = append(where, "application_id = ?")
		args = append(args, filter.ApplicationID)
	}
	if len(filter.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.States)), ",")
		where = append(where, "state IN ("+placeholders+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + issueCols + ` FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY "
	if filter.RevertFirst {
		query += "CASE WHEN state = 'revert' THEN 0 ELSE 1 END, "
	}
	query += "timestamp DESC, updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (s *SQLiteStore) UpdateIssue(ctx context.Context, issue *models.Issue, fromStates ...models.IssueState) error {
	issue.UpdatedAt = time.Now().UTC()
	return s.execUpdateIssue(ctx, s.db, issue, fromStates...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) execUpdateIssue(ctx context.Context, ex execer, issue *models.Issue, fromStates ...models.IssueState) error {
	args, err := issueArgs(issue)
	if err != nil {
		return err
	}

	query := `UPDATE issues SET
		application_id=?, timestamp=?, message=?, context=?, screenshots=?, state=?, reopen_count=?,
		plan=?, type=?, effort=?, llm_output=?, llm_message=?, git_commit=?, statistics=?, revert_reason=?,
		started_at=?, completed_at=?, reopened_at=?, reverted_at=?, created_at=?, updated_at=?,
		embedding=?, embedding_model=?
		WHERE id=?`
	args = append(args, issue.ID)
	if len(fromStates) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStates)), ",")
		query += " AND state IN (" + placeholders + ")"
		for _, st := range fromStates {
			args = append(args, string(st))
		}
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetIssue(ctx, issue.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("update issue %s: %w", issue.ID, ErrStateConflict)
	}
	return nil
}

func (s *SQLiteStore) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) BulkDeleteIssues(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM issues WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("bulk delete issues: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) FindExactDuplicate(ctx context.Context, applicationID, message, key string, state models.IssueState) (*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueCols+` FROM issues
		WHERE application_id = ? AND message = ? AND state = ?
		ORDER BY updated_at DESC, id ASC`,
		applicationID, message, string(state))
	if err != nil {
		return nil, fmt.Errorf("find exact duplicate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		if issue.ExactKey() == key {
			return issue, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("exact duplicate: %w", ErrNotFound)
}

// --- Embedding support ---

func (s *SQLiteStore) ListPendingEmbeddings(ctx context.Context, limit int, exclude []string) ([]*models.Issue, error) {
	query := `SELECT ` + issueCols + ` FROM issues WHERE state = 'pending' AND embedding IS NULL`
	var args []any
	if len(exclude) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
		query += " AND id NOT IN (" + placeholders + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (s *SQLiteStore) PromoteWithEmbedding(ctx context.Context, id string, embedding []float32, model string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE issues SET embedding = ?, embedding_model = ?, state = 'open', updated_at = ?
		WHERE id = ? AND state = 'pending'`,
		vector.Encode(embedding), nullString(model), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("promote issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetIssue(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("promote issue %s: %w", id, ErrStateConflict)
	}
	return nil
}

func (s *SQLiteStore) FindSimilar(ctx context.Context, applicationID string, query []float32, k int, excludeID string) ([]SimilarIssue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueCols+` FROM issues
		WHERE application_id = ? AND state != 'pending' AND embedding IS NOT NULL AND id != ?`,
		applicationID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []SimilarIssue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		candidates = append(candidates, SimilarIssue{
			Issue:      issue,
			Similarity: vector.CosineSimilarity(query, issue.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Issue.ID > candidates[j].Issue.ID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (s *SQLiteStore) MergeIssues(ctx context.Context, target *models.Issue, sourceID string, score float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target.UpdatedAt = time.Now().UTC()
	if err := s.execUpdateIssue(ctx, tx, target); err != nil {
		return fmt.Errorf("merge update target: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO duplicate_edges (original_log_id, duplicate_log_id, similarity_score, detected_at)
		VALUES (?, ?, ?, ?)`,
		target.ID, sourceID, score, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("merge record edge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", sourceID); err != nil {
		return fmt.Errorf("merge delete source: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// --- Scans ---

func (s *SQLiteStore) CountByState(ctx context.Context, applicationID string) (map[models.IssueState]int, error) {
	counts := map[models.IssueState]int{
		models.IssueStatePending:    0,
		models.IssueStateOpen:       0,
		models.IssueStateInProgress: 0,
		models.IssueStateDone:       0,
		models.IssueStateRevert:     0,
		models.IssueStateClosed:     0,
	}

	query := "SELECT state, COUNT(*) FROM issues"
	var args []any
	if applicationID != "" {
		query += " WHERE application_id = ?"
		args = append(args, applicationID)
	}
	query += " GROUP BY state"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.IssueState(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ListApplications(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT application_id FROM issues ORDER BY application_id")
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *SQLiteStore) ListExpiredClosed(ctx context.Context, cutoff time.Time) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueCols+` FROM issues WHERE state = 'closed' AND updated_at < ?
		ORDER BY updated_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired closed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// --- Blacklist ---

func (s *SQLiteStore) CreateBlacklistPattern(ctx context.Context, p *models.BlacklistPattern) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist (pattern, pattern_type, application_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Pattern, string(p.Type), p.ApplicationID, p.Reason, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("blacklist pattern %q: %w", p.Pattern, ErrDuplicatePattern)
	}
	if err != nil {
		return fmt.Errorf("create blacklist pattern: %w", err)
	}
	p.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetBlacklistPattern(ctx context.Context, id int64) (*models.BlacklistPattern, error) {
	p := &models.BlacklistPattern{}
	var patternType string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pattern, pattern_type, application_id, reason, created_at, updated_at
		FROM blacklist WHERE id = ?`, id,
	).Scan(&p.ID, &p.Pattern, &patternType, &p.ApplicationID, &p.Reason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blacklist pattern %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blacklist pattern: %w", err)
	}
	p.Type = models.PatternType(patternType)
	return p, nil
}

func (s *SQLiteStore) ListBlacklistPatterns(ctx context.Context, applicationID string) ([]*models.BlacklistPattern, error) {
	query := `SELECT id, pattern, pattern_type, application_id, reason, created_at, updated_at FROM blacklist`
	var args []any
	if applicationID != "" {
		query += " WHERE application_id = ?"
		args = append(args, applicationID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blacklist patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []*models.BlacklistPattern
	for rows.Next() {
		p := &models.BlacklistPattern{}
		var patternType string
		if err := rows.Scan(&p.ID, &p.Pattern, &patternType, &p.ApplicationID, &p.Reason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan blacklist pattern: %w", err)
		}
		p.Type = models.PatternType(patternType)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func (s *SQLiteStore) UpdateBlacklistPattern(ctx context.Context, p *models.BlacklistPattern) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE blacklist SET pattern=?, pattern_type=?, application_id=?, reason=?, updated_at=?
		WHERE id=?`,
		p.Pattern, string(p.Type), p.ApplicationID, p.Reason, p.UpdatedAt, p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("blacklist pattern %q: %w", p.Pattern, ErrDuplicatePattern)
	}
	if err != nil {
		return fmt.Errorf("update blacklist pattern: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("blacklist pattern %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteBlacklistPattern(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM blacklist WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete blacklist pattern: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("blacklist pattern %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ClearBlacklist(ctx context.Context, applicationID string) (int64, error) {
	query := "DELETE FROM blacklist"
	var args []any
	if applicationID != "" {
		query += " WHERE application_id = ?"
		args = append(args, applicationID)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear blacklist: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// --- Duplicate edges ---

func (s *SQLiteStore) ListDuplicateEdges(ctx context.Context, originalID string) ([]*models.DuplicateEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_log_id, duplicate_log_id, similarity_score, detected_at
		FROM duplicate_edges WHERE original_log_id = ?
		ORDER BY detected_at DESC, id DESC`, originalID)
	if err != nil {
		return nil, fmt.Errorf("list duplicate edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*models.DuplicateEdge
	for rows.Next() {
		e := &models.DuplicateEdge{}
		if err := rows.Scan(&e.ID, &e.OriginalLogID, &e.DuplicateLogID, &e.SimilarityScore, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan duplicate edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
