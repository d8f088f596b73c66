package admission

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

type testEnv struct {
	store    *store.SQLiteStore
	images   *images.FileStore
	engine   *lifecycle.Engine
	service  *blacklist.Service
	pipeline *Pipeline
	imageDir string
}

func newTestEnv(t *testing.T, embeddingEnabled bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	imageDir := filepath.Join(dir, "images")
	fs, err := images.NewFileStore(imageDir, 0, nil, zerolog.Nop())
	require.NoError(t, err)

	engine := lifecycle.NewEngine(s, fs, false, zerolog.Nop())
	cache := blacklist.NewCache(s, 0, zerolog.Nop())
	svc := blacklist.NewService(s, cache, false, engine, zerolog.Nop())

	return &testEnv{
		store:    s,
		images:   fs,
		engine:   engine,
		service:  svc,
		pipeline: NewPipeline(s, svc, fs, engine, embeddingEnabled, nil, zerolog.Nop()),
		imageDir: imageDir,
	}
}

func TestAdmit_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.pipeline.Admit(ctx, Request{Message: "m"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.pipeline.Admit(ctx, Request{ApplicationID: "app"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "m", Type: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "m", Effort: "huge"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdmit_CreatedNew(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	res, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "db timeout",
		Context:       models.Context{"host": "web-1"},
		Type:          models.IssueTypeBugfix,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCreatedNew, res.Action)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, models.IssueStateOpen, res.Issue.State)
	assert.NotEmpty(t, res.Issue.ID)

	stored, err := env.store.GetIssue(ctx, res.Issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "db timeout", stored.Message)
	assert.Equal(t, models.IssueTypeBugfix, stored.Type)
	assert.Equal(t, "web-1", stored.Context["host"])
}

func TestAdmit_InitialStatePending(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	res, err := env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatePending, res.Issue.State)
	assert.Nil(t, res.Issue.Embedding)
}

func TestAdmit_Blocked(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.service.Add(ctx, &models.BlacklistPattern{
		Pattern: "spam",
		Type:    models.PatternTypeSubstring,
		Reason:  "noise",
	}))

	_, err := env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "This is spam"})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "spam", blocked.Pattern.Pattern)
	assert.Equal(t, "noise", blocked.Pattern.Reason)

	// Nothing persisted.
	issues, err := env.store.ListIssues(ctx, store.IssueFilter{ApplicationID: "app"})
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestAdmit_BlacklistConsistentWithTest(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.service.Add(ctx, &models.BlacklistPattern{
		Pattern: "^ECONNRESET",
		Type:    models.PatternTypeRegex,
	}))

	pattern, err := env.service.Check(ctx, "app", "ECONNRESET from upstream")
	require.NoError(t, err)
	require.NotNil(t, pattern)

	_, err = env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "ECONNRESET from upstream"})
	var blocked *BlockedError
	assert.ErrorAs(t, err, &blocked)
}

func TestAdmit_ReopensExactDuplicate(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	first, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "db timeout",
		Context:       models.Context{"host": "web-1"},
	})
	require.NoError(t, err)

	_, err = env.engine.StartProgress(ctx, first.Issue.ID)
	require.NoError(t, err)
	_, err = env.engine.SetDone(ctx, first.Issue.ID, lifecycle.DoneFields{Message: "fixed"})
	require.NoError(t, err)

	second, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "db timeout",
		Context:       models.Context{"host": "web-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionReopenedExisting, second.Action)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Issue.ID, second.Issue.ID)
	assert.Equal(t, 1, second.Issue.ReopenCount)
	assert.Equal(t, models.IssueStateOpen, second.Issue.State)
	assert.Equal(t, "web-2", second.Issue.Context["host"]) // incoming wins
	assert.NotNil(t, second.Issue.ReopenedAt)
}

func TestAdmit_DuplicateIgnoresNonDone(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	first, err := env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "m"})
	require.NoError(t, err)

	// Still open: the second admission is a fresh issue, not a reopen.
	second, err := env.pipeline.Admit(ctx, Request{ApplicationID: "app", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, ActionCreatedNew, second.Action)
	assert.NotEqual(t, first.Issue.ID, second.Issue.ID)
}

func TestAdmit_ExtractsImages(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	res, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "render glitch",
		Context: models.Context{
			"screenshot": "data:image/png;base64," + payload,
			"note":       "plain string",
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Issue.Screenshots, 1)

	filename := res.Issue.Screenshots[0]
	assert.Equal(t, filename, res.Issue.Context["screenshot"])
	assert.Contains(t, filename, "app-img-"+res.Issue.ID)
	assert.Equal(t, "plain string", res.Issue.Context["note"])

	data, err := os.ReadFile(filepath.Join(env.imageDir, filename))
	require.NoError(t, err)
	assert.Equal(t, "fake png bytes", string(data))
}

func TestAdmit_ContextMessageInExactKey(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	first, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "worker crashed",
		Context:       models.Context{"message": "OOM in resizer"},
	})
	require.NoError(t, err)
	_, err = env.engine.StartProgress(ctx, first.Issue.ID)
	require.NoError(t, err)
	_, err = env.engine.SetDone(ctx, first.Issue.ID, lifecycle.DoneFields{})
	require.NoError(t, err)

	// Same message, different context.message: a different issue.
	other, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "worker crashed",
		Context:       models.Context{"message": "segfault in decoder"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCreatedNew, other.Action)

	// Matching context.message reopens.
	same, err := env.pipeline.Admit(ctx, Request{
		ApplicationID: "app",
		Message:       "worker crashed",
		Context:       models.Context{"message": "OOM in resizer"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionReopenedExisting, same.Action)
	assert.Equal(t, first.Issue.ID, same.Issue.ID)
}

func TestAdmit_NilBlacklistServiceSkipsCheck(t *testing.T) {
	env := newTestEnv(t, false)
	env.pipeline = NewPipeline(env.store, nil, env.images, env.engine, false, nil, zerolog.Nop())

	res, err := env.pipeline.Admit(context.Background(), Request{ApplicationID: "app", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, ActionCreatedNew, res.Action)
}
