package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

func newEngineFixture(t *testing.T) (*store.SQLiteStore, *images.FileStore) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	fs, err := images.NewFileStore(filepath.Join(dir, "images"), 0, nil, zerolog.Nop())
	require.NoError(t, err)
	return s, fs
}

func pendingIssue(t *testing.T, s *store.SQLiteStore) *models.Issue {
	t.Helper()
	issue := &models.Issue{
		ApplicationID: "app",
		Message:       "boom",
		State:         models.IssueStatePending,
	}
	require.NoError(t, s.CreateIssue(context.Background(), issue))
	return issue
}

func TestNewEngine_PlanPromotesOffByDefault(t *testing.T) {
	testEnv(t)
	s, fs := newEngineFixture(t)

	// embedding.enabled must not leak into plan promotion.
	viper.Set("embedding.enabled", true)

	engine := newEngine(s, fs, zerolog.Nop())
	issue := pendingIssue(t, s)

	got, err := engine.SetPlan(context.Background(), issue.ID, "1. fix it")
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatePending, got.State)
}

func TestNewEngine_PlanPromotesEnabled(t *testing.T) {
	testEnv(t)
	s, fs := newEngineFixture(t)

	viper.Set("lifecycle.plan_promotes", true)

	engine := newEngine(s, fs, zerolog.Nop())
	issue := pendingIssue(t, s)

	got, err := engine.SetPlan(context.Background(), issue.ID, "1. fix it")
	require.NoError(t, err)
	assert.Equal(t, models.IssueStateOpen, got.State)
}

func TestInitConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	initConfig()

	assert.False(t, viper.GetBool("lifecycle.plan_promotes"))
	assert.True(t, viper.GetBool("blacklist.enabled"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("blacklist.cache_ttl"))
	assert.True(t, viper.GetBool("cleanup.enabled"))
	assert.Equal(t, 100, viper.GetInt("cleanup.batch_size"))
	assert.Equal(t, 0.0, viper.GetFloat64("llm.temperature"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("embedding.timeout"))
}

func TestAdmissionBlacklist_DisabledYieldsNil(t *testing.T) {
	testEnv(t)
	s, fs := newEngineFixture(t)

	engine := newEngine(s, fs, zerolog.Nop())
	bl := newBlacklistService(s, engine, zerolog.Nop())

	viper.Set("blacklist.enabled", true)
	assert.Same(t, bl, admissionBlacklist(bl))

	viper.Set("blacklist.enabled", false)
	assert.Nil(t, admissionBlacklist(bl))
}
