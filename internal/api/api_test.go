package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/cleanup"
	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/store"
)

type testServer struct {
	*httptest.Server
	store  *store.SQLiteStore
	images *images.FileStore
	apiKey string
}

func setupTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	fs, err := images.NewFileStore(filepath.Join(dir, "images"), 0, nil, zerolog.Nop())
	require.NoError(t, err)

	engine := lifecycle.NewEngine(s, fs, false, zerolog.Nop())
	cache := blacklist.NewCache(s, 0, zerolog.Nop())
	blSvc := blacklist.NewService(s, cache, false, engine, zerolog.Nop())
	pipeline := admission.NewPipeline(s, blSvc, fs, engine, false, nil, zerolog.Nop())

	embedClient := embedding.NewClient(embedding.ClientConfig{Enabled: false}, zerolog.Nop())
	worker := embedding.NewWorker(s, engine, embedClient, embedding.WorkerConfig{
		Interval: time.Hour,
	}, nil, zerolog.Nop())

	cleaner := cleanup.NewScheduler(s, engine, fs, nil, cleanup.Config{}, nil, zerolog.Nop())

	srv := NewServer(Deps{
		Store:     s,
		Pipeline:  pipeline,
		Engine:    engine,
		Images:    fs,
		Blacklist: blSvc,
		Worker:    worker,
		Embedder:  embedClient,
		Cleanup:   cleaner,
	}, cfg, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: s, images: fs, apiKey: cfg.APIKey}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if ts.apiKey != "" {
		req.Header.Set("X-API-Key", ts.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp.StatusCode, decoded
}

func (ts *testServer) admit(t *testing.T, app, message string) string {
	t.Helper()
	status, body := ts.do(t, "POST", "/log", map[string]any{
		"applicationId": app,
		"message":       message,
	})
	require.Equal(t, http.StatusOK, status)
	logged := body["logged"].(map[string]any)
	return logged["id"].(string)
}

func TestAdmitAndList(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, body := ts.do(t, "POST", "/log", map[string]any{
		"applicationId": "app",
		"message":       "db timeout",
		"context":       map[string]any{"host": "web-1"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "created_new", body["action"])
	assert.Equal(t, false, body["deduplicated"])
	logged := body["logged"].(map[string]any)
	assert.Equal(t, "open", logged["state"])
	assert.Equal(t, "app", logged["applicationId"])

	status, body = ts.do(t, "GET", "/log/app", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["totalLogs"])
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "db timeout", logs[0].(map[string]any)["message"])
}

func TestAdmitValidation(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, body := ts.do(t, "POST", "/log", map[string]any{"message": "no app"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, _ = ts.do(t, "POST", "/log", map[string]any{
		"applicationId": "app", "message": "m", "type": "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdmitBlocked(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, _ := ts.do(t, "POST", "/blacklist", map[string]any{
		"pattern": "spam", "type": "substring", "reason": "noise",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, "POST", "/log", map[string]any{
		"applicationId": "app", "message": "this is spam",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "noise", body["reason"])
	pattern := body["pattern"].(map[string]any)
	assert.Equal(t, "spam", pattern["pattern"])
}

func TestLifecycleFlow(t *testing.T) {
	ts := setupTestServer(t, Config{})
	id := ts.admit(t, "app", "worker crashed")

	status, body := ts.do(t, "PATCH", "/log/app/"+id+"/in-progress", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "in_progress", body["state"])

	status, body = ts.do(t, "PUT", "/log/app/"+id, map[string]any{
		"message":    "fixed the crash",
		"git_commit": "abc1234",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "done", body["state"])
	logged := body["logged"].(map[string]any)
	assert.Equal(t, "abc1234", logged["gitCommit"])

	status, body = ts.do(t, "PATCH", "/log/app/"+id+"/revert", map[string]any{
		"revertReason": "crash came back",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "revert", body["state"])

	// revert is not a valid source for done
	status, _ = ts.do(t, "PUT", "/log/app/"+id, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, "POST", "/log/app/"+id, map[string]any{
		"rejectReason": "needs a different approach",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "open", body["state"])

	status, body = ts.do(t, "DELETE", "/log/app/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", body["state"])
}

func TestExactDuplicateReopens(t *testing.T) {
	ts := setupTestServer(t, Config{})
	id := ts.admit(t, "app", "db timeout")

	_, _ = ts.do(t, "PATCH", "/log/app/"+id+"/in-progress", nil)
	status, _ := ts.do(t, "PUT", "/log/app/"+id, map[string]any{})
	require.Equal(t, http.StatusOK, status)

	status, body := ts.do(t, "POST", "/log", map[string]any{
		"applicationId": "app", "message": "db timeout",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reopened_existing", body["action"])
	assert.Equal(t, true, body["deduplicated"])
	logged := body["logged"].(map[string]any)
	assert.Equal(t, id, logged["id"])
	assert.EqualValues(t, 1, logged["reopenCount"])
}

func TestWrongApplicationIs404(t *testing.T) {
	ts := setupTestServer(t, Config{})
	id := ts.admit(t, "app", "m")

	status, _ := ts.do(t, "PATCH", "/log/other/"+id+"/in-progress", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestIssueDuplicates(t *testing.T) {
	ts := setupTestServer(t, Config{})
	ctx := context.Background()

	keptID := ts.admit(t, "app", "db connection refused to host web-1")
	mergedID := ts.admit(t, "app", "db connection refused to host web-2")

	kept, err := ts.store.GetIssue(ctx, keptID)
	require.NoError(t, err)
	require.NoError(t, ts.store.MergeIssues(ctx, kept, mergedID, 0.93))

	status, body := ts.do(t, "GET", "/log/app/duplicates/"+keptID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, keptID, body["logId"])

	dups := body["duplicates"].([]any)
	require.Len(t, dups, 1)
	edge := dups[0].(map[string]any)
	assert.Equal(t, mergedID, edge["duplicateLogId"])
	assert.InDelta(t, 0.93, edge["similarityScore"].(float64), 1e-9)

	// issue scoped to its application
	status, _ = ts.do(t, "GET", "/log/other/duplicates/"+keptID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestIssueFieldsPatch(t *testing.T) {
	ts := setupTestServer(t, Config{})
	id := ts.admit(t, "app", "m")

	status, body := ts.do(t, "PATCH", "/log/app/"+id+"/issue-fields", map[string]any{
		"type": "bugfix", "effort": "high",
	})
	require.Equal(t, http.StatusOK, status)
	logged := body["logged"].(map[string]any)
	assert.Equal(t, "bugfix", logged["type"])
	assert.Equal(t, "high", logged["effort"])

	status, _ = ts.do(t, "PATCH", "/log/app/"+id+"/issue-fields", map[string]any{
		"effort": "enormous",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatistics(t *testing.T) {
	ts := setupTestServer(t, Config{})
	ts.admit(t, "app", "one")
	ts.admit(t, "app", "two")
	id := ts.admit(t, "app", "three")
	_, _ = ts.do(t, "PATCH", "/log/app/"+id+"/in-progress", nil)

	status, body := ts.do(t, "GET", "/log/app/statistics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["totalLogs"])
	stats := body["statistics"].(map[string]any)
	assert.EqualValues(t, 2, stats["open"])
	assert.EqualValues(t, 1, stats["in_progress"])
}

func TestPurgeClosed(t *testing.T) {
	ts := setupTestServer(t, Config{})
	keep := ts.admit(t, "app", "keep me")
	gone := ts.admit(t, "app", "close me")
	_, _ = ts.do(t, "DELETE", "/log/app/"+gone, nil)

	status, body := ts.do(t, "DELETE", "/log/app/closed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["deleted"])

	status, body = ts.do(t, "GET", "/log/app", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["totalLogs"])
	logs := body["logs"].([]any)
	assert.Equal(t, keep, logs[0].(map[string]any)["id"])
}

func TestServeImage(t *testing.T) {
	ts := setupTestServer(t, Config{})
	require.NoError(t, ts.images.Save("app-img-x-1.png", []byte("png bytes")))

	resp, err := http.Get(ts.URL + "/log/app/img/app-img-x-1.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "png bytes", string(data))

	// Prefix guard: another application's image is invisible.
	status, _ := ts.do(t, "GET", "/log/other/img/app-img-x-1.png", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, "GET", "/log/app/img/app-img-missing.png", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBlacklistCRUD(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, created := ts.do(t, "POST", "/blacklist", map[string]any{
		"pattern": "ECONNRESET", "type": "exact", "applicationId": "app",
	})
	require.Equal(t, http.StatusCreated, status)
	id := int64(created["id"].(float64))

	status, _ = ts.do(t, "POST", "/blacklist", map[string]any{
		"pattern": "ECONNRESET", "type": "exact", "applicationId": "app",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body := ts.do(t, "POST", "/blacklist/test", map[string]any{
		"message": "ECONNRESET", "applicationId": "app",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["isBlacklisted"])

	status, body = ts.do(t, "GET", "/blacklist?applicationId=app", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["totalPatterns"])

	status, body = ts.do(t, "GET", "/blacklist/statistics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["totalPatterns"])

	status, _ = ts.do(t, "DELETE", fmt.Sprintf("/blacklist/%d", id), nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, "POST", "/blacklist/test", map[string]any{
		"message": "ECONNRESET", "applicationId": "app",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["isBlacklisted"])
}

func TestCleanupEndpoints(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, body := ts.do(t, "GET", "/cleanup/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["running"])

	status, body = ts.do(t, "GET", "/cleanup/config", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, cleanup.DefaultSchedule, body["schedule"])
	assert.Equal(t, float64(cleanup.DefaultBatchSize), body["batchSize"])

	status, _ = ts.do(t, "POST", "/cleanup/run", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestEmbeddingEndpoints(t *testing.T) {
	ts := setupTestServer(t, Config{})

	status, body := ts.do(t, "GET", "/embedding/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["enabled"])
	assert.EqualValues(t, 0, body["pendingCount"])

	status, body = ts.do(t, "POST", "/embedding/process", nil)
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 0, result["claimed"])

	// Disabled provider cannot serve ad-hoc search.
	status, _ = ts.do(t, "POST", "/embedding/search/app", map[string]any{"text": "db timeout"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAuth(t *testing.T) {
	ts := setupTestServer(t, Config{APIKey: "sekret"})

	// Missing key
	resp, err := http.Get(ts.URL + "/log/app")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bearer form
	req, _ := http.NewRequest("GET", ts.URL+"/log/app", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// X-API-Key form through the helper
	status, _ := ts.do(t, "GET", "/log/app", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestOpenAPIDocument(t *testing.T) {
	ts := setupTestServer(t, Config{APIKey: "sekret"})

	resp, err := http.Get(ts.URL + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "logsink", doc["info"].(map[string]any)["title"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/log")
	assert.Contains(t, paths, "/blacklist")
}
