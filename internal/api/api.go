// Package api exposes the sink over HTTP. Handlers stay thin: decode,
// delegate to the owning component, translate errors at this one boundary.
package api

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/cleanup"
	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/images"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

//go:embed openapi.json
var openapiFS embed.FS

const defaultSimilarLimit = 5

// Config carries the transport-level settings.
type Config struct {
	APIKey      string
	CORSOrigin  string
	CORSMethods string
	CORSHeaders string
}

// Deps bundles the components the handlers delegate to.
type Deps struct {
	Store     store.Store
	Pipeline  *admission.Pipeline
	Engine    *lifecycle.Engine
	Images    *images.FileStore
	Blacklist *blacklist.Service
	Worker    *embedding.Worker
	Embedder  *embedding.Client
	Cleanup   *cleanup.Scheduler
}

// Server provides the REST API handlers.
type Server struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg Config, logger zerolog.Logger) *Server {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.CORSMethods == "" {
		cfg.CORSMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}
	if cfg.CORSHeaders == "" {
		cfg.CORSHeaders = "Content-Type, X-API-Key, Authorization"
	}
	return &Server{deps: deps, cfg: cfg, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /log", s.admitLog)
	mux.HandleFunc("GET /log/{app}", s.listAllIssues)
	mux.HandleFunc("GET /log/{app}/open", s.listOpenIssues)
	mux.HandleFunc("GET /log/{app}/pending", s.listPendingIssues)
	mux.HandleFunc("GET /log/{app}/in-progress", s.listInProgressIssues)
	mux.HandleFunc("GET /log/{app}/done", s.listDoneIssues)
	mux.HandleFunc("GET /log/{app}/statistics", s.issueStatistics)
	mux.HandleFunc("GET /log/{app}/duplicates/{id}", s.issueDuplicates)
	mux.HandleFunc("GET /log/{app}/img/{filename}", s.serveImage)

	mux.HandleFunc("PATCH /log/{app}/{id}/in-progress", s.startProgress)
	mux.HandleFunc("PUT /log/{app}/{id}", s.setDone)
	mux.HandleFunc("PATCH /log/{app}/{id}/revert", s.revertIssue)
	mux.HandleFunc("POST /log/{app}/{id}", s.reopenIssue)
	mux.HandleFunc("PATCH /log/{app}/{id}/plan", s.setPlan)
	mux.HandleFunc("PATCH /log/{app}/{id}/issue-fields", s.patchIssueFields)
	mux.HandleFunc("DELETE /log/{app}/{id}", s.closeIssue)
	mux.HandleFunc("DELETE /log/{app}", s.purgeApplication)
	mux.HandleFunc("DELETE /log/{app}/closed", s.purgeClosed)

	mux.HandleFunc("GET /blacklist", s.listBlacklist)
	mux.HandleFunc("POST /blacklist", s.createBlacklist)
	mux.HandleFunc("PUT /blacklist/{id}", s.updateBlacklist)
	mux.HandleFunc("DELETE /blacklist/{id}", s.deleteBlacklist)
	mux.HandleFunc("DELETE /blacklist", s.clearBlacklist)
	mux.HandleFunc("POST /blacklist/test", s.testBlacklist)
	mux.HandleFunc("GET /blacklist/statistics", s.blacklistStatistics)
	mux.HandleFunc("POST /blacklist/refresh", s.refreshBlacklist)

	mux.HandleFunc("GET /cleanup/status", s.cleanupStatus)
	mux.HandleFunc("GET /cleanup/config", s.cleanupConfig)
	mux.HandleFunc("POST /cleanup/run", s.runCleanup)

	mux.HandleFunc("GET /embedding/status", s.embeddingStatus)
	mux.HandleFunc("GET /embedding/pending", s.embeddingPending)
	mux.HandleFunc("POST /embedding/process", s.processEmbeddings)
	mux.HandleFunc("POST /embedding/process/{logId}", s.processOneEmbedding)
	mux.HandleFunc("GET /embedding/similar/{app}/{id}", s.similarIssues)
	mux.HandleFunc("POST /embedding/search/{app}", s.searchSimilar)

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /openapi.json", s.openapi)

	return s.corsMiddleware(s.requestLogger(s.authMiddleware(mux)))
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", s.cfg.CORSMethods)
		w.Header().Set("Access-Control-Allow-Headers", s.cfg.CORSHeaders)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks X-API-Key or a bearer token against the configured
// key. An empty configured key disables auth; /health and /openapi.json are
// always open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || r.URL.Path == "/health" || r.URL.Path == "/openapi.json" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleError is the single boundary translating component errors to HTTP.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var blocked *admission.BlockedError
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "message is blacklisted",
			"reason":  blocked.Pattern.Reason,
			"pattern": renderPattern(blocked.Pattern),
		})
	case errors.Is(err, admission.ErrInvalidInput),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrInvalidField):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicatePattern),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, embedding.ErrBusy),
		errors.Is(err, cleanup.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, embedding.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// appIssue loads an issue and checks it belongs to the application in the
// route, so an id guessed under the wrong application reads as missing.
func (s *Server) appIssue(r *http.Request) (*models.Issue, error) {
	issue, err := s.deps.Store.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if issue.ApplicationID != r.PathValue("app") {
		return nil, store.ErrNotFound
	}
	return issue, nil
}

// --- Admission ---

type admitRequest struct {
	ApplicationID string         `json:"applicationId"`
	Message       string         `json:"message"`
	Timestamp     *time.Time     `json:"timestamp"`
	Context       models.Context `json:"context"`
	Type          string         `json:"type"`
	Effort        string         `json:"effort"`
	Plan          string         `json:"plan"`
	LLMOutput     string         `json:"llmOutput"`
}

func (s *Server) admitLog(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	admitReq := admission.Request{
		ApplicationID: req.ApplicationID,
		Message:       req.Message,
		Context:       req.Context,
		Type:          models.IssueType(req.Type),
		Effort:        models.IssueEffort(req.Effort),
		Plan:          req.Plan,
		LLMOutput:     req.LLMOutput,
	}
	if req.Timestamp != nil {
		admitReq.Timestamp = *req.Timestamp
	}

	result, err := s.deps.Pipeline.Admit(r.Context(), admitReq)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"logged":       renderIssue(result.Issue),
		"deduplicated": result.Deduplicated,
		"action":       result.Action,
	})
}

// --- Listings ---

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request, states []models.IssueState, revertFirst bool) {
	app := r.PathValue("app")
	issues, err := s.deps.Store.ListIssues(r.Context(), store.IssueFilter{
		ApplicationID: app,
		States:        states,
		RevertFirst:   revertFirst,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": app,
		"totalLogs":     len(issues),
		"logs":          renderIssues(issues),
	})
}

func (s *Server) listAllIssues(w http.ResponseWriter, r *http.Request) {
	s.listIssues(w, r, nil, false)
}

// listOpenIssues is the worker-facing view: open plus revert, revert first so
// regressions are picked up before new work.
func (s *Server) listOpenIssues(w http.ResponseWriter, r *http.Request) {
	s.listIssues(w, r, []models.IssueState{models.IssueStateOpen, models.IssueStateRevert}, true)
}

func (s *Server) listPendingIssues(w http.ResponseWriter, r *http.Request) {
	s.listIssues(w, r, []models.IssueState{models.IssueStatePending}, false)
}

func (s *Server) listInProgressIssues(w http.ResponseWriter, r *http.Request) {
	s.listIssues(w, r, []models.IssueState{models.IssueStateInProgress}, false)
}

func (s *Server) listDoneIssues(w http.ResponseWriter, r *http.Request) {
	s.listIssues(w, r, []models.IssueState{models.IssueStateDone}, false)
}

func (s *Server) issueStatistics(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	counts, err := s.deps.Store.CountByState(r.Context(), app)
	if err != nil {
		s.handleError(w, err)
		return
	}
	total := 0
	stats := make(map[string]int, len(counts))
	for state, n := range counts {
		stats[string(state)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": app,
		"totalLogs":     total,
		"statistics":    stats,
	})
}

// issueDuplicates lists the merge history of an issue: one edge per absorbed
// duplicate, newest first.
func (s *Server) issueDuplicates(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	edges, err := s.deps.Store.ListDuplicateEdges(r.Context(), issue.ID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logId":      issue.ID,
		"duplicates": renderEdges(edges),
	})
}

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	filename := r.PathValue("filename")
	if !strings.HasPrefix(filename, app+"-img-") {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	path, err := s.deps.Images.Path(filename)
	if err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	http.ServeFile(w, r, path)
}

// --- Lifecycle ---

func (s *Server) transitionResponse(w http.ResponseWriter, issue *models.Issue) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   issue.State,
		"logged":  renderIssue(issue),
	})
}

func (s *Server) startProgress(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	issue, err = s.deps.Engine.StartProgress(r.Context(), issue.ID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

type doneRequest struct {
	Message    string         `json:"message"`
	Error      string         `json:"error"`
	GitCommit  string         `json:"git_commit"`
	Statistics models.Context `json:"statistics"`
}

func (s *Server) setDone(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	var req doneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err = s.deps.Engine.SetDone(r.Context(), issue.ID, lifecycle.DoneFields{
		Message:    req.Message,
		Error:      req.Error,
		GitCommit:  req.GitCommit,
		Statistics: req.Statistics,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

func (s *Server) revertIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	var req struct {
		RevertReason string `json:"revertReason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	issue, err = s.deps.Engine.Revert(r.Context(), issue.ID, req.RevertReason)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

func (s *Server) reopenIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	var req struct {
		RejectReason string `json:"rejectReason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	issue, err = s.deps.Engine.ReopenReject(r.Context(), issue.ID, req.RejectReason)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

func (s *Server) setPlan(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}
	issue, err = s.deps.Engine.SetPlan(r.Context(), issue.ID, req.Plan)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

type issueFieldsRequest struct {
	Type      *string `json:"type"`
	Effort    *string `json:"effort"`
	LLMOutput *string `json:"llmOutput"`
	Plan      *string `json:"plan"`
}

func (s *Server) patchIssueFields(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	var req issueFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	patch := lifecycle.IssueFieldsPatch{
		Plan:      req.Plan,
		LLMOutput: req.LLMOutput,
	}
	if req.Type != nil {
		t := models.IssueType(*req.Type)
		patch.Type = &t
	}
	if req.Effort != nil {
		e := models.IssueEffort(*req.Effort)
		patch.Effort = &e
	}
	issue, err = s.deps.Engine.PatchIssueFields(r.Context(), issue.ID, patch)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

func (s *Server) closeIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	issue, err = s.deps.Engine.Close(r.Context(), issue.ID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.transitionResponse(w, issue)
}

// purge deletes the listed issues and their screenshot files in bulk.
func (s *Server) purge(w http.ResponseWriter, r *http.Request, states []models.IssueState) {
	app := r.PathValue("app")
	issues, err := s.deps.Store.ListIssues(r.Context(), store.IssueFilter{
		ApplicationID: app,
		States:        states,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}

	ids := make([]string, 0, len(issues))
	var screenshots []string
	for _, issue := range issues {
		ids = append(ids, issue.ID)
		screenshots = append(screenshots, issue.Screenshots...)
	}

	deleted, err := s.deps.Store.BulkDeleteIssues(r.Context(), ids)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if len(screenshots) > 0 {
		s.deps.Images.Delete(screenshots)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"applicationId": app,
		"deleted":       deleted,
	})
}

func (s *Server) purgeApplication(w http.ResponseWriter, r *http.Request) {
	s.purge(w, r, nil)
}

func (s *Server) purgeClosed(w http.ResponseWriter, r *http.Request) {
	s.purge(w, r, []models.IssueState{models.IssueStateClosed})
}

// --- Blacklist ---

type patternRequest struct {
	Pattern       string `json:"pattern"`
	Type          string `json:"type"`
	ApplicationID string `json:"applicationId"`
	Reason        string `json:"reason"`
}

func (s *Server) listBlacklist(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.deps.Blacklist.List(r.Context(), r.URL.Query().Get("applicationId"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalPatterns": len(patterns),
		"patterns":      renderPatterns(patterns),
	})
}

func (s *Server) createBlacklist(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p := &models.BlacklistPattern{
		Pattern:       req.Pattern,
		Type:          models.PatternType(req.Type),
		ApplicationID: req.ApplicationID,
		Reason:        req.Reason,
	}
	if p.Type == "" {
		p.Type = models.PatternTypeSubstring
	}
	if err := s.deps.Blacklist.Add(r.Context(), p); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPattern(p))
}

func (s *Server) updateBlacklist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p := &models.BlacklistPattern{
		ID:            id,
		Pattern:       req.Pattern,
		Type:          models.PatternType(req.Type),
		ApplicationID: req.ApplicationID,
		Reason:        req.Reason,
	}
	if err := s.deps.Blacklist.Update(r.Context(), p); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPattern(p))
}

func (s *Server) deleteBlacklist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	if err := s.deps.Blacklist.Remove(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) clearBlacklist(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Blacklist.Clear(r.Context(), r.URL.Query().Get("applicationId"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) testBlacklist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message       string `json:"message"`
		ApplicationID string `json:"applicationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	pattern, err := s.deps.Blacklist.Check(r.Context(), req.ApplicationID, req.Message)
	if err != nil {
		s.handleError(w, err)
		return
	}
	resp := map[string]any{"isBlacklisted": pattern != nil}
	if pattern != nil {
		resp["pattern"] = renderPattern(pattern)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) blacklistStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Blacklist.Statistics(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) refreshBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Blacklist.Refresh(r.Context()); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Cleanup ---

func (s *Server) cleanupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cleanup.Status())
}

func (s *Server) cleanupConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Cleanup.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule":            cfg.Schedule,
		"maxAge":              cfg.MaxAge.String(),
		"similarityThreshold": cfg.SimilarityThreshold,
		"concurrency":         cfg.Concurrency,
		"batchSize":           cfg.BatchSize,
	})
}

func (s *Server) runCleanup(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request, so it detaches from the request context.
	if err := s.deps.Cleanup.Trigger(context.WithoutCancel(r.Context())); err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "cleanup started",
	})
}

// --- Embedding ---

func (s *Server) embeddingStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Store.ListIssues(r.Context(), store.IssueFilter{
		States: []models.IssueState{models.IssueStatePending},
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      s.deps.Embedder.Enabled(),
		"model":        s.deps.Embedder.Model(),
		"pendingCount": len(pending),
		"worker":       s.deps.Worker.Status(),
	})
}

func (s *Server) embeddingPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Store.ListIssues(r.Context(), store.IssueFilter{
		States: []models.IssueState{models.IssueStatePending},
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalLogs": len(pending),
		"logs":      renderIssues(pending),
	})
}

func (s *Server) processEmbeddings(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Worker.ProcessBatch(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) processOneEmbedding(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Worker.ProcessOne(r.Context(), r.PathValue("logId"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) similarIssues(w http.ResponseWriter, r *http.Request) {
	issue, err := s.appIssue(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if issue.Embedding == nil {
		writeError(w, http.StatusBadRequest, "issue has no embedding")
		return
	}
	limit := defaultSimilarLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	similar, err := s.deps.Store.FindSimilar(r.Context(), issue.ApplicationID, issue.Embedding, limit, issue.ID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issueId": issue.ID,
		"results": renderSimilar(similar),
	})
}

func (s *Server) searchSimilar(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	var req struct {
		Text  string `json:"text"`
		Limit int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSimilarLimit
	}
	vec, err := s.deps.Embedder.Embed(r.Context(), req.Text)
	if err != nil {
		s.handleError(w, err)
		return
	}
	similar, err := s.deps.Store.FindSimilar(r.Context(), app, vec, req.Limit, "")
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": app,
		"results":       renderSimilar(similar),
	})
}

// --- Misc ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "logsink",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) openapi(w http.ResponseWriter, r *http.Request) {
	data, err := openapiFS.ReadFile("openapi.json")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "openapi document unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
