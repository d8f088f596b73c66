// Package mcp exposes the sink to coding agents over the Model Context
// Protocol, so a worker can pull its open issues and report progress without
// going through HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

// Server wraps the sink's data layer and exposes it as MCP tools.
type Server struct {
	store     store.Store
	pipeline  *admission.Pipeline
	engine    *lifecycle.Engine
	blacklist *blacklist.Service
	embedder  *embedding.Client
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(st store.Store, pipeline *admission.Pipeline, engine *lifecycle.Engine, bl *blacklist.Service, embedder *embedding.Client) *Server {
	return &Server{
		store:     st,
		pipeline:  pipeline,
		engine:    engine,
		blacklist: bl,
		embedder:  embedder,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("logsink", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.admitLogTool())
	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.getIssueTool())
	srv.AddTool(s.startProgressTool())
	srv.AddTool(s.completeIssueTool())
	srv.AddTool(s.searchSimilarTool())
	srv.AddTool(s.blacklistTestTool())
	srv.AddTool(s.statisticsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// sink_admit_log
func (s *Server) admitLogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_admit_log",
		mcp.WithDescription("Admit a log entry into the sink. Runs the full pipeline: blacklist check, image extraction, exact-duplicate detection. Returns the created or reopened issue as JSON."),
		mcp.WithString("application_id", mcp.Required(), mcp.Description("Application the log belongs to")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Log message text")),
		mcp.WithString("context", mcp.Description("Optional JSON object with extra context")),
	)
	return tool, s.handleAdmitLog
}

func (s *Server) handleAdmitLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	app, err := request.RequireString("application_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: application_id"), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}

	req := admission.Request{ApplicationID: app, Message: message}
	if raw := request.GetString("context", ""); raw != "" {
		var parsed models.Context
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context is not valid JSON: %v", err)), nil
		}
		req.Context = parsed
	}

	result, err := s.pipeline.Admit(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("admission failed: %v", err)), nil
	}

	out := map[string]any{
		"action":       result.Action,
		"deduplicated": result.Deduplicated,
		"issue":        issueOut(result.Issue),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sink_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_list_issues",
		mcp.WithDescription("List issues for an application, optionally filtered by state. The open filter includes revert issues first, which is the view a worker should drain."),
		mcp.WithString("application_id", mcp.Required(), mcp.Description("Application to list")),
		mcp.WithString("state", mcp.Description("State filter: pending, open, in_progress, done, revert, closed")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	app, err := request.RequireString("application_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: application_id"), nil
	}

	filter := store.IssueFilter{ApplicationID: app}
	if state := request.GetString("state", ""); state != "" {
		st := models.IssueState(state)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid state: %s", state)), nil
		}
		if st == models.IssueStateOpen {
			filter.States = []models.IssueState{models.IssueStateOpen, models.IssueStateRevert}
			filter.RevertFirst = true
		} else {
			filter.States = []models.IssueState{st}
		}
	}

	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list issues: %v", err)), nil
	}

	out := make([]map[string]any, len(issues))
	for i, issue := range issues {
		out[i] = issueOut(issue)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal issues: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sink_get_issue
func (s *Server) getIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_get_issue",
		mcp.WithDescription("Get a single issue by ID (full ULID or unique prefix). Returns the issue with full context as JSON."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
	)
	return tool, s.handleGetIssue
}

func (s *Server) handleGetIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	issue, err := s.findIssue(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := issueOut(issue)
	edges, err := s.store.ListDuplicateEdges(ctx, issue.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list duplicates: %v", err)), nil
	}
	if len(edges) > 0 {
		dups := make([]map[string]any, len(edges))
		for i, e := range edges {
			dups[i] = map[string]any{
				"duplicate_log_id": e.DuplicateLogID,
				"similarity_score": e.SimilarityScore,
				"detected_at":      e.DetectedAt.Format(time.RFC3339),
			}
		}
		out["duplicates"] = dups
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal issue: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sink_start_progress
func (s *Server) startProgressTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_start_progress",
		mcp.WithDescription("Mark an issue as in_progress. Valid only from open or revert; call this before starting work so other workers skip the issue."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
	)
	return tool, s.handleStartProgress
}

func (s *Server) handleStartProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	issue, err := s.findIssue(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err = s.engine.StartProgress(ctx, issue.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start progress: %v", err)), nil
	}
	data, _ := json.Marshal(map[string]any{"id": issue.ID, "state": string(issue.State)})
	return mcp.NewToolResultText(string(data)), nil
}

// sink_complete_issue
func (s *Server) completeIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_complete_issue",
		mcp.WithDescription("Mark an issue as done with an optional completion report. Valid from open or in_progress."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
		mcp.WithString("message", mcp.Description("Summary of the fix")),
		mcp.WithString("git_commit", mcp.Description("Commit hash of the fix")),
	)
	return tool, s.handleCompleteIssue
}

func (s *Server) handleCompleteIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	issue, err := s.findIssue(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err = s.engine.SetDone(ctx, issue.ID, lifecycle.DoneFields{
		Message:   request.GetString("message", ""),
		GitCommit: request.GetString("git_commit", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete issue: %v", err)), nil
	}
	data, _ := json.Marshal(map[string]any{"id": issue.ID, "state": string(issue.State)})
	return mcp.NewToolResultText(string(data)), nil
}

// sink_search_similar
func (s *Server) searchSimilarTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_search_similar",
		mcp.WithDescription("Semantic search over an application's issues using the embedding provider. Returns issues with similarity scores, best first. Requires embedding to be enabled."),
		mcp.WithString("application_id", mcp.Required(), mcp.Description("Application to search")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Query text")),
	)
	return tool, s.handleSearchSimilar
}

func (s *Server) handleSearchSimilar(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	app, err := request.RequireString("application_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: application_id"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("embed query: %v", err)), nil
	}
	similar, err := s.store.FindSimilar(ctx, app, vec, 5, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("similarity search: %v", err)), nil
	}

	out := make([]map[string]any, len(similar))
	for i, match := range similar {
		out[i] = map[string]any{
			"similarity": match.Similarity,
			"issue":      issueOut(match.Issue),
		}
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// sink_blacklist_test
func (s *Server) blacklistTestTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_blacklist_test",
		mcp.WithDescription("Probe a message against the blacklist without admitting it. Returns whether it would be blocked and by which pattern."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message to test")),
		mcp.WithString("application_id", mcp.Description("Application scope (global patterns always apply)")),
	)
	return tool, s.handleBlacklistTest
}

func (s *Server) handleBlacklistTest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}

	pattern, err := s.blacklist.Check(ctx, request.GetString("application_id", ""), message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("blacklist check: %v", err)), nil
	}

	out := map[string]any{"is_blacklisted": pattern != nil}
	if pattern != nil {
		out["pattern"] = map[string]any{
			"id":             pattern.ID,
			"pattern":        pattern.Pattern,
			"type":           string(pattern.Type),
			"application_id": pattern.ApplicationID,
			"reason":         pattern.Reason,
		}
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// sink_statistics
func (s *Server) statisticsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sink_statistics",
		mcp.WithDescription("Issue counts grouped by state for one application, or for every application when none is given."),
		mcp.WithString("application_id", mcp.Description("Application to summarize")),
	)
	return tool, s.handleStatistics
}

func (s *Server) handleStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	apps := []string{}
	if app := request.GetString("application_id", ""); app != "" {
		apps = append(apps, app)
	} else {
		all, err := s.store.ListApplications(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list applications: %v", err)), nil
		}
		apps = all
	}

	out := make(map[string]any, len(apps))
	for _, app := range apps {
		counts, err := s.store.CountByState(ctx, app)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("count states for %s: %v", app, err)), nil
		}
		stats := map[string]int{}
		total := 0
		for state, n := range counts {
			stats[string(state)] = n
			total += n
		}
		out[app] = map[string]any{"total": total, "by_state": stats}
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// findIssue finds an issue by full ID or unique prefix.
func (s *Server) findIssue(ctx context.Context, id string) (*models.Issue, error) {
	if issue, err := s.store.GetIssue(ctx, id); err == nil {
		return issue, nil
	}

	upper := strings.ToUpper(id)
	issues, err := s.store.ListIssues(ctx, store.IssueFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Issue
	for _, issue := range issues {
		if strings.HasPrefix(issue.ID, upper) {
			matches = append(matches, issue)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("issue not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous issue ID %s: matches %d issues", id, len(matches))
	}
}

func issueOut(issue *models.Issue) map[string]any {
	out := map[string]any{
		"id":             issue.ID,
		"application_id": issue.ApplicationID,
		"message":        issue.Message,
		"state":          string(issue.State),
		"reopen_count":   issue.ReopenCount,
		"timestamp":      issue.Timestamp.Format(time.RFC3339),
		"created_at":     issue.CreatedAt.Format(time.RFC3339),
		"updated_at":     issue.UpdatedAt.Format(time.RFC3339),
	}
	if len(issue.Context) > 0 {
		out["context"] = issue.Context
	}
	if len(issue.Screenshots) > 0 {
		out["screenshots"] = issue.Screenshots
	}
	if issue.Plan != "" {
		out["plan"] = issue.Plan
	}
	if issue.Type != "" {
		out["type"] = string(issue.Type)
	}
	if issue.Effort != "" {
		out["effort"] = string(issue.Effort)
	}
	if issue.LLMMessage != "" {
		out["llm_message"] = issue.LLMMessage
	}
	if issue.GitCommit != "" {
		out["git_commit"] = issue.GitCommit
	}
	if issue.RevertReason != "" {
		out["revert_reason"] = issue.RevertReason
	}
	return out
}
