package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/output"
	"github.com/logsink/logsink/internal/store"
)

var (
	issueState     string
	issueDoneMsg   string
	issueDoneErr   string
	issueCommit    string
	issueReason    string
	issuePlanText  string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Inspect and transition issues",
	Long:  "List, inspect, and move issues through their fix lifecycle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun("")
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list [application]",
	Aliases: []string{"ls"},
	Short:   "List issues",
	Long:    "List issues. Without <application>, lists issues across all applications.",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var app string
		if len(args) > 0 {
			app = args[0]
		}
		return issueListRun(app)
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show issue details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueShowRun(args[0])
	},
}

var issueStartCmd = &cobra.Command{
	Use:   "start <issue-id>",
	Short: "Mark an issue as in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueStartRun(args[0])
	},
}

var issueDoneCmd = &cobra.Command{
	Use:   "done <issue-id>",
	Short: "Mark an issue as done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueDoneRun(args[0])
	},
}

var issueRevertCmd = &cobra.Command{
	Use:   "revert <issue-id>",
	Short: "Flag a completed fix as regressed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueRevertRun(args[0])
	},
}

var issueReopenCmd = &cobra.Command{
	Use:   "reopen <issue-id>",
	Short: "Reject the current state and reopen the issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueReopenRun(args[0])
	},
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <issue-id>",
	Short: "Close an issue and discard its screenshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueCloseRun(args[0])
	},
}

var issuePlanCmd = &cobra.Command{
	Use:   "plan <issue-id>",
	Short: "Attach a fix plan to an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuePlanRun(args[0])
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:   "delete <issue-id>",
	Short: "Delete an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueDeleteRun(args[0])
	},
}

func init() {
	issueListCmd.Flags().StringVar(&issueState, "state", "", "Filter by state: pending, open, in_progress, done, revert, closed")

	issueDoneCmd.Flags().StringVar(&issueDoneMsg, "message", "", "Summary of the fix")
	issueDoneCmd.Flags().StringVar(&issueDoneErr, "error", "", "Error output, when the fix attempt failed")
	issueDoneCmd.Flags().StringVar(&issueCommit, "commit", "", "Git commit hash of the fix")

	issueRevertCmd.Flags().StringVar(&issueReason, "reason", "", "Why the fix regressed")
	issueReopenCmd.Flags().StringVar(&issueReason, "reason", "", "Why the issue is being reopened")

	issuePlanCmd.Flags().StringVar(&issuePlanText, "plan", "", "Plan text (required)")
	_ = issuePlanCmd.MarkFlagRequired("plan")

	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueStartCmd)
	issueCmd.AddCommand(issueDoneCmd)
	issueCmd.AddCommand(issueRevertCmd)
	issueCmd.AddCommand(issueReopenCmd)
	issueCmd.AddCommand(issueCloseCmd)
	issueCmd.AddCommand(issuePlanCmd)
	issueCmd.AddCommand(issueDeleteCmd)
	rootCmd.AddCommand(issueCmd)
}

func issueListRun(app string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.IssueFilter{ApplicationID: app}
	if issueState != "" {
		state := models.IssueState(issueState)
		if !state.Valid() {
			return fmt.Errorf("invalid state: %s", issueState)
		}
		if state == models.IssueStateOpen {
			filter.States = []models.IssueState{models.IssueStateOpen, models.IssueStateRevert}
			filter.RevertFirst = true
		} else {
			filter.States = []models.IssueState{state}
		}
	}

	issues, err := s.ListIssues(ctx, filter)
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Application", "Message", "State", "Reopens", "Age"})
	for _, issue := range issues {
		_ = table.Append([]string{
			shortID(issue.ID),
			issue.ApplicationID,
			truncate(issue.Message, 60),
			output.StateColor(string(issue.State)),
			fmt.Sprintf("%d", issue.ReopenCount),
			timeAgo(issue.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func issueShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(issue.ID)), truncate(issue.Message, 80))
	fmt.Fprintf(ui.Out, "  Application: %s\n", issue.ApplicationID)
	fmt.Fprintf(ui.Out, "  State:       %s\n", output.StateColor(string(issue.State)))
	if issue.ReopenCount > 0 {
		fmt.Fprintf(ui.Out, "  Reopens:     %d\n", issue.ReopenCount)
	}
	if issue.Type != "" {
		fmt.Fprintf(ui.Out, "  Type:        %s\n", issue.Type)
	}
	if issue.Effort != "" {
		fmt.Fprintf(ui.Out, "  Effort:      %s\n", issue.Effort)
	}
	if issue.Plan != "" {
		fmt.Fprintf(ui.Out, "  Plan:        %s\n", truncate(issue.Plan, 120))
	}
	if issue.GitCommit != "" {
		fmt.Fprintf(ui.Out, "  Commit:      %s\n", issue.GitCommit)
	}
	if issue.LLMMessage != "" {
		fmt.Fprintf(ui.Out, "  Fix summary: %s\n", truncate(issue.LLMMessage, 120))
	}
	if issue.RevertReason != "" {
		fmt.Fprintf(ui.Out, "  Reverted:    %s\n", issue.RevertReason)
	}
	if len(issue.Context) > 0 {
		keys := make([]string, 0, len(issue.Context))
		for k := range issue.Context {
			keys = append(keys, k)
		}
		fmt.Fprintf(ui.Out, "  Context:     %s\n", strings.Join(keys, ", "))
	}
	if len(issue.Screenshots) > 0 {
		fmt.Fprintf(ui.Out, "  Screenshots: %s\n", strings.Join(issue.Screenshots, ", "))
	}
	if issue.EmbeddingModel != "" {
		fmt.Fprintf(ui.Out, "  Embedded:    %s\n", issue.EmbeddingModel)
	}
	if edges, err := s.ListDuplicateEdges(ctx, issue.ID); err == nil && len(edges) > 0 {
		fmt.Fprintf(ui.Out, "  Duplicates:  %d absorbed\n", len(edges))
		for _, e := range edges {
			fmt.Fprintf(ui.Out, "    %s  %.2f  %s\n",
				shortID(e.DuplicateLogID), e.SimilarityScore, e.DetectedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(ui.Out, "  Created:     %s\n", issue.CreatedAt.Format(time.RFC3339))
	if issue.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:   %s\n", issue.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:     %s\n", issue.ID)

	return nil
}

func issueStartRun(id string) error {
	return issueTransition(id, "Started", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.StartProgress(ctx, issueID)
	})
}

func issueDoneRun(id string) error {
	return issueTransition(id, "Completed", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.SetDone(ctx, issueID, lifecycle.DoneFields{
			Message:   issueDoneMsg,
			Error:     issueDoneErr,
			GitCommit: issueCommit,
		})
	})
}

func issueRevertRun(id string) error {
	return issueTransition(id, "Reverted", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.Revert(ctx, issueID, issueReason)
	})
}

func issueReopenRun(id string) error {
	return issueTransition(id, "Reopened", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.ReopenReject(ctx, issueID, issueReason)
	})
}

func issueCloseRun(id string) error {
	return issueTransition(id, "Closed", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.Close(ctx, issueID)
	})
}

func issuePlanRun(id string) error {
	return issueTransition(id, "Planned", func(ctx context.Context, e *lifecycle.Engine, issueID string) (*models.Issue, error) {
		return e.SetPlan(ctx, issueID, issuePlanText)
	})
}

// issueTransition resolves the issue, applies a lifecycle operation, and
// reports the resulting state.
func issueTransition(id, verb string, op func(context.Context, *lifecycle.Engine, string) (*models.Issue, error)) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would transition issue %s (%s)", shortID(issue.ID), verb)
		return nil
	}

	logger := newLogger()
	imgs, err := newImageStore(logger)
	if err != nil {
		return err
	}
	engine := newEngine(s, imgs, logger)

	issue, err = op(ctx, engine, issue.ID)
	if err != nil {
		return err
	}

	ui.Success("%s issue %s (now %s)", verb, output.Cyan(shortID(issue.ID)), issue.State)
	return nil
}

func issueDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete issue %s: %s", shortID(issue.ID), truncate(issue.Message, 60))
		return nil
	}

	if len(issue.Screenshots) > 0 {
		logger := newLogger()
		if imgs, err := newImageStore(logger); err == nil {
			imgs.Delete(issue.Screenshots)
		}
	}

	if err := s.DeleteIssue(ctx, issue.ID); err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}

	ui.Success("Deleted issue %s", output.Cyan(shortID(issue.ID)))
	return nil
}

// findIssue finds an issue by full ID or prefix match.
func findIssue(ctx context.Context, s store.Store, id string) (*models.Issue, error) {
	// Try exact match first
	if issue, err := s.GetIssue(ctx, id); err == nil {
		return issue, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	issues, err := s.ListIssues(ctx, store.IssueFilter{})
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

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
