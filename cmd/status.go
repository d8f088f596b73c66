package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/health"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/output"
	"github.com/logsink/logsink/internal/store"
)

var statusStale bool

var statusCmd = &cobra.Command{
	Use:   "status [application]",
	Short: "Show application status dashboard",
	Long: `Show a cross-application status overview or detail for one application.

Without arguments, shows a summary table of every application that has
logged issues. With an application ID, shows its issue breakdown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusDetailRun(args[0])
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusStale, "stale", false, "Show only stale applications (no activity in 7+ days)")
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	apps, err := s.ListApplications(ctx)
	if err != nil {
		return err
	}

	if len(apps) == 0 {
		ui.Info("No applications have logged issues yet.")
		return nil
	}

	scorer := health.NewScorer()
	table := ui.Table([]string{"Application", "Issues", "Open", "Pending", "Done", "Health", "Activity"})

	for _, app := range apps {
		issues, err := s.ListIssues(ctx, store.IssueFilter{ApplicationID: app})
		if err != nil {
			return err
		}

		last := latestActivity(issues)
		if statusStale && !last.IsZero() && time.Since(last) < 7*24*time.Hour {
			continue
		}

		h := scorer.Score(app, issues)

		activity := "n/a"
		if !last.IsZero() {
			activity = timeAgo(last)
		}

		_ = table.Append([]string{
			output.Cyan(app),
			fmt.Sprintf("%d", len(issues)),
			formatActionable(issues),
			fmt.Sprintf("%d", countState(issues, models.IssueStatePending)),
			fmt.Sprintf("%d", countState(issues, models.IssueStateDone)+countState(issues, models.IssueStateClosed)),
			output.HealthColor(h.Total),
			activity,
		})
	}

	_ = table.Render()
	return nil
}

func statusDetailRun(app string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	counts, err := s.CountByState(ctx, app)
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		ui.Info("No issues logged for %s.", app)
		return nil
	}

	issues, err := s.ListIssues(ctx, store.IssueFilter{ApplicationID: app})
	if err != nil {
		return err
	}
	h := health.NewScorer().Score(app, issues)

	fmt.Fprintf(ui.Out, "%s  %d issues, health %s\n", output.Cyan(app), total, output.HealthColor(h.Total))
	for _, state := range []models.IssueState{
		models.IssueStatePending,
		models.IssueStateOpen,
		models.IssueStateInProgress,
		models.IssueStateDone,
		models.IssueStateRevert,
		models.IssueStateClosed,
	} {
		if counts[state] == 0 {
			continue
		}
		fmt.Fprintf(ui.Out, "  %-12s %d\n", output.StateColor(string(state)), counts[state])
	}

	last := latestActivity(issues)
	if !last.IsZero() {
		fmt.Fprintf(ui.Out, "  %-12s %s\n", "activity", timeAgo(last))
	}
	return nil
}

// formatActionable shows open+revert / in_progress counts, the work queue view.
func formatActionable(issues []*models.Issue) string {
	open := countState(issues, models.IssueStateOpen) + countState(issues, models.IssueStateRevert)
	inProg := countState(issues, models.IssueStateInProgress)
	if open == 0 && inProg == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", open, inProg)
}

func countState(issues []*models.Issue, state models.IssueState) int {
	n := 0
	for _, i := range issues {
		if i.State == state {
			n++
		}
	}
	return n
}

func latestActivity(issues []*models.Issue) time.Time {
	var last time.Time
	for _, i := range issues {
		if i.UpdatedAt.After(last) {
			last = i.UpdatedAt
		}
	}
	return last
}

// timeAgo renders a duration since t in coarse human units.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
