package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/store"
)

var (
	reportFormat string
	exportType   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export issues or blacklist patterns in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

func init() {
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "issues", "Data type: issues, blacklist")
	rootCmd.AddCommand(exportCmd)
}

func exportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch exportType {
	case "issues":
		return exportIssues(ctx, s)
	case "blacklist":
		return exportBlacklist(ctx, s)
	default:
		return fmt.Errorf("unknown export type: %s (use: issues, blacklist)", exportType)
	}
}

func exportIssues(ctx context.Context, s store.Store) error {
	issues, err := s.ListIssues(ctx, store.IssueFilter{})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(issues)
	case "csv":
		w := csv.NewWriter(ui.Out)
		w.Write([]string{"ID", "Application", "Message", "State", "Reopens", "Type", "Effort", "Commit", "Created"})
		for _, i := range issues {
			w.Write([]string{i.ID, i.ApplicationID, i.Message, string(i.State),
				fmt.Sprintf("%d", i.ReopenCount), string(i.Type), string(i.Effort),
				i.GitCommit, i.CreatedAt.Format("2006-01-02")})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Issues")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Application | Message | State | Reopens |")
		fmt.Fprintln(ui.Out, "|-------------|---------|-------|---------|")
		for _, i := range issues {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %d |\n", i.ApplicationID, truncate(i.Message, 60), i.State, i.ReopenCount)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportBlacklist(ctx context.Context, s store.Store) error {
	patterns, err := s.ListBlacklistPatterns(ctx, "")
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(patterns)
	case "csv":
		w := csv.NewWriter(ui.Out)
		w.Write([]string{"ID", "Pattern", "Type", "Application", "Reason", "Created"})
		for _, p := range patterns {
			w.Write([]string{fmt.Sprintf("%d", p.ID), p.Pattern, string(p.Type),
				p.ApplicationID, p.Reason, p.CreatedAt.Format("2006-01-02")})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Blacklist")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Pattern | Type | Scope | Reason |")
		fmt.Fprintln(ui.Out, "|---------|------|-------|--------|")
		for _, p := range patterns {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s |\n", p.Pattern, p.Type, scopeLabel(p.ApplicationID), p.Reason)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate reports",
	Long:  "Generate summary reports of sink activity.",
}

var reportWeeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Generate weekly activity summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportWeeklyRun()
	},
}

func init() {
	reportCmd.AddCommand(reportWeeklyCmd)
	rootCmd.AddCommand(reportCmd)
}

func reportWeeklyRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	apps, err := s.ListApplications(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	fmt.Fprintln(ui.Out, "# Weekly Report")
	fmt.Fprintln(ui.Out)

	for _, app := range apps {
		issues, err := s.ListIssues(ctx, store.IssueFilter{ApplicationID: app})
		if err != nil {
			return err
		}

		newCount, fixed, reopened := 0, 0, 0
		for _, i := range issues {
			if i.CreatedAt.After(cutoff) {
				newCount++
			}
			if i.CompletedAt != nil && i.CompletedAt.After(cutoff) {
				fixed++
			}
			if i.ReopenedAt != nil && i.ReopenedAt.After(cutoff) {
				reopened++
			}
		}
		if newCount == 0 && fixed == 0 && reopened == 0 {
			continue
		}

		fmt.Fprintf(ui.Out, "## %s\n", app)
		fmt.Fprintf(ui.Out, "- %d new issues, %d fixed, %d reopened\n", newCount, fixed, reopened)
		fmt.Fprintln(ui.Out)
	}

	return nil
}
