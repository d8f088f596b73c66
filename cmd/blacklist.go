package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/blacklist"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/output"
)

var (
	blacklistType   string
	blacklistApp    string
	blacklistReason string
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage log blacklist patterns",
	Long: `Manage the patterns that block noisy logs from becoming issues.

Patterns can be exact matches, substrings, or regular expressions, and
either global or scoped to one application.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistListRun()
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add a blacklist pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistAddRun(args[0])
	},
}

var blacklistListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List blacklist patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistListRun()
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a blacklist pattern",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistRemoveRun(args[0])
	},
}

var blacklistTestCmd = &cobra.Command{
	Use:   "test <message>",
	Short: "Test a message against the blacklist without admitting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistTestRun(args[0])
	},
}

var blacklistClearCmd = &cobra.Command{
	Use:   "clear <application>",
	Short: "Remove all patterns scoped to an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return blacklistClearRun(args[0])
	},
}

func init() {
	blacklistAddCmd.Flags().StringVar(&blacklistType, "type", "substring", "Pattern type: exact, substring, regex")
	blacklistAddCmd.Flags().StringVar(&blacklistApp, "app", "", "Scope to one application (default: global)")
	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "", "Why this pattern is blocked")

	blacklistListCmd.Flags().StringVar(&blacklistApp, "app", "", "Only show patterns for this application (plus globals)")
	blacklistTestCmd.Flags().StringVar(&blacklistApp, "app", "", "Application scope for the test")

	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
	blacklistCmd.AddCommand(blacklistTestCmd)
	blacklistCmd.AddCommand(blacklistClearCmd)
	rootCmd.AddCommand(blacklistCmd)
}

func getBlacklist() (*blacklist.Service, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	imgs, err := newImageStore(logger)
	if err != nil {
		return nil, err
	}
	return newBlacklistService(s, newEngine(s, imgs, logger), logger), nil
}

func blacklistAddRun(pattern string) error {
	bl, err := getBlacklist()
	if err != nil {
		return err
	}

	p := &models.BlacklistPattern{
		Pattern:       pattern,
		Type:          models.PatternType(blacklistType),
		ApplicationID: blacklistApp,
		Reason:        blacklistReason,
	}

	if dryRun {
		ui.DryRunMsg("Would add %s pattern %q (scope: %s)", blacklistType, pattern, scopeLabel(blacklistApp))
		return nil
	}

	if err := bl.Add(context.Background(), p); err != nil {
		return fmt.Errorf("add pattern: %w", err)
	}

	ui.Success("Added %s pattern #%d: %q (scope: %s)", p.Type, p.ID, p.Pattern, scopeLabel(p.ApplicationID))
	return nil
}

func blacklistListRun() error {
	bl, err := getBlacklist()
	if err != nil {
		return err
	}

	patterns, err := bl.List(context.Background(), blacklistApp)
	if err != nil {
		return err
	}

	if len(patterns) == 0 {
		ui.Info("No blacklist patterns.")
		return nil
	}

	table := ui.Table([]string{"ID", "Pattern", "Type", "Scope", "Reason"})
	for _, p := range patterns {
		_ = table.Append([]string{
			fmt.Sprintf("%d", p.ID),
			truncate(p.Pattern, 50),
			string(p.Type),
			scopeLabel(p.ApplicationID),
			truncate(p.Reason, 40),
		})
	}
	_ = table.Render()
	return nil
}

func blacklistRemoveRun(idArg string) error {
	bl, err := getBlacklist()
	if err != nil {
		return err
	}

	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pattern ID: %s", idArg)
	}

	if dryRun {
		ui.DryRunMsg("Would remove pattern #%d", id)
		return nil
	}

	if err := bl.Remove(context.Background(), id); err != nil {
		return fmt.Errorf("remove pattern: %w", err)
	}

	ui.Success("Removed pattern #%d", id)
	return nil
}

func blacklistTestRun(message string) error {
	bl, err := getBlacklist()
	if err != nil {
		return err
	}

	match, err := bl.Check(context.Background(), blacklistApp, message)
	if err != nil {
		return err
	}

	if match == nil {
		ui.Info("Not blocked.")
		return nil
	}

	fmt.Fprintf(ui.Out, "%s by %s pattern #%d: %q (scope: %s)\n",
		output.Red("Blocked"), match.Type, match.ID, match.Pattern, scopeLabel(match.ApplicationID))
	return nil
}

func blacklistClearRun(app string) error {
	bl, err := getBlacklist()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would clear all patterns for %s", app)
		return nil
	}

	n, err := bl.Clear(context.Background(), app)
	if err != nil {
		return fmt.Errorf("clear patterns: %w", err)
	}

	ui.Success("Removed %d patterns for %s", n, app)
	return nil
}

func scopeLabel(app string) string {
	if app == "" {
		return "global"
	}
	return app
}
