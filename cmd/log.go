package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/output"
)

var (
	logContext string
	logType    string
	logEffort  string
)

var logCmd = &cobra.Command{
	Use:   "log <application> <message...>",
	Short: "Admit a log entry",
	Long: `Admit a log entry through the full pipeline: blacklist screening,
image extraction, and exact-duplicate detection. An exact duplicate of a
fixed issue reopens it instead of creating a new one.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return logRun(args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	logCmd.Flags().StringVar(&logContext, "context", "", "Extra context as a JSON object")
	logCmd.Flags().StringVar(&logType, "type", "", "Issue type: bugfix, feature, documentation")
	logCmd.Flags().StringVar(&logEffort, "effort", "", "Estimated effort: low, medium, high, critical")
	rootCmd.AddCommand(logCmd)
}

func logRun(app, message string) error {
	req := admission.Request{
		ApplicationID: app,
		Message:       message,
		Type:          models.IssueType(logType),
		Effort:        models.IssueEffort(logEffort),
	}
	if logContext != "" {
		var parsed models.Context
		if err := json.Unmarshal([]byte(logContext), &parsed); err != nil {
			return fmt.Errorf("--context is not valid JSON: %w", err)
		}
		req.Context = parsed
	}

	if dryRun {
		ui.DryRunMsg("Would admit log for %s: %s", app, truncate(message, 60))
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	logger := newLogger()
	imgs, err := newImageStore(logger)
	if err != nil {
		return err
	}
	engine := newEngine(s, imgs, logger)
	bl := newBlacklistService(s, engine, logger)
	pipeline := admission.NewPipeline(s, admissionBlacklist(bl), imgs, engine, viper.GetBool("embedding.enabled"), nil, logger)

	result, err := pipeline.Admit(ctx, req)
	if err != nil {
		var blocked *admission.BlockedError
		if errors.As(err, &blocked) {
			ui.Warning("Blocked by blacklist pattern %q", blocked.Pattern.Pattern)
			return nil
		}
		return err
	}

	if result.Deduplicated {
		ui.Success("Reopened issue %s (seen %d times)", output.Cyan(shortID(result.Issue.ID)), result.Issue.ReopenCount+1)
	} else {
		ui.Success("Created issue %s (%s)", output.Cyan(shortID(result.Issue.ID)), result.Issue.State)
	}
	return nil
}
