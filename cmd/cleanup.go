package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/cleanup"
	"github.com/logsink/logsink/internal/telemetry"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a cleanup pass now",
	Long: `Run one cleanup pass: merge near-duplicate issues, expire old
closed issues, and remove orphaned screenshots. The running server does
this on a schedule; this command runs the same pass directly against
the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanupRun()
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func cleanupRun() error {
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

	cfg := cleanup.Config{
		MaxAge:              viper.GetDuration("cleanup.max_age"),
		SimilarityThreshold: viper.GetFloat64("cleanup.duplicate_threshold"),
		BatchSize:           viper.GetInt("cleanup.batch_size"),
		Concurrency:         viper.GetInt("cleanup.concurrency"),
	}

	if dryRun {
		ui.DryRunMsg("Would run cleanup (max age %s, threshold %.2f)", cfg.MaxAge, cfg.SimilarityThreshold)
		return nil
	}

	scheduler := cleanup.NewScheduler(s, engine, imgs, newLLMClient(), cfg, telemetry.NewMetrics(), logger)
	result, err := scheduler.Run(ctx)
	if err != nil {
		return err
	}

	ui.Success("Cleanup done: %d duplicates merged (%d found), %d old issues expired, %d orphaned images removed",
		result.DuplicatesRemoved, result.DuplicatesFound, result.OldLogsRemoved, result.OrphanedImages)
	return nil
}
