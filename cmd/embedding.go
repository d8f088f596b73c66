package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

var embeddingCmd = &cobra.Command{
	Use:   "embedding",
	Short: "Inspect and drive the semantic dedup worker",
}

var embeddingStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding configuration and pending backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return embeddingStatusRun()
	},
}

var embeddingProcessCmd = &cobra.Command{
	Use:   "process [issue-id]",
	Short: "Process pending issues now",
	Long: `Process pending issues through the embedding pipeline: embed, merge
into a semantic neighbor or promote to open. Without an issue ID, drains
one batch of the pending backlog.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		if len(args) > 0 {
			id = args[0]
		}
		return embeddingProcessRun(id)
	},
}

func init() {
	embeddingCmd.AddCommand(embeddingStatusCmd)
	embeddingCmd.AddCommand(embeddingProcessCmd)
	rootCmd.AddCommand(embeddingCmd)
}

func embeddingStatusRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	client := newEmbeddingClient(newLogger())

	pending, err := s.ListIssues(ctx, store.IssueFilter{States: []models.IssueState{models.IssueStatePending}})
	if err != nil {
		return err
	}

	state := "disabled"
	if client.Enabled() {
		state = "enabled"
	}
	fmt.Fprintf(ui.Out, "Embedding: %s (model %s)\n", state, client.Model())
	fmt.Fprintf(ui.Out, "  Threshold: %.2f\n", viper.GetFloat64("embedding.similarity_threshold"))
	fmt.Fprintf(ui.Out, "  Pending:   %d issues\n", len(pending))
	return nil
}

func embeddingProcessRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	logger := newLogger()
	client := newEmbeddingClient(logger)
	if !client.Enabled() {
		return fmt.Errorf("embedding is disabled (set embedding.enabled and an API key)")
	}

	imgs, err := newImageStore(logger)
	if err != nil {
		return err
	}
	engine := newEngine(s, imgs, logger)

	worker := embedding.NewWorker(s, engine, client, embedding.WorkerConfig{
		BatchSize:           viper.GetInt("embedding.batch_size"),
		SimilarityThreshold: viper.GetFloat64("embedding.similarity_threshold"),
	}, nil, logger)

	if dryRun {
		ui.DryRunMsg("Would process pending issues")
		return nil
	}

	var result embedding.BatchResult
	if id != "" {
		issue, err := findIssue(ctx, s, id)
		if err != nil {
			return err
		}
		result, err = worker.ProcessOne(ctx, issue.ID)
		if err != nil {
			return err
		}
	} else {
		result, err = worker.ProcessBatch(ctx)
		if err != nil {
			return err
		}
	}

	ui.Success("Processed %d issues: %d merged, %d promoted, %d failed",
		result.Claimed, result.Merged, result.Promoted, result.Failed)
	return nil
}
