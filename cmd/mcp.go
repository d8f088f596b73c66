package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding-agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a coding agent query the sink natively: pull open issues,
claim them, report fixes, and search for similar failures. Configure
in the agent with:

  {
    "mcpServers": {
      "logsink": { "command": "logsink", "args": ["mcp"] }
    }
  }

Available tools: sink_admit_log, sink_list_issues, sink_get_issue,
sink_start_progress, sink_complete_issue, sink_search_similar,
sink_blacklist_test, sink_statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	// Stdio carries the protocol, so logs must stay off stdout.
	logger := newLogger()
	imgs, err := newImageStore(logger)
	if err != nil {
		return err
	}
	engine := newEngine(s, imgs, logger)
	bl := newBlacklistService(s, engine, logger)
	embedder := newEmbeddingClient(logger)
	pipeline := admission.NewPipeline(s, admissionBlacklist(bl), imgs, engine, embedder.Enabled(), nil, logger)

	srv := mcp.NewServer(s, pipeline, engine, bl, embedder)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	return srv.ServeStdio(ctx)
}
