package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/admission"
	"github.com/logsink/logsink/internal/models"
)

var (
	importApp    string
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk-admit logs from an NDJSON file",
	Long: `Bulk-admit log entries from a newline-delimited JSON file.

Each line is one entry: {"applicationId": "...", "message": "...",
"timestamp": "...", "context": {...}}. Every entry runs through the full
admission pipeline, so blacklisted lines are skipped and exact
duplicates reopen existing issues. Use - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importRun(args[0])
	},
}

func init() {
	importCmd.Flags().StringVar(&importApp, "app", "", "Assign all entries to this application (overrides per-line applicationId)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Preview entries without admitting them")
	rootCmd.AddCommand(importCmd)
}

// importEntry is one NDJSON line.
type importEntry struct {
	ApplicationID string         `json:"applicationId"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	Context       models.Context `json:"context"`
	Type          string         `json:"type"`
	Effort        string         `json:"effort"`
}

func importRun(file string) error {
	var in *os.File
	if file == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		in = f
	}

	entries, bad, err := parseImportEntries(in)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No entries found.")
		return nil
	}

	if importDryRun || dryRun {
		table := ui.Table([]string{"#", "Application", "Message"})
		for i, e := range entries {
			_ = table.Append([]string{
				fmt.Sprintf("%d", i+1),
				e.ApplicationID,
				truncate(e.Message, 70),
			})
		}
		_ = table.Render()
		ui.DryRunMsg("Would admit %d entries (%d malformed lines skipped)", len(entries), bad)
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

	created, reopened, blocked, failed := 0, 0, 0, 0
	for i, e := range entries {
		result, err := pipeline.Admit(ctx, admission.Request{
			ApplicationID: e.ApplicationID,
			Message:       e.Message,
			Timestamp:     e.Timestamp,
			Context:       e.Context,
			Type:          models.IssueType(e.Type),
			Effort:        models.IssueEffort(e.Effort),
		})
		if err != nil {
			var be *admission.BlockedError
			if errors.As(err, &be) {
				blocked++
				continue
			}
			ui.Warning("Line %d: %v", i+1, err)
			failed++
			continue
		}
		if result.Deduplicated {
			reopened++
		} else {
			created++
		}
	}

	ui.Success("Imported %d entries: %d created, %d reopened, %d blocked", len(entries), created, reopened, blocked)
	if failed > 0 {
		ui.Warning("Failed %d entries", failed)
	}
	if bad > 0 {
		ui.Warning("Skipped %d malformed lines", bad)
	}
	return nil
}

// parseImportEntries reads NDJSON lines, skipping blanks and counting
// malformed lines instead of aborting.
func parseImportEntries(in *os.File) ([]importEntry, int, error) {
	var entries []importEntry
	bad := 0

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e importEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			bad++
			continue
		}
		if importApp != "" {
			e.ApplicationID = importApp
		}
		if e.ApplicationID == "" || e.Message == "" {
			bad++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read input: %w", err)
	}

	return entries, bad, nil
}
