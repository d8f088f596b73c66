package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/logsink/logsink/internal/lifecycle"
	"github.com/logsink/logsink/internal/llm"
	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/output"
)

var classifyApply bool

var issueClassifyCmd = &cobra.Command{
	Use:   "classify <issue-id>",
	Short: "Classify an issue's type and effort",
	Long: `Classify an issue's type, effort, and suggested plan.

Uses the configured LLM when available; falls back to keyword
heuristics on the message otherwise. With --apply, writes the result
back to the issue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueClassifyRun(args[0])
	},
}

func init() {
	issueClassifyCmd.Flags().BoolVar(&classifyApply, "apply", false, "Write the classification back to the issue")
	issueCmd.AddCommand(issueClassifyCmd)
}

func issueClassifyRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := findIssue(ctx, s, id)
	if err != nil {
		return err
	}

	result, source, err := classifyIssue(ctx, newLLMClient(), issue)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(issue.ID)), truncate(issue.Message, 70))
	fmt.Fprintf(ui.Out, "  Type:   %s\n", result.Type)
	fmt.Fprintf(ui.Out, "  Effort: %s\n", result.Effort)
	if result.Plan != "" {
		fmt.Fprintf(ui.Out, "  Plan:   %s\n", result.Plan)
	}
	ui.VerboseLog("Classified via %s", source)

	if !classifyApply {
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would apply classification to issue %s", shortID(issue.ID))
		return nil
	}

	logger := newLogger()
	imgs, err := newImageStore(logger)
	if err != nil {
		return err
	}
	engine := newEngine(s, imgs, logger)

	issueType := models.IssueType(result.Type)
	effort := models.IssueEffort(result.Effort)
	patch := lifecycle.IssueFieldsPatch{Type: &issueType, Effort: &effort}
	if result.Plan != "" {
		patch.Plan = &result.Plan
	}
	if _, err := engine.PatchIssueFields(ctx, issue.ID, patch); err != nil {
		return fmt.Errorf("apply classification: %w", err)
	}

	ui.Success("Applied classification to issue %s", output.Cyan(shortID(issue.ID)))
	return nil
}

// classifyIssue asks the LLM, falling back to keyword heuristics when the
// LLM is disabled or fails.
func classifyIssue(ctx context.Context, client *llm.Client, issue *models.Issue) (*llm.Classification, string, error) {
	if client.Enabled() {
		contextJSON := ""
		if len(issue.Context) > 0 {
			if data, err := json.MarshalIndent(issue.Context, "", "  "); err == nil {
				contextJSON = string(data)
			}
		}
		result, err := client.ClassifyIssue(ctx, issue.ApplicationID, issue.Message, contextJSON)
		if err == nil {
			return result, "llm", nil
		}
		if !errors.Is(err, llm.ErrDisabled) {
			ui.Warning("LLM classification failed, using heuristics: %v", err)
		}
	}

	return &llm.Classification{
		Type:   classifyTypeHeuristic(issue.Message),
		Effort: classifyEffortHeuristic(issue.Message),
	}, "heuristics", nil
}

// classifyTypeHeuristic infers the issue type from the message using keyword
// heuristics. Error vocabulary is checked before feature vocabulary
// (e.g. "failed to add feature flag" = bugfix). Defaults to "bugfix" since
// most admitted logs are errors.
func classifyTypeHeuristic(message string) string {
	lower := strings.ToLower(message)

	bugKeywords := []string{
		"error", "exception", "panic", "crash", "fatal",
		"fail", "broken", "timeout", "refused", "denied",
		"undefined", "null", "nil pointer", "regression", "500",
	}
	for _, kw := range bugKeywords {
		if strings.Contains(lower, kw) {
			return "bugfix"
		}
	}

	featureKeywords := []string{
		"feature request", "would be nice", "please add", "support for",
		"missing feature", "enhancement", "request:",
	}
	for _, kw := range featureKeywords {
		if strings.Contains(lower, kw) {
			return "feature"
		}
	}

	docKeywords := []string{
		"docs", "documentation", "readme", "typo", "unclear",
	}
	for _, kw := range docKeywords {
		if strings.Contains(lower, kw) {
			return "documentation"
		}
	}

	return "bugfix"
}

// classifyEffortHeuristic infers effort from the message. Critical keywords
// are checked before low keywords. Defaults to "medium".
func classifyEffortHeuristic(message string) string {
	lower := strings.ToLower(message)

	criticalKeywords := []string{
		"data loss", "security", "leak", "corrupt", "outage",
		"production down", "cannot start", "panic", "fatal",
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return "critical"
		}
	}

	lowKeywords := []string{
		"typo", "cosmetic", "minor", "trivial", "warning",
		"deprecat", "log spam",
	}
	for _, kw := range lowKeywords {
		if strings.Contains(lower, kw) {
			return "low"
		}
	}

	return "medium"
}
