// Package llm wraps the Anthropic API for the two places the sink consults a
// model: refining near-duplicate similarity scores during cleanup, and
// classifying open issues that workers left untyped.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrDisabled is returned when the LLM is switched off or has no API key.
var ErrDisabled = errors.New("llm is disabled")

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024
)

// ClientConfig configures the Anthropic client.
type ClientConfig struct {
	Enabled     bool
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client wraps the Anthropic API.
type Client struct {
	api *anthropic.Client
	cfg ClientConfig
}

// NewClient creates an LLM client. The client is constructed even when
// disabled so callers can hold one unconditionally; calls return ErrDisabled.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{api: &client, cfg: cfg}
}

// Enabled reports whether the client can serve requests.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.APIKey != ""
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// complete sends one system+user exchange and returns the text reply with any
// markdown fencing stripped.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   int64(c.cfg.MaxTokens),
		Temperature: anthropic.Float(c.cfg.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return stripFencing(text), nil
}

// stripFencing removes markdown code fences the model sometimes wraps JSON in.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

const refineSystemPrompt = `You judge whether two error log messages describe the same underlying issue. Return ONLY a JSON object with one field:
- "similarity": a number between 0.0 and 1.0, where 1.0 means the messages describe the exact same issue and 0.0 means they are unrelated

Rules:
- Messages differing only in identifiers, timestamps, counts, or memory addresses describe the same issue
- Messages naming different failing components or different failure modes are different issues
- Return valid JSON only, no markdown fencing or explanation`

// RefineSimilarity asks the model how likely two messages describe the same
// issue. Used by cleanup when string distance alone is inconclusive.
func (c *Client) RefineSimilarity(ctx context.Context, a, b string) (float64, error) {
	user := fmt.Sprintf("Message 1:\n%s\n\nMessage 2:\n%s\n", a, b)

	text, err := c.complete(ctx, refineSystemPrompt, user)
	if err != nil {
		return 0, err
	}

	var parsed struct {
		Similarity float64 `json:"similarity"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return 0, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if parsed.Similarity < 0 {
		parsed.Similarity = 0
	}
	if parsed.Similarity > 1 {
		parsed.Similarity = 1
	}
	return parsed.Similarity, nil
}

// Classification holds the LLM-assigned issue-management fields.
type Classification struct {
	Type   string `json:"type"`
	Effort string `json:"effort"`
	Plan   string `json:"plan"`
}

const classifySystemPrompt = `You classify application error and event logs for an issue tracker. Given a log message and its context, return ONLY a JSON object with these fields:
- "type": one of "bugfix", "feature", "documentation"
- "effort": one of "low", "medium", "high", "critical"
- "plan": a 1-3 sentence suggested approach for a developer picking this issue up (can be empty if the message is self-explanatory)

Rules:
- Crashes, errors, and failures are "bugfix"; requests for new behavior are "feature"; unclear or misleading messages about docs are "documentation"
- "critical" effort is reserved for data loss, security problems, and total outages
- Return valid JSON only, no markdown fencing or explanation`

// ClassifyIssue fills type/effort/plan for an issue from its message and
// pretty-printed context.
func (c *Client) ClassifyIssue(ctx context.Context, applicationID, message, contextJSON string) (*Classification, error) {
	var sb strings.Builder
	sb.WriteString("Application: ")
	sb.WriteString(applicationID)
	sb.WriteString("\nMessage: ")
	sb.WriteString(message)
	sb.WriteString("\n")
	if contextJSON != "" {
		sb.WriteString("\nContext:\n")
		sb.WriteString(contextJSON)
		sb.WriteString("\n")
	}

	text, err := c.complete(ctx, classifySystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var parsed Classification
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &parsed, nil
}
