package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled(t *testing.T) {
	assert.False(t, NewClient(ClientConfig{}).Enabled())
	assert.False(t, NewClient(ClientConfig{Enabled: true}).Enabled())
	assert.False(t, NewClient(ClientConfig{APIKey: "k"}).Enabled())
	assert.True(t, NewClient(ClientConfig{Enabled: true, APIKey: "k"}).Enabled())
}

func TestDisabledCalls(t *testing.T) {
	c := NewClient(ClientConfig{})
	ctx := context.Background()

	_, err := c.RefineSimilarity(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = c.ClassifyIssue(ctx, "app", "message", "")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStripFencing(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFencing("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFencing("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFencing(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripFencing("  {\"a\":1}\n"))
}

func TestDefaults(t *testing.T) {
	c := NewClient(ClientConfig{})
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, DefaultMaxTokens, c.cfg.MaxTokens)
}

func TestPromptsSpecifyFormat(t *testing.T) {
	assert.Contains(t, refineSystemPrompt, `"similarity"`)
	assert.Contains(t, refineSystemPrompt, "JSON")

	assert.Contains(t, classifySystemPrompt, `"type"`)
	assert.Contains(t, classifySystemPrompt, `"effort"`)
	assert.Contains(t, classifySystemPrompt, `"plan"`)
	assert.Contains(t, classifySystemPrompt, `"bugfix"`)
	assert.Contains(t, classifySystemPrompt, `"critical"`)
}
