package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/logsink/logsink/internal/embedding"
	"github.com/logsink/logsink/internal/llm"
)

// newLLMClient creates the Anthropic client from config/env. The client is
// always constructed; it reports disabled when unconfigured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("llm.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return llm.NewClient(llm.ClientConfig{
		Enabled:     viper.GetBool("llm.enabled"),
		APIKey:      apiKey,
		Model:       viper.GetString("llm.model"),
		MaxTokens:   viper.GetInt("llm.max_tokens"),
		Temperature: viper.GetFloat64("llm.temperature"),
	})
}

// newEmbeddingClient creates the embedding provider client from config/env.
func newEmbeddingClient(logger zerolog.Logger) *embedding.Client {
	apiKey := viper.GetString("embedding.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return embedding.NewClient(embedding.ClientConfig{
		Enabled:           viper.GetBool("embedding.enabled") && apiKey != "",
		APIKey:            apiKey,
		Model:             viper.GetString("embedding.model"),
		BaseURL:           viper.GetString("embedding.base_url"),
		RequestsPerMinute: viper.GetInt("embedding.requests_per_minute"),
		Timeout:           viper.GetDuration("embedding.timeout"),
	}, logger)
}
