package config

import (
	"fmt"
	"time"
)

type AIProvider string

const (
	ProviderOpenAI    AIProvider = "openai"
	ProviderAnthropic AIProvider = "anthropic"
)

type AIConfig struct {
	Provider        AIProvider
	OpenAIAPIKey    string
	AnthropicAPIKey string

	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingMaxChars   int
	EmbeddingTimeout    time.Duration
	EmbeddingAttempts   int
	EmbeddingBaseDelay  time.Duration

	SummaryModel     string
	SummaryMaxTokens int
}

func loadAIConfig() AIConfig {
	return AIConfig{
		Provider:        AIProvider(getEnv("AI_PROVIDER", "openai")),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		EmbeddingModel:      getEnv("EMBEDDING_MODEL", ""),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 0),
		EmbeddingMaxChars:   getEnvInt("EMBEDDING_MAX_CHARS", 32000),
		EmbeddingTimeout:    getEnvDuration("EMBEDDING_REQUEST_TIMEOUT", 30*time.Second),
		EmbeddingAttempts:   getEnvInt("EMBEDDING_MAX_ATTEMPTS", 4),
		EmbeddingBaseDelay:  getEnvDuration("EMBEDDING_BASE_DELAY", 500*time.Millisecond),

		SummaryModel:     getEnv("SUMMARY_MODEL", ""),
		SummaryMaxTokens: getEnvInt("SUMMARY_MAX_TOKENS", 512),
	}
}

func (ac AIConfig) validate() error {
	switch ac.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("AI_PROVIDER must be openai or anthropic, got %q", ac.Provider)
	}
	if ac.EmbeddingAttempts <= 0 {
		return fmt.Errorf("EMBEDDING_MAX_ATTEMPTS must be positive")
	}
	if ac.EmbeddingMaxChars <= 0 {
		return fmt.Errorf("EMBEDDING_MAX_CHARS must be positive")
	}
	return nil
}
