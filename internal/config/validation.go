package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
)

// validProviders lists the supported AI providers.
var validProviders = []string{ProviderGemini, ProviderGoogleAI, ProviderOllama, ProviderOpenAI}

// Validate checks all configuration values and returns the first violation.
// Sentinel errors allow callers to branch with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if err := c.validateProvider(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	return c.validateOrchestration()
}

func (c *Config) validateProvider() error {
	if !slices.Contains(validProviders, c.Provider) {
		return fmt.Errorf("%w: %q (supported: %s)",
			ErrInvalidProvider, c.Provider, strings.Join(validProviders, ", "))
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY is required for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is required for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOllama:
		u, err := url.Parse(c.OllamaHost)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidOllamaHost, c.OllamaHost)
		}
	}
	return nil
}

func (c *Config) validateModel() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (must be in [0, 2])", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 1_000_000 {
		return fmt.Errorf("%w: %d (must be in [1, 1000000])", ErrInvalidMaxTokens, c.MaxTokens)
	}
	return nil
}

func (c *Config) validateOrchestration() error {
	if c.MaxHistoryMessages < 1 || c.MaxHistoryMessages > MaxAllowedHistoryMessages {
		return fmt.Errorf("%w: %d (must be in [1, %d])",
			ErrInvalidHistoryLimit, c.MaxHistoryMessages, MaxAllowedHistoryMessages)
	}
	if c.MaxToolRounds < 1 || c.MaxToolRounds > 50 {
		return fmt.Errorf("%w: %d (must be in [1, 50])", ErrInvalidToolRounds, c.MaxToolRounds)
	}
	if c.ToolTimeoutMs < 100 {
		return fmt.Errorf("%w: %dms (must be >= 100ms)", ErrInvalidToolTimeout, c.ToolTimeoutMs)
	}
	if c.MaxConcurrentTools < 1 || c.MaxConcurrentTools > 64 {
		return fmt.Errorf("%w: %d (must be in [1, 64])", ErrInvalidToolConcurrency, c.MaxConcurrentTools)
	}
	return nil
}
