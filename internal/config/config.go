// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.calliope/config.yaml or ./config.yaml)
//  3. Default values
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidHistoryLimit indicates the history limit is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid max history messages")

	// ErrInvalidToolRounds indicates the tool round limit is out of range.
	ErrInvalidToolRounds = errors.New("invalid max tool rounds")

	// ErrInvalidToolTimeout indicates the per-tool timeout is out of range.
	ErrInvalidToolTimeout = errors.New("invalid tool timeout")

	// ErrInvalidToolConcurrency indicates the tool concurrency cap is out of range.
	ErrInvalidToolConcurrency = errors.New("invalid max concurrent tools")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")
)

const (
	// DefaultMaxHistoryMessages bounds the model-input view. The stored
	// conversation context is never trimmed; see chat.Context.ModelView.
	DefaultMaxHistoryMessages = 40

	// MaxAllowedHistoryMessages is the absolute maximum to prevent OOM.
	MaxAllowedHistoryMessages = 10000

	// DefaultMaxToolRounds bounds generation/tool-dispatch cycles per turn.
	DefaultMaxToolRounds = 5

	// DefaultToolTimeout is the outer per-tool-call timeout.
	DefaultToolTimeout = 30 * time.Second

	// DefaultMaxConcurrentTools caps fan-out within one dispatch burst.
	DefaultMaxConcurrentTools = 4

	// DefaultStreamIdleTimeout is the maximum wait for the next model delta.
	DefaultStreamIdleTimeout = 60 * time.Second
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// SearXNGConfig holds SearXNG service configuration for the web_search tool.
type SearXNGConfig struct {
	// BaseURL is the SearXNG instance URL (e.g., http://searxng:8080)
	BaseURL string `mapstructure:"base_url" json:"base_url"`

	// MaxResults caps the number of results returned to the model.
	MaxResults int `mapstructure:"max_results" json:"max_results"`
}

// WebScraperConfig holds web scraper configuration for the web_fetch tool.
type WebScraperConfig struct {
	// Parallelism is max concurrent requests per domain (default: 2)
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
	// DelayMs is delay between requests in milliseconds (default: 1000)
	DelayMs int `mapstructure:"delay_ms" json:"delay_ms"`
	// TimeoutMs is request timeout in milliseconds (default: 30000)
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// OTelConfig holds OpenTelemetry trace export configuration.
// An empty Endpoint disables tracing.
type OTelConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Config stores application configuration.
type Config struct {
	// HTTP server address
	Addr string `mapstructure:"addr" json:"addr"`

	// AI provider and model configuration
	Provider    string  `mapstructure:"provider" json:"provider"`     // "gemini" (default), "ollama", "openai"
	ModelName   string  `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "llama3.3", "gpt-4o"
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Turn orchestration limits
	MaxHistoryMessages int `mapstructure:"max_history_messages" json:"max_history_messages"`
	MaxToolRounds      int `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
	ToolTimeoutMs      int `mapstructure:"tool_timeout_ms" json:"tool_timeout_ms"`
	MaxConcurrentTools int `mapstructure:"max_concurrent_tools" json:"max_concurrent_tools"`
	StreamIdleMs       int `mapstructure:"stream_idle_timeout_ms" json:"stream_idle_timeout_ms"`

	// SummarizeThreshold triggers conversation summarization once the stored
	// history grows past this many messages. 0 disables summarization.
	SummarizeThreshold int `mapstructure:"summarize_threshold" json:"summarize_threshold"`

	// Tool configuration
	SearXNG    SearXNGConfig    `mapstructure:"searxng" json:"searxng"`
	WebScraper WebScraperConfig `mapstructure:"web_scraper" json:"web_scraper"`

	// Observability configuration
	OTel OTelConfig `mapstructure:"otel" json:"otel"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".calliope")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:8080")

	// AI defaults
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)

	// Ollama defaults
	v.SetDefault("ollama_host", "http://localhost:11434")

	// Orchestration defaults
	v.SetDefault("max_history_messages", DefaultMaxHistoryMessages)
	v.SetDefault("max_tool_rounds", DefaultMaxToolRounds)
	v.SetDefault("tool_timeout_ms", int(DefaultToolTimeout/time.Millisecond))
	v.SetDefault("max_concurrent_tools", DefaultMaxConcurrentTools)
	v.SetDefault("stream_idle_timeout_ms", int(DefaultStreamIdleTimeout/time.Millisecond))
	v.SetDefault("summarize_threshold", 0)

	// SearXNG defaults
	v.SetDefault("searxng.base_url", "http://localhost:8888")
	v.SetDefault("searxng.max_results", 8)

	// WebScraper defaults
	v.SetDefault("web_scraper.parallelism", 2)
	v.SetDefault("web_scraper.delay_ms", 1000)
	v.SetDefault("web_scraper.timeout_ms", 30000)

	// OTel defaults (disabled unless endpoint set)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.environment", "dev")
	v.SetDefault("otel.service_name", "calliope")
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("addr", "CALLIOPE_ADDR")
	mustBind("provider", "CALLIOPE_PROVIDER")
	mustBind("model_name", "CALLIOPE_MODEL_NAME")
	mustBind("ollama_host", "CALLIOPE_OLLAMA_HOST")
	mustBind("searxng.base_url", "CALLIOPE_SEARXNG_URL")
	mustBind("otel.endpoint", "CALLIOPE_OTEL_ENDPOINT")

	// NOTE: GEMINI_API_KEY and OPENAI_API_KEY are read directly by the
	// Genkit plugins, not via Viper. Validation checks their presence based
	// on the selected provider.
}

// ToolTimeout returns the per-tool-call timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// StreamIdleTimeout returns the model-stream inactivity timeout as a duration.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleMs) * time.Millisecond
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3", "openai/gpt-4o".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}
