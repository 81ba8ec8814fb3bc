// Package config loads and validates the pipeline configuration.
//
// Configuration is read from the environment once at startup and passed as an
// immutable value to every component. CLI flags may override individual
// fields before validation.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Default values for tunable settings.
const (
	DefaultLLMModel                 = "qwen/qwen3.5-397b-a17b:nitro"
	DefaultEmbeddingModel           = "text-embedding-3-small"
	DefaultChunkSize                = 800
	DefaultChunkOverlap             = 300
	DefaultFullDocThresholdTokens   = 50_000
	DefaultLLMConcurrency           = 4
	DefaultEmbedConcurrency         = 8
	DefaultUpsertConcurrency        = 8
	DefaultRequestRetries           = 3
	DefaultRequestTimeoutSeconds    = 180
	DefaultQueueMaxsize             = 64
	DefaultLLMValidationRetries     = 1
	DefaultProgressHeartbeatSeconds = 10
)

// Config is the frozen pipeline configuration for one invocation.
type Config struct {
	DatabaseURL      string
	OpenRouterAPIKey string
	OpenAIAPIKey     string

	LLMModel       string
	EmbeddingModel string

	ChunkSize              int
	ChunkOverlap           int
	FullDocThresholdTokens int

	LLMConcurrency    int
	EmbedConcurrency  int
	UpsertConcurrency int

	RequestRetries           int
	RequestTimeoutSeconds    int
	QueueMaxsize             int
	LLMValidationRetries     int
	ProgressHeartbeatSeconds int
}

// FromEnv builds a Config from environment variables, falling back to the
// package defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		OpenRouterAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		LLMModel:                 getEnvOrDefault("OPENROUTER_MODEL", DefaultLLMModel),
		EmbeddingModel:           getEnvOrDefault("OPENAI_EMBEDDING_MODEL", DefaultEmbeddingModel),
		ChunkSize:                getEnvInt("KB_CHUNK_SIZE", DefaultChunkSize),
		ChunkOverlap:             getEnvInt("KB_CHUNK_OVERLAP", DefaultChunkOverlap),
		FullDocThresholdTokens:   getEnvInt("KB_FULL_DOC_THRESHOLD_TOKENS", DefaultFullDocThresholdTokens),
		LLMConcurrency:           getEnvInt("KB_LLM_CONCURRENCY", DefaultLLMConcurrency),
		EmbedConcurrency:         getEnvInt("KB_EMBED_CONCURRENCY", DefaultEmbedConcurrency),
		UpsertConcurrency:        getEnvInt("KB_UPSERT_CONCURRENCY", DefaultUpsertConcurrency),
		RequestRetries:           getEnvInt("KB_REQUEST_RETRIES", DefaultRequestRetries),
		RequestTimeoutSeconds:    getEnvInt("KB_REQUEST_TIMEOUT_SECONDS", DefaultRequestTimeoutSeconds),
		QueueMaxsize:             getEnvInt("KB_QUEUE_MAXSIZE", DefaultQueueMaxsize),
		LLMValidationRetries:     getEnvInt("KB_LLM_VALIDATION_RETRIES", DefaultLLMValidationRetries),
		ProgressHeartbeatSeconds: getEnvInt("KB_PROGRESS_HEARTBEAT_SECONDS", DefaultProgressHeartbeatSeconds),
	}
}

// Validate checks the planning parameters. It is called before any run is
// created so invalid chunking settings surface synchronously.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return NewValidationError("chunk_size", ErrInvalidValue)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return NewValidationError("chunk_overlap", ErrOverlapTooLarge)
	}
	if c.FullDocThresholdTokens < 0 {
		return NewValidationError("full_doc_threshold_tokens", ErrInvalidValue)
	}
	if c.RequestRetries < 0 {
		return NewValidationError("request_retries", ErrInvalidValue)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return NewValidationError("request_timeout_seconds", ErrInvalidValue)
	}
	if c.QueueMaxsize <= 0 {
		return NewValidationError("queue_maxsize", ErrInvalidValue)
	}
	return nil
}

// RequireDatabase ensures a database URL is configured. Needed by every
// command except plan.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return NewMissingEnvError("DATABASE_URL")
	}
	return nil
}

// RequireRuntimeSecrets ensures the database URL and both API credentials are
// present. Needed by run, resume, and retry-failed.
func (c *Config) RequireRuntimeSecrets() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.OpenRouterAPIKey == "" {
		missing = append(missing, "OPENROUTER_API_KEY")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return NewMissingEnvError(missing...)
	}
	return nil
}

// NormalizedDatabaseURL strips the SQLAlchemy-style driver suffix that older
// deployment environments still carry in DATABASE_URL.
func (c *Config) NormalizedDatabaseURL() string {
	return strings.Replace(c.DatabaseURL, "postgresql+psycopg://", "postgresql://", 1)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
