package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, cfg.ChunkOverlap)
	assert.Equal(t, DefaultFullDocThresholdTokens, cfg.FullDocThresholdTokens)
	assert.Equal(t, DefaultLLMConcurrency, cfg.LLMConcurrency)
	assert.Equal(t, DefaultEmbedConcurrency, cfg.EmbedConcurrency)
	assert.Equal(t, DefaultUpsertConcurrency, cfg.UpsertConcurrency)
	assert.Equal(t, DefaultRequestRetries, cfg.RequestRetries)
	assert.Equal(t, DefaultLLMModel, cfg.LLMModel)
	assert.Equal(t, DefaultEmbeddingModel, cfg.EmbeddingModel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KB_CHUNK_SIZE", "1200")
	t.Setenv("KB_CHUNK_OVERLAP", "100")
	t.Setenv("KB_LLM_CONCURRENCY", "16")
	t.Setenv("OPENROUTER_MODEL", "other/model")
	t.Setenv("DATABASE_URL", " postgresql://u:p@localhost/kb ")

	cfg := FromEnv()
	assert.Equal(t, 1200, cfg.ChunkSize)
	assert.Equal(t, 100, cfg.ChunkOverlap)
	assert.Equal(t, 16, cfg.LLMConcurrency)
	assert.Equal(t, "other/model", cfg.LLMModel)
	assert.Equal(t, "postgresql://u:p@localhost/kb", cfg.DatabaseURL)
}

func TestFromEnvUnparsableIntFallsBack(t *testing.T) {
	t.Setenv("KB_CHUNK_SIZE", "not-a-number")
	cfg := FromEnv()
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ChunkSize:             800,
			ChunkOverlap:          300,
			RequestTimeoutSeconds: 180,
			QueueMaxsize:          64,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, ErrInvalidValue},
		{"overlap equals chunk size", func(c *Config) { c.ChunkOverlap = 800 }, ErrOverlapTooLarge},
		{"negative overlap", func(c *Config) { c.ChunkOverlap = -1 }, ErrOverlapTooLarge},
		{"negative threshold", func(c *Config) { c.FullDocThresholdTokens = -1 }, ErrInvalidValue},
		{"negative retries", func(c *Config) { c.RequestRetries = -1 }, ErrInvalidValue},
		{"zero timeout", func(c *Config) { c.RequestTimeoutSeconds = 0 }, ErrInvalidValue},
		{"zero queue size", func(c *Config) { c.QueueMaxsize = 0 }, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
}

func TestRequireRuntimeSecrets(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireRuntimeSecrets()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingEnv)

	var missing *MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"DATABASE_URL", "OPENROUTER_API_KEY", "OPENAI_API_KEY"}, missing.Names)

	cfg = &Config{DatabaseURL: "postgresql://localhost/kb", OpenRouterAPIKey: "a", OpenAIAPIKey: "b"}
	assert.NoError(t, cfg.RequireRuntimeSecrets())
}

func TestRequireDatabase(t *testing.T) {
	assert.Error(t, (&Config{}).RequireDatabase())
	assert.NoError(t, (&Config{DatabaseURL: "postgresql://localhost/kb"}).RequireDatabase())
}

func TestNormalizedDatabaseURL(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgresql+psycopg://u:p@localhost:5432/kb"}
	assert.Equal(t, "postgresql://u:p@localhost:5432/kb", cfg.NormalizedDatabaseURL())

	cfg = &Config{DatabaseURL: "postgresql://u:p@localhost:5432/kb"}
	assert.Equal(t, "postgresql://u:p@localhost:5432/kb", cfg.NormalizedDatabaseURL())
}
