// Package embed implements the embedding stage client. It builds the
// canonical combined text for a task and requests a fixed-dimension dense
// vector from an OpenAI-compatible embeddings endpoint.
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/remote"
)

// DefaultEndpoint is the embeddings URL of the embedding service.
const DefaultEndpoint = "https://api.openai.com/v1/embeddings"

// CombinedText is the canonical embedded text: the stripped raw chunk followed
// by the indented structured output. This exact template is what lands in the
// combined_text column, so it must stay byte-stable.
func CombinedText(task models.TaskPayload) (string, error) {
	if task.StructuredJSON == nil {
		return "", fmt.Errorf("structured_json is required to build combined text")
	}
	structured, err := json.MarshalIndent(task.StructuredJSON, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding structured output: %w", err)
	}
	return fmt.Sprintf(
		"## RAW_TEXT_CHUNK\n%s\n\n## STRUCTURED_OUTPUT\n%s\n",
		strings.TrimSpace(task.RawText),
		structured,
	), nil
}

// Client is the embedding stage client.
type Client struct {
	cfg      *config.Config
	remote   *remote.Client
	endpoint string
}

// NewClient builds an embedding client from the pipeline configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:      cfg,
		remote:   remote.NewClient(time.Duration(cfg.RequestTimeoutSeconds)*time.Second, cfg.RequestRetries),
		endpoint: DefaultEndpoint,
	}
}

// NewClientWithEndpoint is NewClient with an endpoint override, used by tests.
func NewClientWithEndpoint(cfg *config.Config, endpoint string) *Client {
	c := NewClient(cfg)
	c.endpoint = endpoint
	return c
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed computes the combined text and requests its embedding. Transient HTTP
// failures are retried inside the remote client; a malformed or wrongly sized
// embedding payload fails without retry.
func (c *Client) Embed(ctx context.Context, task models.TaskPayload) (*models.EmbedResult, error) {
	combined, err := CombinedText(task)
	if err != nil {
		return nil, err
	}
	payload := embedRequest{Model: c.cfg.EmbeddingModel, Input: combined}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.OpenAIAPIKey}

	var resp embedResponse
	attempts, err := c.remote.PostJSON(ctx, c.endpoint, headers, payload, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("invalid embedding response payload")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != models.EmbeddingDim {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(raw), models.EmbeddingDim)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return &models.EmbedResult{
		TaskID:       task.TaskID,
		Embedding:    vec,
		EmbeddingDim: len(vec),
		AttemptsUsed: attempts,
	}, nil
}
