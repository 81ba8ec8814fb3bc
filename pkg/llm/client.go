// Package llm implements the structured-extraction stage client. It calls an
// OpenRouter-compatible chat-completions endpoint with a strict JSON schema
// response format and validates the result before it is persisted.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/remote"
)

// DefaultEndpoint is the chat-completions URL of the extraction service.
const DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"

// Client is the extraction stage client.
type Client struct {
	cfg      *config.Config
	remote   *remote.Client
	endpoint string
}

// NewClient builds an extraction client from the pipeline configuration.
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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	Reasoning      map[string]bool `json:"reasoning"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat responseFormat  `json:"response_format"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract runs contextual compression for one chunk. Transient HTTP failures
// are retried inside the remote client; a response whose content is not
// parseable JSON is re-requested within the validation budget; a parseable
// response that violates the schema fails without retry.
func (c *Client) Extract(ctx context.Context, task models.TaskPayload) (*models.LLMResult, error) {
	payload := chatRequest{
		Model:       c.cfg.LLMModel,
		Temperature: 0,
		Reasoning:   map[string]bool{"enabled": false},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: userPrompt(task)},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaSpec{
				Name:   "KbStructureOutput",
				Strict: true,
				Schema: schemaDocument(),
			},
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.OpenRouterAPIKey}

	validationAttempts := c.cfg.LLMValidationRetries + 1
	if validationAttempts < 1 {
		validationAttempts = 1
	}

	attemptsUsed := 0
	var lastErr error
	for v := 0; v < validationAttempts; v++ {
		var resp chatResponse
		n, err := c.remote.PostJSON(ctx, c.endpoint, headers, payload, &resp)
		attemptsUsed += n
		if err != nil {
			return nil, err
		}
		content, err := messageContent(&resp)
		if err != nil {
			return nil, err
		}

		var parsed any
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			lastErr = fmt.Errorf("structured output is not valid JSON: %w", err)
			continue
		}
		if err := compiledSchema.Validate(parsed); err != nil {
			return nil, fmt.Errorf("structured output failed schema validation: %w", err)
		}
		out, err := models.DecodeStructuredExtract([]byte(content))
		if err != nil {
			return nil, err
		}

		// The task metadata is authoritative, whatever the model echoed back.
		out.SourceTitle = task.SourceTitle
		out.SourceURL = task.SourceURL

		structured, err := out.AsMap()
		if err != nil {
			return nil, err
		}
		compact, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encoding structured output: %w", err)
		}
		return &models.LLMResult{
			TaskID:         task.TaskID,
			StructuredJSON: structured,
			StructuredText: string(compact),
			AttemptsUsed:   attemptsUsed,
		}, nil
	}
	return nil, lastErr
}

// messageContent extracts the assistant message text. Providers return either
// a plain string or a list of {"text": ...} parts.
func messageContent(resp *chatResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("extraction response has no choices")
	}
	raw := resp.Choices[0].Message.Content
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var joined string
		for _, p := range parts {
			joined += p.Text
		}
		return joined, nil
	}
	return "", fmt.Errorf("unexpected extraction response content shape")
}
