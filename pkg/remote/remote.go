// Package remote implements the shared HTTP contract of the stage service
// clients: JSON POST with a per-call timeout, exponential back-off on HTTP
// 429/5xx and network faults, and honoring numeric Retry-After headers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const userAgent = "AI-DPA-KB-Pipeline/1.0 (+local-dev)"

// maxBackoff caps the delay between transient retries.
const maxBackoff = 10 * time.Second

// HTTPError is a non-2xx response from a stage service.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// Error returns formatted error message
func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("remote service returned HTTP %d: %s", e.StatusCode, body)
}

// Retryable reports whether the status code warrants a transient retry.
// 429 and 5xx are transient; other 4xx are permanent.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client posts JSON payloads with a bounded transient-retry budget.
type Client struct {
	http    *http.Client
	retries int
	// sleep is swapped out in tests to avoid real back-off delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client with the given per-call timeout and retry budget.
func NewClient(timeout time.Duration, retries int) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		sleep:   sleepCtx,
	}
}

// PostJSON posts payload to url and decodes the response body into out.
// Transient failures are retried up to the client's budget; the returned
// attempt count includes the final attempt. No call issues more than
// 1 + retries requests.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding request payload: %w", err)
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		attempts = attempt + 1
		err := c.post(ctx, url, headers, body, out)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		var httpErr *HTTPError
		retryable := false
		delay := backoffDelay(attempt)
		switch {
		case errors.As(err, &httpErr):
			retryable = httpErr.Retryable()
			if httpErr.RetryAfter > 0 {
				delay = httpErr.RetryAfter
			}
		case ctx.Err() != nil:
			return attempts, ctx.Err()
		default:
			// Network fault; retry like a 5xx.
			retryable = true
		}
		if !retryable || attempt >= c.retries {
			return attempts, err
		}
		if err := c.sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
	return attempts, lastErr
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// backoffDelay is min(10s, 0.75 * 2^attempt seconds).
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(0.75 * float64(int64(1)<<uint(attempt)) * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// parseRetryAfter accepts only the numeric-seconds form of the header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
