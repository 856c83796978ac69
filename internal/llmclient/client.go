// Package llmclient provides the minimal LLM-calling surface C5 (query
// rewriting) and C10 (answer generation) need. No real LLM provider
// implementation exists anywhere in the example corpus — every
// internal/llm/* provider in the teacher repo is a test-only stub with
// no backing source file — so this client is grounded instead on this
// module's own internal/embedding.RemoteProvider, which is the one
// concretely-implemented HTTP-plus-retry call in the codebase and
// follows the same corpus conventions (context-scoped http.Client,
// Bearer auth, retry.Do-wrapped transient-fault handling).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/retry"
)

// Config addresses a completion endpoint.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// DefaultConfig mirrors the embedding provider's default timeout.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Client completes a single prompt and streams tokens for a single
// prompt. Both C5 (non-streaming expand) and C10 (streaming generate)
// are expressed against this one interface.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// HTTPClient is the default Client, calling a JSON completion endpoint.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// New constructs an HTTPClient.
func New(cfg Config, logger *logrus.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// Complete calls the endpoint once and returns its full text,
// retrying transient (5xx/429) failures per the ambient retry policy
// (spec §7 propagation rules).
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	var out string
	_, err := retry.Do(ctx, retry.Default(), retry.IsRetryable, func(ctx context.Context) error {
		text, callErr := c.callOnce(ctx, prompt)
		if callErr != nil {
			return callErr
		}
		out = text
		return nil
	})
	if err != nil {
		return "", corerr.Wrap(corerr.LLMUnavailable, "llmclient.Complete", "all retries exhausted", err)
	}
	return out, nil
}

func (c *HTTPClient) callOnce(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Model: c.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", retry.NonRetryableError{Err: fmt.Errorf("llmclient: marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.NonRetryableError{Err: fmt.Errorf("llmclient: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("llmclient: retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", retry.NonRetryableError{Err: fmt.Errorf("llmclient: status %d", resp.StatusCode)}
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", retry.NonRetryableError{Err: fmt.Errorf("llmclient: decode response: %w", err)}
	}
	return parsed.Text, nil
}

// Stream calls Complete and replays its result as a single chunk. The
// real streaming transport (SSE/chunked-encoding token delivery) is
// outside this module's scope (spec §1 excludes transport/RPC), so
// callers needing incremental tokens for citation-as-they-arrive
// behavior (C10) consume this channel the same way they would a true
// token stream.
func (c *HTTPClient) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	tokens := make(chan string, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		text, err := c.Complete(ctx, prompt)
		if err != nil {
			errs <- err
			return
		}
		select {
		case tokens <- text:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return tokens, errs
}
