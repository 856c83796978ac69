// Package embedding implements C1: encode text into dense vectors,
// with hot-reloadable provider selection (spec §4.1). Grounded on the
// teacher's embedding-model contract shape (internal/rag's
// MockEmbeddingModelForRAG, internal/embeddings/models' registry).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/retry"
)

// Provider is the pure capability spec §9 calls for: encode,
// dimension, id. Implementations must be safe for concurrent use by
// multiple readers holding the same handle.
type Provider interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	EncodeSingle(ctx context.Context, text string) ([]float32, error)
	ID() string
	Dimension() int
	Health(ctx context.Context) error
	Close() error
}

// Config configures a remote HTTP embedding endpoint.
type Config struct {
	ProviderID string
	Endpoint   string
	APIKey     string
	Dimension  int
	BatchSize  int
	Timeout    time.Duration
}

// DefaultConfig mirrors the teacher's DefaultEmbeddingConfig timeouts
// and batch sizing (internal/embedding/models_test.go).
func DefaultConfig() Config {
	return Config{BatchSize: 100, Timeout: 30 * time.Second}
}

// RemoteProvider calls a batched text-to-vector HTTP endpoint with
// retry on 5xx/timeout, matching spec §4.1's remote-API variant.
type RemoteProvider struct {
	cfg        Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewRemoteProvider constructs a RemoteProvider. A nil logger installs
// a default logrus logger, matching the teacher's nil-guard convention.
func NewRemoteProvider(cfg Config, logger *logrus.Logger) *RemoteProvider {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &RemoteProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (p *RemoteProvider) ID() string     { return p.cfg.ProviderID }
func (p *RemoteProvider) Dimension() int { return p.cfg.Dimension }
func (p *RemoteProvider) Close() error   { return nil }

type encodeRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Encode batches texts in groups of cfg.BatchSize, retrying each batch
// per spec §4.1 (exponential backoff with jitter, max 3 attempts) and
// failing with EmbeddingUnavailable once retries are exhausted.
func (p *RemoteProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vectors [][]float32
		_, err := retry.Do(ctx, retry.Default(), nil, func(ctx context.Context) error {
			v, callErr := p.callEndpoint(ctx, batch)
			if callErr != nil {
				return callErr
			}
			vectors = v
			return nil
		})
		if err != nil {
			p.logger.WithFields(logrus.Fields{"provider": p.cfg.ProviderID, "batch_size": len(batch)}).
				WithError(err).Error("embedding request exhausted retries")
			return nil, corerr.Wrap(corerr.EmbeddingUnavailable, "embedding.Encode", "all retries exhausted", err)
		}
		result = append(result, vectors...)
	}
	return result, nil
}

func (p *RemoteProvider) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, corerr.New(corerr.Internal, "embedding.EncodeSingle", "endpoint returned no vectors")
	}
	return vecs[0], nil
}

func (p *RemoteProvider) callEndpoint(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(encodeRequest{Input: batch, Model: p.cfg.ProviderID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(payload))
	}
	if resp.StatusCode >= 400 {
		return nil, retry.NonRetryableError{Err: fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(payload))}
	}

	var decoded encodeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Embeddings, nil
}

func (p *RemoteProvider) Health(ctx context.Context) error {
	_, err := p.EncodeSingle(ctx, "health check")
	return err
}
