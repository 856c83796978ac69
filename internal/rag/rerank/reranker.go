// Package rerank implements C4: cross-encoder reranking over a
// candidate passage set. Grounded on the teacher's CrossEncoderReranker
// (internal/rag/reranker_test.go) — the remote-scoring call, batching,
// and fallback-to-fixed-overlap-score behavior on a missing/failing
// endpoint are carried over; the overlap fallback itself is replaced
// with input-order preservation per spec §4.4 ("the caller receives
// the input order unchanged and a warning flag").
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Candidate is one passage offered to the reranker, carrying enough
// context to score against the query.
type Candidate struct {
	PassageID string
	Text      string
}

// Ranked is a Candidate annotated with its reranked score and original
// position, so ties can preserve prior order (spec §4.4).
type Ranked struct {
	Candidate
	Score        float32
	OriginalRank int
}

// Config configures the C4 reranker (spec §4.4; defaults mirror the
// teacher's DefaultRerankerConfig).
type Config struct {
	Enabled   bool
	Endpoint  string
	APIKey    string
	Model     string
	BatchSize int
	Timeout   time.Duration
}

// DefaultConfig mirrors the teacher's DefaultRerankerConfig values.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Model:     "BAAI/bge-reranker-v2-m3",
		BatchSize: 32,
		Timeout:   30 * time.Second,
	}
}

// Reranker is the C4 cross-encoder reranker.
type Reranker struct {
	cfg        Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// New constructs a Reranker. A zero-value cfg.BatchSize/Timeout is
// replaced with DefaultConfig's values.
func New(cfg Config, logger *logrus.Logger) *Reranker {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reranker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Result is the outcome of a Rerank call: the ranked candidates plus a
// degraded flag set whenever the caller received input order unchanged
// because reranking was disabled or failed (spec §4.4).
type Result struct {
	Ranked   []Ranked
	Degraded bool
}

// Rerank scores query against each candidate with the configured
// cross-encoder endpoint and returns the top kOut by descending score,
// preserving prior order on ties. If disabled or the endpoint call
// fails, the input order (truncated to kOut) is returned unchanged with
// Degraded set.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, kOut int) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, nil
	}

	if !r.cfg.Enabled || r.cfg.Endpoint == "" {
		return Result{Ranked: passthrough(candidates, kOut), Degraded: !r.cfg.Enabled || r.cfg.Endpoint == ""}, nil
	}

	scores, err := r.scoreBatched(ctx, query, candidates)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"error": err, "query": query}).Warn("rerank: cross-encoder call failed, falling back to input order")
		return Result{Ranked: passthrough(candidates, kOut), Degraded: true}, nil
	}

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, Score: scores[i], OriginalRank: i}
	}

	stableSortByScoreDesc(ranked)

	if kOut > 0 && len(ranked) > kOut {
		ranked = ranked[:kOut]
	}
	return Result{Ranked: ranked}, nil
}

func passthrough(candidates []Candidate, kOut int) []Ranked {
	n := len(candidates)
	if kOut > 0 && kOut < n {
		n = kOut
	}
	out := make([]Ranked, n)
	for i := 0; i < n; i++ {
		out[i] = Ranked{Candidate: candidates[i], OriginalRank: i}
	}
	return out
}

// stableSortByScoreDesc sorts by descending score, preserving the
// candidates' original relative order among equal scores (spec §4.4).
func stableSortByScoreDesc(ranked []Ranked) {
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Score > ranked[j-1].Score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
}

func (r *Reranker) scoreBatched(ctx context.Context, query string, candidates []Candidate) ([]float32, error) {
	scores := make([]float32, len(candidates))
	for start := 0; start < len(candidates); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batchScores, err := r.callEndpoint(ctx, query, candidates[start:end])
		if err != nil {
			return nil, err
		}
		copy(scores[start:end], batchScores)
	}
	return scores, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float32 `json:"scores"`
}

func (r *Reranker) callEndpoint(ctx context.Context, query string, batch []Candidate) ([]float32, error) {
	docs := make([]string, len(batch))
	for i, c := range batch {
		docs[i] = c.Text
	}

	body, err := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: endpoint call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rerank: endpoint returned status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	if len(parsed.Scores) != len(batch) {
		return nil, fmt.Errorf("rerank: expected %d scores, got %d", len(batch), len(parsed.Scores))
	}
	return parsed.Scores, nil
}
