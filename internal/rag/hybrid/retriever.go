// Package hybrid implements C6: the top-level retrieve() operation
// fusing dense (C2) and lexical (C3) search across query-rewrite
// variants (C5) with Reciprocal Rank Fusion, then optionally reranking
// (C4). Grounded on the teacher's HybridRetriever
// (internal/rag/hybrid_test.go): RRF/weighted/max fusion methods,
// per-channel degraded-mode fallback, and "both retrievers failed"
// error surfacing are all carried over from that shape; the
// query-variant fan-out, ACL integration, and exact RRF tie-break are
// new behavior built to spec §4.6 on top of it.
package hybrid

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/lexical"
	"dev.helix.knowledgecore/internal/rag/rerank"
	"dev.helix.knowledgecore/internal/security"
	"dev.helix.knowledgecore/internal/vectordb/qdrant"
)

// payloadTextKey is the payload field C9 ingestion stores passage text
// under, so C6 can hand reranker candidates real text without a
// separate passage-store round trip.
const payloadTextKey = "text"

// payloadSourceKey is the payload field C9 ingestion stores the
// passage's originating document/source name under, surfaced in
// PassageHit/sources stream events (spec §6).
const payloadSourceKey = "source"

// FusionMethod selects how dense and lexical scores combine. FusionRRF
// is the spec-mandated default (spec §4.6); FusionWeighted and
// FusionMax are carried over from the teacher as selectable
// non-default extensions (SPEC_FULL.md §4.14).
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
	FusionMax      FusionMethod = "max"
)

// Config controls C6 (spec §4.6 defaults).
type Config struct {
	TopK                  int
	DenseMultiplier       int
	LexicalMultiplier     int
	RerankMultiplier      int
	RRFK                  int
	IntraQueryParallelism int
	FusionMethod          FusionMethod
	Alpha                 float64 // weighted-fusion dense weight, ignored by RRF/max
	EnableReranking       bool
}

// DefaultConfig mirrors spec §4.6's defaults.
func DefaultConfig() Config {
	return Config{
		TopK:                  5,
		DenseMultiplier:       2,
		LexicalMultiplier:     2,
		RerankMultiplier:      3,
		RRFK:                  60,
		IntraQueryParallelism: 4,
		FusionMethod:          FusionRRF,
		Alpha:                 0.5,
		EnableReranking:       true,
	}
}

// Embedder is satisfied by internal/embedding.Provider.
type Embedder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryRewriter is satisfied by internal/rag/rewrite.Rewriter.
type QueryRewriter interface {
	Expand(ctx context.Context, question string) []string
}

// DenseSearcher is satisfied by internal/vectordb/qdrant.Store.
type DenseSearcher interface {
	Search(ctx context.Context, vector []float32, k int, filter qdrant.Filter) ([]qdrant.Hit, error)
}

// LexicalSearcher is satisfied by internal/rag/lexical.Index.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, k int, filter lexical.Filter) ([]lexical.Hit, error)
}

// Reranker is satisfied by internal/rag/rerank.Reranker.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []rerank.Candidate, kOut int) (rerank.Result, error)
}

// Retriever is the C6 hybrid retriever.
type Retriever struct {
	embedder Embedder
	rewriter QueryRewriter
	dense    DenseSearcher
	lexical  LexicalSearcher
	reranker Reranker
	cfg      Config
	logger   *logrus.Logger
	metrics  *retrieverMetrics
}

// New constructs a Retriever. reranker may be nil if cfg.EnableReranking is false.
func New(embedder Embedder, rewriter QueryRewriter, dense DenseSearcher, lex LexicalSearcher, reranker Reranker, cfg Config, logger *logrus.Logger) *Retriever {
	if cfg.TopK == 0 {
		d := DefaultConfig()
		cfg.TopK, cfg.DenseMultiplier, cfg.LexicalMultiplier = d.TopK, d.DenseMultiplier, d.LexicalMultiplier
		cfg.RerankMultiplier, cfg.RRFK, cfg.IntraQueryParallelism = d.RerankMultiplier, d.RRFK, d.IntraQueryParallelism
		if cfg.FusionMethod == "" {
			cfg.FusionMethod = d.FusionMethod
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Retriever{embedder: embedder, rewriter: rewriter, dense: dense, lexical: lex, reranker: reranker, cfg: cfg, logger: logger, metrics: newRetrieverMetrics()}
}

// Passage is one retrieved result (spec §4.6 step 7).
type Passage struct {
	PassageID string
	Score     float32
	Text      string
	Source    string
}

// Result is the outcome of Retrieve, tagging channel degradation (spec
// §4.6 failure policy) so C10 can surface it in retrieval_diagnostics.
type Result struct {
	Passages      []Passage
	DenseDegraded bool // at least one variant's dense search failed
	LexDegraded   bool // at least one variant's lexical search failed
	Reranked      bool
}

type variantOutcome struct {
	variantIndex int
	dense        []qdrant.Hit
	lexical      []lexical.Hit
	denseErr     error
	lexErr       error
}

// Retrieve runs the full C6 algorithm (spec §4.6): ACL scoping, query
// expansion, per-variant dense+lexical fan-out, RRF fusion, and
// optional reranking.
func (r *Retriever) Retrieve(ctx context.Context, question string, principal models.Principal, groupFilter []string) (Result, error) {
	scope := security.AccessiblePassageIDs(principal, groupFilter)
	if scope.Empty() {
		return Result{}, nil
	}

	variants := []string{question}
	if r.rewriter != nil {
		variants = r.rewriter.Expand(ctx, question)
	}

	outcomes, err := r.runVariants(ctx, variants, scope)
	if err != nil {
		return Result{}, err
	}

	var denseDegraded, lexDegraded, bothFailedAlways bool
	bothFailedAlways = len(outcomes) > 0
	for _, o := range outcomes {
		if o.denseErr != nil {
			denseDegraded = true
		}
		if o.lexErr != nil {
			lexDegraded = true
		}
		if o.denseErr == nil || o.lexErr == nil {
			bothFailedAlways = false
		}
	}
	if bothFailedAlways {
		return Result{}, corerr.New(corerr.RetrievalUnavailable, "hybrid.Retrieve", "both dense and lexical channels failed for every query variant")
	}

	fused, texts, sources := r.fuse(outcomes)

	candidateCount := r.cfg.TopK * r.cfg.RerankMultiplier
	if candidateCount > 0 && len(fused) > candidateCount {
		fused = fused[:candidateCount]
	}

	result := Result{DenseDegraded: denseDegraded, LexDegraded: lexDegraded}

	if r.cfg.EnableReranking && r.reranker != nil {
		candidates := make([]rerank.Candidate, len(fused))
		for i, f := range fused {
			candidates[i] = rerank.Candidate{PassageID: f.passageID, Text: texts[f.passageID]}
		}
		rerankResult, err := r.reranker.Rerank(ctx, question, candidates, r.cfg.TopK)
		if err == nil {
			result.Reranked = !rerankResult.Degraded
			result.Passages = make([]Passage, len(rerankResult.Ranked))
			for i, ranked := range rerankResult.Ranked {
				result.Passages[i] = Passage{PassageID: ranked.PassageID, Score: ranked.Score, Text: ranked.Text, Source: sources[ranked.PassageID]}
			}
			return result, nil
		}
		r.logger.WithFields(logrus.Fields{"error": err}).Warn("hybrid: rerank call errored, falling back to fused order")
	}

	if len(fused) > r.cfg.TopK {
		fused = fused[:r.cfg.TopK]
	}
	result.Passages = make([]Passage, len(fused))
	for i, f := range fused {
		result.Passages[i] = Passage{PassageID: f.passageID, Score: float32(f.score), Text: texts[f.passageID], Source: sources[f.passageID]}
	}
	return result, nil
}

func (r *Retriever) runVariants(ctx context.Context, variants []string, scope security.Scope) ([]variantOutcome, error) {
	parallelism := r.cfg.IntraQueryParallelism
	if parallelism <= 0 {
		parallelism = DefaultConfig().IntraQueryParallelism
	}

	outcomes := make([]variantOutcome, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i, variant := range variants {
		i, variant := i, variant
		g.Go(func() error {
			outcomes[i] = r.runOneVariant(gctx, i, variant, scope)
			return nil
		})
	}
	// Per-variant dense/lexical failures are carried in variantOutcome
	// and handled by the caller; runOneVariant never returns an error
	// from g.Go itself, so Wait only reports ctx cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return outcomes, nil
}

func (r *Retriever) runOneVariant(ctx context.Context, idx int, variant string, scope security.Scope) variantOutcome {
	outcome := variantOutcome{variantIndex: idx}

	vectors, err := r.embedder.Encode(ctx, []string{variant})
	var vector []float32
	if err != nil {
		outcome.denseErr = err
	} else {
		vector = vectors[0]
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if outcome.denseErr != nil {
			return
		}
		started := time.Now()
		hits, err := r.dense.Search(ctx, vector, r.cfg.TopK*r.cfg.DenseMultiplier, scope.AsVectorFilter())
		r.metrics.channelLatency.WithLabelValues("dense").Observe(time.Since(started).Seconds())
		if err != nil {
			outcome.denseErr = err
			return
		}
		outcome.dense = hits
	}()
	go func() {
		defer wg.Done()
		started := time.Now()
		hits, err := r.lexical.Search(ctx, variant, r.cfg.TopK*r.cfg.LexicalMultiplier, scope.AsLexicalFilter())
		r.metrics.channelLatency.WithLabelValues("lexical").Observe(time.Since(started).Seconds())
		if err != nil {
			outcome.lexErr = err
			return
		}
		outcome.lexical = hits
	}()
	wg.Wait()

	return outcome
}

type fusedEntry struct {
	passageID        string
	score            float64
	earliestDenseRnk int
	firstVariantIdx  int
}

// fuse combines all variant outcomes by Reciprocal Rank Fusion (spec
// §4.6 step 4) and returns entries sorted by descending score with the
// documented tie-break (earlier dense rank, then earlier variant
// index, then passage_id), plus the passage-id -> text map recovered
// from dense hit payloads.
func (r *Retriever) fuse(outcomes []variantOutcome) ([]fusedEntry, map[string]string, map[string]string) {
	k := r.cfg.RRFK
	if k <= 0 {
		k = DefaultConfig().RRFK
	}

	entries := make(map[string]*fusedEntry)
	texts := make(map[string]string)
	sources := make(map[string]string)

	touch := func(passageID string, rank int, variantIdx int, isDense bool) *fusedEntry {
		e, ok := entries[passageID]
		if !ok {
			e = &fusedEntry{passageID: passageID, earliestDenseRnk: math.MaxInt32, firstVariantIdx: variantIdx}
			entries[passageID] = e
		}
		if variantIdx < e.firstVariantIdx {
			e.firstVariantIdx = variantIdx
		}
		if isDense && rank < e.earliestDenseRnk {
			e.earliestDenseRnk = rank
		}
		return e
	}

	contribution := func(rank int) float64 { return 1.0 / float64(k+rank) }

	switch r.cfg.FusionMethod {
	case FusionWeighted:
		alpha := r.cfg.Alpha
		if alpha == 0 {
			alpha = DefaultConfig().Alpha
		}
		for _, o := range outcomes {
			for _, h := range o.dense {
				e := touch(h.PassageID, 1, o.variantIndex, true)
				e.score += alpha * float64(h.Score)
				if text, ok := h.Payload[payloadTextKey].(string); ok {
					texts[h.PassageID] = text
				}
				if src, ok := h.Payload[payloadSourceKey].(string); ok {
					sources[h.PassageID] = src
				}
			}
			for _, h := range o.lexical {
				e := touch(h.PassageID, math.MaxInt32, o.variantIndex, false)
				e.score += (1 - alpha) * float64(h.Score)
			}
		}
	case FusionMax:
		for _, o := range outcomes {
			for _, h := range o.dense {
				e := touch(h.PassageID, 1, o.variantIndex, true)
				if float64(h.Score) > e.score {
					e.score = float64(h.Score)
				}
				if text, ok := h.Payload[payloadTextKey].(string); ok {
					texts[h.PassageID] = text
				}
				if src, ok := h.Payload[payloadSourceKey].(string); ok {
					sources[h.PassageID] = src
				}
			}
			for _, h := range o.lexical {
				e := touch(h.PassageID, math.MaxInt32, o.variantIndex, false)
				if float64(h.Score) > e.score {
					e.score = float64(h.Score)
				}
			}
		}
	default: // FusionRRF
		for _, o := range outcomes {
			for rank, h := range o.dense {
				e := touch(h.PassageID, rank+1, o.variantIndex, true)
				e.score += contribution(rank + 1)
				if text, ok := h.Payload[payloadTextKey].(string); ok {
					texts[h.PassageID] = text
				}
				if src, ok := h.Payload[payloadSourceKey].(string); ok {
					sources[h.PassageID] = src
				}
			}
			for rank, h := range o.lexical {
				e := touch(h.PassageID, math.MaxInt32, o.variantIndex, false)
				e.score += contribution(rank + 1)
			}
		}
	}

	out := make([]fusedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].earliestDenseRnk != out[j].earliestDenseRnk {
			return out[i].earliestDenseRnk < out[j].earliestDenseRnk
		}
		if out[i].firstVariantIdx != out[j].firstVariantIdx {
			return out[i].firstVariantIdx < out[j].firstVariantIdx
		}
		return out[i].passageID < out[j].passageID
	})

	return out, texts, sources
}
