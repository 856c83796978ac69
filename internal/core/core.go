// Package core is the composition root (spec §9): it instantiates
// every component exactly once and wires them together via explicit
// constructor injection, replacing the source's module-level
// "get or create" singletons. It exposes the six transport-neutral
// operations spec §6 names; everything else (HTTP/RPC framing,
// authentication token parsing, request routing) is out of scope.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/background"
	"dev.helix.knowledgecore/internal/cache"
	"dev.helix.knowledgecore/internal/config"
	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/embedding"
	"dev.helix.knowledgecore/internal/knowledge"
	"dev.helix.knowledgecore/internal/llmclient"
	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/chunk"
	"dev.helix.knowledgecore/internal/rag/hybrid"
	"dev.helix.knowledgecore/internal/rag/lexical"
	"dev.helix.knowledgecore/internal/rag/qachain"
	"dev.helix.knowledgecore/internal/rag/rerank"
	"dev.helix.knowledgecore/internal/rag/rewrite"
	"dev.helix.knowledgecore/internal/vectordb/qdrant"
)

// Dependencies are the external collaborators the composition root
// cannot construct itself: the embedding providers to register (spec
// §9 "dynamic provider switching" — callers register every provider
// config.Config.Embedding.ProviderID might ever select, Core activates
// one at New time and swaps on ReloadEmbeddingProvider), the dialed
// vector store, the LLM endpoint client, an optional Redis client for
// C7's write-behind layer, and a logger.
type Dependencies struct {
	EmbeddingProviders map[string]embedding.Provider
	VectorStore        *qdrant.Store
	LLM                llmclient.Client
	Redis              *redis.Client
	Logger             *logrus.Logger
}

// PassageHit is one Search result (spec §6).
type PassageHit struct {
	PassageID string
	Score     float32
	Text      string
	Source    string
}

// Core wires C1-C11 into the six operations spec §6 names.
type Core struct {
	cfg         config.Config
	registry    *embedding.Registry
	vectorStore *qdrant.Store
	lexIndex    *lexical.Index
	retriever   *hybrid.Retriever
	semCache    *cache.SemanticCache
	qa          *qachain.QAChain
	queue       *background.IngestQueue
	entryIndex  *knowledge.EntryIndex
	logger      *logrus.Logger

	// degraded is set when ReloadEmbeddingProvider swaps in a provider
	// of a different dimension (spec §9's "mixed vector dimensions"
	// design note): new ingestion is refused until RecreateVectorCollection
	// is called after the operator recreates the collection or
	// re-embeds the corpus.
	degraded atomic.Bool

	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New constructs every component once and activates
// cfg.Embedding.ProviderID as the initial embedding provider.
func New(cfg config.Config, deps Dependencies) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if deps.VectorStore == nil {
		return nil, fmt.Errorf("core.New: VectorStore dependency is required")
	}

	registry := embedding.NewRegistry(logger)
	for id, p := range deps.EmbeddingProviders {
		registry.Register(id, p)
	}
	if cfg.Embedding.ProviderID != "" {
		if err := registry.Activate(cfg.Embedding.ProviderID); err != nil {
			return nil, fmt.Errorf("core.New: activate embedding provider: %w", err)
		}
	}

	lexIndex := lexical.NewIndex(logger)
	embedder := &activeEmbedder{registry: registry}

	var rewriter *rewrite.Rewriter
	if cfg.QueryRewrite.Enabled && deps.LLM != nil {
		rewriter = rewrite.New(rewrite.Config{Enabled: true, NVariants: cfg.QueryRewrite.NVariants}, deps.LLM, logger)
	}

	var reranker *rerank.Reranker
	if cfg.Reranker.Enabled {
		reranker = rerank.New(rerank.Config{
			Enabled:   true,
			Endpoint:  cfg.Reranker.Endpoint,
			Model:     cfg.Reranker.Model,
			BatchSize: cfg.Reranker.BatchSize,
		}, logger)
	}

	hybridCfg := hybrid.Config{
		TopK:                  cfg.Retrieval.TopK,
		DenseMultiplier:       cfg.Retrieval.DenseMultiplier,
		LexicalMultiplier:     cfg.Retrieval.LexicalMultiplier,
		RerankMultiplier:      cfg.Retrieval.RerankMultiplier,
		RRFK:                  cfg.Retrieval.RRFK,
		IntraQueryParallelism: cfg.Retrieval.IntraQueryParallelism,
		FusionMethod:          hybrid.FusionRRF,
		Alpha:                 0.5,
		EnableReranking:       cfg.Reranker.Enabled,
	}
	var rerankerIface hybrid.Reranker
	if reranker != nil {
		rerankerIface = reranker
	}
	var rewriterIface hybrid.QueryRewriter
	if rewriter != nil {
		rewriterIface = rewriter
	}
	retriever := hybrid.New(embedder, rewriterIface, deps.VectorStore, lexIndex, rerankerIface, hybridCfg, logger)

	semCache := cache.New(embedder, deps.Redis, cache.Config{
		HitThreshold: float32(cfg.Cache.HitThreshold),
		MaxEntries:   cfg.Cache.MaxEntries,
		TTL:          cfg.Cache.TTL,
	}, logger)

	qaCfg := qachain.DefaultConfig()
	qaCfg.MaxHistoryTurns = cfg.History.MaxHistoryTurns
	qaCfg.KeepRecentTurns = cfg.History.KeepRecentTurns
	qaCfg.MaxSummaryChars = cfg.History.MaxSummaryChars
	qaCfg.MaxSingleContent = cfg.Context.MaxSingleContent
	qaCfg.MaxContextChars = cfg.Context.MaxContextChars
	qaCfg.CacheTTL = cfg.Cache.TTL
	qa := qachain.New(retriever, semCache, embedder, deps.LLM, qaCfg, logger)

	entryIndex := knowledge.NewEntryIndex()

	c := &Core{
		cfg:          cfg,
		registry:     registry,
		vectorStore:  deps.VectorStore,
		lexIndex:     lexIndex,
		retriever:    retriever,
		semCache:     semCache,
		qa:           qa,
		entryIndex:   entryIndex,
		logger:       logger,
		sessionLocks: make(map[string]*sync.Mutex),
	}

	queueCfg := background.QueueConfig{
		Capacity:        cfg.Queue.Capacity,
		Workers:         cfg.Queue.MaxWorkers,
		StatusRetention: cfg.Queue.StatusRetention,
		TaskDeadline:    cfg.Queue.TaskDeadline,
		ShutdownGrace:   cfg.Queue.ShutdownGrace,
	}
	c.queue = background.NewIngestQueue(queueCfg, &ingestPipeline{core: c}, logger)

	return c, nil
}

// activeEmbedder adapts the live embedding.Registry handle to the
// narrower Embedder shapes C6, C7 and C10 each depend on, re-resolving
// the active provider on every call per the hot-reload contract (spec
// §4.1): "readers hold a handle for the duration of a single batch."
type activeEmbedder struct {
	registry *embedding.Registry
}

func (e *activeEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	p, err := e.registry.Active()
	if err != nil {
		return nil, err
	}
	return p.Encode(ctx, texts)
}

func (e *activeEmbedder) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	p, err := e.registry.Active()
	if err != nil {
		return nil, err
	}
	return p.EncodeSingle(ctx, text)
}

// sessionLock returns the per-session mutex for sessionID, creating it
// on first use.
func (c *Core) sessionLock(sessionID string) *sync.Mutex {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	l, ok := c.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.sessionLocks[sessionID] = l
	}
	return l
}

// Answer runs C10 end to end, serializing concurrent calls on the same
// session (spec §7's SessionBusy) and leaving calls with no session id
// unserialized. When req.Stream is true, the returned channel is a
// qachain.StreamEvent stream following spec §6's sources/chunk/
// highlights/done protocol (a cache hit sends only the done event);
// the caller must drain it to completion.
func (c *Core) Answer(ctx context.Context, req qachain.AnswerRequest) (qachain.AnswerResult, <-chan qachain.StreamEvent, error) {
	var sessionID string
	if req.Session != nil {
		sessionID = req.Session.SessionID
	}
	if sessionID == "" {
		return c.qa.Answer(ctx, req)
	}

	lock := c.sessionLock(sessionID)
	if !lock.TryLock() {
		return qachain.AnswerResult{}, nil, corerr.New(corerr.SessionBusy, "core.Answer", "a concurrent answer is already running for this session")
	}

	result, ch, err := c.qa.Answer(ctx, req)
	if err != nil || ch == nil {
		lock.Unlock()
		return result, ch, err
	}

	out := make(chan qachain.StreamEvent)
	go func() {
		defer lock.Unlock()
		defer close(out)
		for ev := range ch {
			out <- ev
		}
	}()
	return result, out, nil
}

// Search bypasses the LLM and returns C6's fused retrieval result
// directly (spec §6).
func (c *Core) Search(ctx context.Context, query string, topK int, groupFilter []string, principal models.Principal) ([]PassageHit, error) {
	result, err := c.retriever.Retrieve(ctx, query, principal, groupFilter)
	if err != nil {
		return nil, err
	}
	hits := make([]PassageHit, len(result.Passages))
	for i, p := range result.Passages {
		hits[i] = PassageHit{PassageID: p.PassageID, Score: p.Score, Text: p.Text, Source: p.Source}
	}
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// SubmitIngestion enqueues payload on C9's bounded queue after an
// ownership check, refusing while the embedding provider is in
// degraded mode (spec §9).
func (c *Core) SubmitIngestion(payload models.IngestionPayload, principal models.Principal) (string, error) {
	if principal.IsAnonymous() {
		return "", corerr.New(corerr.Unauthorized, "core.SubmitIngestion", "a principal is required to ingest")
	}
	if payload.OwnerID != principal.ID && !principal.IsAdmin() {
		return "", corerr.New(corerr.Forbidden, "core.SubmitIngestion", "cannot ingest on behalf of another principal")
	}
	if c.degraded.Load() {
		return "", corerr.New(corerr.DimensionMismatch, "core.SubmitIngestion", "embedding provider dimension changed; recreate the vector collection or re-embed before ingesting")
	}
	return c.queue.Submit(payload, principal.ID)
}

// TaskStatus returns taskID's status, restricted to its submitter or
// an admin (spec §6).
func (c *Core) TaskStatus(taskID string, principal models.Principal) (models.IngestionTask, error) {
	task, err := c.queue.GetStatus(taskID)
	if err != nil {
		return models.IngestionTask{}, err
	}
	if !principal.IsAdmin() && task.SubmittedBy != principal.ID {
		return models.IngestionTask{}, corerr.New(corerr.Forbidden, "core.TaskStatus", "task belongs to another principal")
	}
	return task, nil
}

// DeletePassagesByEntry removes every passage a prior ingest of
// entryID wrote from both the vector and lexical indices, restricted
// to the entry's owner or an admin (spec §6).
func (c *Core) DeletePassagesByEntry(ctx context.Context, entryID string, principal models.Principal) error {
	owner, ok := c.entryIndex.OwnerOf(entryID)
	if !ok {
		return corerr.New(corerr.NotFound, "core.DeletePassagesByEntry", "unknown entry id")
	}
	if !principal.IsAdmin() && owner != principal.ID {
		return corerr.New(corerr.Forbidden, "core.DeletePassagesByEntry", "entry belongs to another principal")
	}

	passageIDs := c.entryIndex.PassageIDsForEntry(entryID)
	if err := c.vectorStore.Delete(ctx, passageIDs); err != nil {
		return fmt.Errorf("core.DeletePassagesByEntry: vector delete: %w", err)
	}
	if err := c.lexIndex.Delete(ctx, passageIDs); err != nil {
		return fmt.Errorf("core.DeletePassagesByEntry: lexical delete: %w", err)
	}
	c.entryIndex.Forget(entryID)
	return nil
}

// ReloadEmbeddingProvider swaps C1's active provider (spec §6). A
// dimension change evicts cache entries fingerprinted at the old
// dimension (spec §3 invariant 6) and flips Core into degraded mode
// (spec §9): further SubmitIngestion calls are refused until
// RecreateVectorCollection runs.
func (c *Core) ReloadEmbeddingProvider(ctx context.Context, targetID string) (embedding.ReloadReport, error) {
	report, err := c.registry.Reload(ctx, targetID)
	if err != nil {
		return report, err
	}
	if report.DimensionChanged {
		c.degraded.Store(true)
		if p, aerr := c.registry.Active(); aerr == nil {
			evicted := c.semCache.InvalidateAllWithDimension(p.Dimension())
			c.logger.WithFields(logrus.Fields{
				"evicted_cache_entries": evicted,
				"new_dimension":         p.Dimension(),
			}).Warn("embedding dimension changed; ingestion refused until the vector collection is recreated or the corpus is re-embedded")
		}
	}
	return report, nil
}

// RecreateVectorCollection drops and recreates the vector store's
// collection at the active provider's dimension, clearing degraded
// mode (spec §9's dimension-mismatch remediation path).
func (c *Core) RecreateVectorCollection(ctx context.Context) error {
	p, err := c.registry.Active()
	if err != nil {
		return err
	}
	if err := c.vectorStore.RecreateCollection(ctx, p.Dimension()); err != nil {
		return err
	}
	c.degraded.Store(false)
	return nil
}

// Shutdown drains C9's ingestion queue (spec §4.9's graceful-shutdown
// contract).
func (c *Core) Shutdown() {
	c.queue.Shutdown()
}

const (
	payloadSourceKey     = "source"
	payloadOwnerKey      = "owner_id"
	payloadVisibilityKey = "visibility"
	payloadGroupIDsKey   = "group_ids"
	payloadEntryKey      = "entry_id"
)

// ingestPipeline implements background.IngestPipeline: C8 chunking, C1
// embedding, and C2/C3 upsert for one SubmitIngestion payload.
type ingestPipeline struct {
	core *Core
}

func (p *ingestPipeline) Run(ctx context.Context, payload models.IngestionPayload) (string, error) {
	return p.core.runIngestion(ctx, payload)
}

func (c *Core) runIngestion(ctx context.Context, payload models.IngestionPayload) (string, error) {
	if c.degraded.Load() {
		return "", corerr.New(corerr.DimensionMismatch, "core.runIngestion", "embedding provider dimension changed; refusing new upserts until recreate/re-embed")
	}

	chunkCfg := chunk.Config{
		ChunkSize:           c.cfg.Chunking.ChunkSize,
		Overlap:             c.cfg.Chunking.Overlap,
		ContextPrefixMaxLen: c.cfg.Context.ContextPrefixMax,
	}
	passages := chunk.Chunk(payload.Text, chunkCfg, payload.ContextPrefix)
	if len(passages) == 0 {
		return "", corerr.New(corerr.Internal, "core.runIngestion", "chunking produced no passages")
	}

	provider, err := c.registry.Active()
	if err != nil {
		return "", err
	}

	embedTexts := make([]string, len(passages))
	for i, p := range passages {
		embedTexts[i] = p.EmbedText
	}
	vectors, err := provider.Encode(ctx, embedTexts)
	if err != nil {
		return "", corerr.Wrap(corerr.EmbeddingUnavailable, "core.runIngestion", "embedding batch failed", err)
	}

	passageIDs := make([]string, len(passages))
	written := make([]string, 0, len(passages))
	for i, p := range passages {
		if len(vectors[i]) != provider.Dimension() {
			c.rollbackVectorStore(ctx, written)
			return "", corerr.New(corerr.DimensionMismatch, "core.runIngestion", "embedding vector dimension does not match active provider")
		}

		id := uuid.NewString()
		vectorPayload := map[string]any{
			payloadTextKeyForIngest: p.Text,
			payloadSourceKey:        payload.Source,
			payloadOwnerKey:         payload.OwnerID,
			payloadVisibilityKey:    string(payload.Visibility),
			payloadGroupIDsKey:      payload.GroupIDs,
			payloadEntryKey:         payload.EntryID,
		}
		if err := c.vectorStore.Upsert(ctx, id, vectors[i], vectorPayload); err != nil {
			c.rollbackVectorStore(ctx, written)
			return "", err
		}
		written = append(written, id)
		if err := c.lexIndex.Upsert(ctx, id, p.Text, payload.OwnerID, string(payload.Visibility), payload.GroupIDs); err != nil {
			c.rollbackVectorStore(ctx, written)
			return "", err
		}
		passageIDs[i] = id
	}

	c.entryIndex.Record(payload.EntryID, payload.OwnerID, passageIDs)
	return passageIDs[0], nil
}

// rollbackVectorStore deletes every C2 vector already written for an
// ingestion batch that failed partway through, keeping invariant 1
// (a passage exists in the vector store iff it exists in the lexical
// index) from being violated by orphaned vectors (spec §4.9, §3).
func (c *Core) rollbackVectorStore(ctx context.Context, written []string) {
	if len(written) == 0 {
		return
	}
	if err := c.vectorStore.Delete(ctx, written); err != nil {
		c.logger.WithError(err).WithField("ids", written).Error("core.runIngestion: rollback delete failed; vectors may be orphaned")
	}
}

// payloadTextKeyForIngest mirrors internal/rag/hybrid's unexported
// payloadTextKey constant ("text") — duplicated here rather than
// exported across the package boundary, since it is the one field name
// two packages must agree on without either importing the other.
const payloadTextKeyForIngest = "text"
