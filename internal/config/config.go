// Package config defines the core's typed configuration tree. Loading
// a Config from a file or environment is outside the core's scope
// (spec §1); this package only defines the plain-data shape a loader
// would populate, following the teacher's ServiceEndpoint /
// struct-of-structs convention (internal/config/config.go).
package config

import "time"

// Config aggregates every tunable named in spec §6's configuration
// table, grouped by the component that consumes it.
type Config struct {
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Reranker     RerankerConfig     `yaml:"reranker"`
	QueryRewrite QueryRewriteConfig `yaml:"query_rewrite"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	History      HistoryConfig      `yaml:"history"`
	Context      ContextConfig      `yaml:"context"`
	Chunking     ChunkingConfig     `yaml:"chunking"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	VectorStore  VectorStoreConfig  `yaml:"vector_store"`
}

// RetrievalConfig sizes C6's hybrid retrieval fan-out.
type RetrievalConfig struct {
	TopK                  int `yaml:"top_k"`
	DenseMultiplier       int `yaml:"dense_mult"`
	LexicalMultiplier     int `yaml:"lex_mult"`
	RerankMultiplier      int `yaml:"rerank_mult"`
	RRFK                  int `yaml:"rrf_k"`
	IntraQueryParallelism int `yaml:"intra_query_parallelism"`
}

// DefaultRetrievalConfig returns the spec §4.6 defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:                  5,
		DenseMultiplier:       2,
		LexicalMultiplier:     2,
		RerankMultiplier:      3,
		RRFK:                  60,
		IntraQueryParallelism: 4,
	}
}

// RerankerConfig configures C4.
type RerankerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
}

func DefaultRerankerConfig() RerankerConfig {
	return RerankerConfig{Enabled: true, Model: "BAAI/bge-reranker-v2-m3", BatchSize: 32}
}

// QueryRewriteConfig configures C5.
type QueryRewriteConfig struct {
	Enabled   bool `yaml:"enabled"`
	NVariants int  `yaml:"n_variants"`
}

func DefaultQueryRewriteConfig() QueryRewriteConfig {
	return QueryRewriteConfig{Enabled: true, NVariants: 3}
}

// CacheConfig configures C7.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HitThreshold float64       `yaml:"threshold"`
	TTL          time.Duration `yaml:"ttl"`
	MaxEntries   int           `yaml:"max_entries"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Enabled: true, HitThreshold: 0.92, TTL: 3600 * time.Second, MaxEntries: 10000}
}

// QueueConfig configures C9.
type QueueConfig struct {
	Capacity        int           `yaml:"capacity"`
	MaxWorkers      int           `yaml:"max_workers"`
	StatusRetention int           `yaml:"status_retention"`
	TaskDeadline    time.Duration `yaml:"task_deadline"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:        1024,
		MaxWorkers:      3,
		StatusRetention: 10000,
		TaskDeadline:    120 * time.Second,
		ShutdownGrace:   30 * time.Second,
	}
}

// HistoryConfig configures C10's history compression.
type HistoryConfig struct {
	MaxHistoryTurns int `yaml:"max_history_turns"`
	KeepRecentTurns int `yaml:"keep_recent_turns"`
	MaxSummaryChars int `yaml:"max_summary_chars"`
}

func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{MaxHistoryTurns: 10, KeepRecentTurns: 4, MaxSummaryChars: 1000}
}

// ContextConfig bounds C10's context-assembly step.
type ContextConfig struct {
	MaxContextChars  int `yaml:"max_context_chars"`
	MaxSingleContent int `yaml:"max_single_content"`
	ContextPrefixMax int `yaml:"context_prefix_max"`
}

func DefaultContextConfig() ContextConfig {
	return ContextConfig{MaxContextChars: 8000, MaxSingleContent: 2000, ContextPrefixMax: 100}
}

// ChunkingConfig configures C8.
type ChunkingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{ChunkSize: 512, Overlap: 50}
}

// EmbeddingConfig selects and sizes C1.
type EmbeddingConfig struct {
	ProviderID string        `yaml:"provider_id"`
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	Dimension  int           `yaml:"dimension"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{BatchSize: 64, Timeout: 30 * time.Second}
}

// VectorStoreConfig addresses the Qdrant backend for C2.
type VectorStoreConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	CollectionName string        `yaml:"collection_name"`
	Timeout        time.Duration `yaml:"timeout"`
	UseTLS         bool          `yaml:"use_tls"`
}

func DefaultVectorStoreConfig() VectorStoreConfig {
	return VectorStoreConfig{Host: "localhost", Port: 6334, CollectionName: "passages", Timeout: 10 * time.Second}
}

// Default assembles a Config from every component default above.
func Default() Config {
	return Config{
		Retrieval:    DefaultRetrievalConfig(),
		Reranker:     DefaultRerankerConfig(),
		QueryRewrite: DefaultQueryRewriteConfig(),
		Cache:        DefaultCacheConfig(),
		Queue:        DefaultQueueConfig(),
		History:      DefaultHistoryConfig(),
		Context:      DefaultContextConfig(),
		Chunking:     DefaultChunkingConfig(),
		Embedding:    DefaultEmbeddingConfig(),
		VectorStore:  DefaultVectorStoreConfig(),
	}
}
