// Package cache implements C7: similarity-keyed question/answer
// memoization. Grounded on the teacher's internal/cache/tiered_cache.go
// shape (an in-memory map guarded by a mutex in front of a
// *redis.Client L2, a maxSize-triggered eviction path, and an atomic
// metrics struct) but the lookup itself is replaced: instead of an
// exact-key L1/L2 get, Get does an O(n) cosine-similarity scan over
// in-memory fingerprints, since plain Redis has no native vector
// search and wiring in a dedicated vector store for the cache alone
// would duplicate C2. Redis is kept as a write-behind durability
// layer using github.com/redis/go-redis/v9 directly, the same
// dependency tiered_cache.go uses for its own L2 (the teacher's
// separately extracted digital.vasic.cache/pkg/redis client that
// internal/cache/redis.go additionally wraps does not exist as a
// resolvable module here, so this package never imports it).
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/models"
)

// Config controls C7 (spec §4.7 defaults).
type Config struct {
	HitThreshold float32
	MaxEntries   int
	TTL          time.Duration
	KeyPrefix    string
}

// DefaultConfig mirrors spec §4.7's defaults.
func DefaultConfig() Config {
	return Config{
		HitThreshold: 0.92,
		MaxEntries:   10000,
		TTL:          time.Hour,
		KeyPrefix:    "semcache:",
	}
}

// Embedder is the one capability the cache needs from C1.
type Embedder interface {
	EncodeSingle(ctx context.Context, text string) ([]float32, error)
}

// record is the in-memory entry, built around models.CacheEntry with
// the bookkeeping fields a real LRU needs layered on top (the
// teacher's l1Entry carries a hitCount and calls its eviction "a
// simple LRU approximation"; spec §4.7 wants actual recency-based
// LRU, so this keeps an *list.Element for O(1) recency reordering and
// an expiry time instead).
type record struct {
	models.CacheEntry
	key        string
	elem       *list.Element
	expiresAt  time.Time
}

// SemanticCache is C7. Safe for concurrent use.
type SemanticCache struct {
	mu       sync.Mutex
	entries  map[string]*record
	order    *list.List // front = most recently used
	embedder Embedder
	redis    *redis.Client
	cfg      Config
	logger   *logrus.Logger
}

// New builds a SemanticCache. redisClient may be nil, in which case
// the cache runs in-memory only (no write-behind durability).
func New(embedder Embedder, redisClient *redis.Client, cfg Config, logger *logrus.Logger) *SemanticCache {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SemanticCache{
		entries:  make(map[string]*record),
		order:    list.New(),
		embedder: embedder,
		redis:    redisClient,
		cfg:      cfg,
		logger:   logger,
	}
}

// normalize lower-cases and collapses whitespace (spec §4.7).
func normalize(question string) string {
	fields := strings.Fields(strings.ToLower(question))
	return strings.Join(fields, " ")
}

// namespacedKey prevents cross-principal cache bleed (spec §4.7).
func namespacedKey(principalID, normalized string) string {
	return principalID + "\x00" + normalized
}

// Get performs the nearest-neighbor cosine-similarity lookup. It
// never returns an error for a cache miss or a degraded embedder;
// misses are reported via the bool (an embedder failure is also
// logged), since the cache is read-through/write-behind and never
// authoritative (spec §4.7).
func (c *SemanticCache) Get(ctx context.Context, question string, principal models.Principal) (models.CacheEntry, bool) {
	normalized := normalize(question)
	vec, err := c.embedder.EncodeSingle(ctx, normalized)
	if err != nil {
		c.logger.WithError(err).Warn("semantic cache: encode failed, treating as miss")
		return models.CacheEntry{}, false
	}

	namespace := principal.ID

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var best *record
	var bestScore float32
	for _, r := range c.entries {
		if !strings.HasPrefix(r.key, namespace+"\x00") {
			continue
		}
		if now.After(r.expiresAt) {
			continue
		}
		if len(r.Fingerprint) != len(vec) {
			continue
		}
		score := cosineSimilarity(vec, r.Fingerprint)
		if score >= c.cfg.HitThreshold && (best == nil || score > bestScore) {
			best = r
			bestScore = score
		}
	}

	if best == nil {
		return models.CacheEntry{}, false
	}

	c.order.MoveToFront(best.elem)
	return best.CacheEntry, true
}

// Put stores a new entry, evicting the least-recently-used one first
// if the cache is at capacity (spec §4.7).
func (c *SemanticCache) Put(ctx context.Context, question string, principal models.Principal, fingerprint []float32, answer string, sources []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	normalized := normalize(question)
	key := namespacedKey(principal.ID, normalized)

	entry := models.CacheEntry{
		Fingerprint:        fingerprint,
		NormalizedQuestion: normalized,
		Answer:             answer,
		Sources:            sources,
		CreatedAt:          time.Now(),
		TTL:                ttl,
		PrincipalID:        principal.ID,
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}
	if c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLRULocked()
	}
	rec := &record{CacheEntry: entry, key: key, expiresAt: entry.CreatedAt.Add(ttl)}
	rec.elem = c.order.PushFront(key)
	c.entries[key] = rec
	c.mu.Unlock()

	c.writeBehind(ctx, key, entry)
}

// evictLRULocked removes the least-recently-used entry. Caller must
// hold c.mu.
func (c *SemanticCache) evictLRULocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	c.order.Remove(oldest)
	delete(c.entries, key)
}

// InvalidateAllWithDimension evicts every entry whose fingerprint
// dimension differs from d, called by C1 on provider reload (spec
// §4.7) since a changed embedding dimension makes old fingerprints
// incomparable to newly-encoded queries.
func (c *SemanticCache) InvalidateAllWithDimension(d int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, r := range c.entries {
		if len(r.Fingerprint) != d {
			c.order.Remove(r.elem)
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// writeBehind persists entry to Redis best-effort; failures are
// logged, never surfaced, matching the cache's never-authoritative
// contract.
func (c *SemanticCache) writeBehind(ctx context.Context, key string, entry models.CacheEntry) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.WithError(err).Warn("semantic cache: marshal for write-behind failed")
		return
	}
	redisKey := c.cfg.KeyPrefix + key
	if err := c.redis.Set(ctx, redisKey, data, entry.TTL).Err(); err != nil {
		c.logger.WithError(err).Warn("semantic cache: redis write-behind failed")
	}
}

// Warm loads every non-expired entry for principalID back from Redis
// into the in-memory index, e.g. after a process restart.
func (c *SemanticCache) Warm(ctx context.Context, principalID string) error {
	if c.redis == nil {
		return nil
	}
	pattern := c.cfg.KeyPrefix + principalID + "\x00*"
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("semantic cache warm scan: %w", err)
		}
		for _, redisKey := range keys {
			data, err := c.redis.Get(ctx, redisKey).Bytes()
			if err != nil {
				continue
			}
			var entry models.CacheEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			key := strings.TrimPrefix(redisKey, c.cfg.KeyPrefix)
			c.mu.Lock()
			if _, exists := c.entries[key]; !exists {
				rec := &record{CacheEntry: entry, key: key, expiresAt: entry.CreatedAt.Add(entry.TTL)}
				rec.elem = c.order.PushFront(key)
				c.entries[key] = rec
			}
			c.mu.Unlock()
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// cosineSimilarity assumes a and b share length (callers check).
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
