// Package cache implements C7: the semantic cache (spec §4.7),
// answering repeat questions from a prior answer whenever a new
// question's embedding cosine-similarity meets or exceeds HitThreshold, with an
// optional Redis write-behind layer. Adapted from the teacher's
// multi-tier provider/MCP/tiered caches into one embedding-keyed cache,
// since those caches key on exact request hashes rather than semantic
// similarity and neither is a component this spec names.
//
//	c := cache.New(embedder, redisClient, cache.DefaultConfig(), logger)
//	entry, ok := c.Get(ctx, question, principal)
//	c.Put(ctx, question, principal, fingerprint, answer, sources, ttl)
package cache
