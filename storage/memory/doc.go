// Package memory provides an in-memory storage.KeySetCache.
//
// Entries live in a mutex-guarded map and are removed by a background cleanup loop once
// their TTL has passed. Expired entries are never returned even before cleanup runs.
// The cache is process-local; several gateway replicas each fetch the JWKS once per TTL.
// Use storage/valkey to share one copy between replicas.
//
// Example usage:
//
//	cache := memory.New()
//	defer cache.Stop()
//
//	keys := token.NewCachingKeySource(remote, cache, token.CacheConfig{TTL: 10 * time.Minute})
package memory
