// Package cache stores intermediate tables on disk under opaque keys.
//
// Every entry is a single parquet file named after a freshly generated UUID.
// Each Store runs a cleanup pass before the new entry becomes visible:
// entries older than the TTL (by last write) are removed, and if the cache
// would then exceed its size ceiling, the least recently accessed entries are
// removed until it fits under a lower target. Loads refresh the access time.
//
// The cache holds no lock across operations. Concurrent stores may race on
// size accounting and an entry may be evicted twice; both are tolerated.
package cache
