// Package cache provides the read-through cache in front of persistence.
// Two implementations share one contract: an in-process bounded map and a
// Redis-backed cache. Both hold non-owning copies only — every write path
// explicitly invalidates the fingerprints it could have changed, and a
// cache failure is always treated as a miss, never an error.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/core"
)

// Cache is a byte-value cache with per-entry TTL and explicit invalidation.
type Cache interface {
	// Get returns the cached value and whether it was present and live.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value for at most ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string)
	Close() error
}

// Lookup fingerprints. These are the only shapes of key the services use,
// so a write knows exactly which entries to invalidate.

// SessionKey fingerprints a session metadata lookup.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// HeadKey fingerprints the latest-sequence lookup for a session.
func HeadKey(sessionID string) string {
	return "head:" + sessionID
}

// MemoryKey fingerprints a scoped memory lookup.
func MemoryKey(scope core.MemoryScope, sessionID, key string) string {
	return fmt.Sprintf("mem:%s:%s:%s", scope, sessionID, key)
}
