package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/redact"
)

// Local is an in-process cache: a bounded map with per-entry expiry.
// Expired entries are dropped on access and swept when the map is full.
type Local struct {
	mu         sync.Mutex
	entries    map[string]localEntry
	maxEntries int
	logger     *zap.Logger
	now        func() time.Time
}

type localEntry struct {
	value   []byte
	expires time.Time
}

// NewLocal creates an in-process cache holding at most maxEntries values.
func NewLocal(maxEntries int, logger *zap.Logger) *Local {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Local{
		entries:    make(map[string]localEntry),
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *Local) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.sweepLocked()
	}
	if len(c.entries) >= c.maxEntries {
		// Still full after dropping expired entries: evict one arbitrary
		// entry rather than refusing the write. The cache is advisory.
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = localEntry{value: value, expires: c.now().Add(ttl)}
}

func (c *Local) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			c.logger.Debug("cache invalidated", zap.String("key", redact.CacheKey(k)))
		}
	}
}

func (c *Local) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]localEntry)
	return nil
}

// Len reports the number of live entries. Test helper.
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Local) sweepLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
