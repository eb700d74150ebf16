// Package memory implements the scoped key-value store: session or global
// scope, per-key ownership, TTL expiry checked at read time, and a
// best-effort background purge of genuinely expired rows.
package memory

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/cache"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/redact"
	"github.com/nidhogg/overseer/internal/storage"
)

// purgeInterval is the minimum spacing between read-triggered purges.
const purgeInterval = time.Minute

// Service coordinates memory operations against storage and cache.
type Service struct {
	store    storage.Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time

	lastPurge atomic.Int64 // unix nanos of the last purge kick
}

// New creates the memory service.
func New(store storage.Store, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Set upserts a scoped key. Only the owner (or an admin) may overwrite a
// live entry; the ownership check runs inside the storage transaction. A
// ttl of zero means no expiry.
func (s *Service) Set(ctx context.Context, identity core.AgentIdentity, key string, value core.Metadata, scope core.MemoryScope, sessionID string, ttl time.Duration) (core.MemoryEntry, error) {
	if key == "" {
		return core.MemoryEntry{}, core.Validationf("key", "must not be empty")
	}
	if !scope.Valid() {
		return core.MemoryEntry{}, core.Validationf("scope", "unknown scope %q", scope)
	}
	if ttl < 0 {
		return core.MemoryEntry{}, core.Validationf("ttl", "must not be negative")
	}
	if err := core.ValidateMetadata(value); err != nil {
		return core.MemoryEntry{}, err
	}
	if err := s.checkScope(ctx, scope, sessionID); err != nil {
		return core.MemoryEntry{}, err
	}

	now := s.now().UTC()
	entry := core.MemoryEntry{
		Key:       key,
		Value:     value,
		Scope:     scope,
		SessionID: sessionID,
		Owner:     identity.AgentID,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	entry, err := s.store.UpsertMemory(ctx, entry, identity, now)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	s.cache.Delete(ctx, cache.MemoryKey(scope, sessionID, key))

	s.logger.Debug("memory set",
		zap.String("key", redact.ID(key)),
		zap.String("scope", string(scope)),
		zap.String("agent", redact.ID(identity.AgentID)))
	return entry, nil
}

// Get returns a live entry, read through the cache. Expiry is checked
// against the clock at read time, so an expired value is never returned
// even if no purge has run; the read also kicks the purge, which runs
// detached and never blocks the caller.
func (s *Service) Get(ctx context.Context, identity core.AgentIdentity, key string, scope core.MemoryScope, sessionID string) (core.MemoryEntry, error) {
	if !scope.Valid() {
		return core.MemoryEntry{}, core.Validationf("scope", "unknown scope %q", scope)
	}
	if err := s.checkScope(ctx, scope, sessionID); err != nil {
		return core.MemoryEntry{}, err
	}
	defer s.maybePurge()

	now := s.now().UTC()
	ckey := cache.MemoryKey(scope, sessionID, key)
	if b, ok := s.cache.Get(ctx, ckey); ok {
		var entry core.MemoryEntry
		if err := json.Unmarshal(b, &entry); err == nil {
			if entry.Expired(now) {
				s.cache.Delete(ctx, ckey)
				return core.MemoryEntry{}, core.ErrNotFound
			}
			if err := s.authorizeRead(ctx, identity, entry); err != nil {
				return core.MemoryEntry{}, err
			}
			return entry, nil
		}
		s.cache.Delete(ctx, ckey)
	}

	entry, err := s.store.GetMemory(ctx, scope, sessionID, key, now)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	if err := s.authorizeRead(ctx, identity, entry); err != nil {
		return core.MemoryEntry{}, err
	}
	if b, err := json.Marshal(entry); err == nil {
		s.cache.Set(ctx, ckey, b, s.clampTTL(entry, now))
	}
	return entry, nil
}

// List returns the live entries the caller may see: global entries are
// visible to everyone; session-scoped entries to admins and session
// participants in full, and to everyone else only their own.
func (s *Service) List(ctx context.Context, identity core.AgentIdentity, scope core.MemoryScope, sessionID, prefix string) ([]core.MemoryEntry, error) {
	if !scope.Valid() {
		return nil, core.Validationf("scope", "unknown scope %q", scope)
	}
	if err := s.checkScope(ctx, scope, sessionID); err != nil {
		return nil, err
	}

	entries, err := s.store.ListMemory(ctx, scope, sessionID, prefix, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if scope == core.ScopeGlobal || identity.IsAdmin() {
		return entries, nil
	}

	participant, err := s.store.IsParticipant(ctx, sessionID, identity.AgentID)
	if err != nil {
		return nil, err
	}
	if participant {
		return entries, nil
	}
	own := entries[:0]
	for _, e := range entries {
		if e.Owner == identity.AgentID {
			own = append(own, e)
		}
	}
	return own, nil
}

// Purge removes expired rows immediately. The read path never depends on
// this; it exists for operators and tests.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, s.now().UTC())
}

// checkScope validates the scope/session pairing and, for session scope,
// that the session exists.
func (s *Service) checkScope(ctx context.Context, scope core.MemoryScope, sessionID string) error {
	switch scope {
	case core.ScopeGlobal:
		if sessionID != "" {
			return core.Validationf("session_id", "must be empty for global scope")
		}
	case core.ScopeSession:
		if sessionID == "" {
			return core.Validationf("session_id", "required for session scope")
		}
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// authorizeRead gates session-scoped reads to owners, admins, and session
// participants. Global entries are readable by any authenticated agent.
func (s *Service) authorizeRead(ctx context.Context, identity core.AgentIdentity, entry core.MemoryEntry) error {
	if entry.Scope != core.ScopeSession || identity.IsAdmin() || entry.Owner == identity.AgentID {
		return nil
	}
	participant, err := s.store.IsParticipant(ctx, entry.SessionID, identity.AgentID)
	if err != nil {
		return err
	}
	if !participant {
		return core.ErrPermission
	}
	return nil
}

// clampTTL bounds the cache lifetime of an entry by its own expiry so the
// cache can never outlive the value it copies.
func (s *Service) clampTTL(entry core.MemoryEntry, now time.Time) time.Duration {
	ttl := s.cacheTTL
	if entry.ExpiresAt != nil {
		if remaining := entry.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// maybePurge kicks a detached purge at most once per purgeInterval.
func (s *Service) maybePurge() {
	now := s.now().UnixNano()
	last := s.lastPurge.Load()
	if now-last < int64(purgeInterval) {
		return
	}
	if !s.lastPurge.CompareAndSwap(last, now) {
		return
	}
	cutoff := s.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := s.store.PurgeExpired(ctx, cutoff)
		if err != nil {
			s.logger.Warn("memory purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Debug("memory purged", zap.Int64("rows", n))
		}
	}()
}
