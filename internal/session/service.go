// Package session implements the session and message store: lifecycle,
// append-only message log with per-message visibility, and the read-through
// cache over session metadata and the latest sequence number.
package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/cache"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/redact"
	"github.com/nidhogg/overseer/internal/storage"
)

// Service coordinates session operations against storage and cache.
type Service struct {
	store    storage.Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New creates the session service.
func New(store storage.Store, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Create starts a new active session owned by the caller. Metadata is
// opaque: absent and explicit null are both stored as no metadata, anything
// else round-trips verbatim.
func (s *Service) Create(ctx context.Context, identity core.AgentIdentity, purpose string, metadata core.Metadata) (core.Session, error) {
	if purpose == "" {
		return core.Session{}, core.Validationf("purpose", "must not be empty")
	}
	if err := core.ValidateMetadata(metadata); err != nil {
		return core.Session{}, err
	}

	now := s.now().UTC()
	sess := core.Session{
		ID:        uuid.New().String(),
		Purpose:   purpose,
		CreatedBy: identity.AgentID,
		Status:    core.SessionActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return core.Session{}, err
	}

	s.logger.Info("session created",
		zap.String("session", redact.ID(sess.ID)),
		zap.String("agent", redact.ID(identity.AgentID)))
	return sess, nil
}

// Get returns a session by id, read through the cache.
func (s *Service) Get(ctx context.Context, identity core.AgentIdentity, sessionID string) (core.Session, error) {
	key := cache.SessionKey(sessionID)
	if b, ok := s.cache.Get(ctx, key); ok {
		var sess core.Session
		if err := json.Unmarshal(b, &sess); err == nil {
			return sess, nil
		}
		// A corrupt cache entry is dropped and read from storage.
		s.cache.Delete(ctx, key)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	if b, err := json.Marshal(sess); err == nil {
		s.cache.Set(ctx, key, b, s.cacheTTL)
	}
	return sess, nil
}

// Archive transitions a session to archived. Idempotent: archiving an
// archived session returns it unchanged with no error.
func (s *Service) Archive(ctx context.Context, identity core.AgentIdentity, sessionID string) (core.Session, error) {
	sess, err := s.store.ArchiveSession(ctx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	s.cache.Delete(ctx, cache.SessionKey(sessionID))

	s.logger.Info("session archived",
		zap.String("session", redact.ID(sessionID)),
		zap.String("agent", redact.ID(identity.AgentID)))
	return sess, nil
}

// AddMessage appends a message to an active session. The sequence number
// is assigned by the storage transaction, so concurrent callers to the
// same session always receive distinct values.
func (s *Service) AddMessage(ctx context.Context, identity core.AgentIdentity, sessionID, content string, visibility core.Visibility, metadata core.Metadata, allowedAgents []string) (core.Message, error) {
	if content == "" {
		return core.Message{}, core.Validationf("content", "must not be empty")
	}
	if visibility == "" {
		visibility = core.VisibilityPublic
	}
	if !visibility.Valid() {
		return core.Message{}, core.Validationf("visibility", "unknown scope %q", visibility)
	}
	if visibility == core.VisibilityAgentOnly && len(allowedAgents) == 0 {
		return core.Message{}, core.Validationf("allowed_agents", "required for agent_only visibility")
	}
	if visibility != core.VisibilityAgentOnly && len(allowedAgents) > 0 {
		return core.Message{}, core.Validationf("allowed_agents", "only valid with agent_only visibility")
	}
	if err := core.ValidateMetadata(metadata); err != nil {
		return core.Message{}, err
	}

	msg, err := s.store.AppendMessage(ctx, core.Message{
		SessionID:     sessionID,
		Sender:        identity.AgentID,
		Content:       content,
		Visibility:    visibility,
		AllowedAgents: allowedAgents,
		Metadata:      metadata,
	})
	if err != nil {
		return core.Message{}, err
	}

	// The write changed the session's updated_at and its latest seq.
	s.cache.Delete(ctx, cache.SessionKey(sessionID), cache.HeadKey(sessionID))
	return msg, nil
}

// Messages returns the messages in a session visible to the caller,
// ascending by sequence. sinceSeq is an exclusive lower bound for
// incremental polling; every call is a fresh snapshot read.
func (s *Service) Messages(ctx context.Context, identity core.AgentIdentity, sessionID string, sinceSeq int64, limit int) ([]core.Message, error) {
	// Existence check first so a missing session is not-found rather than
	// an empty list.
	if _, err := s.Get(ctx, identity, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, identity.AgentID, sinceSeq, limit)
}

// Head returns the latest assigned sequence for a session, read through
// the cache.
func (s *Service) Head(ctx context.Context, identity core.AgentIdentity, sessionID string) (int64, error) {
	if _, err := s.Get(ctx, identity, sessionID); err != nil {
		return 0, err
	}

	key := cache.HeadKey(sessionID)
	if b, ok := s.cache.Get(ctx, key); ok {
		if seq, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return seq, nil
		}
		s.cache.Delete(ctx, key)
	}

	seq, err := s.store.LatestSeq(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	s.cache.Set(ctx, key, []byte(strconv.FormatInt(seq, 10)), s.cacheTTL)
	return seq, nil
}
