// Package storage defines the persistence contract shared by both storage
// engines. Callers above this interface never branch on which engine is
// active: both backends signal not-found, uniqueness violations, archived
// sessions, and timeouts identically through the core error taxonomy.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/storage/postgres"
	"github.com/nidhogg/overseer/internal/storage/sqlite"
)

// Store is the uniform persistence surface. Every write runs inside a
// transaction on the backend: it commits fully or rolls back fully, and
// sequence assignment / uniqueness checks happen inside that transaction.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, s core.Session) error
	GetSession(ctx context.Context, id string) (core.Session, error)
	// ArchiveSession transitions a session to archived. Archiving an
	// already-archived session is a no-op, not an error.
	ArchiveSession(ctx context.Context, id string) (core.Session, error)

	// Messages. AppendMessage assigns the next per-session sequence number
	// inside the insert transaction and returns the stored message.
	AppendMessage(ctx context.Context, m core.Message) (core.Message, error)
	// ListMessages returns messages visible to reader, ascending by seq,
	// with sinceSeq as an exclusive lower bound.
	ListMessages(ctx context.Context, sessionID, reader string, sinceSeq int64, limit int) ([]core.Message, error)
	// LatestSeq returns the highest assigned sequence for a session
	// (0 for an empty log).
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
	// IsParticipant reports whether the agent created the session or has
	// sent a message in it.
	IsParticipant(ctx context.Context, sessionID, agentID string) (bool, error)

	// Memory. UpsertMemory enforces ownership inside the write transaction:
	// a live entry with a different owner rejects non-admin writers with
	// core.ErrPermission. Expiry is evaluated against the caller's now, the
	// same clock the read path uses; expired entries are replaced as if
	// absent.
	UpsertMemory(ctx context.Context, e core.MemoryEntry, actor core.AgentIdentity, now time.Time) (core.MemoryEntry, error)
	// GetMemory treats entries past their expiry as absent.
	GetMemory(ctx context.Context, scope core.MemoryScope, sessionID, key string, now time.Time) (core.MemoryEntry, error)
	ListMemory(ctx context.Context, scope core.MemoryScope, sessionID, prefix string, now time.Time) ([]core.MemoryEntry, error)
	// PurgeExpired deletes rows past their expiry. Best effort; reads never
	// depend on it.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// RecordToken writes the token issuance audit row.
	RecordToken(ctx context.Context, rec auth.TokenRecord) error

	Close()
}

// Open selects and opens the configured backend, applies its migrations,
// and returns the ready store. Migration failure is fatal to the caller:
// a partially migrated schema is never served.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres.DSN, cfg.Timeout(), logger)
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLite.Path, cfg.SQLite.PoolSize, cfg.Timeout(), logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Interface checks: both engines satisfy the contract.
var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)
