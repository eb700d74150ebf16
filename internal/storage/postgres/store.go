// Package postgres implements the persistence contract on PostgreSQL via a
// pgx connection pool. It is the richer of the two storage engines; the
// embedded engine lives in the sibling sqlite package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/core"
)

// PostgreSQL error codes mapped onto the shared taxonomy.
const (
	// uniqueViolation is a unique constraint hit.
	uniqueViolation = "23505"
	// invalidTextRepresentation is a value that cannot be cast to its
	// column type, e.g. a malformed id against the uuid column. The
	// embedded engine stores ids as TEXT and reads such ids as absent,
	// so this maps to not-found rather than a storage fault.
	invalidTextRepresentation = "22P02"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db      *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

// Open connects, pings, and applies pending migrations. Any migration
// failure aborts the open; the caller must treat that as fatal.
func Open(ctx context.Context, dsn string, timeout time.Duration, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, timeout: timeout, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connected")
	return s, nil
}

// migration is one forward-only schema step. Never reorder or edit an
// applied entry; append a new one.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"0001_core_tables", `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			purpose TEXT NOT NULL,
			created_by TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			session_id UUID NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			visibility TEXT NOT NULL,
			allowed_agents JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE TABLE IF NOT EXISTS memory_entries (
			scope TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value JSONB,
			owner TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, session_id, key)
		);
		CREATE TABLE IF NOT EXISTS auth_tokens (
			token_id UUID PRIMARY KEY,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`},
	{"0002_indexes", `
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (session_id, sender);
		CREATE INDEX IF NOT EXISTS idx_memory_expiry ON memory_entries (expires_at) WHERE expires_at IS NOT NULL;`},
}

// migrate applies pending migrations in order inside one transaction each,
// recording every applied step in schema_migrations.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			var done bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`,
				m.name).Scan(&done); err != nil {
				return err
			}
			if done {
				return nil
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (name) VALUES ($1)`, m.name); err != nil {
				return err
			}
			s.logger.Info("Migration applied", zap.String("name", m.name))
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// RecordToken writes the token issuance audit row.
func (s *Store) RecordToken(ctx context.Context, rec auth.TokenRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO auth_tokens (token_id, agent_id, agent_type, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.TokenID, rec.AgentID, string(rec.AgentType), rec.IssuedAt, rec.ExpiresAt)
	return s.wrap("record token", err)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// bound attaches the per-call persistence deadline.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrap maps driver errors onto the shared taxonomy. Domain sentinels pass
// through untouched so both backends signal identically.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, core.ErrTimeout)
	}
	if errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrSessionArchived) ||
		errors.Is(err, core.ErrPermission) ||
		errors.Is(err, core.ErrConflict) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", op, core.ErrConflict)
		case invalidTextRepresentation:
			return fmt.Errorf("%s: %w", op, core.ErrNotFound)
		}
	}
	return core.Storagef(op, err)
}
