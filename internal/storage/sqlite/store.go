// Package sqlite implements the persistence contract on an embedded SQLite
// database. It is the lightweight engine: no external process, one file
// (or :memory: in tests), writes serialized through immediate transactions.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/core"
)

// Store wraps a fixed-size pool of SQLite connections.
type Store struct {
	pool    *sqlitex.Pool
	timeout time.Duration
	logger  *zap.Logger
}

// Open opens the database file (created if missing), applies WAL pragmas to
// every connection, and runs pending migrations. The :memory: path is
// rewritten to its URI form and forced to a single connection, because each
// in-memory connection is otherwise its own database.
func Open(ctx context.Context, path string, poolSize int, timeout time.Duration, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	if path == ":memory:" {
		// zombiezen rejects the bare :memory: path; the URI form plus a
		// single connection keeps one shared database.
		path = "file::memory:?mode=memory"
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &Store{pool: pool, timeout: timeout, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("SQLite opened", zap.String("path", path), zap.Int("pool_size", poolSize))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"0001_core_tables", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			purpose TEXT NOT NULL,
			created_by TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			visibility TEXT NOT NULL,
			allowed_agents TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE TABLE IF NOT EXISTS memory_entries (
			scope TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT,
			owner TEXT NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, session_id, key)
		);
		CREATE TABLE IF NOT EXISTS auth_tokens (
			token_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`},
	{"0002_indexes", `
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (session_id, sender);
		CREATE INDEX IF NOT EXISTS idx_memory_expiry ON memory_entries (expires_at) WHERE expires_at IS NOT NULL;`},
}

// migrate applies pending migrations in order, each inside an immediate
// transaction, recording applied steps in schema_migrations.
func (s *Store) migrate(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		);`, nil); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var done bool
		err := sqlitex.Execute(conn,
			`SELECT 1 FROM schema_migrations WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []interface{}{m.name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					done = true
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if done {
			continue
		}

		if err := s.applyMigration(conn, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		s.logger.Info("Migration applied", zap.String("name", m.name))
	}
	return nil
}

func (s *Store) applyMigration(conn *sqlite.Conn, m migration) (err error) {
	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTx(&err)

	if err = sqlitex.ExecuteScript(conn, m.sql, nil); err != nil {
		return err
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO schema_migrations (name) VALUES (?)`,
		&sqlitex.ExecOptions{Args: []interface{}{m.name}})
	return err
}

// RecordToken writes the token issuance audit row.
func (s *Store) RecordToken(ctx context.Context, rec auth.TokenRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return s.wrap(ctx, "record token", err)
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO auth_tokens (token_id, agent_id, agent_type, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []interface{}{
			rec.TokenID, rec.AgentID, string(rec.AgentType),
			rec.IssuedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
		}})
	return s.wrap(ctx, "record token", err)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite close", zap.Error(err))
	}
}

// bound attaches the per-call persistence deadline.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// take borrows a connection and wires the context's cancellation into the
// connection's interrupt channel so long statements stop at the deadline.
func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetInterrupt(ctx.Done())
	return conn, nil
}

func (s *Store) put(conn *sqlite.Conn) {
	conn.SetInterrupt(nil)
	s.pool.Put(conn)
}

// wrap maps driver errors onto the shared taxonomy, mirroring the postgres
// backend exactly.
func (s *Store) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: %w", op, core.ErrTimeout)
	}
	if errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrSessionArchived) ||
		errors.Is(err, core.ErrPermission) ||
		errors.Is(err, core.ErrConflict) {
		return err
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return fmt.Errorf("%s: %w", op, core.ErrConflict)
	case sqlite.ResultInterrupt:
		return fmt.Errorf("%s: %w", op, core.ErrTimeout)
	}
	return core.Storagef(op, err)
}

// ms converts a stored unix-millisecond column back to UTC time.
func ms(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
