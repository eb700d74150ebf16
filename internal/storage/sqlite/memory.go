package sqlite

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nidhogg/overseer/internal/core"
)

// UpsertMemory writes a scoped key-value entry with the same ownership
// semantics as the postgres backend: owner set on insert and preserved on
// overwrite, non-admin writers rejected on foreign live entries, expired
// entries replaced as if absent. Expiry is judged against the caller's now,
// the same clock the read path takes. The immediate transaction serializes
// concurrent writers to the same key.
func (s *Store) UpsertMemory(ctx context.Context, e core.MemoryEntry, actor core.AgentIdentity, now time.Time) (core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return core.MemoryEntry{}, s.wrap(ctx, "upsert memory", err)
	}
	defer s.put(conn)

	e, err = upsertMemory(conn, e, actor, now.UTC())
	if err != nil {
		return core.MemoryEntry{}, s.wrap(ctx, "upsert memory", err)
	}
	return e, nil
}

func upsertMemory(conn *sqlite.Conn, e core.MemoryEntry, actor core.AgentIdentity, now time.Time) (_ core.MemoryEntry, err error) {
	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	defer endTx(&err)

	var (
		found     bool
		owner     string
		createdAt time.Time
		expiresAt *time.Time
	)
	err = sqlitex.Execute(conn, `
		SELECT owner, created_at, expires_at FROM memory_entries
		WHERE scope = ? AND session_id = ? AND key = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{string(e.Scope), e.SessionID, e.Key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				owner = stmt.ColumnText(0)
				createdAt = ms(stmt.ColumnInt64(1))
				if stmt.ColumnType(2) != sqlite.TypeNull {
					t := ms(stmt.ColumnInt64(2))
					expiresAt = &t
				}
				return nil
			},
		})
	if err != nil {
		return core.MemoryEntry{}, err
	}

	if !found {
		e.CreatedAt, e.UpdatedAt, e.Owner = now, now, actor.AgentID
		err = sqlitex.Execute(conn, `
			INSERT INTO memory_entries (scope, session_id, key, value, owner, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []interface{}{
				string(e.Scope), e.SessionID, e.Key, metadataParam(e.Value),
				e.Owner, expiryParam(e.ExpiresAt),
				e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
			}})
		if err != nil {
			return core.MemoryEntry{}, err
		}
		return e, nil
	}

	expired := expiresAt != nil && !now.Before(*expiresAt)
	if !expired && owner != actor.AgentID && !actor.IsAdmin() {
		return core.MemoryEntry{}, core.ErrPermission
	}
	if expired {
		owner, createdAt = actor.AgentID, now
	}

	e.Owner, e.CreatedAt, e.UpdatedAt = owner, createdAt, now
	err = sqlitex.Execute(conn, `
		UPDATE memory_entries
		SET value = ?, owner = ?, expires_at = ?, created_at = ?, updated_at = ?
		WHERE scope = ? AND session_id = ? AND key = ?`,
		&sqlitex.ExecOptions{Args: []interface{}{
			metadataParam(e.Value), e.Owner, expiryParam(e.ExpiresAt),
			e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
			string(e.Scope), e.SessionID, e.Key,
		}})
	if err != nil {
		return core.MemoryEntry{}, err
	}
	return e, nil
}

const memoryColumns = `scope, session_id, key, value, owner, expires_at, created_at, updated_at`

// GetMemory fetches a live entry; rows past expiry read as absent.
func (s *Store) GetMemory(ctx context.Context, scope core.MemoryScope, sessionID, key string, now time.Time) (core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return core.MemoryEntry{}, s.wrap(ctx, "get memory", err)
	}
	defer s.put(conn)

	var (
		e     core.MemoryEntry
		found bool
	)
	err = sqlitex.Execute(conn, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE scope = ? AND session_id = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		&sqlitex.ExecOptions{
			Args: []interface{}{string(scope), sessionID, key, now.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				e = scanMemory(stmt)
				return nil
			},
		})
	if err != nil {
		return core.MemoryEntry{}, s.wrap(ctx, "get memory", err)
	}
	if !found {
		return core.MemoryEntry{}, s.wrap(ctx, "get memory", core.ErrNotFound)
	}
	return e, nil
}

// ListMemory returns live entries in a scope, optionally filtered by key
// prefix, ordered by key.
func (s *Store) ListMemory(ctx context.Context, scope core.MemoryScope, sessionID, prefix string, now time.Time) ([]core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return nil, s.wrap(ctx, "list memory", err)
	}
	defer s.put(conn)

	var entries []core.MemoryEntry
	err = sqlitex.Execute(conn, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE scope = :scope AND session_id = :session
		  AND (:prefix = '' OR key LIKE :prefix || '%')
		  AND (expires_at IS NULL OR expires_at > :now)
		ORDER BY key ASC`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{
				":scope":   string(scope),
				":session": sessionID,
				":prefix":  prefix,
				":now":     now.UnixMilli(),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanMemory(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, s.wrap(ctx, "list memory", err)
	}
	return entries, nil
}

// PurgeExpired deletes rows past their expiry.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return 0, s.wrap(ctx, "purge expired", err)
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []interface{}{now.UnixMilli()}})
	if err != nil {
		return 0, s.wrap(ctx, "purge expired", err)
	}
	return int64(conn.Changes()), nil
}

// scanMemory decodes one memory_entries row positioned at memoryColumns.
func scanMemory(stmt *sqlite.Stmt) core.MemoryEntry {
	e := core.MemoryEntry{
		Scope:     core.MemoryScope(stmt.ColumnText(0)),
		SessionID: stmt.ColumnText(1),
		Key:       stmt.ColumnText(2),
		Owner:     stmt.ColumnText(4),
		CreatedAt: ms(stmt.ColumnInt64(6)),
		UpdatedAt: ms(stmt.ColumnInt64(7)),
	}
	if v := stmt.ColumnText(3); v != "" {
		e.Value = core.Metadata(v)
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		t := ms(stmt.ColumnInt64(5))
		e.ExpiresAt = &t
	}
	return e
}

// expiryParam converts an optional expiry to a nullable INTEGER parameter.
func expiryParam(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
