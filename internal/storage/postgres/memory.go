package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/overseer/internal/core"
)

// UpsertMemory writes a scoped key-value entry. Ownership is enforced
// inside the transaction: a live entry with a different owner rejects
// non-admin writers. The owner column is set on insert and preserved on
// overwrite, so an admin touching someone else's key does not steal it.
// An expired entry is replaced as if it never existed; expiry is judged
// against the caller's now so write and read paths share one clock.
func (s *Store) UpsertMemory(ctx context.Context, e core.MemoryEntry, actor core.AgentIdentity, now time.Time) (core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now = now.UTC()
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			owner     string
			createdAt time.Time
			expiresAt *time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT owner, created_at, expires_at FROM memory_entries
			WHERE scope = $1 AND session_id = $2 AND key = $3
			FOR UPDATE`,
			string(e.Scope), e.SessionID, e.Key).Scan(&owner, &createdAt, &expiresAt)

		switch {
		case err == pgx.ErrNoRows:
			// Fresh insert. A concurrent writer racing here loses on the
			// primary key and surfaces core.ErrConflict.
			e.CreatedAt, e.UpdatedAt, e.Owner = now, now, actor.AgentID
			_, err = tx.Exec(ctx, `
				INSERT INTO memory_entries (scope, session_id, key, value, owner, expires_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				string(e.Scope), e.SessionID, e.Key, metadataParam(e.Value),
				e.Owner, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
			return err
		case err != nil:
			return err
		}

		expired := expiresAt != nil && !now.Before(*expiresAt)
		if !expired && owner != actor.AgentID && !actor.IsAdmin() {
			return core.ErrPermission
		}
		if expired {
			// The old row is dead weight; the writer becomes the owner.
			owner, createdAt = actor.AgentID, now
		}

		e.Owner, e.CreatedAt, e.UpdatedAt = owner, createdAt, now
		_, err = tx.Exec(ctx, `
			UPDATE memory_entries
			SET value = $4, owner = $5, expires_at = $6, created_at = $7, updated_at = $8
			WHERE scope = $1 AND session_id = $2 AND key = $3`,
			string(e.Scope), e.SessionID, e.Key, metadataParam(e.Value),
			e.Owner, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
		return err
	})
	if err != nil {
		return core.MemoryEntry{}, s.wrap("upsert memory", err)
	}
	return e, nil
}

// GetMemory fetches a live entry; rows past expiry read as absent.
func (s *Store) GetMemory(ctx context.Context, scope core.MemoryScope, sessionID, key string, now time.Time) (core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx, `
		SELECT scope, session_id, key, value, owner, expires_at, created_at, updated_at
		FROM memory_entries
		WHERE scope = $1 AND session_id = $2 AND key = $3
		  AND (expires_at IS NULL OR expires_at > $4)`,
		string(scope), sessionID, key, now)
	e, err := scanMemory(row)
	if err != nil {
		return core.MemoryEntry{}, s.wrap("get memory", err)
	}
	return e, nil
}

// ListMemory returns live entries in a scope, optionally filtered by key
// prefix, ordered by key.
func (s *Store) ListMemory(ctx context.Context, scope core.MemoryScope, sessionID, prefix string, now time.Time) ([]core.MemoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT scope, session_id, key, value, owner, expires_at, created_at, updated_at
		FROM memory_entries
		WHERE scope = $1 AND session_id = $2
		  AND ($3 = '' OR key LIKE $3 || '%')
		  AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY key ASC`,
		string(scope), sessionID, prefix, now)
	if err != nil {
		return nil, s.wrap("list memory", err)
	}
	defer rows.Close()

	var entries []core.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, s.wrap("scan memory", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list memory", err)
	}
	return entries, nil
}

// PurgeExpired deletes rows past their expiry.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, s.wrap("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

func scanMemory(row pgx.Row) (core.MemoryEntry, error) {
	var (
		e     core.MemoryEntry
		scope string
		value []byte
	)
	err := row.Scan(&scope, &e.SessionID, &e.Key, &value, &e.Owner,
		&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	e.Scope = core.MemoryScope(scope)
	e.Value = core.Metadata(value)
	return e, nil
}
