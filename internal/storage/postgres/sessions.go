package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/overseer/internal/core"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess core.Session) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, purpose, created_by, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Purpose, sess.CreatedBy, string(sess.Status),
		metadataParam(sess.Metadata), sess.CreatedAt, sess.UpdatedAt)
	return s.wrap("create session", err)
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx, `
		SELECT id, purpose, created_by, status, metadata, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return core.Session{}, s.wrap("get session", err)
	}
	return sess, nil
}

// ArchiveSession flips a session to archived. Already-archived sessions are
// returned unchanged.
func (s *Store) ArchiveSession(ctx context.Context, id string) (core.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var sess core.Session
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, purpose, created_by, status, metadata, created_at, updated_at
			FROM sessions WHERE id = $1 FOR UPDATE`, id)
		var err error
		sess, err = scanSession(row)
		if err != nil {
			return err
		}
		if sess.Status == core.SessionArchived {
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(core.SessionArchived), now); err != nil {
			return err
		}
		sess.Status = core.SessionArchived
		sess.UpdatedAt = now
		return nil
	})
	if err != nil {
		return core.Session{}, s.wrap("archive session", err)
	}
	return sess, nil
}

// AppendMessage assigns the next sequence number and inserts the message in
// one transaction. The session row is locked for the duration, so two
// concurrent writers to the same session serialize and never share a seq.
func (s *Store) AppendMessage(ctx context.Context, m core.Message) (core.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`,
			m.SessionID).Scan(&status)
		if err == pgx.ErrNoRows {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if core.SessionStatus(status) == core.SessionArchived {
			return core.ErrSessionArchived
		}

		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $1`,
			m.SessionID).Scan(&m.Seq); err != nil {
			return err
		}
		m.CreatedAt = time.Now().UTC()

		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (session_id, seq, sender, content, visibility, allowed_agents, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.SessionID, m.Seq, m.Sender, m.Content, string(m.Visibility),
			agentsParam(m.AllowedAgents), metadataParam(m.Metadata), m.CreatedAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET updated_at = $2 WHERE id = $1`,
			m.SessionID, m.CreatedAt)
		return err
	})
	if err != nil {
		return core.Message{}, s.wrap("append message", err)
	}
	return m, nil
}

// ListMessages returns messages visible to reader in ascending seq order.
// The visibility rule lives in SQL so pagination and filtering agree:
// public rows, the reader's own rows, and agent_only rows naming the reader.
func (s *Store) ListMessages(ctx context.Context, sessionID, reader string, sinceSeq int64, limit int) ([]core.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, seq, sender, content, visibility, allowed_agents, metadata, created_at
		FROM messages
		WHERE session_id = $1
		  AND seq > $3
		  AND (visibility = 'public'
		       OR sender = $2
		       OR (visibility = 'agent_only' AND allowed_agents ? $2))
		ORDER BY seq ASC
		LIMIT $4`, sessionID, reader, sinceSeq, limit)
	if err != nil {
		return nil, s.wrap("list messages", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var (
			m          core.Message
			visibility string
			agents     []byte
			metadata   []byte
		)
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.Sender, &m.Content,
			&visibility, &agents, &metadata, &m.CreatedAt); err != nil {
			return nil, s.wrap("scan message", err)
		}
		m.Visibility = core.Visibility(visibility)
		if len(agents) > 0 {
			if err := json.Unmarshal(agents, &m.AllowedAgents); err != nil {
				return nil, s.wrap("scan message", fmt.Errorf("allowed_agents: %w", err))
			}
		}
		m.Metadata = core.Metadata(metadata)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list messages", err)
	}
	return msgs, nil
}

// LatestSeq returns the highest assigned sequence for a session.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var seq int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = $1`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, s.wrap("latest seq", err)
	}
	return seq, nil
}

// IsParticipant reports whether the agent created the session or has sent a
// message in it.
func (s *Store) IsParticipant(ctx context.Context, sessionID, agentID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var participant bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND created_by = $2)
		    OR EXISTS (SELECT 1 FROM messages WHERE session_id = $1 AND sender = $2)`,
		sessionID, agentID).Scan(&participant)
	if err != nil {
		return false, s.wrap("is participant", err)
	}
	return participant, nil
}

// scanSession decodes one sessions row.
func scanSession(row pgx.Row) (core.Session, error) {
	var (
		sess     core.Session
		status   string
		metadata []byte
	)
	err := row.Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy, &status,
		&metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return core.Session{}, err
	}
	sess.Status = core.SessionStatus(status)
	sess.Metadata = core.Metadata(metadata)
	return sess, nil
}

// metadataParam converts opaque metadata to a nullable JSONB parameter.
// Absent and explicit null both store as NULL.
func metadataParam(m core.Metadata) interface{} {
	if core.IsNullMetadata(m) {
		return nil
	}
	return []byte(m)
}

// agentsParam encodes the allowed-agent set, NULL when empty.
func agentsParam(agents []string) interface{} {
	if len(agents) == 0 {
		return nil
	}
	b, _ := json.Marshal(agents)
	return b
}
