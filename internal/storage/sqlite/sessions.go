package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nidhogg/overseer/internal/core"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess core.Session) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return s.wrap(ctx, "create session", err)
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, purpose, created_by, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []interface{}{
			sess.ID, sess.Purpose, sess.CreatedBy, string(sess.Status),
			metadataParam(sess.Metadata),
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		}})
	return s.wrap(ctx, "create session", err)
}

const sessionColumns = `id, purpose, created_by, status, metadata, created_at, updated_at`

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return core.Session{}, s.wrap(ctx, "get session", err)
	}
	defer s.put(conn)

	sess, err := getSession(conn, id)
	if err != nil {
		return core.Session{}, s.wrap(ctx, "get session", err)
	}
	return sess, nil
}

func getSession(conn *sqlite.Conn, id string) (core.Session, error) {
	var (
		sess  core.Session
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				sess = scanSession(stmt)
				return nil
			},
		})
	if err != nil {
		return core.Session{}, err
	}
	if !found {
		return core.Session{}, core.ErrNotFound
	}
	return sess, nil
}

// ArchiveSession flips a session to archived inside an immediate
// transaction. Already-archived sessions are returned unchanged.
func (s *Store) ArchiveSession(ctx context.Context, id string) (core.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return core.Session{}, s.wrap(ctx, "archive session", err)
	}
	defer s.put(conn)

	sess, err := s.archiveSession(conn, id)
	if err != nil {
		return core.Session{}, s.wrap(ctx, "archive session", err)
	}
	return sess, nil
}

func (s *Store) archiveSession(conn *sqlite.Conn, id string) (sess core.Session, err error) {
	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return core.Session{}, err
	}
	defer endTx(&err)

	sess, err = getSession(conn, id)
	if err != nil {
		return core.Session{}, err
	}
	if sess.Status == core.SessionArchived {
		return sess, nil
	}

	now := time.Now().UTC()
	err = sqlitex.Execute(conn,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []interface{}{
			string(core.SessionArchived), now.UnixMilli(), id,
		}})
	if err != nil {
		return core.Session{}, err
	}
	sess.Status = core.SessionArchived
	sess.UpdatedAt = now
	return sess, nil
}

// AppendMessage assigns the next sequence number and inserts the message in
// one immediate transaction. SQLite allows one writer at a time, so the
// MAX(seq)+1 read and the insert are atomic with respect to other writers.
func (s *Store) AppendMessage(ctx context.Context, m core.Message) (core.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return core.Message{}, s.wrap(ctx, "append message", err)
	}
	defer s.put(conn)

	m, err = s.appendMessage(conn, m)
	if err != nil {
		return core.Message{}, s.wrap(ctx, "append message", err)
	}
	return m, nil
}

func (s *Store) appendMessage(conn *sqlite.Conn, m core.Message) (_ core.Message, err error) {
	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return core.Message{}, err
	}
	defer endTx(&err)

	sess, err := getSession(conn, m.SessionID)
	if err != nil {
		return core.Message{}, err
	}
	if sess.Status == core.SessionArchived {
		return core.Message{}, core.ErrSessionArchived
	}

	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{m.SessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m.Seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return core.Message{}, err
	}
	m.CreatedAt = time.Now().UTC()

	err = sqlitex.Execute(conn, `
		INSERT INTO messages (session_id, seq, sender, content, visibility, allowed_agents, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []interface{}{
			m.SessionID, m.Seq, m.Sender, m.Content, string(m.Visibility),
			agentsParam(m.AllowedAgents), metadataParam(m.Metadata),
			m.CreatedAt.UnixMilli(),
		}})
	if err != nil {
		return core.Message{}, err
	}

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []interface{}{m.CreatedAt.UnixMilli(), m.SessionID}})
	if err != nil {
		return core.Message{}, err
	}
	return m, nil
}

// ListMessages returns messages visible to reader in ascending seq order.
// Same visibility rule as the postgres backend; the allowed-agent check
// uses json_each over the stored JSON array.
func (s *Store) ListMessages(ctx context.Context, sessionID, reader string, sinceSeq int64, limit int) ([]core.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, s.wrap(ctx, "list messages", err)
	}
	defer s.put(conn)

	var msgs []core.Message
	var scanErr error
	err = sqlitex.Execute(conn, `
		SELECT session_id, seq, sender, content, visibility, allowed_agents, metadata, created_at
		FROM messages
		WHERE session_id = :session
		  AND seq > :since
		  AND (visibility = 'public'
		       OR sender = :reader
		       OR (visibility = 'agent_only' AND EXISTS (
		            SELECT 1 FROM json_each(messages.allowed_agents)
		            WHERE json_each.value = :reader)))
		ORDER BY seq ASC
		LIMIT :limit`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{
				":session": sessionID,
				":since":   sinceSeq,
				":reader":  reader,
				":limit":   limit,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m := core.Message{
					SessionID:  stmt.ColumnText(0),
					Seq:        stmt.ColumnInt64(1),
					Sender:     stmt.ColumnText(2),
					Content:    stmt.ColumnText(3),
					Visibility: core.Visibility(stmt.ColumnText(4)),
					CreatedAt:  ms(stmt.ColumnInt64(7)),
				}
				if agents := stmt.ColumnText(5); agents != "" {
					if err := json.Unmarshal([]byte(agents), &m.AllowedAgents); err != nil {
						scanErr = fmt.Errorf("allowed_agents: %w", err)
						return scanErr
					}
				}
				if meta := stmt.ColumnText(6); meta != "" {
					m.Metadata = core.Metadata(meta)
				}
				msgs = append(msgs, m)
				return nil
			},
		})
	if scanErr != nil {
		return nil, s.wrap(ctx, "scan message", scanErr)
	}
	if err != nil {
		return nil, s.wrap(ctx, "list messages", err)
	}
	return msgs, nil
}

// LatestSeq returns the highest assigned sequence for a session.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return 0, s.wrap(ctx, "latest seq", err)
	}
	defer s.put(conn)

	var seq int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, s.wrap(ctx, "latest seq", err)
	}
	return seq, nil
}

// IsParticipant reports whether the agent created the session or has sent a
// message in it.
func (s *Store) IsParticipant(ctx context.Context, sessionID, agentID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	conn, err := s.take(ctx)
	if err != nil {
		return false, s.wrap(ctx, "is participant", err)
	}
	defer s.put(conn)

	var participant bool
	err = sqlitex.Execute(conn, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE id = :session AND created_by = :agent)
		    OR EXISTS (SELECT 1 FROM messages WHERE session_id = :session AND sender = :agent)`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{
				":session": sessionID,
				":agent":   agentID,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				participant = stmt.ColumnInt64(0) == 1
				return nil
			},
		})
	if err != nil {
		return false, s.wrap(ctx, "is participant", err)
	}
	return participant, nil
}

// scanSession decodes one sessions row positioned at sessionColumns.
func scanSession(stmt *sqlite.Stmt) core.Session {
	sess := core.Session{
		ID:        stmt.ColumnText(0),
		Purpose:   stmt.ColumnText(1),
		CreatedBy: stmt.ColumnText(2),
		Status:    core.SessionStatus(stmt.ColumnText(3)),
		CreatedAt: ms(stmt.ColumnInt64(5)),
		UpdatedAt: ms(stmt.ColumnInt64(6)),
	}
	if meta := stmt.ColumnText(4); meta != "" {
		sess.Metadata = core.Metadata(meta)
	}
	return sess
}

// metadataParam converts opaque metadata to a nullable TEXT parameter.
// Absent and explicit null both store as NULL.
func metadataParam(m core.Metadata) interface{} {
	if core.IsNullMetadata(m) {
		return nil
	}
	return string(m)
}

// agentsParam encodes the allowed-agent set, NULL when empty.
func agentsParam(agents []string) interface{} {
	if len(agents) == 0 {
		return nil
	}
	b, _ := json.Marshal(agents)
	return string(b)
}
