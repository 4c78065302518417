package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// MessageRepo persists the Message entity with a strict, session-scoped
// monotonic ordering (the seq column) independent of clock resolution.
type MessageRepo struct{ s *Store }

// Add assigns a fresh ID and the next sequence number, updates the
// session's updated_at, and returns the stored row.
func (r *MessageRepo) Add(ctx context.Context, sessionID string, role MessageRole, content, threadID string) (*Message, error) {
	tx, err := r.s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("beginning message insert", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	q := r.s.rebind(`SELECT MAX(seq) FROM messages WHERE session_id = ?`)
	if err := tx.QueryRowContext(ctx, q, sessionID).Scan(&maxSeq); err != nil {
		return nil, wrapDBErr("reading max seq", err)
	}
	seq := maxSeq.Int64 + 1

	now := time.Now().UTC()
	id := uuid.NewString()
	var threadVal interface{}
	if threadID != "" {
		threadVal = threadID
	}
	ins := r.s.rebind(`INSERT INTO messages (id, session_id, role, content, thread_id, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, id, sessionID, string(role), content, threadVal, seq, now); err != nil {
		return nil, wrapDBErr("inserting message", err)
	}

	touch := r.s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, now, sessionID); err != nil {
		return nil, wrapDBErr("touching session", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("committing message insert", err)
	}

	return &Message{ID: id, SessionID: sessionID, Role: role, Content: content, ThreadID: threadID, Seq: seq, CreatedAt: now}, nil
}

// Get returns the newest limit messages for session in chronological order.
func (r *MessageRepo) Get(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := r.s.rebind(`SELECT id, session_id, role, content, COALESCE(thread_id, ''), seq, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`)
	rows, err := r.s.DB.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, wrapDBErr("listing messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ThreadID, &m.Seq, &m.CreatedAt); err != nil {
			return nil, wrapDBErr("scanning message", err)
		}
		m.Role = MessageRole(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("iterating messages", err)
	}

	reverse(msgs)
	return msgs, nil
}

// GetInThread returns the newest limit messages scoped to threadID. An
// empty threadID selects thread-less (root-level) messages only.
func (r *MessageRepo) GetInThread(ctx context.Context, sessionID, threadID string, limit int) ([]Message, error) {
	var q string
	var rows *sql.Rows
	var err error
	if threadID == "" {
		q = r.s.rebind(`SELECT id, session_id, role, content, COALESCE(thread_id, ''), seq, created_at
			FROM messages WHERE session_id = ? AND (thread_id IS NULL OR thread_id = '') ORDER BY seq DESC LIMIT ?`)
		rows, err = r.s.DB.QueryContext(ctx, q, sessionID, limit)
	} else {
		q = r.s.rebind(`SELECT id, session_id, role, content, COALESCE(thread_id, ''), seq, created_at
			FROM messages WHERE session_id = ? AND thread_id = ? ORDER BY seq DESC LIMIT ?`)
		rows, err = r.s.DB.QueryContext(ctx, q, sessionID, threadID, limit)
	}
	if err != nil {
		return nil, wrapDBErr("listing thread messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ThreadID, &m.Seq, &m.CreatedAt); err != nil {
			return nil, wrapDBErr("scanning thread message", err)
		}
		m.Role = MessageRole(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("iterating thread messages", err)
	}

	reverse(msgs)
	return msgs, nil
}

// Count returns the current row count for session.
func (r *MessageRepo) Count(ctx context.Context, sessionID string) (int, error) {
	q := r.s.rebind(`SELECT COUNT(*) FROM messages WHERE session_id = ?`)
	var n int
	if err := r.s.DB.QueryRowContext(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, wrapDBErr("counting messages", err)
	}
	return n, nil
}

// DeleteBefore deletes every message strictly older (lower seq) than
// cutoffID's own seq, returning the count removed.
func (r *MessageRepo) DeleteBefore(ctx context.Context, sessionID, cutoffID string) (int, error) {
	var cutoffSeq int64
	q := r.s.rebind(`SELECT seq FROM messages WHERE id = ? AND session_id = ?`)
	if err := r.s.DB.QueryRowContext(ctx, q, cutoffID, sessionID).Scan(&cutoffSeq); err != nil {
		return 0, wrapDBErr("resolving cutoff message", err)
	}

	del := r.s.rebind(`DELETE FROM messages WHERE session_id = ? AND seq < ?`)
	res, err := r.s.DB.ExecContext(ctx, del, sessionID, cutoffSeq)
	if err != nil {
		return 0, wrapDBErr("deleting messages before cutoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBErr("counting deleted messages", err)
	}
	return int(n), nil
}

// InsertSummary inserts a system-role message carrying text, sequenced
// immediately before the session's current oldest message so it reads as
// the new start of history.
func (r *MessageRepo) InsertSummary(ctx context.Context, sessionID, text string) (*Message, error) {
	var minSeq sql.NullInt64
	q := r.s.rebind(`SELECT MIN(seq) FROM messages WHERE session_id = ?`)
	if err := r.s.DB.QueryRowContext(ctx, q, sessionID).Scan(&minSeq); err != nil {
		return nil, wrapDBErr("reading min seq", err)
	}
	seq := minSeq.Int64 - 1

	now := time.Now().UTC()
	id := uuid.NewString()
	ins := r.s.rebind(`INSERT INTO messages (id, session_id, role, content, thread_id, seq, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`)
	if _, err := r.s.DB.ExecContext(ctx, ins, id, sessionID, string(RoleSystem), "[Conversation summary] "+text, seq, now); err != nil {
		return nil, wrapDBErr("inserting summary message", err)
	}
	return &Message{ID: id, SessionID: sessionID, Role: RoleSystem, Content: "[Conversation summary] " + text, Seq: seq, CreatedAt: now}, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
