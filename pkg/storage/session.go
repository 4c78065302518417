package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SessionRepo persists the Session entity.
type SessionRepo struct{ s *Store }

// FindOrCreate is the only ingress for sessions: idempotent over
// (channel, channel_id), regardless of user or persona passed on
// subsequent calls for the same locus.
func (r *SessionRepo) FindOrCreate(ctx context.Context, userID, channel, channelID, persona string) (*Session, error) {
	sess, err := r.getByLocus(ctx, channel, channelID)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapDBErr("finding session", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	q := r.s.rebind(`INSERT INTO sessions (id, user_id, channel, channel_id, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.s.DB.ExecContext(ctx, q, id, userID, channel, channelID, persona, now, now); err != nil {
		if sess, rerr := r.getByLocus(ctx, channel, channelID); rerr == nil {
			return sess, nil
		}
		return nil, wrapDBErr("creating session", err)
	}
	return &Session{ID: id, UserID: userID, Channel: channel, ChannelID: channelID, Persona: persona, CreatedAt: now, UpdatedAt: now}, nil
}

// FindByLocus returns the session addressed by (channel, channelID), the
// same locus FindOrCreate keys on, without creating one if absent — used by
// tools that only have channel/chat context (ContextAwareTool.SetContext)
// and need to resolve back to a user scope.
func (r *SessionRepo) FindByLocus(ctx context.Context, channel, channelID string) (*Session, error) {
	sess, err := r.getByLocus(ctx, channel, channelID)
	if err != nil {
		return nil, wrapDBErr("finding session by locus", err)
	}
	return sess, nil
}

// ListByUser returns every session belonging to userID, most recently
// updated first, for the session_list tool's inter-session visibility.
func (r *SessionRepo) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	q := r.s.rebind(`SELECT id, user_id, channel, channel_id, persona, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`)
	rows, err := r.s.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapDBErr("listing sessions", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Channel, &sess.ChannelID, &sess.Persona, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, wrapDBErr("scanning session", err)
		}
		out = append(out, sess)
	}
	return out, wrapDBErr("iterating sessions", rows.Err())
}

func (r *SessionRepo) getByLocus(ctx context.Context, channel, channelID string) (*Session, error) {
	q := r.s.rebind(`SELECT id, user_id, channel, channel_id, persona, created_at, updated_at
		FROM sessions WHERE channel = ? AND channel_id = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, channel, channelID)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Channel, &sess.ChannelID, &sess.Persona, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get returns a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	q := r.s.rebind(`SELECT id, user_id, channel, channel_id, persona, created_at, updated_at FROM sessions WHERE id = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Channel, &sess.ChannelID, &sess.Persona, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, wrapDBErr("getting session", err)
	}
	return &sess, nil
}

// Touch bumps updated_at, called whenever a message is appended.
func (r *SessionRepo) Touch(ctx context.Context, id string) error {
	q := r.s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, time.Now().UTC(), id)
	return wrapDBErr("touching session", err)
}

// SetPersona switches a session's active persona and bumps updated_at.
func (r *SessionRepo) SetPersona(ctx context.Context, id, persona string) error {
	q := r.s.rebind(`UPDATE sessions SET persona = ?, updated_at = ? WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, persona, time.Now().UTC(), id)
	return wrapDBErr("setting session persona", err)
}
