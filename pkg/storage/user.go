package storage

import (
	"context"
	"database/sql"
	"time"
)

// UserRepo persists the User entity.
type UserRepo struct{ s *Store }

// FindOrCreate returns the row for id, creating it on first sight.
// Idempotent: repeated calls for the same id return the same row.
func (r *UserRepo) FindOrCreate(ctx context.Context, id string) (*User, error) {
	u, err := r.get(ctx, id)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapDBErr("finding user", err)
	}

	now := time.Now().UTC()
	q := r.s.rebind(`INSERT INTO users (id, profile_ref, created_at, updated_at) VALUES (?, ?, ?, ?)`)
	if _, err := r.s.DB.ExecContext(ctx, q, id, "", now, now); err != nil {
		// Lost the race with a concurrent insert; re-read.
		if u, rerr := r.get(ctx, id); rerr == nil {
			return u, nil
		}
		return nil, wrapDBErr("creating user", err)
	}
	return &User{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *UserRepo) get(ctx context.Context, id string) (*User, error) {
	q := r.s.rebind(`SELECT id, profile_ref, created_at, updated_at FROM users WHERE id = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, id)
	var u User
	if err := row.Scan(&u.ID, &u.ProfileRef, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetProfileRef updates the user's profile document pointer.
func (r *UserRepo) SetProfileRef(ctx context.Context, id, ref string) error {
	q := r.s.rebind(`UPDATE users SET profile_ref = ?, updated_at = ? WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, ref, time.Now().UTC(), id)
	return wrapDBErr("updating user profile_ref", err)
}

// Delete hard-deletes a user and, via ON DELETE CASCADE, their sessions and
// memories. Admin-only operation (§3).
func (r *UserRepo) Delete(ctx context.Context, id string) error {
	q := r.s.rebind(`DELETE FROM users WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, id)
	return wrapDBErr("deleting user", err)
}
