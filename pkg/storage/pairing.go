package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PairingCodeLength and PairingCodeTTL match the constants in the Rust
// predecessor's pairing module.
const (
	PairingCodeLength = 6
	PairingCodeTTL    = 10 * time.Minute
)

// pairingAlphabet excludes visually ambiguous characters (I, O, 0, 1).
const pairingAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// PairingRepo persists the Paired Sender entity (C7).
type PairingRepo struct{ s *Store }

// IsAllowed reports whether (senderID, channel) has an approved (null-code)
// row.
func (r *PairingRepo) IsAllowed(ctx context.Context, senderID, channel string) (bool, error) {
	q := r.s.rebind(`SELECT 1 FROM paired_senders WHERE sender_id = ? AND channel = ? AND pairing_code IS NULL LIMIT 1`)
	var one int
	err := r.s.DB.QueryRowContext(ctx, q, senderID, channel).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr("checking pairing approval", err)
	}
	return true, nil
}

// GenerateCode returns a new 6-char code unless the sender is already
// approved, in which case it returns ("", nil). Replaces any prior pending
// code for the same (sender, channel) and sets a 10-minute expiry.
func (r *PairingRepo) GenerateCode(ctx context.Context, senderID, channel string) (string, error) {
	allowed, err := r.IsAllowed(ctx, senderID, channel)
	if err != nil {
		return "", err
	}
	if allowed {
		return "", nil
	}

	code, err := randomCode(PairingCodeLength)
	if err != nil {
		return "", wrapDBErr("generating pairing code", err)
	}
	expiresAt := time.Now().UTC().Add(PairingCodeTTL)

	existing, err := r.getPending(ctx, senderID, channel)
	if err != nil && err != sql.ErrNoRows {
		return "", wrapDBErr("looking up pending pairing", err)
	}
	if err == sql.ErrNoRows {
		q := r.s.rebind(`INSERT INTO paired_senders (id, sender_id, channel, paired_at, pairing_code, code_expires_at)
			VALUES (?, ?, ?, NULL, ?, ?)`)
		if _, err := r.s.DB.ExecContext(ctx, q, uuid.NewString(), senderID, channel, code, expiresAt); err != nil {
			return "", wrapDBErr("inserting pairing code", err)
		}
		return code, nil
	}

	q := r.s.rebind(`UPDATE paired_senders SET pairing_code = ?, code_expires_at = ? WHERE id = ?`)
	if _, err := r.s.DB.ExecContext(ctx, q, code, expiresAt, existing.ID); err != nil {
		return "", wrapDBErr("replacing pairing code", err)
	}
	return code, nil
}

func (r *PairingRepo) getPending(ctx context.Context, senderID, channel string) (*PairedSender, error) {
	q := r.s.rebind(`SELECT id, sender_id, channel, paired_at, pairing_code, code_expires_at
		FROM paired_senders WHERE sender_id = ? AND channel = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, senderID, channel)
	var p PairedSender
	var code sql.NullString
	if err := row.Scan(&p.ID, &p.SenderID, &p.Channel, &p.PairedAt, &code, &p.CodeExpiresAt); err != nil {
		return nil, err
	}
	p.PairingCode = code.String
	return &p, nil
}

// Verify approves the row iff code matches and the expiry has not passed,
// atomically clearing the code. Returns false, nil on mismatch or
// expiry — that is not an error, just a failed verification.
func (r *PairingRepo) Verify(ctx context.Context, senderID, channel, code string) (bool, error) {
	p, err := r.getPending(ctx, senderID, channel)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr("looking up pairing for verify", err)
	}
	if p.PairingCode == "" || p.PairingCode != code {
		return false, nil
	}
	if p.CodeExpiresAt == nil || !p.CodeExpiresAt.After(time.Now().UTC()) {
		return false, nil
	}

	q := r.s.rebind(`UPDATE paired_senders SET paired_at = ?, pairing_code = NULL, code_expires_at = NULL WHERE id = ?`)
	if _, err := r.s.DB.ExecContext(ctx, q, time.Now().UTC(), p.ID); err != nil {
		return false, wrapDBErr("approving pairing", err)
	}
	return true, nil
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}
