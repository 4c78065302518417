package storage

import (
	"context"
	"database/sql"
)

// GroupConfigRepo persists per-Telegram-group overrides.
type GroupConfigRepo struct{ s *Store }

// Get returns the override row for chatID, or nil if none exists (meaning
// every setting falls back to global defaults).
func (r *GroupConfigRepo) Get(ctx context.Context, chatID string) (*TelegramGroupConfig, error) {
	q := r.s.rebind(`SELECT chat_id, COALESCE(title, ''), require_mention, COALESCE(reaction_level, ''),
		COALESCE(ack_emoji, ''), COALESCE(done_emoji, ''), enabled FROM telegram_group_configs WHERE chat_id = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, chatID)
	var g TelegramGroupConfig
	var requireMention sql.NullBool
	var enabled int
	if err := row.Scan(&g.ChatID, &g.Title, &requireMention, &g.ReactionLevel, &g.AckEmoji, &g.DoneEmoji, &enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapDBErr("getting group config", err)
	}
	if requireMention.Valid {
		g.RequireMention = &requireMention.Bool
	}
	g.Enabled = enabled != 0
	return &g, nil
}

// Upsert creates or replaces the override row for g.ChatID.
func (r *GroupConfigRepo) Upsert(ctx context.Context, g *TelegramGroupConfig) error {
	existing, err := r.Get(ctx, g.ChatID)
	if err != nil {
		return err
	}

	var requireMention interface{}
	if g.RequireMention != nil {
		requireMention = boolInt(*g.RequireMention)
	}

	if existing == nil {
		q := r.s.rebind(`INSERT INTO telegram_group_configs
			(chat_id, title, require_mention, reaction_level, ack_emoji, done_emoji, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		_, err := r.s.DB.ExecContext(ctx, q, g.ChatID, g.Title, requireMention, g.ReactionLevel, g.AckEmoji, g.DoneEmoji, boolInt(g.Enabled))
		return wrapDBErr("inserting group config", err)
	}

	q := r.s.rebind(`UPDATE telegram_group_configs SET title = ?, require_mention = ?, reaction_level = ?,
		ack_emoji = ?, done_emoji = ?, enabled = ? WHERE chat_id = ?`)
	_, err = r.s.DB.ExecContext(ctx, q, g.Title, requireMention, g.ReactionLevel, g.AckEmoji, g.DoneEmoji, boolInt(g.Enabled), g.ChatID)
	return wrapDBErr("updating group config", err)
}
