package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sipeed/beacon/pkg/storage"
)

// SessionListTool and SessionHistoryTool expose the inter-session
// visibility original_source's SessionTools gives the model directly:
// list every session belonging to the calling user, and read back one
// session's message history, scoped so a model can reason across a user's
// other channels (e.g. "what did I tell you on Telegram yesterday") without
// the Context Builder having to pre-load every session up front.
type SessionListTool struct {
	store   *storage.Store
	channel string
	chatID  string
}

func NewSessionListTool(store *storage.Store) *SessionListTool {
	return &SessionListTool{store: store}
}

func (t *SessionListTool) Name() string { return "session_list" }

func (t *SessionListTool) Description() string {
	return "List the calling user's active conversation sessions across all channels, with message counts and last-active time."
}

func (t *SessionListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *SessionListTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *SessionListTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.channel == "" || t.chatID == "" {
		return ErrorResult("no channel/chat context available")
	}
	self, err := t.store.Sessions.FindByLocus(ctx, t.channel, t.chatID)
	if err != nil {
		return ErrWrap("session_list", err)
	}
	sessions, err := t.store.Sessions.ListByUser(ctx, self.UserID)
	if err != nil {
		return ErrWrap("session_list", err)
	}

	type info struct {
		ID        string `json:"id"`
		Channel   string `json:"channel"`
		ChannelID string `json:"channel_id"`
		Messages  int    `json:"message_count"`
		UpdatedAt string `json:"updated_at"`
	}
	out := make([]info, 0, len(sessions))
	for _, s := range sessions {
		count, err := t.store.Messages.Count(ctx, s.ID)
		if err != nil {
			count = 0
		}
		out = append(out, info{ID: s.ID, Channel: s.Channel, ChannelID: s.ChannelID, Messages: count, UpdatedAt: s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	payload, _ := json.Marshal(map[string]interface{}{"sessions": out})
	return SilentResult(string(payload))
}

// SessionHistoryTool reads back a bounded slice of another session's
// messages, scoped to sessions owned by the same user as the calling
// context so one user's sessions can't read another's.
type SessionHistoryTool struct {
	store   *storage.Store
	channel string
	chatID  string
}

func NewSessionHistoryTool(store *storage.Store) *SessionHistoryTool {
	return &SessionHistoryTool{store: store}
}

func (t *SessionHistoryTool) Name() string { return "session_history" }

func (t *SessionHistoryTool) Description() string {
	return "Retrieve recent message history from one of the calling user's other sessions (see session_list for IDs)."
}

func (t *SessionHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session ID from session_list",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of messages to retrieve (default: 20)",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *SessionHistoryTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *SessionHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return ErrorResult("session_id is required")
	}
	limit := 20
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	if t.channel == "" || t.chatID == "" {
		return ErrorResult("no channel/chat context available")
	}
	self, err := t.store.Sessions.FindByLocus(ctx, t.channel, t.chatID)
	if err != nil {
		return ErrWrap("session_history", err)
	}
	target, err := t.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return ErrWrap("session_history", err)
	}
	if target.UserID != self.UserID {
		return ErrorResult(fmt.Sprintf("session %q does not belong to the calling user", sessionID))
	}

	messages, err := t.store.Messages.Get(ctx, sessionID, limit)
	if err != nil {
		return ErrWrap("session_history", err)
	}

	type info struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]info, 0, len(messages))
	for _, m := range messages {
		out = append(out, info{Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	payload, _ := json.Marshal(map[string]interface{}{"messages": out})
	return SilentResult(string(payload))
}
