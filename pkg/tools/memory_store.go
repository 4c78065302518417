package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/storage"
)

// MemoryStoreTool lets the model write a durable Memory row (C1/C2) rather
// than only recalling past ones, grounded on original_source's
// BuiltinMemoryTools::store: resolve a category, embed best-effort, persist.
// It is ContextAwareTool so it can resolve the calling user from the
// channel/chat scope the registry propagates before each turn.
type MemoryStoreTool struct {
	store       *storage.Store
	index       *memoryindex.Index
	embeddingFn chromem.EmbeddingFunc
	channel     string
	chatID      string
}

func NewMemoryStoreTool(store *storage.Store, index *memoryindex.Index, embeddingFn chromem.EmbeddingFunc) *MemoryStoreTool {
	return &MemoryStoreTool{store: store, index: index, embeddingFn: embeddingFn}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }

func (t *MemoryStoreTool) Description() string {
	return "Save important information to long-term memory. Use for user preferences, facts, decisions, and corrections."
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The information to remember",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Memory category (default: general)",
				"enum":        []string{"preference", "fact", "correction", "general"},
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	category := storage.CategoryGeneral
	if c, ok := args["category"].(string); ok && c != "" {
		switch storage.MemoryCategory(c) {
		case storage.CategoryPreference, storage.CategoryFact, storage.CategoryCorrection, storage.CategoryGeneral:
			category = storage.MemoryCategory(c)
		}
	}

	userID, err := t.resolveUserID(ctx)
	if err != nil {
		return ErrWrap("memory_store", err)
	}

	m := &storage.Memory{
		UserID:        userID,
		Category:      category,
		Content:       content,
		SourceChannel: t.channel,
		ContentHash:   memoryindex.ContentHash(content),
	}

	if exists, err := t.store.Memories.ExistsByContentHash(ctx, userID, m.ContentHash); err == nil && exists {
		return SilentResult(fmt.Sprintf(`{"status":"duplicate","content":%q}`, content))
	}

	if t.embeddingFn != nil {
		if emb, err := t.embeddingFn(ctx, content); err != nil {
			logger.WarnCF("tools", "memory_store: embedding failed, storing without vector", map[string]interface{}{"error": err.Error()})
		} else {
			m.Embedding = emb
		}
	}

	if t.index != nil {
		err = t.index.Add(ctx, m)
	} else {
		err = t.store.Memories.Add(ctx, m)
	}
	if err != nil {
		return ErrWrap("memory_store", err)
	}

	payload, _ := json.Marshal(map[string]string{"id": m.ID, "status": "stored", "content": m.Content})
	return Result(string(payload))
}

func (t *MemoryStoreTool) resolveUserID(ctx context.Context) (string, error) {
	if t.channel == "" || t.chatID == "" {
		return "", fmt.Errorf("no channel/chat context available")
	}
	sess, err := t.store.Sessions.FindByLocus(ctx, t.channel, t.chatID)
	if err != nil {
		return "", fmt.Errorf("resolving user from session: %w", err)
	}
	return sess.UserID, nil
}
