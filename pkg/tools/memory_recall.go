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

// MemoryRecallTool exposes "memory_search"/"memory_forget" over the Memory
// entity itself (storage.MemoryRepo / pkg/memoryindex.Index), grounded on
// original_source's BuiltinMemoryTools::search and ::forget. This is
// distinct from the search_memory tool (MemorySearchTool), which queries
// the unrelated specialist-knowledge VectorStore — a model needs both: one
// to recall scoped facts it stored about the user, the other to recall
// specialist knowledge extracted from past consultations.
type MemoryRecallTool struct {
	store       *storage.Store
	index       *memoryindex.Index
	embeddingFn chromem.EmbeddingFunc
	forget      bool
	channel     string
	chatID      string
}

func NewMemoryRecallTool(store *storage.Store, index *memoryindex.Index, embeddingFn chromem.EmbeddingFunc) *MemoryRecallTool {
	return &MemoryRecallTool{store: store, index: index, embeddingFn: embeddingFn}
}

// NewMemoryForgetTool builds the companion deletion tool sharing the same
// user-scope resolution as MemoryRecallTool, backed by the same store.
func NewMemoryForgetTool(store *storage.Store) *MemoryRecallTool {
	return &MemoryRecallTool{store: store, forget: true}
}

func (t *MemoryRecallTool) Name() string {
	if t.forget {
		return "memory_forget"
	}
	return "memory_search"
}

func (t *MemoryRecallTool) Description() string {
	if t.forget {
		return "Delete a specific memory by ID. Use when correcting or removing outdated information."
	}
	return "Search long-term memory for relevant information previously saved with memory_store. Use to recall past preferences, decisions, or context."
}

func (t *MemoryRecallTool) Parameters() map[string]interface{} {
	if t.forget {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Memory ID to delete (from memory_store or memory_search results)",
				},
			},
			"required": []string{"id"},
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max results to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemoryRecallTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *MemoryRecallTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.forget {
		return t.executeForget(ctx, args)
	}
	return t.executeSearch(ctx, args)
}

func (t *MemoryRecallTool) executeSearch(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	userID, err := t.resolveUserID(ctx)
	if err != nil {
		return ErrWrap("memory_search", err)
	}

	var results []storage.Memory
	if t.embeddingFn != nil {
		if emb, err := t.embeddingFn(ctx, query); err != nil {
			logger.WarnCF("tools", "memory_search: embedding failed, falling back to text search", map[string]interface{}{"error": err.Error()})
			results, err = t.store.Memories.Search(ctx, userID, query)
			if err != nil {
				return ErrWrap("memory_search", err)
			}
		} else if t.index != nil {
			hits, err := t.index.SearchHybrid(ctx, userID, query, emb, limit)
			if err != nil {
				return ErrWrap("memory_search", err)
			}
			for _, h := range hits {
				results = append(results, h.Memory)
			}
		} else {
			results, err = t.store.Memories.SearchHybrid(ctx, userID, query, emb, limit)
			if err != nil {
				return ErrWrap("memory_search", err)
			}
		}
	} else {
		var err error
		results, err = t.store.Memories.Search(ctx, userID, query)
		if err != nil {
			return ErrWrap("memory_search", err)
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}

	type hit struct {
		ID       string   `json:"id"`
		Content  string   `json:"content"`
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	}
	out := make([]hit, 0, len(results))
	for _, m := range results {
		_ = t.store.Memories.Touch(ctx, m.ID)
		out = append(out, hit{ID: m.ID, Content: m.Content, Category: string(m.Category), Tags: m.Tags})
	}
	payload, _ := json.Marshal(map[string]interface{}{"memories": out})
	return Result(string(payload))
}

func (t *MemoryRecallTool) executeForget(ctx context.Context, args map[string]interface{}) *ToolResult {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	userID, err := t.resolveUserID(ctx)
	if err != nil {
		return ErrWrap("memory_forget", err)
	}
	deleted, err := t.store.Memories.SoftDelete(ctx, userID, id)
	if err != nil {
		return ErrWrap("memory_forget", err)
	}
	status := "forgotten"
	if !deleted {
		status = "not_found"
	}
	payload, _ := json.Marshal(map[string]string{"status": status, "id": id})
	return Result(string(payload))
}

func (t *MemoryRecallTool) resolveUserID(ctx context.Context) (string, error) {
	if t.channel == "" || t.chatID == "" {
		return "", fmt.Errorf("no channel/chat context available")
	}
	sess, err := t.store.Sessions.FindByLocus(ctx, t.channel, t.chatID)
	if err != nil {
		return "", fmt.Errorf("resolving user from session: %w", err)
	}
	return sess.UserID, nil
}
