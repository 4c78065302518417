// Package memoryindex is the Memory Index (C2): a chromem-go ANN mirror of
// the storage.Memory row table plus the hybrid lexical+vector search and
// content-hash dedup spec.md §4.2 describes. The row table stays
// authoritative; this index only accelerates retrieval.
package memoryindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/storage"
)

// Result is one ranked hit from Search, carrying enough of the row to
// render in a prompt or an admin view.
type Result struct {
	Memory storage.Memory
	Score  float32
}

// Index wraps a chromem-go collection mirroring memories keyed by memory
// ID, backed by the authoritative storage.MemoryRepo for row reads/writes.
type Index struct {
	store      *storage.Store
	db         *chromem.DB
	collection *chromem.Collection
}

// New opens (or creates) the persistent vector collection under
// workspacePath/memory/vectors, matching the teacher's on-disk layout.
func New(workspacePath string, store *storage.Store, embeddingFn chromem.EmbeddingFunc) (*Index, error) {
	dbPath := filepath.Join(workspacePath, "memory", "vectors")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create memory index dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}

	coll, err := db.GetOrCreateCollection("memories", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("create memories collection: %w", err)
	}

	logger.InfoCF("memoryindex", "memory index initialized", map[string]interface{}{
		"path": dbPath, "count": coll.Count(),
	})

	return &Index{store: store, db: db, collection: coll}, nil
}

// ContentHash returns the SHA-256 of normalized content, the key used for
// semantic-duplicate detection within a user (§3).
func ContentHash(content string) string {
	normalized := normalizeWhitespace(strings.ToLower(strings.TrimSpace(content)))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return whitespaceRe.ReplaceAllString(s, " ")
}

// Add writes a memory row and then, if it carries an embedding, mirrors it
// into the ANN collection. The two writes are not one transaction: a failed
// ANN write is logged and the row stays. MemoryStoreTool checks
// storage.MemoryRepo.ExistsByContentHash before calling Add; for other
// callers (the compactor's fact flush) the memories table's
// UNIQUE(user_id, content_hash) constraint makes a duplicate Add fail.
func (idx *Index) Add(ctx context.Context, m *storage.Memory) error {
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}
	if err := idx.store.Memories.Add(ctx, m); err != nil {
		return err
	}

	if len(m.Embedding) == 0 {
		return nil
	}

	doc := chromem.Document{
		ID:      m.ID,
		Content: m.Content,
		Metadata: map[string]string{
			"user_id":  m.UserID,
			"category": string(m.Category),
		},
	}
	if err := idx.collection.AddDocument(ctx, doc); err != nil {
		logger.WarnCF("memoryindex", "failed to mirror memory into ANN index", map[string]interface{}{
			"error": err.Error(), "memory_id": m.ID,
		})
	}
	return nil
}

// SearchHybrid merges vector and lexical results following §4.2's stable
// ordering rule: vector hits first in ascending distance, then lexical
// hits not already present, in reverse accessed_at order, until k is
// filled. The ANN collection accelerates the vector leg when it has
// coverage; storage.MemoryRepo's in-process cosine scan is the fallback
// source of truth when the collection is empty or the driver has no
// embedding function configured.
func (idx *Index) SearchHybrid(ctx context.Context, userID, query string, queryVec []float32, k int) ([]Result, error) {
	seen := make(map[string]bool)
	var out []Result

	if query != "" && idx.collection.Count() > 0 {
		docs, err := idx.collection.Query(ctx, query, k, map[string]string{"user_id": userID}, nil)
		if err != nil {
			logger.WarnCF("memoryindex", "ANN query failed, falling back to row scan", map[string]interface{}{"error": err.Error()})
		} else {
			for _, d := range docs {
				if len(out) >= k || seen[d.ID] {
					continue
				}
				m, err := idx.resolve(ctx, d.ID)
				if err != nil {
					continue
				}
				out = append(out, Result{Memory: *m, Score: d.Similarity})
				seen[d.ID] = true
			}
		}
	}

	if len(out) < k {
		rows, err := idx.store.Memories.SearchHybrid(ctx, userID, query, queryVec, k)
		if err != nil {
			return nil, err
		}
		for _, m := range rows {
			if len(out) >= k || seen[m.ID] {
				continue
			}
			out = append(out, Result{Memory: m})
			seen[m.ID] = true
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (idx *Index) resolve(ctx context.Context, id string) (*storage.Memory, error) {
	return idx.store.Memories.GetByID(ctx, id)
}
