package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo persists the Memory entity. Vector similarity is computed
// in-process over the embedding blob column; the Memory Index (C2) keeps a
// chromem-go mirror for larger corpora, but the row table stays
// authoritative per §4.2.
type MemoryRepo struct{ s *Store }

// Add writes a memory row, encoding its embedding (if present) little-endian
// into the blob column. Callers in pkg/memoryindex mirror the same write
// into the ANN index within the same logical operation.
func (r *MemoryRepo) Add(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.AccessedAt.IsZero() {
		m.AccessedAt = now
	}

	var embBlob []byte
	if len(m.Embedding) > 0 {
		embBlob = encodeEmbedding(m.Embedding)
	}

	q := r.s.rebind(`INSERT INTO memories
		(id, user_id, category, content, tags, pinned, access_count, embedding,
		 source_session, source_channel, content_hash, origin_device,
		 deleted_at, synced_at, cloud_id, created_at, updated_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.s.DB.ExecContext(ctx, q,
		m.ID, m.UserID, string(m.Category), m.Content, strings.Join(m.Tags, ","),
		boolInt(m.Pinned), m.AccessCount, embBlob,
		nullableStr(m.SourceSession), nullableStr(m.SourceChannel), m.ContentHash, nullableStr(m.OriginDevice),
		nullableTime(m.DeletedAt), nullableTime(m.SyncedAt), nullableStr(m.CloudID),
		m.CreatedAt, m.UpdatedAt, m.AccessedAt,
	)
	return wrapDBErr("adding memory", err)
}

// GetByID returns a single memory row by ID, independent of user scope.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (*Memory, error) {
	q := r.s.rebind(`SELECT ` + memoryColumns + ` FROM memories WHERE id = ?`)
	rows, err := r.s.DB.QueryContext(ctx, q, id)
	if err != nil {
		return nil, wrapDBErr("getting memory by id", err)
	}
	defer rows.Close()
	all, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, wrapDBErr("getting memory by id", sql.ErrNoRows)
	}
	return &all[0], nil
}

// ExistsByContentHash reports whether user already has a non-deleted memory
// with hash, for dedup at write time.
func (r *MemoryRepo) ExistsByContentHash(ctx context.Context, userID, hash string) (bool, error) {
	q := r.s.rebind(`SELECT 1 FROM memories WHERE user_id = ? AND content_hash = ? AND deleted_at IS NULL LIMIT 1`)
	var one int
	err := r.s.DB.QueryRowContext(ctx, q, userID, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr("checking content hash", err)
	}
	return true, nil
}

// Search returns memories whose content or tags contain substr, lexically.
func (r *MemoryRepo) Search(ctx context.Context, userID, substr string) ([]Memory, error) {
	q := r.s.rebind(`SELECT ` + memoryColumns + ` FROM memories
		WHERE user_id = ? AND deleted_at IS NULL AND (content LIKE ? OR tags LIKE ?)
		ORDER BY accessed_at DESC`)
	like := "%" + substr + "%"
	rows, err := r.s.DB.QueryContext(ctx, q, userID, like, like)
	if err != nil {
		return nil, wrapDBErr("searching memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchSimilar returns the top-k memories by ascending vector distance to
// query, filtered to user and to rows carrying an embedding.
func (r *MemoryRepo) SearchSimilar(ctx context.Context, userID string, query []float32, k int) ([]Memory, error) {
	all, err := r.allWithEmbeddings(ctx, userID)
	if err != nil {
		return nil, err
	}

	type scored struct {
		m    Memory
		dist float64
	}
	scoredList := make([]scored, 0, len(all))
	for _, m := range all {
		scoredList = append(scoredList, scored{m: m, dist: cosineDistance(query, m.Embedding)})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].dist < scoredList[j].dist })

	if k > len(scoredList) {
		k = len(scoredList)
	}
	out := make([]Memory, k)
	for i := 0; i < k; i++ {
		out[i] = scoredList[i].m
	}
	return out, nil
}

// SearchHybrid merges vector and lexical results: vector hits first in
// ascending distance, then lexical hits not already present in reverse
// accessed_at order, until k is filled — a stable tie-break per §4.2.
func (r *MemoryRepo) SearchHybrid(ctx context.Context, userID, q string, query []float32, k int) ([]Memory, error) {
	seen := make(map[string]bool)
	var out []Memory

	if query != nil {
		vec, err := r.SearchSimilar(ctx, userID, query, k)
		if err != nil {
			return nil, err
		}
		for _, m := range vec {
			if len(out) >= k {
				break
			}
			out = append(out, m)
			seen[m.ID] = true
		}
	}

	if len(out) < k && q != "" {
		lex, err := r.Search(ctx, userID, q)
		if err != nil {
			return nil, err
		}
		for _, m := range lex {
			if len(out) >= k {
				break
			}
			if seen[m.ID] {
				continue
			}
			out = append(out, m)
			seen[m.ID] = true
		}
	}

	return out, nil
}

// GetContext returns up to maxItems memories for context injection: pinned
// first, then ordered by access_count desc, accessed_at desc.
func (r *MemoryRepo) GetContext(ctx context.Context, userID string, maxItems int) ([]Memory, error) {
	q := r.s.rebind(`SELECT ` + memoryColumns + ` FROM memories
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY pinned DESC, access_count DESC, accessed_at DESC
		LIMIT ?`)
	rows, err := r.s.DB.QueryContext(ctx, q, userID, maxItems)
	if err != nil {
		return nil, wrapDBErr("getting memory context", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Touch bumps access_count and accessed_at, called whenever a memory
// surfaces in a built context.
func (r *MemoryRepo) Touch(ctx context.Context, id string) error {
	q := r.s.rebind(`UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, time.Now().UTC(), id)
	return wrapDBErr("touching memory", err)
}

// SoftDelete stamps deleted_at = now for a single row, scoped to userID so
// one user's memory_forget tool call can't reach another's rows. Reports
// whether a matching, not-already-deleted row existed.
func (r *MemoryRepo) SoftDelete(ctx context.Context, userID, id string) (bool, error) {
	q := r.s.rebind(`UPDATE memories SET deleted_at = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`)
	res, err := r.s.DB.ExecContext(ctx, q, time.Now().UTC(), id, userID)
	if err != nil {
		return false, wrapDBErr("forgetting memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBErr("forgetting memory", err)
	}
	return n > 0, nil
}

// Unsynced returns memories never synced or modified since their last sync.
func (r *MemoryRepo) Unsynced(ctx context.Context, userID string) ([]Memory, error) {
	q := r.s.rebind(`SELECT ` + memoryColumns + ` FROM memories
		WHERE user_id = ? AND (synced_at IS NULL OR synced_at < updated_at)`)
	rows, err := r.s.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapDBErr("listing unsynced memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MarkSynced stamps synced_at = now for the given IDs.
func (r *MemoryRepo) MarkSynced(ctx context.Context, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		q := r.s.rebind(`UPDATE memories SET synced_at = ? WHERE id = ?`)
		if _, err := r.s.DB.ExecContext(ctx, q, now, id); err != nil {
			return wrapDBErr("marking memory synced", err)
		}
	}
	return nil
}

func (r *MemoryRepo) allWithEmbeddings(ctx context.Context, userID string) ([]Memory, error) {
	q := r.s.rebind(`SELECT ` + memoryColumns + ` FROM memories
		WHERE user_id = ? AND deleted_at IS NULL AND embedding IS NOT NULL`)
	rows, err := r.s.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapDBErr("listing embedded memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

const memoryColumns = `id, user_id, category, content, tags, pinned, access_count, embedding,
	COALESCE(source_session, ''), COALESCE(source_channel, ''), content_hash, COALESCE(origin_device, ''),
	deleted_at, synced_at, COALESCE(cloud_id, ''), created_at, updated_at, accessed_at`

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		var category string
		var tags string
		var pinned int
		var emb []byte
		if err := rows.Scan(&m.ID, &m.UserID, &category, &m.Content, &tags, &pinned, &m.AccessCount, &emb,
			&m.SourceSession, &m.SourceChannel, &m.ContentHash, &m.OriginDevice,
			&m.DeletedAt, &m.SyncedAt, &m.CloudID, &m.CreatedAt, &m.UpdatedAt, &m.AccessedAt); err != nil {
			return nil, wrapDBErr("scanning memory", err)
		}
		m.Category = MemoryCategory(category)
		m.Pinned = pinned != 0
		if tags != "" {
			m.Tags = strings.Split(tags, ",")
		}
		if len(emb) > 0 {
			m.Embedding = decodeEmbedding(emb)
		}
		out = append(out, m)
	}
	return out, wrapDBErr("iterating memories", rows.Err())
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
