// Package lifeprofile implements the §6 life profile document: exporting
// durable memories into the life.json `learnedFacts` shape and importing
// such a document back into memories, deduplicated by content hash.
//
// Grounded on original_source/src/context/life_json_sync.rs's
// export_memories/import_memories pair; the JSON shape itself follows
// original_source/src/api/life_json.rs's LifeJson/AssistantConfig/LearnedFact
// types, re-expressed as Go structs with encoding/json tags.
package lifeprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/storage"
)

// DefaultExportLimit bounds how many memories one export call considers,
// matching the Rust predecessor's DEFAULT_EXPORT_LIMIT.
const DefaultExportLimit = 50

// sourceTag marks memories created by an import, so a later export can
// label their provenance and a re-import can still dedup by content.
const sourceTag = "life.json"

// LearnedFact is one fact entry under an assistant's learnedFacts array.
type LearnedFact struct {
	Fact       string   `json:"fact"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// AssistantConfig is the per-persona section of a life.json document.
type AssistantConfig struct {
	LearnedFacts []LearnedFact `json:"learnedFacts,omitempty"`
}

// Document is the root life.json shape (§6).
type Document struct {
	Version    string                     `json:"version"`
	Assistants map[string]AssistantConfig `json:"assistants,omitempty"`
}

// ExportResult reports what Export produced.
type ExportResult struct {
	Document Document
	Count    int
}

// ImportResult reports what Import did.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Export selects userID's pinned and top-accessed memories (up to limit,
// DefaultExportLimit if <= 0) and renders them as personaID's learnedFacts
// section. Confidence is derived from pinned/access_count per §6.
func Export(ctx context.Context, repo *storage.MemoryRepo, userID, personaID string, limit int) (*ExportResult, error) {
	if limit <= 0 {
		limit = DefaultExportLimit
	}
	memories, err := repo.GetContext(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing exportable memories: %w", err)
	}

	facts := make([]LearnedFact, 0, len(memories))
	for _, m := range memories {
		c := confidenceFromMemory(m)
		facts = append(facts, LearnedFact{
			Fact:       m.Content,
			Confidence: &c,
			Source:     sourceLabel(m),
		})
	}

	doc := Document{Version: "1.0.0"}
	if len(facts) > 0 {
		doc.Assistants = map[string]AssistantConfig{personaID: {LearnedFacts: facts}}
	}

	logger.InfoCF("lifeprofile", "exported memories", map[string]interface{}{
		"user_id": userID, "persona_id": personaID, "count": len(facts),
	})
	return &ExportResult{Document: doc, Count: len(facts)}, nil
}

// Import parses content as a life.json Document and creates memories from
// every learnedFacts entry under personaID (or every assistant section if
// personaID is empty), skipping facts whose content hash already exists
// for userID.
func Import(ctx context.Context, repo *storage.MemoryRepo, userID, content, personaID string) (*ImportResult, error) {
	var doc Document
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parsing life.json: %w", err)
	}

	result := &ImportResult{}
	for assistantID, cfg := range doc.Assistants {
		if personaID != "" && assistantID != personaID {
			continue
		}
		for _, fact := range cfg.LearnedFacts {
			if fact.Fact == "" {
				continue
			}
			hash := memoryindex.ContentHash(fact.Fact)
			exists, err := repo.ExistsByContentHash(ctx, userID, hash)
			if err != nil {
				return nil, fmt.Errorf("checking content hash: %w", err)
			}
			if exists {
				result.Skipped++
				continue
			}

			m := &storage.Memory{
				UserID:        userID,
				Category:      categoryFromSource(fact.Source),
				Content:       fact.Fact,
				ContentHash:   hash,
				SourceChannel: sourceTag,
			}
			if err := repo.Add(ctx, m); err != nil {
				return nil, fmt.Errorf("adding imported memory: %w", err)
			}
			result.Imported++
		}
	}

	logger.InfoCF("lifeprofile", "imported memories", map[string]interface{}{
		"user_id": userID, "imported": result.Imported, "skipped": result.Skipped,
	})
	return result, nil
}

// confidenceFromMemory scores a memory for export: pinned memories are
// maximally confident, others scale from 0.5 up to 0.95 by access count.
func confidenceFromMemory(m storage.Memory) float64 {
	if m.Pinned {
		return 1.0
	}
	scale := float64(m.AccessCount) / 100.0
	if scale > 0.45 {
		scale = 0.45
	}
	return 0.5 + scale
}

func sourceLabel(m storage.Memory) string {
	if m.SourceChannel != "" {
		return "beacon:" + m.SourceChannel
	}
	return "beacon"
}

func categoryFromSource(source string) storage.MemoryCategory {
	lower := strings.ToLower(source)
	switch {
	case strings.Contains(lower, "preference"):
		return storage.CategoryPreference
	case strings.Contains(lower, "correction"):
		return storage.CategoryCorrection
	default:
		return storage.CategoryFact
	}
}
