// Package compactor implements the Compactor (C4): when a session's
// message count crosses a threshold, it summarizes the oldest slice of
// messages with a single non-streaming LLM call, optionally flushes
// extracted facts into the Memory Index, and atomically replaces the
// summarized messages with one system-role summary row.
//
// Grounded on spec.md §4.4's literal step list; the teacher repo has no
// compaction concept of its own (pkg/agent/context.go only ever builds a
// prompt, never trims history), so the orchestration here is new — it is
// however built entirely out of storage.MessageRepo operations
// (DeleteBefore/InsertSummary) that already existed in pkg/storage for
// exactly this purpose, and reuses pkg/memory.KnowledgeExtractor for the
// optional fact-flush rather than introducing a second extraction path.
package compactor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/storage"
)

// Config tunes when and how compaction runs (spec.md §4.4 defaults).
type Config struct {
	Threshold    int           // message.count(session) > Threshold triggers compaction
	Fraction     float64       // fraction of messages to summarize, default 0.5
	Model        string        // inference model for the summarization call
	Timeout      time.Duration // default 60s
	FlushMemory  bool          // whether to also extract facts into the Memory Index
}

// DefaultConfig matches spec.md's literal defaults.
func DefaultConfig(model string) Config {
	return Config{Threshold: 40, Fraction: 0.5, Model: model, Timeout: 60 * time.Second}
}

// Result reports what one compaction pass did.
type Result struct {
	MessagesRemoved int
	SummaryTokens   int
	FactsExtracted  int
}

// Compactor runs the Compactor (C4) against one Store.
type Compactor struct {
	store     *storage.Store
	provider  providers.LLMProvider
	cfg       Config
	extractor *memory.KnowledgeExtractor
	index     *memoryindex.Index
}

// New builds a Compactor. extractor and index may be nil when
// cfg.FlushMemory is false.
func New(store *storage.Store, provider providers.LLMProvider, cfg Config, extractor *memory.KnowledgeExtractor, index *memoryindex.Index) *Compactor {
	return &Compactor{store: store, provider: provider, cfg: cfg, extractor: extractor, index: index}
}

// ShouldCompact reports whether the session's message count exceeds the
// configured threshold (§4.4's trigger).
func (c *Compactor) ShouldCompact(ctx context.Context, sessionID string) (bool, int, error) {
	count, err := c.store.Messages.Count(ctx, sessionID)
	if err != nil {
		return false, 0, fmt.Errorf("counting messages: %w", err)
	}
	return count > c.cfg.Threshold, count, nil
}

// Run performs one compaction pass if the session is over threshold. It is
// a no-op (zero Result, nil error) if not. Every step is best-effort per
// §4.4: a summarization failure aborts the whole pass, leaving the session
// untouched rather than partially trimmed.
func (c *Compactor) Run(ctx context.Context, userID, sessionID string) (Result, error) {
	over, count, err := c.ShouldCompact(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if !over {
		return Result{}, nil
	}

	n := int(ceilFraction(count, c.cfg.Fraction))
	if n < 1 {
		n = 1
	}
	if n >= count {
		n = count - 1
	}
	if n < 1 {
		return Result{}, nil
	}

	// MessageRepo.Get returns the newest `limit` messages in chronological
	// order; requesting the full count and taking a prefix is how the
	// oldest n are obtained without a dedicated repo method.
	all, err := c.store.Messages.Get(ctx, sessionID, count)
	if err != nil {
		return Result{}, fmt.Errorf("loading messages: %w", err)
	}
	if len(all) <= n {
		n = len(all) - 1
	}
	if n < 1 {
		return Result{}, nil
	}
	oldest := all[:n]

	summaryText, err := c.summarize(ctx, oldest)
	if err != nil {
		logger.WarnCF("compactor", "summarization failed, aborting compaction", map[string]interface{}{
			"session_id": sessionID, "error": err.Error(),
		})
		return Result{}, fmt.Errorf("summarizing: %w", err)
	}

	factsExtracted := 0
	if c.cfg.FlushMemory && c.extractor != nil && c.index != nil {
		factsExtracted = c.flushFacts(ctx, userID, summaryText)
	}

	// DeleteBefore removes rows strictly older than the cutoff, so the
	// cutoff is the first message kept.
	cutoffID := all[n].ID
	removed, err := c.store.Messages.DeleteBefore(ctx, sessionID, cutoffID)
	if err != nil {
		return Result{}, fmt.Errorf("deleting summarized messages: %w", err)
	}
	if _, err := c.store.Messages.InsertSummary(ctx, sessionID, summaryText); err != nil {
		return Result{}, fmt.Errorf("inserting summary: %w", err)
	}

	return Result{
		MessagesRemoved: removed,
		SummaryTokens:   estimateTokens(summaryText),
		FactsExtracted:  factsExtracted,
	}, nil
}

func ceilFraction(count int, fraction float64) int {
	f := float64(count) * fraction
	n := int(f)
	if f > float64(n) {
		n++
	}
	return n
}

const summarizationInstruction = "Summarize the following conversation in under 200 words. Preserve concrete facts, decisions, and stated preferences; drop small talk.\n\n"

func (c *Compactor) summarize(ctx context.Context, msgs []storage.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var b strings.Builder
	b.WriteString(summarizationInstruction)
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.provider.Chat(ctx, []providers.Message{{Role: "user", Content: b.String()}}, nil, c.cfg.Model, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  300,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (c *Compactor) flushFacts(ctx context.Context, userID, summaryText string) int {
	facts, err := c.extractor.ExtractFacts(ctx, summaryText)
	if err != nil {
		logger.WarnCF("compactor", "fact flush failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	count := 0
	for _, f := range facts {
		mem := &storage.Memory{
			UserID:   userID,
			Category: mapCategory(f.Category),
			Content:  f.Fact,
		}
		if err := c.index.Add(ctx, mem); err != nil {
			logger.WarnCF("compactor", "failed to add flushed memory", map[string]interface{}{"error": err.Error()})
			continue
		}
		count++
	}
	return count
}

func mapCategory(c string) storage.MemoryCategory {
	switch storage.MemoryCategory(c) {
	case storage.CategoryPreference, storage.CategoryFact, storage.CategoryCorrection, storage.CategoryGeneral:
		return storage.MemoryCategory(c)
	default:
		return storage.CategoryGeneral
	}
}

func estimateTokens(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		isWord := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord && !inWord {
			n++
		}
		inWord = isWord
	}
	return n
}
