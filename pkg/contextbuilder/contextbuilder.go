// Package contextbuilder is the Context Builder (C3): it assembles the
// persona system prompt, a user-owned life profile, retrieved memories,
// knowledge chunks, and bounded session history into the single prompt the
// tool loop (C5) sends to the inference backend, enforcing a token budget
// per spec.md §4.3. Grounded on the teacher's pkg/agent/context.go, which
// performs the same ordered-section assembly for a single fixed persona;
// this package generalizes it to per-session personas, a pluggable life
// profile, and explicit budget accounting the teacher never needed.
package contextbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sipeed/beacon/pkg/gatewaymetrics"
	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/storage"
)

// KnowledgeChunk is one transient, resolved-at-build-time fragment from a
// knowledge pack (§3: "not persisted by the core").
type KnowledgeChunk struct {
	Text     string
	Priority int
	Score    float32
}

// KnowledgeSource resolves knowledge chunks relevant to a query. Gateway
// wiring (C12) supplies the concrete implementation; nil is a valid
// "no knowledge configured" source.
type KnowledgeSource interface {
	Search(ctx context.Context, query string, k int) ([]KnowledgeChunk, error)
}

// ProfileFetcher resolves a user's life-profile document from its
// persisted path/URL reference (§4.3 step 2). The default implementation
// handles local file paths and http(s) URLs.
type ProfileFetcher interface {
	Fetch(ctx context.Context, ref string) (string, error)
}

// SkillSummaryProvider supplies the always-include skill text (and the
// tool-availability section) injected into the system prompt, satisfied by
// pkg/skills.Loader.
type SkillSummaryProvider interface {
	AlwaysIncludeSummary(ctx context.Context, userID string) (string, error)
}

// PersonaProvider resolves a persona's identity document by ID, satisfied
// by PersonaLoader below.
type PersonaProvider interface {
	Load(ctx context.Context, persona string) (string, error)
}

// BuiltContext is the Context Builder's output (§4.3's literal contract).
type BuiltContext struct {
	System          string
	Profile         string
	Memory          string
	Knowledge       string
	History         []providers.Message
	EstimatedTokens int
}

// Budget controls how aggressively Build truncates to fit within a total
// token ceiling. Defaults match spec.md: knowledge gets one quarter of the
// total, history defaults to the last 20 messages before truncation.
type Budget struct {
	MaxTotalTokens   int
	MaxHistoryTurns  int
	MaxMemoryItems   int
	KnowledgeTopK    int
	KnowledgeShare   float64 // fraction of MaxTotalTokens reserved for knowledge
}

// DefaultBudget returns the gateway's standard token budget.
func DefaultBudget() Budget {
	return Budget{
		MaxTotalTokens:  8000,
		MaxHistoryTurns: 20,
		MaxMemoryItems:  8,
		KnowledgeTopK:   6,
		KnowledgeShare:  0.25,
	}
}

// Builder assembles BuiltContext values per §4.3.
type Builder struct {
	store    *storage.Store
	index    *memoryindex.Index
	persona  PersonaProvider
	skills   SkillSummaryProvider
	knowledge KnowledgeSource
	profiles ProfileFetcher
	budget   Budget
	metrics  *gatewaymetrics.Metrics
	relations *memory.RelationStore
}

// New constructs a Builder. skills, knowledge, and profiles may be nil —
// Build proceeds with the remaining sources per the §4.3 failure policy.
// m may be nil to skip search-latency instrumentation. relations may be
// nil to skip the known-relationships line in the memory section.
func New(store *storage.Store, index *memoryindex.Index, persona PersonaProvider, skills SkillSummaryProvider, knowledge KnowledgeSource, profiles ProfileFetcher, budget Budget, m *gatewaymetrics.Metrics, relations *memory.RelationStore) *Builder {
	if profiles == nil {
		profiles = defaultProfileFetcher{}
	}
	return &Builder{
		store: store, index: index, persona: persona, skills: skills,
		knowledge: knowledge, profiles: profiles, budget: budget, metrics: m,
		relations: relations,
	}
}

// Build assembles a BuiltContext for one inbound message. On any
// sub-source failure it logs and proceeds with the remaining sources — the
// current message alone is always a valid context.
func (b *Builder) Build(ctx context.Context, session *storage.Session, user *storage.User, currentText string, thread string) (*BuiltContext, error) {
	out := &BuiltContext{}

	out.System = b.buildSystemPrompt(ctx, session, user)

	if user.ProfileRef != "" {
		profile, err := b.profiles.Fetch(ctx, user.ProfileRef)
		if err != nil {
			logger.WarnCF("contextbuilder", "profile fetch failed, continuing without it",
				map[string]interface{}{"user_id": user.ID, "ref": user.ProfileRef, "error": err.Error()})
		} else {
			out.Profile = profile
		}
	}

	memText, pinnedTokens := b.buildMemoryContext(ctx, user.ID, currentText)

	knowledgeBudget := int(float64(b.budget.MaxTotalTokens) * b.budget.KnowledgeShare)
	knowledgeText := b.buildKnowledge(ctx, currentText, knowledgeBudget)

	history, err := b.loadHistory(ctx, session, thread)
	if err != nil {
		logger.WarnCF("contextbuilder", "history load failed, continuing without it",
			map[string]interface{}{"session_id": session.ID, "error": err.Error()})
		history = nil
	}

	out.Memory = memText
	out.Knowledge = knowledgeText
	out.History = history

	out.EstimatedTokens = EstimateTokens(out.System) + EstimateTokens(out.Profile) +
		EstimateTokens(out.Memory) + EstimateTokens(out.Knowledge) +
		EstimateTokens(currentText) + estimateHistoryTokens(out.History)

	b.enforceBudget(out, pinnedTokens, currentText)

	return out, nil
}

// enforceBudget drops sources in the order §4.3 mandates: oldest history
// first, then knowledge, then low-priority (unpinned) memories. The
// persona system prompt and pinned memories are never dropped.
func (b *Builder) enforceBudget(out *BuiltContext, pinnedTokens int, currentText string) {
	floor := EstimateTokens(out.System) + EstimateTokens(currentText) + pinnedTokens

	for out.EstimatedTokens > b.budget.MaxTotalTokens && len(out.History) > 0 {
		dropped := out.History[0]
		out.History = out.History[1:]
		out.EstimatedTokens -= EstimateTokens(dropped.Content)
	}

	if out.EstimatedTokens > b.budget.MaxTotalTokens && out.Knowledge != "" {
		out.EstimatedTokens -= EstimateTokens(out.Knowledge)
		out.Knowledge = ""
	}

	if out.EstimatedTokens > b.budget.MaxTotalTokens && out.Memory != "" {
		// Memory section already has pinned items separated from the
		// truncatable tail by buildMemoryContext's marker; drop the tail
		// only, never the pinned block counted in floor.
		if idx := strings.Index(out.Memory, memoryTailMarker); idx >= 0 {
			tailTokens := EstimateTokens(out.Memory[idx+len(memoryTailMarker):])
			out.Memory = out.Memory[:idx]
			out.EstimatedTokens -= tailTokens
		}
	}

	if out.EstimatedTokens < floor {
		out.EstimatedTokens = floor
	}
}

const memoryTailMarker = "\n<!-- low-priority -->\n"

func (b *Builder) buildSystemPrompt(ctx context.Context, session *storage.Session, user *storage.User) string {
	var parts []string

	persona := session.Persona
	if b.persona != nil {
		if text, err := b.persona.Load(ctx, persona); err != nil {
			logger.WarnCF("contextbuilder", "persona load failed, using bare identity",
				map[string]interface{}{"persona": persona, "error": err.Error()})
		} else if text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("You are %s, a conversational assistant.", fallback(persona, "the assistant")))
	}

	if b.skills != nil {
		summary, err := b.skills.AlwaysIncludeSummary(ctx, user.ID)
		if err != nil {
			logger.WarnCF("contextbuilder", "skill summary failed, continuing without it",
				map[string]interface{}{"error": err.Error()})
		} else if summary != "" {
			parts = append(parts, "# Skills\n\n"+summary)
		}
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *Builder) buildMemoryContext(ctx context.Context, userID, currentText string) (string, int) {
	if b.index == nil {
		return "", 0
	}

	pinned, err := b.store.Memories.GetContext(ctx, userID, b.budget.MaxMemoryItems)
	if err != nil {
		logger.WarnCF("contextbuilder", "pinned memory fetch failed, continuing without it",
			map[string]interface{}{"user_id": userID, "error": err.Error()})
		pinned = nil
	}

	searchStart := time.Now()
	hits, err := b.index.SearchHybrid(ctx, userID, currentText, nil, b.budget.MaxMemoryItems)
	b.metrics.RecordMemorySearch("hybrid", time.Since(searchStart))
	if err != nil {
		logger.WarnCF("contextbuilder", "memory search failed, continuing without it",
			map[string]interface{}{"user_id": userID, "error": err.Error()})
		hits = nil
	}

	var pinnedLines []string
	var tailLines []string
	seen := make(map[string]bool)
	pinnedTokens := 0

	for _, m := range pinned {
		if !m.Pinned || seen[m.ID] {
			continue
		}
		line := "- " + m.Content
		pinnedLines = append(pinnedLines, line)
		pinnedTokens += EstimateTokens(line)
		seen[m.ID] = true
	}
	for _, r := range hits {
		if seen[r.Memory.ID] {
			continue
		}
		if r.Memory.Pinned {
			line := "- " + r.Memory.Content
			pinnedLines = append(pinnedLines, line)
			pinnedTokens += EstimateTokens(line)
		} else {
			tailLines = append(tailLines, "- "+r.Memory.Content)
		}
		seen[r.Memory.ID] = true
		_ = b.store.Memories.Touch(ctx, r.Memory.ID)
	}

	relationLines := b.relevantRelations(currentText)

	if len(pinnedLines) == 0 && len(tailLines) == 0 && len(relationLines) == 0 {
		return "", 0
	}

	var sb strings.Builder
	if len(pinnedLines) > 0 {
		sb.WriteString(strings.Join(pinnedLines, "\n"))
	}
	if len(relationLines) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Known relationships:\n")
		sb.WriteString(strings.Join(relationLines, "\n"))
	}
	if len(tailLines) > 0 {
		sb.WriteString(memoryTailMarker)
		sb.WriteString(strings.Join(tailLines, "\n"))
	}
	return sb.String(), pinnedTokens
}

var capitalizedWordRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// relevantRelations does a cheap entity-mention scan of currentText
// (capitalized words as candidate names) and returns every stored relation
// touching one of them, formatted one per line. This is a heuristic, not
// NER — it trades precision for not needing another LLM call on every turn
// just to decide whether to mention a relationship the user already told
// the gateway about.
func (b *Builder) relevantRelations(currentText string) []string {
	if b.relations == nil {
		return nil
	}
	var lines []string
	seen := make(map[string]bool)
	for _, candidate := range capitalizedWordRe.FindAllString(currentText, -1) {
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		for _, rel := range b.relations.QueryExpanded(candidate, 2) {
			line := rel.Subject + " " + rel.Predicate + " " + rel.Object
			if !seen[line] {
				seen[line] = true
				lines = append(lines, "- "+line)
			}
		}
	}
	return lines
}

func (b *Builder) buildKnowledge(ctx context.Context, currentText string, budget int) string {
	if b.knowledge == nil {
		return ""
	}
	searchStart := time.Now()
	chunks, err := b.knowledge.Search(ctx, currentText, DefaultBudget().KnowledgeTopK)
	b.metrics.RecordMemorySearch("knowledge", time.Since(searchStart))
	if err != nil {
		logger.WarnCF("contextbuilder", "knowledge search failed, continuing without it",
			map[string]interface{}{"error": err.Error()})
		return ""
	}
	var sb strings.Builder
	used := 0
	for _, c := range chunks {
		t := EstimateTokens(c.Text)
		if used+t > budget {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(c.Text)
		used += t
	}
	return sb.String()
}

func (b *Builder) loadHistory(ctx context.Context, session *storage.Session, thread string) ([]providers.Message, error) {
	var rows []storage.Message
	var err error
	if thread != "" {
		rows, err = b.store.Messages.GetInThread(ctx, session.ID, thread, b.budget.MaxHistoryTurns)
	} else {
		rows, err = b.store.Messages.Get(ctx, session.ID, b.budget.MaxHistoryTurns)
	}
	if err != nil {
		return nil, err
	}

	out := make([]providers.Message, 0, len(rows))
	for _, m := range rows {
		role := string(m.Role)
		if role == "" {
			continue
		}
		out = append(out, providers.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

func estimateHistoryTokens(history []providers.Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m.Content)
	}
	return total
}

// tokenPartRe matches either a run of alphanumerics or a single punctuation
// character, the unit this heuristic counts as "one token" — a
// conservative stand-in for a real BPE tokenizer (§4.3).
var tokenPartRe = regexp.MustCompile(`[A-Za-z0-9]+|[^\sA-Za-z0-9]`)

// EstimateTokens applies the whitespace-and-punctuation heuristic §4.3
// requires in place of a real tokenizer.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(tokenPartRe.FindAllString(s, -1))
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
