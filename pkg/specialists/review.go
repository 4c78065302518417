package specialists

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/providers"
)

const reviewPrompt = `You are reviewing recent interactions for the specialist "%s".

Below are recent knowledge entries extracted from conversations involving this specialist. Analyze them and produce self-improvement notes:

1. What patterns are you seeing in the questions/requests?
2. What knowledge gaps did you notice?
3. What could you do better next time?
4. Any recurring topics or entities to track more closely?

Keep your notes concise and actionable (max 10 bullet points).

RECENT KNOWLEDGE:
%s

Write your self-improvement notes below:`

// ReviewSpecialist analyzes recent specialist interactions and writes learnings.
func ReviewSpecialist(ctx context.Context, name string, provider providers.LLMProvider, model string, store *memory.VectorStore, workspace string) error {
	if store == nil {
		return fmt.Errorf("vector store not available")
	}

	// Pull up to 20 knowledge entries ranked by similarity to a generic
	// query: specialist-scoped ones first, topped up with global entries.
	facts, err := store.SearchKnowledgeScoped(ctx, "recent interactions and consultations", 20, name)
	if err != nil {
		return fmt.Errorf("search specialist knowledge: %w", err)
	}

	if len(facts) == 0 {
		logger.InfoCF("specialist", "No recent knowledge for review", map[string]interface{}{
			"specialist": name,
		})
		return nil
	}

	// Format facts for the prompt
	var factLines []string
	for _, f := range facts {
		factLines = append(factLines, fmt.Sprintf("- [%s] %s", f.Category, f.Content))
	}

	prompt := fmt.Sprintf(reviewPrompt, name, strings.Join(factLines, "\n"))

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := provider.Chat(ctx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return fmt.Errorf("review LLM call: %w", err)
	}

	// Write to LEARNINGS.md, trimming to the most recent maxReviewEntries
	// sections first so a long-running specialist doesn't grow the file
	// without bound every 6 hours.
	learningsPath := filepath.Join(workspace, "specialists", name, "LEARNINGS.md")
	header := fmt.Sprintf("\n\n## Review — %s\n\n", time.Now().Format("2006-01-02"))

	existing, _ := os.ReadFile(learningsPath)
	trimmed := trimToRecentReviews(string(existing), maxReviewEntries)

	if err := os.WriteFile(learningsPath, []byte(trimmed+header+strings.TrimSpace(resp.Content)+"\n"), 0644); err != nil {
		return fmt.Errorf("writing LEARNINGS.md: %w", err)
	}

	logger.InfoCF("specialist", "Specialist review completed", map[string]interface{}{
		"specialist":    name,
		"facts_reviewed": len(facts),
	})

	return nil
}

// maxReviewEntries bounds how many "## Review — <date>" sections
// trimToRecentReviews keeps.
const maxReviewEntries = 10

// trimToRecentReviews keeps only the last n "## Review — " sections of a
// LEARNINGS.md file, preserving any content that precedes the first such
// header (e.g. a hand-written intro) verbatim.
func trimToRecentReviews(content string, n int) string {
	const marker = "## Review — "
	idx := strings.Index(content, marker)
	if idx < 0 {
		return content
	}
	prefix := content[:idx]
	body := content[idx:]

	sections := strings.Split(body, marker)
	// sections[0] is always empty since body starts with marker.
	sections = sections[1:]
	if len(sections) <= n {
		return content
	}
	kept := sections[len(sections)-n:]
	var b strings.Builder
	b.WriteString(prefix)
	for _, s := range kept {
		b.WriteString(marker)
		b.WriteString(s)
	}
	return b.String()
}

// ReviewAllSpecialists runs a review for each specialist that has knowledge entries.
func ReviewAllSpecialists(ctx context.Context, loader *SpecialistLoader, provider providers.LLMProvider, model string, store *memory.VectorStore, workspace string) {
	specialists := loader.ListSpecialists()
	for _, s := range specialists {
		if err := ReviewSpecialist(ctx, s.Name, provider, model, store, workspace); err != nil {
			logger.WarnCF("specialist", "Review failed", map[string]interface{}{
				"specialist": s.Name,
				"error":      err.Error(),
			})
		}
	}
}
