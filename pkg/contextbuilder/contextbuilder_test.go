package contextbuilder

import (
	"context"
	"strings"
	"testing"

	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/storage"
)

func TestEstimateTokensCountsWordsAndPunctuation(t *testing.T) {
	n := EstimateTokens("Hello, world!")
	// "Hello" "," "world" "!" -> 4 units.
	if n != 4 {
		t.Fatalf("expected 4 token units, got %d", n)
	}
	if EstimateTokens("") != 0 {
		t.Fatalf("expected 0 for empty string")
	}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildProducesValidContextWithNoOptionalSources(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.Users.FindOrCreate(ctx, "ext-1")
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	sess, err := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	b := New(s, nil, nil, nil, nil, nil, DefaultBudget(), nil, nil)
	built, err := b.Build(ctx, sess, u, "hello there", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(built.System, "assistant") {
		t.Fatalf("expected fallback system identity, got %q", built.System)
	}
	if built.EstimatedTokens <= 0 {
		t.Fatalf("expected positive token estimate")
	}
}

func TestBuildIncludesPinnedAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	if err := s.Memories.Add(ctx, &storage.Memory{
		UserID:   u.ID,
		Category: storage.CategoryFact,
		Content:  "User's favorite color is teal.",
		Pinned:   true,
	}); err != nil {
		t.Fatalf("adding pinned memory: %v", err)
	}

	if _, err := s.Messages.Add(ctx, sess.ID, storage.RoleUser, "what's my favorite color?", ""); err != nil {
		t.Fatalf("adding message: %v", err)
	}
	if _, err := s.Messages.Add(ctx, sess.ID, storage.RoleAssistant, "Teal.", ""); err != nil {
		t.Fatalf("adding message: %v", err)
	}

	idx, err := memoryindex.New(t.TempDir(), s, nil)
	if err != nil {
		t.Fatalf("opening memory index: %v", err)
	}

	b := New(s, idx, nil, nil, nil, nil, DefaultBudget(), nil, nil)
	built, err := b.Build(ctx, sess, u, "remind me", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(built.Memory, "teal") {
		t.Fatalf("expected pinned memory in context, got %q", built.Memory)
	}
	if len(built.History) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(built.History))
	}
}

func TestBuildSurfacesRelevantRelations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	idx, err := memoryindex.New(t.TempDir(), s, nil)
	if err != nil {
		t.Fatalf("opening memory index: %v", err)
	}

	relations := memory.NewRelationStore(t.TempDir())
	if err := relations.Add(memory.Relation{Subject: "Charlie", Predicate: "manages", Object: "the venue booking"}); err != nil {
		t.Fatalf("adding relation: %v", err)
	}

	b := New(s, idx, nil, nil, nil, nil, DefaultBudget(), nil, relations)
	built, err := b.Build(ctx, sess, u, "what did Charlie say about the venue?", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(built.Memory, "Charlie manages the venue booking") {
		t.Fatalf("expected the known relationship in context, got %q", built.Memory)
	}

	builtNoMention, err := b.Build(ctx, sess, u, "what's the weather like", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if strings.Contains(builtNoMention.Memory, "Charlie") {
		t.Fatalf("did not expect an unrelated turn to surface Charlie's relation, got %q", builtNoMention.Memory)
	}
}

func TestEnforceBudgetDropsOldestHistoryFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	for i := 0; i < 10; i++ {
		if _, err := s.Messages.Add(ctx, sess.ID, storage.RoleUser, "a fairly long message to burn through the token budget quickly", ""); err != nil {
			t.Fatalf("adding message: %v", err)
		}
	}

	b := New(s, nil, nil, nil, nil, nil, Budget{
		MaxTotalTokens:  5,
		MaxHistoryTurns: 20,
		MaxMemoryItems:  8,
		KnowledgeTopK:   6,
		KnowledgeShare:  0.25,
	}, nil, nil)

	built, err := b.Build(ctx, sess, u, "now", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(built.History) != 0 {
		t.Fatalf("expected all history dropped under a tiny budget, got %d turns", len(built.History))
	}
}
