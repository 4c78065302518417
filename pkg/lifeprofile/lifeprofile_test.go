package lifeprofile

import (
	"context"
	"testing"

	"github.com/sipeed/beacon/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExport_PinnedMemoryGetsFullConfidence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, err := s.Users.FindOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if err := s.Memories.Add(ctx, &storage.Memory{UserID: user.ID, Category: storage.CategoryFact, Content: "Likes Go", Pinned: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Memories.Add(ctx, &storage.Memory{UserID: user.ID, Category: storage.CategoryPreference, Content: "Dark mode"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := Export(ctx, s.Memories, user.ID, "orin", 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("expected 2 facts, got %d", result.Count)
	}
	cfg := result.Document.Assistants["orin"]
	var found bool
	for _, f := range cfg.LearnedFacts {
		if f.Fact == "Likes Go" {
			found = true
			if f.Confidence == nil || *f.Confidence != 1.0 {
				t.Fatalf("expected pinned memory confidence 1.0, got %v", f.Confidence)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find pinned fact in export")
	}
}

func TestImport_DedupsByContentHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, err := s.Users.FindOrCreate(ctx, "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	doc := `{"version":"1.0.0","assistants":{"orin":{"learnedFacts":[{"fact":"Prefers Rust"},{"fact":"New fact"}]}}}`
	first, err := Import(ctx, s.Memories, user.ID, doc, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if first.Imported != 2 || first.Skipped != 0 {
		t.Fatalf("expected 2 imported, 0 skipped, got %+v", first)
	}

	second, err := Import(ctx, s.Memories, user.ID, doc, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if second.Imported != 0 || second.Skipped != 2 {
		t.Fatalf("expected re-import to be fully deduped, got %+v", second)
	}
}

func TestImport_FiltersByPersona(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, err := s.Users.FindOrCreate(ctx, "u3")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	doc := `{"version":"1.0.0","assistants":{
		"orin":{"learnedFacts":[{"fact":"For Orin"}]},
		"other":{"learnedFacts":[{"fact":"For Other"}]}
	}}`
	result, err := Import(ctx, s.Memories, user.ID, doc, "orin")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Imported != 1 {
		t.Fatalf("expected 1 imported with persona filter, got %+v", result)
	}
}
