package memory

import (
	"testing"
)

func TestRelationStore_AddQueryDedup(t *testing.T) {
	rs := NewRelationStore(t.TempDir())

	if err := rs.Add(Relation{Subject: "Charlie", Predicate: "manages", Object: "the venue booking"}); err != nil {
		t.Fatalf("adding relation: %v", err)
	}
	// Exact duplicate should be a no-op, not a second entry.
	if err := rs.Add(Relation{Subject: "Charlie", Predicate: "manages", Object: "the venue booking"}); err != nil {
		t.Fatalf("adding duplicate relation: %v", err)
	}

	results := rs.Query("charlie")
	if len(results) != 1 {
		t.Fatalf("expected 1 relation for a case-insensitive subject match, got %d", len(results))
	}

	results = rs.Query("the venue booking")
	if len(results) != 1 {
		t.Fatalf("expected 1 relation matching as object, got %d", len(results))
	}

	if len(rs.Query("nobody")) != 0 {
		t.Fatal("expected no relations for an unrelated entity")
	}
}

func TestRelationStore_QueryScoped(t *testing.T) {
	rs := NewRelationStore(t.TempDir())
	rs.Add(Relation{Subject: "Sarah", Predicate: "approved", Object: "the budget", Specialist: "events"})
	rs.Add(Relation{Subject: "Sarah", Predicate: "reviewed", Object: "the contract", Specialist: "legal"})
	rs.Add(Relation{Subject: "Sarah", Predicate: "works at", Object: "Acme"})

	scoped := rs.QueryScoped("Sarah", "events")
	if len(scoped) != 2 {
		t.Fatalf("expected the events-scoped relation plus the unscoped one, got %d", len(scoped))
	}
	for _, r := range scoped {
		if r.Specialist == "legal" {
			t.Fatalf("did not expect a legal-scoped relation in an events query, got %+v", r)
		}
	}
}

func TestRelationStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	rs := NewRelationStore(dir)
	if err := rs.Add(Relation{Subject: "Charlie", Predicate: "manages", Object: "the venue booking"}); err != nil {
		t.Fatalf("adding relation: %v", err)
	}

	reloaded := NewRelationStore(dir)
	if len(reloaded.Query("Charlie")) != 1 {
		t.Fatalf("expected the relation to survive a reload from disk")
	}
}

func TestFormatRelations(t *testing.T) {
	if got := FormatRelations(nil); got != "" {
		t.Fatalf("expected empty string for no relations, got %q", got)
	}
	out := FormatRelations([]Relation{{Subject: "Charlie", Predicate: "manages", Object: "the venue booking"}})
	want := "Charlie → manages → the venue booking"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}
