package storage

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dialect: DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserFindOrCreateIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Users.FindOrCreate(ctx, "ext-1")
	if err != nil {
		t.Fatalf("first FindOrCreate: %v", err)
	}
	b, err := s.Users.FindOrCreate(ctx, "ext-1")
	if err != nil {
		t.Fatalf("second FindOrCreate: %v", err)
	}
	if a.ID != b.ID || a.CreatedAt != b.CreatedAt {
		t.Fatalf("expected same row, got %+v vs %+v", a, b)
	}
}

func TestSessionFindOrCreateUniqueByLocus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")

	s1, err := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	s2, err := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "other-persona")
	if err != nil {
		t.Fatalf("refinding session: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected same session for same locus, got %s vs %s", s1.ID, s2.ID)
	}
}

func TestMessageOrderingAndCutoffDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := s.Messages.Add(ctx, sess.ID, RoleUser, "msg", "")
		if err != nil {
			t.Fatalf("adding message %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	got, err := s.Messages.Get(ctx, sess.ID, 5)
	if err != nil {
		t.Fatalf("getting messages: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("expected strictly increasing seq, got %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}

	n, err := s.Messages.DeleteBefore(ctx, sess.ID, ids[3])
	if err != nil {
		t.Fatalf("deleting before cutoff: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}

	count, err := s.Messages.Count(ctx, sess.ID)
	if err != nil {
		t.Fatalf("counting messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 remaining, got %d", count)
	}
}

func TestMemoryContentHashDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")

	m := &Memory{UserID: u.ID, Category: CategoryFact, Content: "likes tea", ContentHash: "hash-1"}
	if err := s.Memories.Add(ctx, m); err != nil {
		t.Fatalf("adding memory: %v", err)
	}

	exists, err := s.Memories.ExistsByContentHash(ctx, u.ID, "hash-1")
	if err != nil {
		t.Fatalf("checking hash: %v", err)
	}
	if !exists {
		t.Fatalf("expected content hash to exist after add")
	}

	missing, err := s.Memories.ExistsByContentHash(ctx, u.ID, "hash-2")
	if err != nil {
		t.Fatalf("checking missing hash: %v", err)
	}
	if missing {
		t.Fatalf("expected unrelated hash to be absent")
	}
}

func TestPairingFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	allowed, err := s.Pairings.IsAllowed(ctx, "sender-1", "telegram")
	if err != nil {
		t.Fatalf("checking initial allowance: %v", err)
	}
	if allowed {
		t.Fatalf("expected sender to be unpaired initially")
	}

	code, err := s.Pairings.GenerateCode(ctx, "sender-1", "telegram")
	if err != nil {
		t.Fatalf("generating code: %v", err)
	}
	if len(code) != PairingCodeLength {
		t.Fatalf("expected %d-char code, got %q", PairingCodeLength, code)
	}

	ok, err := s.Pairings.Verify(ctx, "sender-1", "telegram", "WRONGCODE")
	if err != nil {
		t.Fatalf("verifying wrong code: %v", err)
	}
	if ok {
		t.Fatalf("expected wrong code to fail verification")
	}

	ok, err = s.Pairings.Verify(ctx, "sender-1", "telegram", code)
	if err != nil {
		t.Fatalf("verifying correct code: %v", err)
	}
	if !ok {
		t.Fatalf("expected correct code to verify")
	}

	allowed, err = s.Pairings.IsAllowed(ctx, "sender-1", "telegram")
	if err != nil {
		t.Fatalf("checking allowance after verify: %v", err)
	}
	if !allowed {
		t.Fatalf("expected sender to be allowed after successful verification")
	}

	again, err := s.Pairings.GenerateCode(ctx, "sender-1", "telegram")
	if err != nil {
		t.Fatalf("generating code for already-paired sender: %v", err)
	}
	if again != "" {
		t.Fatalf("expected no new code for already-paired sender, got %q", again)
	}
}

func TestSkillCommandNameCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Skill{Name: "weather", Body: "# weather", SourceOrigin: OriginLocal, Enabled: true, UserInvocable: true, CommandName: "weather"}
	if _, err := s.Skills.InstallWithPriority(ctx, first, PriorityStandard, ""); err != nil {
		t.Fatalf("installing first skill: %v", err)
	}

	second := &Skill{Name: "weather-eu", Body: "# weather eu", SourceOrigin: OriginLocal, Enabled: true, UserInvocable: true, CommandName: "weather"}
	installed, err := s.Skills.InstallWithPriority(ctx, second, PriorityStandard, "")
	if err != nil {
		t.Fatalf("installing colliding skill: %v", err)
	}
	if installed.CommandName == "weather" {
		t.Fatalf("expected collision suffix, got unchanged command_name")
	}
}
