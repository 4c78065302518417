package pairing

import (
	"context"
	"strings"
	"testing"

	"github.com/sipeed/beacon/pkg/config"
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

func TestGate_OpenPolicyAlwaysAllows(t *testing.T) {
	s := openTestStore(t)
	g := New(config.DmPolicyOpen, s.Pairings)

	res, err := g.Check(context.Background(), "sender-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Decision != Allowed {
		t.Fatalf("expected Allowed, got %s", res.Decision)
	}
}

func TestGate_AllowlistDeniesUnknownSender(t *testing.T) {
	s := openTestStore(t)
	g := New(config.DmPolicyAllowlist, s.Pairings)

	res, err := g.Check(context.Background(), "sender-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Decision != Denied {
		t.Fatalf("expected Denied, got %s", res.Decision)
	}
}

func TestGate_PairingIssuesAndVerifiesCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := New(config.DmPolicyPairing, s.Pairings)

	first, err := g.Check(ctx, "sender-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if first.Decision != PendingPairing {
		t.Fatalf("expected PendingPairing, got %s", first.Decision)
	}

	idx := strings.LastIndex(first.Reply, ": ")
	if idx < 0 {
		t.Fatalf("reply missing code: %q", first.Reply)
	}
	code := strings.Fields(first.Reply[idx+2:])[0]
	if len(code) != storage.PairingCodeLength {
		t.Fatalf("expected %d-char code, got %q", storage.PairingCodeLength, code)
	}

	second, err := g.Check(ctx, "sender-1", "telegram", code)
	if err != nil {
		t.Fatalf("Check with code: %v", err)
	}
	if second.Decision != Allowed {
		t.Fatalf("expected Allowed after correct code, got %s", second.Decision)
	}

	third, err := g.Check(ctx, "sender-1", "telegram", "anything")
	if err != nil {
		t.Fatalf("Check after pairing: %v", err)
	}
	if third.Decision != Allowed {
		t.Fatalf("expected Allowed on subsequent message, got %s", third.Decision)
	}
}

func TestGate_PairingRejectsWrongCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := New(config.DmPolicyPairing, s.Pairings)

	if _, err := g.Check(ctx, "sender-1", "telegram", "hello"); err != nil {
		t.Fatalf("Check: %v", err)
	}

	res, err := g.Check(ctx, "sender-1", "telegram", "WRONG1")
	if err != nil {
		t.Fatalf("Check with wrong code: %v", err)
	}
	if res.Decision != PendingPairing {
		t.Fatalf("expected PendingPairing on wrong code, got %s", res.Decision)
	}
}
