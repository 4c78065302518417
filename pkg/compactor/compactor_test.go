package compactor

import (
	"context"
	"testing"

	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/storage"
)

type fakeProvider struct {
	response string
}

func (f *fakeProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: f.response, FinishReason: "stop"}, nil
}

func (f *fakeProvider) GetDefaultModel() string { return "test-model" }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCompactor_NoOpBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")
	s.Messages.Add(ctx, sess.ID, storage.RoleUser, "hi", "")

	c := New(s, &fakeProvider{response: "summary"}, Config{Threshold: 40, Fraction: 0.5, Model: "test-model"}, nil, nil)
	res, err := c.Run(ctx, u.ID, sess.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesRemoved != 0 {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestCompactor_CompactsOverThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	const total = 10
	for i := 0; i < total; i++ {
		s.Messages.Add(ctx, sess.ID, storage.RoleUser, "message", "")
	}

	c := New(s, &fakeProvider{response: "condensed summary"}, Config{Threshold: 5, Fraction: 0.5, Model: "test-model"}, nil, nil)
	res, err := c.Run(ctx, u.ID, sess.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesRemoved != 5 {
		t.Fatalf("expected 5 messages removed, got %d", res.MessagesRemoved)
	}

	remaining, err := s.Messages.Count(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != total-5+1 {
		t.Fatalf("expected %d remaining (oldest removed + summary), got %d", total-5+1, remaining)
	}

	history, err := s.Messages.Get(ctx, sess.ID, remaining)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if history[0].Role != storage.RoleSystem {
		t.Fatalf("expected summary message first, got role %s", history[0].Role)
	}
}

func TestCompactor_NeverRemovesAllMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, _ := s.Users.FindOrCreate(ctx, "ext-1")
	sess, _ := s.Sessions.FindOrCreate(ctx, u.ID, "telegram", "chat-1", "default")

	s.Messages.Add(ctx, sess.ID, storage.RoleUser, "only one over threshold", "")
	s.Messages.Add(ctx, sess.ID, storage.RoleAssistant, "reply", "")

	c := New(s, &fakeProvider{response: "summary"}, Config{Threshold: 1, Fraction: 1.0, Model: "test-model"}, nil, nil)
	res, err := c.Run(ctx, u.ID, sess.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.MessagesRemoved >= 2 {
		t.Fatalf("expected at least one message preserved, removed %d of 2", res.MessagesRemoved)
	}
}
