package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/channels"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/contextbuilder"
	"github.com/sipeed/beacon/pkg/hooks"
	"github.com/sipeed/beacon/pkg/metrics"
	"github.com/sipeed/beacon/pkg/pairing"
	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/storage"
	"github.com/sipeed/beacon/pkg/tools"
)

// fakeChannel records every call the pipeline makes against it.
type fakeChannel struct {
	channels.BaseChannel
	mu       sync.Mutex
	name     string
	sent     []bus.OutgoingMessage
	reacted  []string
	typingN  int
}

func newFakeChannel(name string, caps ...channels.Capability) *fakeChannel {
	return &fakeChannel{BaseChannel: channels.NewBaseChannel(caps...), name: name}
}

func (f *fakeChannel) Name() string                           { return f.name }
func (f *fakeChannel) Connect(ctx context.Context) error      { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error   { return nil }
func (f *fakeChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingN++
	return nil
}

func (f *fakeChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacted = append(f.reacted, emoji)
	return nil
}

// fakeProvider always returns a fixed, tool-free response.
type fakeProvider struct {
	reply string
	usage *providers.UsageInfo
}

func (p *fakeProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, opts map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: p.reply, FinishReason: "stop", Usage: p.usage}, nil
}

func (p *fakeProvider) GetDefaultModel() string { return "fake-model" }

// messageToolCallProvider calls the message tool on its first turn, then
// returns finalText as an ordinary non-tool finish — the exact shape that
// used to double-send before Pipeline.finish learned to check
// MessageTool.HasSentInRound.
type messageToolCallProvider struct {
	finalText string
	calls     int
}

func (p *messageToolCallProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, opts map[string]interface{}) (*providers.LLMResponse, error) {
	p.calls++
	if p.calls == 1 {
		return &providers.LLMResponse{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call1", Name: "message", Arguments: map[string]interface{}{"content": "sent via tool"}},
			},
		}, nil
	}
	return &providers.LLMResponse{Content: p.finalText, FinishReason: "stop"}, nil
}

func (p *messageToolCallProvider) GetDefaultModel() string { return "fake-model" }

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T, ch *fakeChannel, reply string) (*Pipeline, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	gate := pairing.New(config.DmPolicyOpen, store.Pairings)
	builder := contextbuilder.New(store, nil, nil, nil, nil, nil, contextbuilder.DefaultBudget(), nil, nil)
	registry := tools.NewToolRegistry()
	hookMgr := hooks.NewManager(nil)
	provider := &fakeProvider{reply: reply}
	b := bus.New(bus.DefaultCapacity)

	p := New(ch, b, store, gate, builder, registry, provider, hookMgr, nil, noopAttachments{}, nil, nil, nil, DefaultConfig("fake-model", "orin", "org1"))
	return p, store
}

type noopAttachments struct{}

func (noopAttachments) Describe(ctx context.Context, a bus.Attachment) (string, error) { return "", nil }

func TestProcessOne_HappyPathPersistsAndReplies(t *testing.T) {
	ch := newFakeChannel("telegram", channels.CapReactions)
	p, store := newTestPipeline(t, ch, "hello back")

	msg := bus.IncomingMessage{ID: "m1", Channel: "telegram", ChannelID: "chat1", SenderID: "user1", IsDM: true, Content: "hi there"}
	p.processOne(context.Background(), msg)

	if len(ch.sent) != 1 || ch.sent[0].Content != "hello back" {
		t.Fatalf("expected one reply with the provider's content, got %+v", ch.sent)
	}
	if len(ch.reacted) != 2 || ch.reacted[0] != "👀" || ch.reacted[1] != "✅" {
		t.Fatalf("expected ack then done reactions, got %v", ch.reacted)
	}

	user, err := store.Users.FindOrCreate(context.Background(), "user1")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	session, err := store.Sessions.FindOrCreate(context.Background(), user.ID, "telegram", "chat1", "orin")
	if err != nil {
		t.Fatalf("FindOrCreate session: %v", err)
	}
	msgs, err := store.Messages.Get(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected inbound+outbound persisted, got %d messages", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "hi there" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != storage.RoleAssistant || msgs[1].Content != "hello back" {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
}

func TestProcessOne_BeforeAgentHookSkipsAgentWithReply(t *testing.T) {
	ch := newFakeChannel("telegram")
	p, _ := newTestPipeline(t, ch, "should not be used")
	p.hookMgr = hooks.NewManager(map[hooks.Point][]string{hooks.BeforeAgent: {"intercept"}})
	p.hookMgr.Register(hooks.FuncHandler{HandlerName: "intercept", Fn: func(ctx context.Context, hctx hooks.Context) (hooks.Result, error) {
		return hooks.Result{SkipAgent: true, Reply: "intercepted"}, nil
	}})

	msg := bus.IncomingMessage{ID: "m2", Channel: "telegram", ChannelID: "chat2", SenderID: "user2", IsDM: true, Content: "hi"}
	p.processOne(context.Background(), msg)

	if len(ch.sent) != 1 || ch.sent[0].Content != "intercepted" {
		t.Fatalf("expected the hook's reply to be delivered instead of the agent's, got %+v", ch.sent)
	}
}

func TestProcessOne_PairingDenialDropsMessage(t *testing.T) {
	ch := newFakeChannel("telegram")
	store := newTestStore(t)
	gate := pairing.New(config.DmPolicyAllowlist, store.Pairings)
	builder := contextbuilder.New(store, nil, nil, nil, nil, nil, contextbuilder.DefaultBudget(), nil, nil)
	registry := tools.NewToolRegistry()
	hookMgr := hooks.NewManager(nil)
	provider := &fakeProvider{reply: "should not be sent"}
	b := bus.New(bus.DefaultCapacity)
	p := New(ch, b, store, gate, builder, registry, provider, hookMgr, nil, noopAttachments{}, nil, nil, nil, DefaultConfig("fake-model", "orin", "org1"))

	msg := bus.IncomingMessage{ID: "m3", Channel: "telegram", ChannelID: "chat3", SenderID: "stranger", IsDM: true, Content: "hi"}
	p.processOne(context.Background(), msg)

	if len(ch.sent) != 0 {
		t.Fatalf("expected the denied message to be dropped without a reply, got %+v", ch.sent)
	}
	for _, s := range ch.sent {
		if s.Content == "should not be sent" {
			t.Fatalf("denied sender must not reach the agent")
		}
	}
}

func TestProcessOne_RecordsTokenUsageWhenTrackerConfigured(t *testing.T) {
	ch := newFakeChannel("telegram", channels.CapReactions)
	store := newTestStore(t)
	gate := pairing.New(config.DmPolicyOpen, store.Pairings)
	builder := contextbuilder.New(store, nil, nil, nil, nil, nil, contextbuilder.DefaultBudget(), nil, nil)
	registry := tools.NewToolRegistry()
	hookMgr := hooks.NewManager(nil)
	provider := &fakeProvider{reply: "hello back", usage: &providers.UsageInfo{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}}
	b := bus.New(bus.DefaultCapacity)

	workspace := t.TempDir()
	tracker := metrics.NewTracker(workspace)

	p := New(ch, b, store, gate, builder, registry, provider, hookMgr, nil, noopAttachments{}, nil, tracker, nil, DefaultConfig("fake-model", "orin", "org1"))

	msg := bus.IncomingMessage{ID: "m4", Channel: "telegram", ChannelID: "chat4", SenderID: "user4", IsDM: true, Content: "hi there"}
	p.processOne(context.Background(), msg)

	data, err := os.ReadFile(filepath.Join(workspace, "metrics", "tokens.jsonl"))
	if err != nil {
		t.Fatalf("reading tokens.jsonl: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		t.Fatal("expected at least one recorded token event")
	}
	if !strings.Contains(line, `"in":120`) || !strings.Contains(line, `"out":30`) {
		t.Fatalf("expected recorded usage to reflect the provider's response, got %s", line)
	}
}

func TestProcessOne_DoesNotDoubleSendWhenMessageToolAlreadySent(t *testing.T) {
	ch := newFakeChannel("telegram", channels.CapReactions)
	store := newTestStore(t)
	gate := pairing.New(config.DmPolicyOpen, store.Pairings)
	builder := contextbuilder.New(store, nil, nil, nil, nil, nil, contextbuilder.DefaultBudget(), nil, nil)

	registry := tools.NewToolRegistry()
	messageTool := tools.NewMessageTool()
	var sentDirect []string
	messageTool.SetSendCallback(func(channel, chatID, content string, metadata map[string]string) error {
		sentDirect = append(sentDirect, content)
		return nil
	})
	registry.MustRegister(messageTool)

	hookMgr := hooks.NewManager(nil)
	provider := &messageToolCallProvider{finalText: "a redundant final reply"}
	b := bus.New(bus.DefaultCapacity)

	p := New(ch, b, store, gate, builder, registry, provider, hookMgr, nil, noopAttachments{}, nil, nil, nil, DefaultConfig("fake-model", "orin", "org1"))

	msg := bus.IncomingMessage{ID: "m5", Channel: "telegram", ChannelID: "chat5", SenderID: "user5", IsDM: true, Content: "hi"}
	p.processOne(context.Background(), msg)

	if len(sentDirect) != 1 || sentDirect[0] != "sent via tool" {
		t.Fatalf("expected exactly one tool-routed send, got %v", sentDirect)
	}
	if len(ch.sent) != 0 {
		t.Fatalf("expected the pipeline to skip its own reply once the message tool already sent this round, got %+v", ch.sent)
	}
}
