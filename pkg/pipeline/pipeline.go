// Package pipeline implements the Message Pipeline (C11): the per-channel
// consumption loop that turns one inbound message into zero or more outbound
// ones, threading it through pairing, hooks, context assembly, the tool
// loop and event publication (§4.11).
//
// Grounded on the teacher's pkg/agent/loop.go AgentLoop.HandleMessage, which
// has the same shape — one function stepping a single inbound message
// through a fixed sequence of side effects, short-circuiting early whenever
// a prior step already produced a reply. The step numbers referenced in
// comments below are this gateway's own, not the teacher's.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/channels"
	"github.com/sipeed/beacon/pkg/compactor"
	"github.com/sipeed/beacon/pkg/contextbuilder"
	"github.com/sipeed/beacon/pkg/gatewaymetrics"
	"github.com/sipeed/beacon/pkg/hooks"
	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/media"
	"github.com/sipeed/beacon/pkg/metrics"
	"github.com/sipeed/beacon/pkg/pairing"
	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/storage"
	"github.com/sipeed/beacon/pkg/tools"
)

// Config tunes one Pipeline's behavior. Zero-value fields fall back to the
// defaults DefaultConfig sets, mirroring compactor.DefaultConfig's shape.
type Config struct {
	Model             string
	DefaultPersona    string
	OrganizationID    string
	AckEmoji          string
	DoneEmoji         string
	EnableReactions   bool
	Stream            bool
	MaxToolIterations int
}

// DefaultConfig returns the gateway's standard pipeline tuning.
func DefaultConfig(model, persona, orgID string) Config {
	return Config{
		Model:             model,
		DefaultPersona:    persona,
		OrganizationID:    orgID,
		AckEmoji:          "👀",
		DoneEmoji:         "✅",
		EnableReactions:   true,
		Stream:            false,
		MaxToolIterations: tools.MaxTurns,
	}
}

// Pipeline wires one channel adapter's inbound queue to the shared gateway
// components. The gateway supervisor (C12) constructs one Pipeline per
// connected channel and runs it in its own goroutine.
type Pipeline struct {
	channel     channels.Channel
	bus         *bus.Bus
	store       *storage.Store
	gate        *pairing.Gate
	builder     *contextbuilder.Builder
	registry    *tools.ToolRegistry
	provider    providers.LLMProvider
	hookMgr     *hooks.Manager
	compactor   *compactor.Compactor
	attachments media.AttachmentProcessor
	publisher   *bus.EventPublisher
	tracker     *metrics.Tracker
	metrics     *gatewaymetrics.Metrics
	cfg         Config
}

// New builds a Pipeline bound to one channel adapter's inbound queue.
// tracker and gwMetrics may both be nil, in which case per-turn accounting
// is skipped entirely rather than written somewhere unconfigured.
func New(
	channel channels.Channel,
	b *bus.Bus,
	store *storage.Store,
	gate *pairing.Gate,
	builder *contextbuilder.Builder,
	registry *tools.ToolRegistry,
	provider providers.LLMProvider,
	hookMgr *hooks.Manager,
	comp *compactor.Compactor,
	attachments media.AttachmentProcessor,
	publisher *bus.EventPublisher,
	tracker *metrics.Tracker,
	gwMetrics *gatewaymetrics.Metrics,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		channel:     channel,
		bus:         b,
		store:       store,
		gate:        gate,
		builder:     builder,
		registry:    registry,
		provider:    provider,
		hookMgr:     hookMgr,
		compactor:   comp,
		attachments: attachments,
		publisher:   publisher,
		tracker:     tracker,
		metrics:     gwMetrics,
		cfg:         cfg,
	}
}

// Run drains this pipeline's channel until ctx is cancelled, processing one
// message at a time. A panic or error in processOne is logged and the loop
// continues with the next message; one bad message never kills the adapter.
func (p *Pipeline) Run(ctx context.Context) {
	name := p.channel.Name()
	for {
		msg, ok := p.bus.ConsumeInbound(ctx, name)
		if !ok {
			return
		}
		p.processOne(ctx, msg)
	}
}

func (p *Pipeline) processOne(ctx context.Context, msg bus.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("pipeline", "panic processing message", map[string]interface{}{
				"channel": msg.Channel, "sender": msg.SenderID, "panic": fmt.Sprintf("%v", r),
			})
		}
	}()

	// Step 1: pairing gate. Group messages (not IsDM) bypass pairing — the
	// gate only governs direct-message admission (§4.7).
	if msg.IsDM {
		res, err := p.gate.Check(ctx, msg.SenderID, msg.Channel, msg.Content)
		if err != nil {
			logger.WarnCF("pipeline", "pairing check failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if res.Reply != "" {
			p.reply(ctx, msg, res.Reply, "")
		}
		if res.Decision != pairing.Allowed {
			return
		}
	}

	// Step 2: message_received hook, ahead of any persistence so a handler
	// can veto processing entirely.
	mrRes := p.hookMgr.Run(ctx, hooks.MessageReceived, hooks.Context{
		Channel: msg.Channel, ChannelID: msg.ChannelID, Text: msg.Content,
	})
	if mrRes.Reply != "" {
		p.reply(ctx, msg, mrRes.Reply, "")
	}
	if mrRes.SkipProcessing {
		return
	}

	// Step 3: resolve user and session.
	user, err := p.store.Users.FindOrCreate(ctx, msg.SenderID)
	if err != nil {
		logger.ErrorCF("pipeline", "resolving user failed", map[string]interface{}{"error": err.Error()})
		return
	}
	session, err := p.store.Sessions.FindOrCreate(ctx, user.ID, msg.Channel, msg.ChannelID, p.cfg.DefaultPersona)
	if err != nil {
		logger.ErrorCF("pipeline", "resolving session failed", map[string]interface{}{"error": err.Error()})
		return
	}
	priorCount, err := p.store.Messages.Count(ctx, session.ID)
	if err != nil {
		logger.WarnCF("pipeline", "counting prior messages failed", map[string]interface{}{"error": err.Error()})
	}
	if priorCount == 0 {
		p.metrics.RecordSessionCreated(msg.Channel)
		p.publish("conversation.started", user.ID, map[string]interface{}{
			"session_id": session.ID, "channel": msg.Channel,
		})
	}

	// Step 4: thread scoping — prefer an explicit thread id, fall back to
	// the message this one replies to, else the conversation is unthreaded.
	thread := firstNonEmpty(msg.ThreadID, msg.ReplyTo)

	// Step 5: persist the inbound message verbatim, before any attachment
	// augmentation, so storage always reflects what the user actually sent.
	if _, err := p.store.Messages.Add(ctx, session.ID, storage.RoleUser, msg.Content, thread); err != nil {
		logger.ErrorCF("pipeline", "persisting inbound message failed", map[string]interface{}{"error": err.Error()})
		return
	}

	// Step 6 (attachment processing, folded ahead of context build so
	// memory/knowledge retrieval sees the full user intent): describe every
	// attachment and append it to the text used for retrieval and the LLM
	// call. The originally stored message above stays attachment-free.
	augmented := msg.Content
	for _, a := range msg.Attachments {
		desc, err := p.attachments.Describe(ctx, a)
		if err != nil {
			logger.WarnCF("pipeline", "describing attachment failed", map[string]interface{}{"error": err.Error(), "kind": a.Kind})
			continue
		}
		augmented = strings.TrimSpace(augmented + "\n" + desc)
	}

	// Step 7: build context (persona/profile/memory/knowledge/history),
	// budgeted against the augmented text.
	built, err := p.builder.Build(ctx, session, user, augmented, thread)
	if err != nil {
		logger.ErrorCF("pipeline", "building context failed", map[string]interface{}{"error": err.Error()})
		return
	}

	p.publish("message.received", user.ID, map[string]interface{}{
		"session_id": session.ID, "channel": msg.Channel, "has_attachments": len(msg.Attachments) > 0,
	})

	// Step 8: ack reaction, best-effort.
	if p.cfg.EnableReactions && msg.ID != "" && p.channel.Has(channels.CapReactions) {
		if err := p.channel.AddReaction(ctx, msg.ChannelID, msg.ID, p.cfg.AckEmoji); err != nil {
			logger.DebugCF("pipeline", "ack reaction failed", map[string]interface{}{"error": err.Error()})
		}
	}

	// registry.SetContext resets the message tool's per-round "already sent"
	// tracking (pkg/tools/message.go's sentInRound), so this has to happen
	// before the before_agent hook can short-circuit into finish below, not
	// just ahead of the tool loop — otherwise a hook-produced reply would be
	// judged against the previous round's stale sentInRound state.
	p.registry.SetContext(msg.Channel, msg.ChannelID)
	p.registry.SetMetadata(msg.Metadata)

	// Step 9: before_agent hook. A handler may supply a reply and ask the
	// agent to be skipped entirely (e.g. a slash-command interceptor).
	baRes := p.hookMgr.Run(ctx, hooks.BeforeAgent, hooks.Context{
		UserID: user.ID, SessionID: session.ID, Channel: msg.Channel, ChannelID: msg.ChannelID, Text: augmented,
	})
	if baRes.SkipAgent {
		if baRes.Reply != "" {
			p.finish(ctx, msg, session, user, thread, baRes.Reply)
		}
		return
	}

	// Step 10: typing indicator, best-effort.
	if err := p.channel.SendTyping(ctx, msg.ChannelID); err != nil {
		logger.DebugCF("pipeline", "typing indicator failed", map[string]interface{}{"error": err.Error()})
	}

	// Step 11: bounded tool loop.
	llmMessages := buildLLMMessages(built, augmented)

	var notifier *bus.StreamNotifier
	onDelta := func(string) {}
	if p.cfg.Stream {
		notifier = bus.NewStreamNotifier(700*time.Millisecond, func(string) {
			if err := p.channel.SendTyping(ctx, msg.ChannelID); err != nil {
				logger.DebugCF("pipeline", "typing refresh failed", map[string]interface{}{"error": err.Error()})
			}
		})
		onDelta = notifier.Append
	}

	loopStart := time.Now()
	result, err := tools.RunToolLoop(ctx, tools.ToolLoopConfig{
		Provider:      p.provider,
		Model:         p.cfg.Model,
		Tools:         p.registry,
		MaxIterations: p.cfg.MaxToolIterations,
		Stream:        p.cfg.Stream,
		OnDelta:       onDelta,
		OnToolResult: func(name, argsJSON, toolResult string, cls tools.LoopClassification) {
			p.metrics.RecordToolCall(name, cls == tools.LoopCircuitBreaker)
			p.publish("tool.executed", user.ID, map[string]interface{}{
				"session_id": session.ID, "tool": name, "classification": cls.String(),
			})
		},
	}, llmMessages, msg.Channel, msg.ChannelID)
	if notifier != nil {
		notifier.Flush()
	}
	if err != nil {
		p.metrics.RecordLLMError(p.cfg.Model)
		logger.ErrorCF("pipeline", "tool loop failed", map[string]interface{}{"error": err.Error()})
		p.finish(ctx, msg, session, user, thread, "Sorry, I ran into a problem processing that. Please try again.")
		return
	}
	p.metrics.RecordLLMCall(p.cfg.Model, time.Since(loopStart), result.Usage.PromptTokens, result.Usage.CompletionTokens)

	if p.tracker != nil {
		p.tracker.Record(metrics.TokenEvent{
			SessionKey:   session.ID,
			Model:        p.cfg.Model,
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			ToolsUsed:    result.ToolsUsed,
			Iteration:    result.Iterations,
		})
	}

	// Content a tool asked to deliver to the user directly (ToolResult.ForUser)
	// goes out now, ahead of the model's own synthesized reply below — it
	// bypasses the model by definition, so it isn't folded into finalText.
	for _, forUser := range result.ForUser {
		if _, err := p.store.Messages.Add(ctx, session.ID, storage.RoleAssistant, forUser, thread); err != nil {
			logger.ErrorCF("pipeline", "persisting tool-delivered message failed", map[string]interface{}{"error": err.Error()})
		}
		p.reply(ctx, msg, forUser, thread)
	}

	if result.AnySilent {
		logger.DebugCF("pipeline", "turn included a silent tool call", map[string]interface{}{
			"session_id": session.ID, "tools_used": result.ToolsUsed,
		})
	}

	// Step 12: after_agent hook, may substitute the final response text.
	finalText := result.Content
	aaRes := p.hookMgr.Run(ctx, hooks.AfterAgent, hooks.Context{
		UserID: user.ID, SessionID: session.ID, Channel: msg.Channel, ChannelID: msg.ChannelID,
		Text: augmented, Response: finalText,
	})
	if aaRes.ModifiedResponse != "" {
		finalText = aaRes.ModifiedResponse
	}

	p.finish(ctx, msg, session, user, thread, finalText)

	if p.compactor != nil {
		if should, count, err := p.compactor.ShouldCompact(ctx, session.ID); err == nil && should {
			if _, err := p.compactor.Run(ctx, user.ID, session.ID); err != nil {
				logger.WarnCF("pipeline", "compaction failed", map[string]interface{}{"error": err.Error(), "message_count": count})
			}
		}
	}
}

// finish persists and delivers a final assistant-role reply, then closes out
// the turn's reactions and events. Used both for the normal tool-loop path
// and for early-exit replies produced by hooks.
//
// The reply is still recorded to history unconditionally — storage should
// reflect what the assistant said regardless of which channel carried it —
// but the actual outbound send is skipped when the message tool already
// delivered this same round's content directly, mirroring the teacher's
// alreadySent check in pkg/agent/loop.go's HandleMessage against
// MessageTool.HasSentInRound: without it, a turn that both calls the
// message tool and returns non-empty final content double-sends to the user.
func (p *Pipeline) finish(ctx context.Context, msg bus.IncomingMessage, session *storage.Session, user *storage.User, thread, text string) {
	if text == "" {
		return
	}
	if _, err := p.store.Messages.Add(ctx, session.ID, storage.RoleAssistant, text, thread); err != nil {
		logger.ErrorCF("pipeline", "persisting outbound message failed", map[string]interface{}{"error": err.Error()})
	}

	if !p.messageToolAlreadySent() {
		p.reply(ctx, msg, text, thread)
	}

	if p.cfg.EnableReactions && msg.ID != "" && p.channel.Has(channels.CapReactions) {
		if err := p.channel.AddReaction(ctx, msg.ChannelID, msg.ID, p.cfg.DoneEmoji); err != nil {
			logger.DebugCF("pipeline", "done reaction failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.publish("message.processed", user.ID, map[string]interface{}{"session_id": session.ID, "channel": msg.Channel})
	p.publish("conversation.ended", user.ID, map[string]interface{}{"session_id": session.ID, "channel": msg.Channel})
}

// messageToolAlreadySent reports whether the registry's message tool sent a
// reply earlier in the current round.
func (p *Pipeline) messageToolAlreadySent() bool {
	if p.registry == nil {
		return false
	}
	t, ok := p.registry.Get("message")
	if !ok {
		return false
	}
	mt, ok := t.(*tools.MessageTool)
	if !ok {
		return false
	}
	return mt.HasSentInRound()
}

// reply sends text back to the chat msg arrived from, as a standalone
// outgoing message threaded under thread (if any).
func (p *Pipeline) reply(ctx context.Context, msg bus.IncomingMessage, text, thread string) {
	out := bus.OutgoingMessage{ChannelID: msg.ChannelID, Content: text, ReplyTo: msg.ID, ThreadID: thread}
	if err := p.channel.Send(ctx, out); err != nil {
		logger.ErrorCF("pipeline", "sending reply failed", map[string]interface{}{"error": err.Error(), "channel": msg.Channel})
	}
}

// publish wraps bus.NewEvent/WithSubject/Publish for the pipeline's own
// fixed lifecycle events, swallowing a nil publisher (tests, disabled
// events) rather than forcing every call site to guard it.
func (p *Pipeline) publish(eventType, subject string, data map[string]interface{}) {
	if channel, ok := data["channel"].(string); ok {
		p.metrics.RecordSessionEvent(channel, eventType)
	}
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(bus.NewEvent(eventType, p.cfg.OrganizationID, data).WithSubject(subject))
}

// buildLLMMessages flattens a BuiltContext into the message list the
// provider sees: one system message carrying persona/profile/memory/
// knowledge, the trimmed history, then the current (attachment-augmented)
// user turn.
func buildLLMMessages(built *contextbuilder.BuiltContext, userText string) []providers.Message {
	var sections []string
	if built.System != "" {
		sections = append(sections, built.System)
	}
	if built.Profile != "" {
		sections = append(sections, "# Profile\n\n"+built.Profile)
	}
	if built.Memory != "" {
		sections = append(sections, "# Memory\n\n"+built.Memory)
	}
	if built.Knowledge != "" {
		sections = append(sections, "# Knowledge\n\n"+built.Knowledge)
	}

	messages := make([]providers.Message, 0, len(built.History)+2)
	if len(sections) > 0 {
		messages = append(messages, providers.Message{Role: "system", Content: strings.Join(sections, "\n\n---\n\n")})
	}
	messages = append(messages, built.History...)
	messages = append(messages, providers.Message{Role: "user", Content: userText})
	return messages
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
