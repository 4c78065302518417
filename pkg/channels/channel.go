// Package channels implements the Channel Adapter contract (C8): a uniform
// connect/send/typing/reaction surface over heterogeneous chat platforms,
// each adapter normalizing its own wire format into bus.IncomingMessage and
// draining bus.OutgoingMessage back out through the platform's own API.
//
// Grounded on original_source/src/channels/mod.rs's `Channel` trait and
// `ChannelCapability` enum (there is no Go teacher file for this — the
// teacher's own pkg/tools/telegram.go only wraps management operations on
// an already-connected *telego.Bot, not ingress/egress — so the adapters
// here are new, built in the teacher's idiom and grounded on the Rust
// predecessor's contract shape per SPEC_FULL.md's MODULE MAP).
package channels

import (
	"context"

	"github.com/sipeed/beacon/pkg/bus"
)

// Capability names one optional feature an adapter may support.
type Capability string

const (
	CapStreaming       Capability = "streaming"
	CapReactions       Capability = "reactions"
	CapInlineKeyboards Capability = "inline_keyboards"
	CapMediaSend       Capability = "media_send"
	CapMessageEdit     Capability = "message_edit"
	CapMessageDelete   Capability = "message_delete"
	CapVoiceTranscribe Capability = "voice_transcribe"
	CapForumTopics     Capability = "forum_topics"
	CapStickers        Capability = "stickers"
)

// Channel is the contract every platform adapter implements (§4.8 /
// original_source's Channel trait). Adapters push normalized inbound
// messages onto the raw chan<- bus.IncomingMessage they were constructed
// with rather than exposing a pull API: polling and socket adapters push
// from a goroutine started by Connect, webhook adapters from their Webhook
// handler. The gateway forwards each raw channel into
// bus.Bus.PublishInbound.
type Channel interface {
	Name() string
	Capabilities() []Capability
	Has(cap Capability) bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Send(ctx context.Context, msg bus.OutgoingMessage) error
	SendTyping(ctx context.Context, chatID string) error
	AddReaction(ctx context.Context, chatID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// StreamingChannel is implemented by adapters that can push incremental
// edits to an already-sent message (CapStreaming). The pipeline does not
// call EditMessage; its bus.StreamNotifier only refreshes the typing
// indicator while a streamed reply is generated.
type StreamingChannel interface {
	Channel
	EditMessage(ctx context.Context, chatID, messageID, content string) error
}

// BaseChannel centralizes the capability-set bookkeeping every adapter
// embeds, so each adapter only declares Name()/its platform-specific I/O.
type BaseChannel struct {
	caps map[Capability]bool
}

// NewBaseChannel builds a BaseChannel declaring exactly the given capabilities.
func NewBaseChannel(caps ...Capability) BaseChannel {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return BaseChannel{caps: m}
}

func (b BaseChannel) Capabilities() []Capability {
	out := make([]Capability, 0, len(b.caps))
	for c := range b.caps {
		out = append(out, c)
	}
	return out
}

func (b BaseChannel) Has(cap Capability) bool { return b.caps[cap] }

// Registry tracks every connected adapter, mirroring
// original_source/src/channels/mod.rs's ChannelRegistry (connect_all /
// disconnect_all over a Vec<Box<dyn Channel>>).
type Registry struct {
	channels []Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds an adapter. Connect is not called here; the gateway
// supervisor (C12) calls ConnectAll once every adapter is registered.
func (r *Registry) Register(ch Channel) { r.channels = append(r.channels, ch) }

// All returns every registered adapter.
func (r *Registry) All() []Channel { return r.channels }

// Get resolves an adapter by name, or nil if none is registered under it.
func (r *Registry) Get(name string) Channel {
	for _, ch := range r.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

// ConnectAll connects every registered adapter, stopping at the first
// failure (a partially-connected gateway is a startup error, not a
// degraded-mode condition).
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, ch := range r.channels {
		if err := ch.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll disconnects every adapter, continuing past individual
// failures so one misbehaving adapter cannot block the rest of shutdown.
func (r *Registry) DisconnectAll(ctx context.Context, onErr func(name string, err error)) {
	for _, ch := range r.channels {
		if err := ch.Disconnect(ctx); err != nil && onErr != nil {
			onErr(ch.Name(), err)
		}
	}
}
