package bus

import (
	"context"
	"sync"

	"github.com/sipeed/beacon/pkg/logger"
)

// DefaultCapacity is the recommended bounded-queue capacity from §5.
const DefaultCapacity = 100

// channelQueues holds the inbound and outbound queues for one channel
// adapter. Adapters publish to In and drain Out; the pipeline drains In and
// publishes to Out. Neither side ever holds a reference to the other.
type channelQueues struct {
	in  chan IncomingMessage
	out chan OutgoingMessage
}

// Bus is the set of per-channel bounded queues the supervisor wires between
// adapters (C8) and pipelines (C11).
type Bus struct {
	mu       sync.RWMutex
	capacity int
	channels map[string]*channelQueues
}

// New creates a Bus with the given per-channel queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, channels: make(map[string]*channelQueues)}
}

func (b *Bus) queues(channel string) *channelQueues {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.channels[channel]
	if !ok {
		q = &channelQueues{
			in:  make(chan IncomingMessage, b.capacity),
			out: make(chan OutgoingMessage, b.capacity),
		}
		b.channels[channel] = q
	}
	return q
}

// PublishInbound enqueues a normalized inbound message from an adapter.
// Non-blocking: if the queue is full the message is dropped and logged,
// matching the bounded-queue backpressure policy in §5.
func (b *Bus) PublishInbound(channel string, msg IncomingMessage) {
	q := b.queues(channel)
	select {
	case q.in <- msg:
	default:
		logger.ErrorCF("bus", "inbound queue full, dropping message", map[string]interface{}{
			"channel": channel, "sender_id": msg.SenderID,
		})
	}
}

// ConsumeInbound blocks until a message is available for channel or ctx is
// done, returning ok=false in the latter case. The pipeline is the sole
// consumer per channel (§5 ordering guarantee).
func (b *Bus) ConsumeInbound(ctx context.Context, channel string) (IncomingMessage, bool) {
	q := b.queues(channel)
	select {
	case msg := <-q.in:
		return msg, true
	case <-ctx.Done():
		return IncomingMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery by the named channel's
// adapter.
func (b *Bus) PublishOutbound(channel string, msg OutgoingMessage) {
	q := b.queues(channel)
	select {
	case q.out <- msg:
	default:
		logger.ErrorCF("bus", "outbound queue full, dropping message", map[string]interface{}{
			"channel": channel,
		})
	}
}

// ConsumeOutbound blocks until a reply is queued for channel or ctx is done.
func (b *Bus) ConsumeOutbound(ctx context.Context, channel string) (OutgoingMessage, bool) {
	q := b.queues(channel)
	select {
	case msg := <-q.out:
		return msg, true
	case <-ctx.Done():
		return OutgoingMessage{}, false
	}
}
