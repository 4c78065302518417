package bus

import (
	"sync"
	"time"
)

// DefaultStreamMinChars is how many characters must accumulate since the
// last flush before a tick is allowed to fire a callback, on top of the
// interval throttle — chat adapters charge an edit per flush regardless of
// how small the delta is, so a bare interval throttle still spams tiny
// edits when the model streams in short chunks.
const DefaultStreamMinChars = 24

// StreamNotifier accumulates text deltas and flushes the full accumulated
// text to a callback at a caller-chosen interval, skipping ticks that
// haven't accumulated at least minChars (DefaultStreamMinChars unless set
// via NewStreamNotifierWithThreshold) of new content. This prevents
// excessive Telegram API edits while still showing streaming progress.
type StreamNotifier struct {
	mu          sync.Mutex
	text        string
	flushedLen  int
	minChars    int
	onUpdate    func(fullText string)
	ticker      *time.Ticker
	done        chan struct{}
	dirty       bool
}

// NewStreamNotifier creates a notifier that calls onUpdate with the full
// accumulated text every interval, using DefaultStreamMinChars as the
// minimum growth required to fire a mid-stream tick.
func NewStreamNotifier(interval time.Duration, onUpdate func(fullText string)) *StreamNotifier {
	return NewStreamNotifierWithThreshold(interval, DefaultStreamMinChars, onUpdate)
}

// NewStreamNotifierWithThreshold is NewStreamNotifier with an explicit
// minChars threshold, for callers on channels with tighter or looser edit
// rate limits than the default assumes.
func NewStreamNotifierWithThreshold(interval time.Duration, minChars int, onUpdate func(fullText string)) *StreamNotifier {
	sn := &StreamNotifier{
		onUpdate: onUpdate,
		minChars: minChars,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}

	go sn.loop()
	return sn
}

func (sn *StreamNotifier) loop() {
	for {
		select {
		case <-sn.ticker.C:
			sn.mu.Lock()
			if sn.dirty && sn.text != "" && len(sn.text)-sn.flushedLen >= sn.minChars {
				text := sn.text
				sn.dirty = false
				sn.flushedLen = len(text)
				sn.mu.Unlock()
				sn.onUpdate(text)
			} else {
				sn.mu.Unlock()
			}
		case <-sn.done:
			return
		}
	}
}

// Append adds a text delta to the accumulator.
func (sn *StreamNotifier) Append(delta string) {
	sn.mu.Lock()
	sn.text += delta
	sn.dirty = true
	sn.mu.Unlock()
}

// Flush stops the ticker and performs a final push if there's unsent content.
func (sn *StreamNotifier) Flush() {
	sn.ticker.Stop()
	close(sn.done)

	sn.mu.Lock()
	if sn.dirty && sn.text != "" {
		text := sn.text
		sn.dirty = false
		sn.mu.Unlock()
		sn.onUpdate(text)
	} else {
		sn.mu.Unlock()
	}
}

// FullText returns the current accumulated text.
func (sn *StreamNotifier) FullText() string {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.text
}
