package channels

import (
	"sync"
	"time"
)

// RateLimiter is a per-chat token bucket gating outbound sends, matching
// spec.md's "per-chat outbound rate limiter" requirement for C8. Each chat
// ID gets its own bucket so one noisy conversation cannot starve another's
// sends on the same adapter. No example repo in the retrieval pack imports
// golang.org/x/time/rate, so this is a small hand-rolled bucket rather than
// a stdlib-adjacent dependency with no grounding in the pack (see DESIGN.md).
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int           // tokens added per refill
	burst   int           // bucket capacity
	refill  time.Duration // refill interval
	now     func() time.Time
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// NewRateLimiter creates a limiter allowing burst sends immediately, then
// refilling `rate` tokens every `refill` interval per chat, up to `burst`.
func NewRateLimiter(rate, burst int, refill time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		refill:  refill,
		now:     time.Now,
	}
}

// Allow reports whether a send to chatID may proceed now, consuming a
// token if so.
func (l *RateLimiter) Allow(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[chatID]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[chatID] = b
	}

	elapsed := now.Sub(b.lastFill)
	if elapsed >= l.refill {
		periods := int(elapsed / l.refill)
		b.tokens += periods * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = b.lastFill.Add(time.Duration(periods) * l.refill)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Wait blocks until a token for chatID is available or ctx-less timeout
// elapses, polling at a quarter of the refill interval. Adapters call this
// before a send rather than dropping the message outright, since outbound
// chat replies should be delayed, not lost.
func (l *RateLimiter) Wait(chatID string, maxWait time.Duration) bool {
	deadline := l.now().Add(maxWait)
	poll := l.refill / 4
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for {
		if l.Allow(chatID) {
			return true
		}
		if l.now().After(deadline) {
			return false
		}
		time.Sleep(poll)
	}
}
