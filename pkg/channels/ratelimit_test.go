package channels

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenThrottle(t *testing.T) {
	rl := NewRateLimiter(1, 3, time.Hour)
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		if !rl.Allow("chat-1") {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if rl.Allow("chat-1") {
		t.Fatalf("expected 4th send to be throttled")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Second)
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }

	if !rl.Allow("chat-1") {
		t.Fatalf("expected first token to be allowed")
	}
	if rl.Allow("chat-1") {
		t.Fatalf("expected second send to be throttled before refill")
	}

	fixed = fixed.Add(2 * time.Second)
	if !rl.Allow("chat-1") {
		t.Fatalf("expected token to be available after refill")
	}
}

func TestRateLimiter_PerChatIndependence(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Hour)
	fixed := time.Now()
	rl.now = func() time.Time { return fixed }

	if !rl.Allow("chat-a") {
		t.Fatalf("expected chat-a to get its own token")
	}
	if !rl.Allow("chat-b") {
		t.Fatalf("expected chat-b to have an independent bucket")
	}
}

func TestRegistry_ConnectAllStopsOnFirstError(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeChannel{name: "a"})
	r.Register(&fakeChannel{name: "b", failConnect: true})
	r.Register(&fakeChannel{name: "c"})

	err := r.ConnectAll(nil)
	if err == nil {
		t.Fatalf("expected connect error to propagate")
	}
	c, ok := r.Get("c").(*fakeChannel)
	if !ok || c.connected {
		t.Fatalf("expected channel c to never be reached after b failed")
	}
}
