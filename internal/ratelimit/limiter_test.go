package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFake(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clk.Now
	return l, clk
}

func TestAllowThreePerSecond(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxRequests: 3, Window: time.Second})

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("k") {
		t.Fatal("4th call should be refused")
	}
	time.Sleep(1050 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("call after the window should be allowed")
	}
}

func TestSlidingWindowDoesNotResetAtBoundary(t *testing.T) {
	t.Parallel()
	l, clk := newFake(Config{MaxRequests: 2, Window: time.Second})

	if !l.Allow("k") {
		t.Fatal("first call refused")
	}
	clk.Advance(600 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("second call refused")
	}
	// A fixed bucket would reset here; the sliding window still holds both hits.
	clk.Advance(300 * time.Millisecond)
	if l.Allow("k") {
		t.Fatal("third call inside the window should be refused")
	}
	// First hit expires at +1000ms.
	clk.Advance(101 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("call after oldest hit expired should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("window should be full again")
	}
}

func TestRefusedCallsAreNotRecorded(t *testing.T) {
	t.Parallel()
	l, clk := newFake(Config{MaxRequests: 1, Window: time.Second})
	l.Allow("k")
	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		l.Allow("k")
	}
	clk.Advance(500 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("refused calls must not extend the window")
	}
}

func TestRemainingIsReadOnly(t *testing.T) {
	t.Parallel()
	l, clk := newFake(Config{MaxRequests: 3, Window: time.Second})
	if got := l.Remaining("k"); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}
	l.Allow("k")
	l.Allow("k")
	if got := l.Remaining("k"); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	if got := l.Remaining("k"); got != 1 {
		t.Fatalf("Remaining should not consume: %d", got)
	}
	clk.Advance(2 * time.Second)
	if got := l.Remaining("k"); got != 3 {
		t.Fatalf("Remaining after window = %d, want 3", got)
	}
}

func TestKeysAreIndependentAndPrefixed(t *testing.T) {
	t.Parallel()
	a := New(Config{MaxRequests: 1, Window: time.Minute, KeyPrefix: "a:"})
	if !a.Allow("x") || !a.Allow("y") {
		t.Fatal("distinct keys should not share a window")
	}
	if a.Allow("x") {
		t.Fatal("x should be exhausted")
	}
	a.Reset("x")
	if !a.Allow("x") {
		t.Fatal("Reset should drop history for x")
	}
	if a.Allow("y") {
		t.Fatal("Reset(x) must not affect y")
	}
	a.Clear()
	if !a.Allow("y") {
		t.Fatal("Clear should drop every key")
	}
}

func TestPruneDropsExpiredKeys(t *testing.T) {
	t.Parallel()
	l, clk := newFake(Config{MaxRequests: 5, Window: time.Second})
	l.Allow("old")
	clk.Advance(900 * time.Millisecond)
	l.Allow("fresh")
	clk.Advance(200 * time.Millisecond)

	if n := l.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if l.Keys() != 1 {
		t.Fatalf("Keys = %d, want 1", l.Keys())
	}
}

func TestWaitAdmitsWhenSlotFrees(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxRequests: 1, Window: 200 * time.Millisecond})
	l.Allow("k")

	start := time.Now()
	if !l.Wait(context.Background(), "k", time.Second) {
		t.Fatal("Wait should be admitted once the window slides")
	}
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Fatalf("Wait returned too early: %v", el)
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxRequests: 1, Window: time.Minute})
	l.Allow("k")

	start := time.Now()
	if l.Wait(context.Background(), "k", 250*time.Millisecond) {
		t.Fatal("Wait should time out")
	}
	el := time.Since(start)
	if el < 250*time.Millisecond || el > 2*time.Second {
		t.Fatalf("Wait elapsed %v, want ~250ms", el)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxRequests: 1, Window: time.Minute})
	l.Allow("k")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if l.Wait(ctx, "k", 10*time.Second) {
		t.Fatal("Wait should stop on ctx cancellation")
	}
}

func TestNextFree(t *testing.T) {
	t.Parallel()
	l, clk := newFake(Config{MaxRequests: 2, Window: time.Second})
	if d := l.NextFree("k"); d != 0 {
		t.Fatalf("empty key NextFree = %v", d)
	}
	l.Allow("k")
	clk.Advance(300 * time.Millisecond)
	l.Allow("k")
	if d := l.NextFree("k"); d != 700*time.Millisecond {
		t.Fatalf("NextFree = %v, want 700ms", d)
	}
	clk.Advance(700 * time.Millisecond)
	if d := l.NextFree("k"); d != 0 {
		t.Fatalf("NextFree after expiry = %v", d)
	}
	if !l.Allow("k") {
		t.Fatal("slot should be free once NextFree is 0")
	}
}
