// Package ratelimit provides sliding-window admission control keyed by an
// arbitrary string.
//
// The limiter has no knowledge of what it is limiting: connectors call Allow
// (or Wait) before an outbound call and skip or delay it on refusal.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval caps a single Wait sleep so callers re-check regularly even if
// another caller consumed the slot they were waiting for.
const pollInterval = 100 * time.Millisecond

type Config struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

// Limiter is a sliding-window log: each key keeps the timestamps of admitted
// requests within the last Window.
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	hits map[string][]time.Time

	now func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Limiter{cfg: cfg, hits: map[string][]time.Time{}, now: time.Now}
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Allow admits a request for key if fewer than MaxRequests were admitted in
// the trailing window. A refused request is not recorded.
func (l *Limiter) Allow(key string) bool {
	k := l.key(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ts := l.purgeLocked(k, now)
	if len(ts) >= l.cfg.MaxRequests {
		return false
	}
	l.hits[k] = append(ts, now)
	return true
}

// Wait blocks until key is admitted (true) or timeout/ctx expires (false).
//
// Instead of fixed polling it sleeps until the oldest recorded request leaves
// the window, capped at pollInterval.
func (l *Limiter) Wait(ctx context.Context, key string, timeout time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := l.now().Add(timeout)
	for {
		if l.Allow(key) {
			return true
		}
		now := l.now()
		left := deadline.Sub(now)
		if left <= 0 {
			return false
		}
		d := l.nextFree(key, now)
		if d <= 0 || d > pollInterval {
			d = pollInterval
		}
		if d > left {
			d = left
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// Remaining reports how many requests key may still make in the current window.
// It does not mutate state.
func (l *Limiter) Remaining(key string) int {
	k := l.key(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Window)
	n := 0
	for _, t := range l.hits[k] {
		if t.After(cutoff) {
			n++
		}
	}
	return max(0, l.cfg.MaxRequests-n)
}

func (l *Limiter) Reset(key string) {
	k := l.key(key)
	l.mu.Lock()
	delete(l.hits, k)
	l.mu.Unlock()
}

func (l *Limiter) Clear() {
	l.mu.Lock()
	l.hits = map[string][]time.Time{}
	l.mu.Unlock()
}

// Prune drops keys whose whole history has left the window and returns how
// many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k := range l.hits {
		if len(l.purgeLocked(k, now)) == 0 {
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func (l *Limiter) key(k string) string {
	return l.cfg.KeyPrefix + k
}

// purgeLocked removes timestamps at or before now-Window. Empty keys are deleted.
func (l *Limiter) purgeLocked(k string, now time.Time) []time.Time {
	ts := l.hits[k]
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(l.hits, k)
		return nil
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.hits[k] = ts
	}
	return ts
}

// NextFree reports how long until key regains a slot. Zero means a slot is
// free now.
func (l *Limiter) NextFree(key string) time.Duration {
	l.mu.Lock()
	now := l.now()
	full := len(l.purgeLocked(l.key(key), now)) >= l.cfg.MaxRequests
	l.mu.Unlock()
	if !full {
		return 0
	}
	return max(0, l.nextFree(key, now))
}

// nextFree returns how long until the oldest in-window timestamp expires.
func (l *Limiter) nextFree(key string, now time.Time) time.Duration {
	k := l.key(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.hits[k]
	if len(ts) == 0 {
		return 0
	}
	return ts[0].Add(l.cfg.Window).Sub(now)
}
