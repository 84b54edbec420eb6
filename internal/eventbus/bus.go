package eventbus

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking for channel subscribers.
//   - Subscribers MUST use buffered channels; slow subscribers drop events.
//   - Listeners run synchronously inside Publish, in publish order, with no
//     bus lock held. They must be fast and must not block.
//
// Source names the emitting component (queue name, pool name).
type Event struct {
	Type   string
	Source string
	Time   time.Time
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Listen(fn func(Event)) (unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}, listeners: map[uint64]func(Event){}}
}

type memBus struct {
	mu        sync.RWMutex
	subs      map[uint64]chan Event
	listeners map[uint64]func(Event)
	seq       atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish doesn't hold locks while delivering.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	fns := make([]listener, 0, len(b.listeners))
	for id, fn := range b.listeners {
		fns = append(fns, listener{id: id, fn: fn})
	}
	b.mu.RUnlock()

	slices.SortFunc(fns, func(a, b listener) int { return cmp.Compare(a.id, b.id) })
	for _, l := range fns {
		l.fn(e)
	}

	for _, ch := range chs {
		// Non-blocking delivery. A concurrent unsubscribe may close the
		// channel, so recover from a send on closed channel.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Listen(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

type listener struct {
	id uint64
	fn func(Event)
}
