package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobcore/internal/eventbus"
	logx "jobcore/pkg/logx"
)

func TestManagerQueueIsIdempotent(t *testing.T) {
	t.Parallel()
	m := NewManager[string](ManagerConfig{}, logx.Nop())
	t.Cleanup(m.CloseAll)

	a := m.Queue("emails", &Config{DefaultJobOptions: JobOptions{Attempts: 9}})
	b := m.Queue("emails", &Config{DefaultJobOptions: JobOptions{Attempts: 1}})
	if a != b {
		t.Fatal("Queue returned a different instance for the same name")
	}
	if got := a.Config().DefaultJobOptions.Attempts; got != 9 {
		t.Fatalf("attempts = %d, want first config to win", got)
	}
	if got := m.Queue("  ", nil).Name(); got != "default" {
		t.Fatalf("blank name = %q", got)
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Fatal("Lookup created a queue")
	}
}

func TestManagerMergesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager[string](ManagerConfig{Defaults: Config{
		DefaultJobOptions: JobOptions{Priority: 3, Attempts: 4},
		Limiter:           &LimiterConfig{Max: 10, Duration: time.Second},
	}}, logx.Nop())
	t.Cleanup(m.CloseAll)

	q := m.Queue("reports", &Config{DefaultJobOptions: JobOptions{Attempts: 2}})
	c := q.Config()
	if c.Name != "reports" || c.DefaultJobOptions.Priority != 3 || c.DefaultJobOptions.Attempts != 2 {
		t.Fatalf("config = %+v", c)
	}
	if c.Limiter == nil || c.Limiter.Max != 10 {
		t.Fatalf("limiter = %+v", c.Limiter)
	}
}

func TestManagerForwardsNamespacedEvents(t *testing.T) {
	t.Parallel()
	m := NewManager[string](ManagerConfig{}, logx.Nop())
	t.Cleanup(m.CloseAll)

	var mu sync.Mutex
	var got []eventbus.Event
	m.Events().Listen(func(e eventbus.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	q := m.Queue("images", nil)
	q.Process(1, func(ctx context.Context, j Job[string]) (any, error) { return nil, nil })
	if _, err := q.Add("resize", "a.png", JobOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Type == "images:completed" {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	for _, e := range got {
		if e.Source != "images" {
			t.Fatalf("event %s has source %q", e.Type, e.Source)
		}
	}
	if got[0].Type != "images:waiting" {
		t.Fatalf("first event = %s", got[0].Type)
	}
}

func TestManagerBulkControls(t *testing.T) {
	t.Parallel()
	m := NewManager[string](ManagerConfig{}, logx.Nop())

	for _, name := range []string{"b", "a", "c"} {
		if _, err := m.Queue(name, nil).Add("n", name, JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if names := m.Names(); len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("names = %v", names)
	}

	m.PauseAll()
	for name, s := range m.AllStats() {
		if s.Paused != 1 {
			t.Fatalf("%s stats = %+v", name, s)
		}
	}
	m.ResumeAll()
	for name, s := range m.AllStats() {
		if s.Waiting != 1 {
			t.Fatalf("%s stats after resume = %+v", name, s)
		}
	}

	q, _ := m.Lookup("a")
	closed := make(chan struct{}, 3)
	m.Events().Listen(func(e eventbus.Event) {
		if e.Type == "a:closed" || e.Type == "b:closed" || e.Type == "c:closed" {
			closed <- struct{}{}
		}
	})
	m.CloseAll()
	if !q.IsClosed() {
		t.Fatal("queue not closed")
	}
	if len(m.Names()) != 0 {
		t.Fatal("registry not cleared")
	}
	if len(closed) != 3 {
		t.Fatalf("closed events forwarded = %d, want 3", len(closed))
	}
}
