package eventbus

import (
	"testing"
	"time"
)

func TestListenersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var got []string
	b.Listen(func(Event) { got = append(got, "a") })
	unsub := b.Listen(func(Event) { got = append(got, "b") })
	b.Listen(func(Event) { got = append(got, "c") })

	b.Publish(Event{Type: "x"})
	unsub()
	b.Publish(Event{Type: "y"})

	want := []string{"a", "b", "c", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSubscribeDeliversAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"}) // dropped: buffer full

	select {
	case e := <-ch:
		if e.Type != "first" {
			t.Fatalf("type = %q, want first", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}
