package queue

import (
	"time"

	"jobcore/internal/eventbus"
)

// Event types published on Queue.Events(). The Manager re-publishes them as
// "<queue>:<type>".
const (
	EventWaiting   = "waiting"
	EventDelayed   = "delayed"
	EventActive    = "active"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"
	EventPaused    = "paused"
	EventResumed   = "resumed"
	EventClosed    = "closed"
)

// JobEvent is the Data of job-level events. Job is a snapshot taken when the
// event was produced, so it stays valid after the job is removed.
type JobEvent[T any] struct {
	Job   Job[T]
	Err   string
	Delay time.Duration
}

// batch collects events and job launches produced under the queue lock.
// They are flushed after unlocking so listeners may call back into the queue.
type batch struct {
	events []eventbus.Event
	runs   []func()
	gates  []chan struct{}
}

func (b *batch) event(e eventbus.Event) { b.events = append(b.events, e) }

// gate returns a channel closed once b's events are published.
func (b *batch) gate() <-chan struct{} {
	ch := make(chan struct{})
	b.gates = append(b.gates, ch)
	return ch
}

func (q *Queue[T]) jobEvent(typ string, j Job[T], err error, delay time.Duration) eventbus.Event {
	ev := JobEvent[T]{Job: j, Delay: delay}
	if err != nil {
		ev.Err = err.Error()
	}
	return eventbus.Event{Type: typ, Source: q.name, Time: time.Now(), Data: ev}
}

func (q *Queue[T]) flush(b *batch) {
	if b == nil {
		return
	}
	for _, e := range b.events {
		q.bus.Publish(e)
	}
	for _, g := range b.gates {
		close(g)
	}
	// Runs start after their "active" events are published so per-job event
	// order is waiting -> active -> completed/failed.
	for _, run := range b.runs {
		go run()
	}
}
