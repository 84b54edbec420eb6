package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobcore/internal/eventbus"
	"jobcore/internal/ratelimit"
	logx "jobcore/pkg/logx"
)

// LimiterConfig caps dispatches to Max within any trailing Duration across
// the whole queue.
type LimiterConfig struct {
	Max      int
	Duration time.Duration
}

// Settings are advisory and carried through for collaborators; the in-memory
// queue never loses a lock, so nothing here affects dispatch.
type Settings struct {
	LockDuration    time.Duration
	StalledInterval time.Duration
}

type Config struct {
	Name              string
	DefaultJobOptions JobOptions
	Limiter           *LimiterConfig
	Settings          Settings
}

// Queue holds jobs in priority order and runs them against one processor
// with bounded concurrency, retries and timeouts.
//
// All state is guarded by mu. Events and processor launches are collected
// under the lock and flushed after it is released.
type Queue[T any] struct {
	name string
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus

	mu          sync.Mutex
	jobs        map[string]*Job[T]
	ready       []*Job[T] // sorted by priority, FIFO within a priority
	timers      map[string]pendingTimer
	handler     Processor[T]
	concurrency int
	active      int
	paused      bool
	closed      bool

	seq    uint64
	idSeq  uint64
	tokSeq uint64

	limiter   *ratelimit.Limiter
	wake      *time.Timer
	wakeToken uint64
	// limitedLog throttles the "rate_limited" debug line.
	limitedLog rate.Sometimes

	// notify is closed and replaced whenever an active job finishes.
	notify chan struct{}
}

type pendingTimer struct {
	timer *time.Timer
	token uint64
}

func New[T any](cfg Config, log logx.Logger) *Queue[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "default"
	}
	cfg.Name = name

	q := &Queue[T]{
		name:        name,
		cfg:         cfg,
		log:         log.With(logx.String("queue", name)),
		bus:         eventbus.New(),
		jobs:        map[string]*Job[T]{},
		timers:      map[string]pendingTimer{},
		concurrency: 1,
		notify:      make(chan struct{}),
		limitedLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if l := cfg.Limiter; l != nil && l.Max > 0 && l.Duration > 0 {
		q.limiter = ratelimit.New(ratelimit.Config{MaxRequests: l.Max, Window: l.Duration})
	}
	return q
}

func (q *Queue[T]) Name() string { return q.name }

func (q *Queue[T]) Config() Config { return q.cfg }

// Events returns the bus every lifecycle event is published on.
func (q *Queue[T]) Events() eventbus.Bus { return q.bus }

// Add creates a job and returns its snapshot immediately; execution is
// asynchronous.
func (q *Queue[T]) Add(name string, data T, opts JobOptions) (Job[T], error) {
	var b batch
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job[T]{}, ErrQueueClosed
	}
	o := opts.merge(q.cfg.DefaultJobOptions).withDefaults()

	id := strings.TrimSpace(o.JobID)
	if id != "" {
		if existing := q.jobs[id]; existing != nil {
			snap := *existing
			q.mu.Unlock()
			return snap, nil
		}
	} else {
		id = q.nextIDLocked()
	}
	o.JobID = id

	q.seq++
	j := &Job[T]{
		ID:          id,
		Name:        name,
		Data:        data,
		MaxAttempts: o.Attempts,
		CreatedAt:   time.Now(),
		Opts:        o,
		seq:         q.seq,
	}
	q.jobs[id] = j

	if o.Delay > 0 {
		j.Status = StatusDelayed
		q.armLocked(&b, id, o.Delay)
		b.event(q.jobEvent(EventDelayed, *j, nil, o.Delay))
	} else {
		q.enqueueLocked(j, o.LIFO)
		b.event(q.jobEvent(EventWaiting, *j, nil, 0))
	}
	snap := *j
	q.dispatchLocked(&b)
	q.mu.Unlock()

	q.flush(&b)
	return snap, nil
}

// AddBulk adds jobs one by one in order. There is no atomicity: earlier jobs
// may start before later ones are added. On error the jobs added so far are
// returned.
func (q *Queue[T]) AddBulk(items []BulkJob[T]) ([]Job[T], error) {
	out := make([]Job[T], 0, len(items))
	for _, it := range items {
		j, err := q.Add(it.Name, it.Data, it.Opts)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Process registers (or replaces) the processor and starts dispatching.
// concurrency <= 0 means 1.
func (q *Queue[T]) Process(concurrency int, h Processor[T]) {
	if h == nil {
		q.log.Warn("queue.process ignored: nil processor")
		return
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	var b batch
	q.mu.Lock()
	if q.handler != nil {
		q.log.Debug("queue.processor_replaced", logx.Int("concurrency", concurrency))
	}
	q.handler = h
	q.concurrency = concurrency
	q.dispatchLocked(&b)
	q.mu.Unlock()
	q.flush(&b)
}

func (q *Queue[T]) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// Pause stops dispatching new jobs; active jobs run to completion.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	if q.paused || q.closed {
		q.mu.Unlock()
		return
	}
	q.paused = true
	for _, j := range q.ready {
		j.Status = StatusPaused
	}
	q.mu.Unlock()

	q.log.Info("queue paused")
	q.bus.Publish(eventbus.Event{Type: EventPaused, Source: q.name})
}

func (q *Queue[T]) Resume() {
	var b batch
	q.mu.Lock()
	if !q.paused || q.closed {
		q.mu.Unlock()
		return
	}
	q.paused = false
	for _, j := range q.ready {
		j.Status = StatusWaiting
	}
	b.event(eventbus.Event{Type: EventResumed, Source: q.name, Time: time.Now()})
	q.dispatchLocked(&b)
	q.mu.Unlock()

	q.log.Info("queue resumed")
	q.flush(&b)
}

func (q *Queue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops dispatching and cancels every pending delay/retry timer.
// Active jobs are not aborted; their timeout still applies.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, p := range q.timers {
		p.timer.Stop()
		delete(q.timers, id)
	}
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
	}
	active := q.active
	q.mu.Unlock()

	q.log.Info("queue closed", logx.Int("active", active))
	q.bus.Publish(eventbus.Event{Type: EventClosed, Source: q.name})
}

// WaitIdle blocks until no job is active or ctx ends.
func (q *Queue[T]) WaitIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		q.mu.Lock()
		if q.active == 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---- dispatch ----

func (q *Queue[T]) nextIDLocked() string {
	for {
		q.idSeq++
		id := strconv.FormatUint(q.idSeq, 10)
		if _, taken := q.jobs[id]; !taken {
			return id
		}
	}
}

// enqueueLocked inserts j into the ready list. The list stays sorted by
// priority; LIFO jobs go before their equal-priority peers, others after.
func (q *Queue[T]) enqueueLocked(j *Job[T], lifo bool) {
	if q.paused {
		j.Status = StatusPaused
	} else {
		j.Status = StatusWaiting
	}
	p := j.Opts.Priority
	var i int
	if lifo {
		i = sort.Search(len(q.ready), func(k int) bool { return q.ready[k].Opts.Priority >= p })
	} else {
		i = sort.Search(len(q.ready), func(k int) bool { return q.ready[k].Opts.Priority > p })
	}
	q.ready = slices.Insert(q.ready, i, j)
}

// armLocked schedules promotion of job id into the ready list after d.
// A fired timer only acts if its token is still the registered one, so
// Stop() racing with a firing timer has no late side effects. Promotion also
// waits for b to be flushed, so the delayed or retrying event that armed the
// timer is always published before the job's next waiting event.
func (q *Queue[T]) armLocked(b *batch, id string, d time.Duration) {
	q.cancelTimerLocked(id)
	q.tokSeq++
	tok := q.tokSeq
	gate := b.gate()
	t := time.AfterFunc(d, func() {
		<-gate
		q.promote(id, tok)
	})
	q.timers[id] = pendingTimer{timer: t, token: tok}
}

func (q *Queue[T]) cancelTimerLocked(id string) {
	if p, ok := q.timers[id]; ok {
		p.timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue[T]) promote(id string, tok uint64) {
	var b batch
	q.mu.Lock()
	p, ok := q.timers[id]
	if !ok || p.token != tok {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)
	j := q.jobs[id]
	if j == nil || q.closed {
		q.mu.Unlock()
		return
	}
	q.enqueueLocked(j, false)
	b.event(q.jobEvent(EventWaiting, *j, nil, 0))
	q.dispatchLocked(&b)
	q.mu.Unlock()

	q.flush(&b)
}

// dispatchLocked starts ready jobs while a concurrency slot and limiter
// headroom exist. A job leaves the ready list before it is launched, so it
// can never occupy two slots.
func (q *Queue[T]) dispatchLocked(b *batch) {
	if q.handler == nil || q.paused || q.closed {
		return
	}
	h := q.handler
	for q.active < q.concurrency && len(q.ready) > 0 {
		if q.limiter != nil && !q.limiter.Allow(q.name) {
			q.armWakeLocked()
			return
		}
		j := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]

		j.Status = StatusActive
		j.ProcessedAt = time.Now()
		j.Attempts++
		q.active++

		snap := *j
		b.event(q.jobEvent(EventActive, snap, nil, 0))
		b.runs = append(b.runs, func() { q.run(h, snap) })
	}
}

// armWakeLocked retries dispatch once the oldest dispatch in the window
// expires.
func (q *Queue[T]) armWakeLocked() {
	if q.wake != nil {
		return
	}
	d := q.limiter.NextFree(q.name)
	q.limitedLog.Do(func() {
		q.log.Debug("queue.rate_limited", logx.Int("ready", len(q.ready)), logx.Duration("retry_in", d))
	})
	if d <= 0 {
		d = time.Millisecond
	}
	q.wakeToken++
	tok := q.wakeToken
	q.wake = time.AfterFunc(d, func() {
		var b batch
		q.mu.Lock()
		if q.wakeToken != tok {
			q.mu.Unlock()
			return
		}
		q.wake = nil
		q.dispatchLocked(&b)
		q.mu.Unlock()
		q.flush(&b)
	})
}

type result struct {
	value any
	err   error
}

// run executes one attempt racing the job timeout. When the timeout wins
// the processor goroutine is abandoned and its eventual result discarded.
func (q *Queue[T]) run(h Processor[T], job Job[T]) {
	timeout := job.Opts.Timeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("panic: %v", p)}
				q.log.Error("job.panic", logx.String("job", job.ID), logx.String("name", job.Name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
			done <- r
		}()
		r.value, r.err = h(ctx, job)
	}()

	var r result
	select {
	case r = <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.err = fmt.Errorf("%w after %s: %v", ErrJobTimeout, timeout, r.err)
		}
	case <-ctx.Done():
		r = result{err: fmt.Errorf("%w after %s", ErrJobTimeout, timeout)}
	}
	q.finish(job.ID, r)
}

func (q *Queue[T]) finish(id string, r result) {
	var b batch
	q.mu.Lock()
	q.active--
	close(q.notify)
	q.notify = make(chan struct{})

	j := q.jobs[id]
	if j != nil && j.Status == StatusActive {
		now := time.Now()
		dur := now.Sub(j.ProcessedAt)
		if r.err == nil {
			j.Status = StatusCompleted
			j.FinishedAt = now
			j.ReturnValue = r.value
			j.Progress = 100
			b.event(q.jobEvent(EventCompleted, *j, nil, 0))
			q.log.Debug("job.completed", logx.String("job", id), logx.String("name", j.Name), logx.Int("attempts", j.Attempts), logx.Duration("dur", dur))
			if j.Opts.RemoveOnComplete {
				delete(q.jobs, id)
			}
		} else {
			j.FailedReason = r.err.Error()
			if j.Attempts < j.MaxAttempts && !IsNoRetry(r.err) {
				delay := retryDelay(j.Opts.Backoff, j.Attempts, r.err)
				j.Status = StatusWaiting
				b.event(q.jobEvent(EventRetrying, *j, r.err, delay))
				q.log.Debug("job.retrying", logx.String("job", id), logx.String("name", j.Name), logx.Int("attempt", j.Attempts), logx.Duration("delay", delay), logx.Err(r.err))
				if !q.closed {
					if delay > 0 {
						q.armLocked(&b, id, delay)
					} else {
						q.enqueueLocked(j, false)
					}
				}
			} else {
				j.Status = StatusFailed
				j.FinishedAt = now
				b.event(q.jobEvent(EventFailed, *j, r.err, 0))
				q.log.Debug("job.failed", logx.String("job", id), logx.String("name", j.Name), logx.Int("attempts", j.Attempts), logx.Duration("dur", dur), logx.Err(r.err))
				if j.Opts.RemoveOnFail {
					delete(q.jobs, id)
				}
			}
		}
	}
	q.dispatchLocked(&b)
	q.mu.Unlock()

	q.flush(&b)
}
