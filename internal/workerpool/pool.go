package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jobcore/internal/eventbus"
	logx "jobcore/pkg/logx"
)

type worker struct {
	id   string
	busy bool

	// idle eviction; a fired timer is ignored unless token still matches.
	evict *time.Timer
	token uint64
}

type task[In, Out any] struct {
	ctx  context.Context
	in   In
	done chan outcome[Out]
}

type outcome[Out any] struct {
	out Out
	err error
}

// Pool runs tasks on a bounded, dynamically sized set of workers.
//
// A saturated pool queues tasks; backpressure is visible through
// Stats().PendingTasks, not through errors.
type Pool[In, Out any] struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	proc      Processor[In, Out]
	workers   map[string]*worker
	idle      []*worker // most recently used last
	pending   []*task[In, Out]
	busy      int
	tokSeq    uint64
	shutdown  bool
	finalized bool
	stopped   chan struct{}

	// notify is closed and replaced whenever a worker goes idle or a queued
	// task is withdrawn.
	notify chan struct{}
}

type batch struct {
	events []eventbus.Event
	runs   []func()
}

func New[In, Out any](cfg Config, log logx.Logger) *Pool[In, Out] {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool[In, Out]{
		cfg:     cfg.withDefaults(),
		log:     log.Component("workerpool"),
		bus:     eventbus.New(),
		workers: map[string]*worker{},
		stopped: make(chan struct{}),
		notify:  make(chan struct{}),
	}
	var b batch
	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.idle = append(p.idle, p.addWorkerLocked(&b))
	}
	p.mu.Unlock()
	p.flush(&b)
	return p
}

func (p *Pool[In, Out]) Events() eventbus.Bus { return p.bus }

func (p *Pool[In, Out]) Config() Config { return p.cfg }

// SetProcessor registers the function workers execute. It must be called
// before Execute.
func (p *Pool[In, Out]) SetProcessor(fn Processor[In, Out]) {
	p.mu.Lock()
	p.proc = fn
	p.mu.Unlock()
}

// Execute queues in and blocks until a worker has run it, ctx ends or the pool
// is shut down. Canceling ctx withdraws a task that has not started yet; a
// running task sees the cancellation through its own context.
func (p *Pool[In, Out]) Execute(ctx context.Context, in In) (Out, error) {
	var zero Out
	if ctx == nil {
		ctx = context.Background()
	}
	t := &task[In, Out]{ctx: ctx, in: in, done: make(chan outcome[Out], 1)}

	var b batch
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return zero, ErrPoolShutdown
	}
	if p.proc == nil {
		p.mu.Unlock()
		return zero, ErrNoProcessor
	}
	p.pending = append(p.pending, t)
	p.dispatchLocked(&b)
	p.mu.Unlock()
	p.flush(&b)

	select {
	case r := <-t.done:
		return r.out, r.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	i := slices.Index(p.pending, t)
	var n int
	var drained bool
	if i >= 0 {
		p.pending = slices.Delete(p.pending, i, i+1)
		close(p.notify)
		p.notify = make(chan struct{})
		if p.shutdown && len(p.pending) == 0 && p.busy == 0 {
			n, drained = p.finalizeLocked()
		}
	}
	p.mu.Unlock()
	if drained {
		p.announceShutdown(false, n)
	}
	if i < 0 {
		// Already started (or rejected); prefer its outcome if it is ready.
		select {
		case r := <-t.done:
			return r.out, r.err
		default:
		}
	}
	return zero, ctx.Err()
}

// ExecuteAll runs every input concurrently and returns results in input
// order. The first error cancels the rest and is returned.
func (p *Pool[In, Out]) ExecuteAll(ctx context.Context, ins []In) ([]Out, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]Out, len(ins))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range ins {
		g.Go(func() error {
			r, err := p.Execute(gctx, in)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteBatch runs inputs in chunks of concurrency, waiting for each chunk
// before starting the next. On error it returns the results of the chunks
// that completed.
func (p *Pool[In, Out]) ExecuteBatch(ctx context.Context, ins []In, concurrency int) ([]Out, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	out := make([]Out, 0, len(ins))
	for chunk := range slices.Chunk(ins, concurrency) {
		res, err := p.ExecuteAll(ctx, chunk)
		if err != nil {
			return out, err
		}
		out = append(out, res...)
	}
	return out, nil
}

func (p *Pool[In, Out]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalWorkers: len(p.workers),
		IdleWorkers:  len(p.idle),
		BusyWorkers:  p.busy,
		PendingTasks: len(p.pending),
	}
}

// Shutdown stops accepting tasks. Graceful mode waits until queued and
// running tasks are done; force rejects queued tasks with ErrPoolShutdown
// and returns without waiting for running ones. Either way idle timers are
// canceled, worker bookkeeping cleared and one shutdown event published.
//
// Shutdown may be called again: a graceful call whose ctx expired can be
// escalated with force, and a pool left draining finalizes itself once the
// last task finishes.
func (p *Pool[In, Out]) Shutdown(ctx context.Context, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	p.shutdown = true
	if p.finalized {
		p.mu.Unlock()
		return nil
	}
	if !force {
		p.mu.Unlock()
		if err := p.drain(ctx); err != nil {
			p.log.Warn("pool.shutdown_timeout", logx.Err(err), logx.Int("pending", p.Stats().PendingTasks))
			return err
		}
		p.mu.Lock()
	}

	rejected := p.pending
	p.pending = nil
	n, done := p.finalizeLocked()
	p.mu.Unlock()

	for _, t := range rejected {
		t.done <- outcome[Out]{err: ErrPoolShutdown}
	}
	if len(rejected) > 0 {
		p.log.Warn("pool.tasks_rejected", logx.Int("count", len(rejected)))
	}
	if done {
		p.announceShutdown(force, n)
	}
	return nil
}

// finalizeLocked clears worker bookkeeping once. It reports the number of
// workers dropped and whether this call did the work.
func (p *Pool[In, Out]) finalizeLocked() (int, bool) {
	if p.finalized {
		return 0, false
	}
	p.finalized = true
	for _, w := range p.workers {
		p.stopEvictLocked(w)
	}
	n := len(p.workers)
	clear(p.workers)
	p.idle = nil
	close(p.stopped)
	return n, true
}

func (p *Pool[In, Out]) announceShutdown(force bool, workers int) {
	p.log.Info("pool shut down", logx.Bool("force", force), logx.Int("workers", workers))
	p.bus.Publish(eventbus.Event{Type: EventShutdown, Source: "workerpool", Time: time.Now()})
}

// Done is closed once shutdown has finished.
func (p *Pool[In, Out]) Done() <-chan struct{} { return p.stopped }

// drain blocks until nothing is queued or running.
func (p *Pool[In, Out]) drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 && p.busy == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---- dispatch ----

func (p *Pool[In, Out]) addWorkerLocked(b *batch) *worker {
	w := &worker{id: uuid.NewString()}
	p.workers[w.id] = w
	b.events = append(b.events, p.event(EventWorkerCreated, TaskEvent{WorkerID: w.id}))
	p.log.Debug("pool.worker_created", logx.String("worker", w.id), logx.Int("total", len(p.workers)))
	return w
}

func (p *Pool[In, Out]) dispatchLocked(b *batch) {
	for len(p.pending) > 0 {
		var w *worker
		if n := len(p.idle); n > 0 {
			w = p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.stopEvictLocked(w)
		} else if len(p.workers) < p.cfg.MaxWorkers {
			w = p.addWorkerLocked(b)
		} else {
			return
		}

		t := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]

		w.busy = true
		p.busy++
		b.events = append(b.events, p.event(EventTaskStart, TaskEvent{WorkerID: w.id}))
		proc := p.proc
		b.runs = append(b.runs, func() { p.run(w, proc, t) })
	}
}

// run executes one task racing the task timeout. On timeout the processor
// goroutine is abandoned and its eventual result discarded.
func (p *Pool[In, Out]) run(w *worker, proc Processor[In, Out], t *task[In, Out]) {
	start := time.Now()
	timeout := p.cfg.TaskTimeout
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	done := make(chan outcome[Out], 1)
	go func() {
		var r outcome[Out]
		defer func() {
			if rec := recover(); rec != nil {
				r = outcome[Out]{err: fmt.Errorf("panic: %v", rec)}
				p.log.Error("task.panic", logx.String("worker", w.id), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
			done <- r
		}()
		r.out, r.err = proc(ctx, t.in)
	}()

	var r outcome[Out]
	select {
	case r = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && t.ctx.Err() == nil {
			r = outcome[Out]{err: fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)}
		} else {
			r = outcome[Out]{err: ctx.Err()}
		}
	}
	t.done <- r
	p.release(w, r.err, time.Since(start))
}

func (p *Pool[In, Out]) release(w *worker, err error, dur time.Duration) {
	var b batch
	ev := TaskEvent{WorkerID: w.id, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		b.events = append(b.events, p.event(EventTaskError, ev))
		p.log.Debug("task.error", logx.String("worker", w.id), logx.Duration("dur", dur), logx.Err(err))
	} else {
		b.events = append(b.events, p.event(EventTaskComplete, ev))
	}

	p.mu.Lock()
	w.busy = false
	p.busy--
	if p.workers[w.id] == w {
		p.idle = append(p.idle, w)
		p.dispatchLocked(&b)
		if !w.busy && len(p.workers) > p.cfg.MinWorkers && !p.shutdown {
			p.armEvictLocked(w)
		}
	}
	close(p.notify)
	p.notify = make(chan struct{})
	var n int
	var drained bool
	if p.shutdown && len(p.pending) == 0 && p.busy == 0 {
		n, drained = p.finalizeLocked()
	}
	p.mu.Unlock()

	p.flush(&b)
	if drained {
		p.announceShutdown(false, n)
	}
}

func (p *Pool[In, Out]) armEvictLocked(w *worker) {
	p.stopEvictLocked(w)
	p.tokSeq++
	tok := p.tokSeq
	w.token = tok
	id := w.id
	w.evict = time.AfterFunc(p.cfg.IdleTimeout, func() { p.evictIdle(id, tok) })
}

func (p *Pool[In, Out]) stopEvictLocked(w *worker) {
	if w.evict != nil {
		w.evict.Stop()
		w.evict = nil
	}
	w.token = 0
}

func (p *Pool[In, Out]) evictIdle(id string, tok uint64) {
	p.mu.Lock()
	w := p.workers[id]
	if w == nil || w.busy || w.token != tok || len(p.workers) <= p.cfg.MinWorkers {
		p.mu.Unlock()
		return
	}
	w.evict = nil
	delete(p.workers, id)
	if i := slices.Index(p.idle, w); i >= 0 {
		p.idle = slices.Delete(p.idle, i, i+1)
	}
	total := len(p.workers)
	p.mu.Unlock()

	p.log.Debug("pool.worker_removed", logx.String("worker", id), logx.Int("total", total))
	p.bus.Publish(p.event(EventWorkerRemoved, TaskEvent{WorkerID: id}))
}

func (p *Pool[In, Out]) event(typ string, data TaskEvent) eventbus.Event {
	return eventbus.Event{Type: typ, Source: "workerpool", Time: time.Now(), Data: data}
}

func (p *Pool[In, Out]) flush(b *batch) {
	for _, e := range b.events {
		p.bus.Publish(e)
	}
	for _, run := range b.runs {
		go run()
	}
}
