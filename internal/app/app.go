package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobcore/internal/config"
	"jobcore/internal/eventbus"
	"jobcore/internal/queue"
	"jobcore/internal/ratelimit"
	"jobcore/internal/runtime/supervisor"
	"jobcore/internal/storage"
	"jobcore/internal/workerpool"
	logx "jobcore/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = []string{"queue_defaults", "worker_pool", "rate_limiter", "archive", "stats_interval"}

// App wires the queues, the worker pool, the archive and the schedules from
// one config file.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	mgr     *queue.Manager[json.RawMessage]
	pool    *workerpool.Pool[json.RawMessage, json.RawMessage]
	store   storage.Store
	limiter *ratelimit.Limiter
	sched   *scheduler
	arch    *archiver
	tel     *telemetry

	statsInterval time.Duration
	suppressed    atomic.Uint64
	unlisten      func()

	// fallback is the HandleAll processor, also given to queues that a
	// reload creates.
	fallbackMu sync.Mutex
	fallback   queue.Processor[json.RawMessage]

	stopOnce sync.Once
	stopErr  error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	r, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	a := &App{
		cfgm:          cfgm,
		log:           log.Component("app"),
		logs:          logSvc,
		limiter:       ratelimit.New(r.limiter),
		tel:           newTelemetry(nil, nil),
		statsInterval: r.statsInterval,
	}
	cfgm.SetLogger(log.Component("config"))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := resolve(c)
		return err
	})

	a.mgr = queue.NewManager[json.RawMessage](queue.ManagerConfig{Defaults: r.defaults}, log.Component("queue"))
	ensureQueues(a.mgr, r.queues)
	a.unlisten = a.mgr.Events().Listen(a.onQueueEvent)

	if r.poolOn {
		a.pool = workerpool.New[json.RawMessage, json.RawMessage](r.pool, log.Component("workerpool"))
	}

	if r.archiveOn {
		st, err := storage.Open(r.archive, log)
		if err != nil {
			a.unlisten()
			return nil, fmt.Errorf("archive: %w", err)
		}
		a.store = st
		a.arch = newArchiver(a.mgr.Events(), st, log.Component("archive"))
		a.log.Info("archive enabled", logx.String("driver", r.archive.Driver))
	}

	a.sched = newScheduler(a.mgr, log.Component("scheduler"))
	a.sched.Apply(r.schedules)
	return a, nil
}

func (a *App) Manager() *queue.Manager[json.RawMessage] { return a.mgr }

// Pool returns nil when worker_pool is disabled.
func (a *App) Pool() *workerpool.Pool[json.RawMessage, json.RawMessage] { return a.pool }

// Store returns nil when the archive is disabled.
func (a *App) Store() storage.Store { return a.store }

// Handle registers p on the named queue with its configured concurrency.
// Every attempt is traced and measured through the global otel providers.
func (a *App) Handle(name string, p queue.Processor[json.RawMessage]) {
	q := a.mgr.Queue(name, nil)
	q.Process(concurrencyFor(a.cfgm.Get(), q.Name()), a.tel.wrap(q.Name(), p))
}

// HandleAll registers p on every queue the manager currently holds and on
// queues added later by a config reload.
func (a *App) HandleAll(p queue.Processor[json.RawMessage]) {
	a.fallbackMu.Lock()
	a.fallback = p
	a.fallbackMu.Unlock()
	for _, name := range a.mgr.Names() {
		a.Handle(name, p)
	}
}

// Done is closed once the app context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.Component("supervisor")))

	if a.arch != nil {
		a.sup.Go("archive.writer", a.arch.run)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("limiter.prune", a.pruneLoop)
	if a.statsInterval > 0 {
		a.sup.Go("stats.report", a.statsLoop)
	}
	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdogLoop(c, wd/2) })
	}

	a.sched.Start()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified", logx.String("state", "ready"))
	}
	a.log.Info("app started", logx.Any("queues", a.mgr.Names()))
	return nil
}

// Stop shuts down in dependency order: triggers, queues, pool, background
// loops, archive. It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	a.sched.Stop()

	queues := make([]*queue.Queue[json.RawMessage], 0)
	for _, name := range a.mgr.Names() {
		if q, ok := a.mgr.Lookup(name); ok {
			queues = append(queues, q)
		}
	}
	a.mgr.CloseAll()
	for _, q := range queues {
		if err := q.WaitIdle(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
		}
	}

	if a.pool != nil {
		if err := a.pool.Shutdown(ctx, false); err != nil {
			a.log.Warn("pool.drain_incomplete", logx.Err(err), logx.Bool("force", true))
			if ferr := a.pool.Shutdown(context.Background(), true); ferr != nil {
				err = errors.Join(err, ferr)
			}
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if a.arch != nil {
		a.arch.unsub()
	}
	if a.unlisten != nil {
		a.unlisten()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	_ = a.logs.Close()
	return err
}

// onQueueEvent emits a warning per failed job, throttled per queue.
func (a *App) onQueueEvent(e eventbus.Event) {
	if !strings.HasSuffix(e.Type, ":"+queue.EventFailed) {
		return
	}
	je, ok := e.Data.(queue.JobEvent[json.RawMessage])
	if !ok {
		return
	}
	if !a.limiter.Allow(e.Source) {
		a.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("queue", e.Source),
		logx.String("job_id", je.Job.ID),
		logx.String("name", je.Job.Name),
		logx.Int("attempts", je.Job.Attempts),
		logx.String("err", je.Err),
	}
	if n := a.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	a.log.Warn("job failed", fields...)
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.apply(last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	r, err := resolve(cfg)
	if err != nil {
		// The validator already ran; this only guards a racing edit.
		a.log.Warn("config reload skipped", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogConfig(cfg.Logging))
	if added := ensureQueues(a.mgr, r.queues); len(added) > 0 {
		sort.Strings(added)
		a.fallbackMu.Lock()
		p := a.fallback
		a.fallbackMu.Unlock()
		if p != nil {
			for _, name := range added {
				a.Handle(name, p)
			}
		}
		a.log.Info("queues added", logx.Any("queues", added), logx.Bool("handled", p != nil))
	}
	if slices.Contains(sections, "schedules") {
		a.sched.Apply(r.schedules)
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) pruneLoop(ctx context.Context) error {
	t := time.NewTicker(max(a.limiter.Config().Window, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := a.limiter.Prune(); n > 0 {
				a.log.Trace("limiter.pruned", logx.Int("keys", n))
			}
		}
	}
}

func watchdogLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
