package app

import (
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobcore/internal/config"
	"jobcore/internal/queue"
	logx "jobcore/pkg/logx"
)

// maxStartupSpread bounds the jitter added before an interval schedule's
// first run so schedules sharing an interval do not fire together.
const maxStartupSpread = 30 * time.Second

type schedule struct {
	name     string
	queue    string
	job      string
	every    time.Duration
	data     json.RawMessage
	priority int
}

// scheduler adds a job to a queue on a fixed interval. It only triggers;
// retries, timeouts and concurrency belong to the queue.
type scheduler struct {
	mgr *queue.Manager[json.RawMessage]
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	defs    []schedule
	running bool

	fired atomic.Uint64
}

func newScheduler(mgr *queue.Manager[json.RawMessage], log logx.Logger) *scheduler {
	return &scheduler{mgr: mgr, log: log}
}

func parseSchedules(in []config.ScheduleConfig) ([]schedule, error) {
	out := make([]schedule, 0, len(in))
	for i, sc := range in {
		every, err := config.ParseDurationField(schedulePath(i, "every"), sc.Every)
		if err != nil {
			return nil, err
		}
		job := strings.TrimSpace(sc.Job)
		if job == "" {
			job = sc.Name
		}
		out = append(out, schedule{
			name:     sc.Name,
			queue:    sc.Queue,
			job:      job,
			every:    every,
			data:     sc.Data,
			priority: sc.Priority,
		})
	}
	return out, nil
}

func schedulePath(i int, field string) string {
	return "schedules[" + strconv.Itoa(i) + "]." + field
}

// Apply replaces the schedule set. A running scheduler is restarted with the
// new definitions.
func (s *scheduler) Apply(defs []schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	if s.running {
		s.restartLocked()
	}
}

func (s *scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.restartLocked()
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

// Fired counts triggers since construction.
func (s *scheduler) Fired() uint64 { return s.fired.Load() }

func (s *scheduler) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New()
	now := time.Now()
	for _, d := range s.defs {
		if d.every <= 0 {
			continue
		}
		sched, jitter := intervalWithSpread(d.every, now, d.name)
		s.c.Schedule(sched, cron.FuncJob(func() { s.trigger(d) }))
		s.log.Debug("schedule.added", logx.String("name", d.name), logx.String("queue", d.queue),
			logx.Duration("every", d.every), logx.Duration("spread", jitter))
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)))
}

func (s *scheduler) trigger(d schedule) {
	s.fired.Add(1)
	q := s.mgr.Queue(d.queue, nil)
	job, err := q.Add(d.job, d.data, queue.JobOptions{Priority: d.priority})
	if err != nil {
		s.log.Warn("schedule.enqueue_failed", logx.String("name", d.name), logx.String("queue", d.queue), logx.Err(err))
		return
	}
	s.log.Debug("schedule.enqueued", logx.String("name", d.name), logx.String("job_id", job.ID))
}

// spreadSchedule delays only the first run; afterwards it follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
