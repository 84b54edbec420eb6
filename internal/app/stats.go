package app

import (
	"context"
	"sort"
	"time"

	logx "jobcore/pkg/logx"
)

// Snapshot is a point-in-time view of every runtime component.
type Snapshot struct {
	Queues    map[string]QueueSnapshot `json:"queues"`
	Pool      *PoolSnapshot            `json:"pool,omitempty"`
	Schedules int                      `json:"schedules"`
	Fired     uint64                   `json:"fired"`
	Routines  int64                    `json:"routines"`
}

type QueueSnapshot struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

type PoolSnapshot struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Pending int `json:"pending"`
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{Queues: map[string]QueueSnapshot{}, Fired: a.sched.Fired()}
	for name, st := range a.mgr.AllStats() {
		qs := QueueSnapshot{
			Waiting:   st.Waiting + st.Paused,
			Active:    st.Active,
			Completed: st.Completed,
			Failed:    st.Failed,
			Delayed:   st.Delayed,
		}
		if q, ok := a.mgr.Lookup(name); ok {
			qs.Paused = q.IsPaused()
		}
		snap.Queues[name] = qs
	}
	if a.pool != nil {
		ps := a.pool.Stats()
		snap.Pool = &PoolSnapshot{Total: ps.TotalWorkers, Idle: ps.IdleWorkers, Busy: ps.BusyWorkers, Pending: ps.PendingTasks}
	}
	a.sched.mu.Lock()
	snap.Schedules = len(a.sched.defs)
	a.sched.mu.Unlock()
	if a.sup != nil {
		snap.Routines = a.sup.Snapshot().Active
	}
	return snap
}

func (a *App) statsLoop(ctx context.Context) error {
	t := time.NewTicker(a.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.reportStats()
		}
	}
}

func (a *App) reportStats() {
	snap := a.Snapshot()
	names := make([]string, 0, len(snap.Queues))
	for n := range snap.Queues {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		qs := snap.Queues[n]
		a.log.Info("queue.stats",
			logx.String("queue", n),
			logx.Int("waiting", qs.Waiting),
			logx.Int("active", qs.Active),
			logx.Int("delayed", qs.Delayed),
			logx.Int("completed", qs.Completed),
			logx.Int("failed", qs.Failed),
			logx.Bool("paused", qs.Paused),
		)
	}
	if p := snap.Pool; p != nil {
		a.log.Info("pool.stats", logx.Int("total", p.Total), logx.Int("idle", p.Idle), logx.Int("busy", p.Busy), logx.Int("pending", p.Pending))
	}
	a.log.Debug("runtime.stats", logx.Int("schedules", snap.Schedules), logx.Uint64("fired", snap.Fired), logx.Int64("routines", snap.Routines))
}
