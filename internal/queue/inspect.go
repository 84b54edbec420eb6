package queue

import (
	"cmp"
	"slices"
	"time"

	logx "jobcore/pkg/logx"
)

// Job returns a snapshot of job id.
func (q *Queue[T]) Job(id string) (Job[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.jobs[id]
	if j == nil {
		return Job[T]{}, false
	}
	return *j, true
}

// Jobs returns snapshots of jobs in any of the given statuses (all jobs if
// none given), in creation order.
func (q *Queue[T]) Jobs(statuses ...Status) []Job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collectLocked(statuses)
}

// JobsRange is Jobs with pagination. limit <= 0 means no limit.
func (q *Queue[T]) JobsRange(statuses []Status, offset, limit int) []Job[T] {
	all := q.Jobs(statuses...)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []Job[T]{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func (q *Queue[T]) collectLocked(statuses []Status) []Job[T] {
	out := make([]Job[T], 0, len(q.jobs))
	for _, j := range q.jobs {
		if len(statuses) == 0 || slices.Contains(statuses, j.Status) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, bySeq[T])
	return out
}

// Stats counts jobs per status by scanning storage.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, j := range q.jobs {
		switch j.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusDelayed:
			s.Delayed++
		case StatusPaused:
			s.Paused++
		}
	}
	return s
}

// UpdateProgress records advisory progress (clamped to 0..100).
func (q *Queue[T]) UpdateProgress(id string, progress int) error {
	progress = min(max(progress, 0), 100)
	q.mu.Lock()
	j := q.jobs[id]
	if j == nil {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	j.Progress = progress
	ev := q.jobEvent(EventProgress, *j, nil, 0)
	q.mu.Unlock()

	q.bus.Publish(ev)
	return nil
}

// Remove deletes a non-active job and cancels its pending timer.
func (q *Queue[T]) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.jobs[id]
	if j == nil {
		return ErrJobNotFound
	}
	if j.Status == StatusActive {
		return ErrJobActive
	}
	q.cancelTimerLocked(id)
	if i := slices.Index(q.ready, j); i >= 0 {
		q.ready = slices.Delete(q.ready, i, i+1)
	}
	delete(q.jobs, id)
	return nil
}

// Clean removes jobs in the terminal status that finished at least grace ago
// and returns them.
func (q *Queue[T]) Clean(grace time.Duration, status Status) ([]Job[T], error) {
	if !status.Terminal() {
		return nil, ErrNotTerminal
	}
	cutoff := time.Now().Add(-grace)

	q.mu.Lock()
	var removed []Job[T]
	for id, j := range q.jobs {
		if j.Status != status || j.FinishedAt.After(cutoff) {
			continue
		}
		removed = append(removed, *j)
		delete(q.jobs, id)
	}
	q.mu.Unlock()

	slices.SortFunc(removed, bySeq[T])
	if len(removed) > 0 {
		q.log.Debug("queue.cleaned", logx.String("status", string(status)), logx.Int("removed", len(removed)))
	}
	return removed, nil
}

// Empty drops every waiting, delayed and paused job and cancels their
// timers. Active jobs are untouched. It returns the number removed.
func (q *Queue[T]) Empty() int {
	q.mu.Lock()
	n := 0
	for id, j := range q.jobs {
		switch j.Status {
		case StatusWaiting, StatusDelayed, StatusPaused:
			q.cancelTimerLocked(id)
			delete(q.jobs, id)
			n++
		}
	}
	clear(q.ready)
	q.ready = q.ready[:0]
	q.mu.Unlock()

	q.log.Debug("queue.emptied", logx.Int("removed", n))
	return n
}

func bySeq[T any](a, b Job[T]) int { return cmp.Compare(a.seq, b.seq) }
