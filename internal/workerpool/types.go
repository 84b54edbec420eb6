package workerpool

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoProcessor  = errors.New("workerpool: no processor set")
	ErrPoolShutdown = errors.New("workerpool: pool shutdown")
	ErrTaskTimeout  = errors.New("workerpool: task timed out")
)

const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultTaskTimeout = 5 * time.Minute
)

// Config sizes the pool.
//
// MinWorkers are created up front and never evicted. Workers above the floor
// are removed after IdleTimeout without work.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = max(c.MinWorkers, 1)
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Processor is the function every worker executes.
type Processor[In, Out any] func(ctx context.Context, in In) (Out, error)

// Stats is a point-in-time view.
type Stats struct {
	TotalWorkers int `json:"total_workers"`
	IdleWorkers  int `json:"idle_workers"`
	BusyWorkers  int `json:"busy_workers"`
	PendingTasks int `json:"pending_tasks"`
}

// Event types published on Pool.Events().
const (
	EventWorkerCreated = "worker:created"
	EventWorkerRemoved = "worker:removed"
	EventTaskStart     = "task:start"
	EventTaskComplete  = "task:complete"
	EventTaskError     = "task:error"
	EventShutdown      = "shutdown"
)

// TaskEvent is the Data of task:* events. Worker events carry WorkerID only.
type TaskEvent struct {
	WorkerID string        `json:"worker_id"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
