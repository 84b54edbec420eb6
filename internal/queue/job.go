package queue

import (
	"context"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
)

// Terminal reports whether s is a final state (completed or failed).
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
	DefaultAttempts = 3
	DefaultTimeout  = 5 * time.Minute
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay between attempts.
//
// Max caps the computed delay; 0 means uncapped.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
	Max   time.Duration
}

func (b Backoff) IsZero() bool { return b.Type == "" && b.Delay == 0 && b.Max == 0 }

// JobOptions are merged over Config.DefaultJobOptions by Queue.Add.
//
// Zero values mean "inherit". A boolean left false inherits the queue value
// unless its flag is listed in Explicit, in which case the job's false wins.
type JobOptions struct {
	// Priority 1..10, lower runs first. 0 means DefaultPriority.
	Priority int
	// Delay before the job becomes eligible.
	Delay time.Duration
	// Attempts is the max number of executions (first run included).
	Attempts int
	Backoff  Backoff
	// Timeout after which an active attempt is abandoned and failed.
	Timeout time.Duration

	RemoveOnComplete bool
	RemoveOnFail     bool
	LIFO             bool
	Explicit         Flag

	// JobID overrides the generated id. Adding an id that already exists
	// returns the existing job.
	JobID string
}

// Flag names a boolean JobOptions field.
type Flag uint8

const (
	FlagRemoveOnComplete Flag = 1 << iota
	FlagRemoveOnFail
	FlagLIFO
)

func inheritBool(own, explicit, def bool) bool {
	if explicit {
		return own
	}
	return own || def
}

func (o JobOptions) merge(def JobOptions) JobOptions {
	if o.Priority == 0 {
		o.Priority = def.Priority
	}
	if o.Delay == 0 {
		o.Delay = def.Delay
	}
	if o.Attempts == 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff.IsZero() {
		o.Backoff = def.Backoff
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	o.RemoveOnComplete = inheritBool(o.RemoveOnComplete, o.Explicit&FlagRemoveOnComplete != 0, def.RemoveOnComplete)
	o.RemoveOnFail = inheritBool(o.RemoveOnFail, o.Explicit&FlagRemoveOnFail != 0, def.RemoveOnFail)
	o.LIFO = inheritBool(o.LIFO, o.Explicit&FlagLIFO != 0, def.LIFO)
	return o
}

func (o JobOptions) withDefaults() JobOptions {
	switch {
	case o.Priority == 0:
		o.Priority = DefaultPriority
	case o.Priority < MinPriority:
		o.Priority = MinPriority
	case o.Priority > MaxPriority:
		o.Priority = MaxPriority
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Backoff.Type != BackoffFixed && o.Backoff.Type != BackoffExponential {
		o.Backoff.Type = BackoffFixed
	}
	if o.Backoff.Delay < 0 {
		o.Backoff.Delay = 0
	}
	return o
}

// Job is one unit of work. Values handed out by a Queue are snapshots; the
// queue owns the live record.
type Job[T any] struct {
	ID   string
	Name string
	Data T

	Status   Status
	Progress int

	Attempts    int
	MaxAttempts int

	CreatedAt   time.Time
	ProcessedAt time.Time
	FinishedAt  time.Time

	FailedReason string
	ReturnValue  any

	Opts JobOptions

	seq uint64
}

// Processor handles one attempt of a job. A returned error (or panic) fails
// the attempt; ctx expires at the job timeout.
type Processor[T any] func(ctx context.Context, job Job[T]) (any, error)

// BulkJob is one entry for Queue.AddBulk.
type BulkJob[T any] struct {
	Name string
	Data T
	Opts JobOptions
}

// Stats counts jobs per status.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

func (s Stats) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed + s.Paused
}
