package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// QueueDefaults apply to every queue; Queues lists the queues created at
	// startup and their overrides.
	QueueDefaults QueueConfig            `json:"queue_defaults"`
	Queues        map[string]QueueConfig `json:"queues"`

	WorkerPool  *WorkerPoolConfig  `json:"worker_pool,omitempty"`
	RateLimiter *RateLimiterConfig `json:"rate_limiter,omitempty"`
	Archive     *ArchiveConfig     `json:"archive,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	// StatsInterval controls the periodic queue stats log line. "0s" or
	// omitted disables it.
	StatsInterval string `json:"stats_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig is one queue's settings. Zero fields inherit queue_defaults.
type QueueConfig struct {
	Concurrency       int              `json:"concurrency,omitempty"`
	DefaultJobOptions JobOptionsConfig `json:"default_job_options"`
	Limiter           *LimiterConfig   `json:"limiter,omitempty"`
}

type JobOptionsConfig struct {
	Priority         int            `json:"priority,omitempty"`
	Delay            string         `json:"delay,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Backoff          *BackoffConfig `json:"backoff,omitempty"`
	Timeout          string         `json:"timeout,omitempty"`
	RemoveOnComplete bool           `json:"remove_on_complete,omitempty"`
	RemoveOnFail     bool           `json:"remove_on_fail,omitempty"`
	LIFO             bool           `json:"lifo,omitempty"`
}

// BackoffConfig: type is "fixed" or "exponential".
type BackoffConfig struct {
	Type  string `json:"type"`
	Delay string `json:"delay"`
	Max   string `json:"max,omitempty"`
}

// LimiterConfig caps a queue to Max dispatches per Duration.
type LimiterConfig struct {
	Max      int    `json:"max"`
	Duration string `json:"duration"`
}

// WorkerPoolConfig sizes the shared worker pool.
//
// Defaults: idle_timeout "30s", task_timeout "5m".
type WorkerPoolConfig struct {
	Enabled     bool   `json:"enabled"`
	MinWorkers  int    `json:"min_workers"`
	MaxWorkers  int    `json:"max_workers"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// RateLimiterConfig throttles repeated failure warnings per queue.
type RateLimiterConfig struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// ArchiveConfig controls where terminal jobs are recorded.
//
// Example:
//
//	"archive": { "driver": "sqlite", "path": "./jobcore.db" }
//	"archive": { "driver": "postgres", "dsn": "postgres://jobcore@localhost/jobcore" }
type ArchiveConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScheduleConfig adds a job to Queue every Every.
type ScheduleConfig struct {
	Name     string          `json:"name"`
	Queue    string          `json:"queue"`
	Every    string          `json:"every"`
	Job      string          `json:"job,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority int             `json:"priority,omitempty"`
}
