package app

import (
	"fmt"
	"strings"
	"time"

	"jobcore/internal/config"
	"jobcore/internal/queue"
	"jobcore/internal/ratelimit"
	"jobcore/internal/storage"
	"jobcore/internal/workerpool"
	logx "jobcore/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Format:  c.Format,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapJobOptions(path string, c config.JobOptionsConfig) (queue.JobOptions, error) {
	delay, err := config.ParseDurationField(path+".delay", c.Delay)
	if err != nil {
		return queue.JobOptions{}, err
	}
	timeout, err := config.ParseDurationField(path+".timeout", c.Timeout)
	if err != nil {
		return queue.JobOptions{}, err
	}
	opts := queue.JobOptions{
		Priority:         c.Priority,
		Delay:            delay,
		Attempts:         c.Attempts,
		Timeout:          timeout,
		RemoveOnComplete: c.RemoveOnComplete,
		RemoveOnFail:     c.RemoveOnFail,
		LIFO:             c.LIFO,
	}
	if b := c.Backoff; b != nil {
		d, err := config.ParseDurationField(path+".backoff.delay", b.Delay)
		if err != nil {
			return queue.JobOptions{}, err
		}
		maxD, err := config.ParseDurationField(path+".backoff.max", b.Max)
		if err != nil {
			return queue.JobOptions{}, err
		}
		opts.Backoff = queue.Backoff{
			Type:  queue.BackoffType(strings.ToLower(strings.TrimSpace(b.Type))),
			Delay: d,
			Max:   maxD,
		}
	}
	return opts, nil
}

func mapQueueConfig(path string, c config.QueueConfig) (queue.Config, error) {
	opts, err := mapJobOptions(path+".default_job_options", c.DefaultJobOptions)
	if err != nil {
		return queue.Config{}, err
	}
	qc := queue.Config{DefaultJobOptions: opts}
	if l := c.Limiter; l != nil {
		d, err := config.ParseDurationField(path+".limiter.duration", l.Duration)
		if err != nil {
			return queue.Config{}, err
		}
		qc.Limiter = &queue.LimiterConfig{Max: l.Max, Duration: d}
	}
	return qc, nil
}

// concurrencyFor resolves a queue's processor concurrency: per-queue value,
// then queue_defaults, then 1.
func concurrencyFor(cfg *config.Config, name string) int {
	if q, ok := cfg.Queues[name]; ok && q.Concurrency > 0 {
		return q.Concurrency
	}
	return max(cfg.QueueDefaults.Concurrency, 1)
}

func mapPoolConfig(c *config.WorkerPoolConfig) (workerpool.Config, bool, error) {
	if c == nil || !c.Enabled {
		return workerpool.Config{}, false, nil
	}
	idle, err := config.ParseDurationOrDefault("worker_pool.idle_timeout", c.IdleTimeout, workerpool.DefaultIdleTimeout)
	if err != nil {
		return workerpool.Config{}, false, err
	}
	task, err := config.ParseDurationOrDefault("worker_pool.task_timeout", c.TaskTimeout, workerpool.DefaultTaskTimeout)
	if err != nil {
		return workerpool.Config{}, false, err
	}
	return workerpool.Config{
		MinWorkers:  c.MinWorkers,
		MaxWorkers:  c.MaxWorkers,
		IdleTimeout: idle,
		TaskTimeout: task,
	}, true, nil
}

// Failure warnings default to 5 per queue per minute.
func mapRateLimiterConfig(c *config.RateLimiterConfig) (ratelimit.Config, error) {
	rc := ratelimit.Config{MaxRequests: 5, Window: time.Minute, KeyPrefix: "fail:"}
	if c == nil {
		return rc, nil
	}
	if c.MaxRequests > 0 {
		rc.MaxRequests = c.MaxRequests
	}
	w, err := config.ParseDurationOrDefault("rate_limiter.window", c.Window, rc.Window)
	if err != nil {
		return ratelimit.Config{}, err
	}
	rc.Window = w
	if p := strings.TrimSpace(c.KeyPrefix); p != "" {
		rc.KeyPrefix = p
	}
	return rc, nil
}

func mapArchiveConfig(c *config.ArchiveConfig) (storage.Config, bool, error) {
	if c == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(c.DSN)
		if dsn == "" {
			return storage.Config{}, false, fmt.Errorf("archive.dsn is required when archive.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: dsn}, true, nil
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, false, fmt.Errorf("unknown archive.driver: %s", c.Driver)
	}
	path := strings.TrimSpace(c.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("archive.path is required when archive.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("archive.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}
