package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	logx "jobcore/pkg/logx"
)

// Validate checks ranges and duration strings. It returns every problem found,
// joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "pretty", "json":
	default:
		add(fmt.Errorf("logging.format: want pretty or json, got %q", cfg.Logging.Format))
	}

	add(validateQueue("queue_defaults", cfg.QueueDefaults))
	names := make([]string, 0, len(cfg.Queues))
	for name := range cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			add(errors.New("queues: empty queue name"))
			continue
		}
		add(validateQueue("queues."+name, cfg.Queues[name]))
	}

	if wp := cfg.WorkerPool; wp != nil {
		if wp.MinWorkers < 0 {
			add(errors.New("worker_pool.min_workers: must be >= 0"))
		}
		if wp.MaxWorkers > 0 && wp.MaxWorkers < wp.MinWorkers {
			add(fmt.Errorf("worker_pool.max_workers: %d is below min_workers %d", wp.MaxWorkers, wp.MinWorkers))
		}
		_, err := ParseDurationField("worker_pool.idle_timeout", wp.IdleTimeout)
		add(err)
		_, err = ParseDurationField("worker_pool.task_timeout", wp.TaskTimeout)
		add(err)
	}

	if rl := cfg.RateLimiter; rl != nil {
		if rl.MaxRequests < 0 {
			add(errors.New("rate_limiter.max_requests: must be >= 0"))
		}
		_, err := ParseDurationField("rate_limiter.window", rl.Window)
		add(err)
	}

	if a := cfg.Archive; a != nil {
		switch d := strings.ToLower(strings.TrimSpace(a.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(a.Path) == "" {
				add(fmt.Errorf("archive.path: required for driver %q", d))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(a.DSN) == "" {
				add(fmt.Errorf("archive.dsn: required for driver %q", d))
			}
		default:
			add(fmt.Errorf("archive.driver: unknown driver %q", a.Driver))
		}
		_, err := ParseDurationField("archive.busy_timeout", a.BusyTimeout)
		add(err)
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Queue) == "" {
			add(fmt.Errorf("%s.queue: required", path))
		}
		d, err := ParseDurationField(path+".every", s.Every)
		add(err)
		if err == nil && d <= 0 {
			add(fmt.Errorf("%s.every: must be > 0", path))
		}
		add(validatePriority(path+".priority", s.Priority))
	}

	_, err := ParseDurationField("stats_interval", cfg.StatsInterval)
	add(err)

	return errors.Join(errs...)
}

func validateQueue(path string, q QueueConfig) error {
	var errs []error
	if q.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("%s.concurrency: must be >= 0", path))
	}
	o := q.DefaultJobOptions
	errs = append(errs, validatePriority(path+".default_job_options.priority", o.Priority))
	if o.Attempts < 0 {
		errs = append(errs, fmt.Errorf("%s.default_job_options.attempts: must be >= 0", path))
	}
	_, err := ParseDurationField(path+".default_job_options.delay", o.Delay)
	errs = append(errs, err)
	_, err = ParseDurationField(path+".default_job_options.timeout", o.Timeout)
	errs = append(errs, err)
	if b := o.Backoff; b != nil {
		switch strings.ToLower(strings.TrimSpace(b.Type)) {
		case "", "fixed", "exponential":
		default:
			errs = append(errs, fmt.Errorf("%s.default_job_options.backoff.type: unknown type %q", path, b.Type))
		}
		_, err = ParseDurationField(path+".default_job_options.backoff.delay", b.Delay)
		errs = append(errs, err)
		_, err = ParseDurationField(path+".default_job_options.backoff.max", b.Max)
		errs = append(errs, err)
	}
	if l := q.Limiter; l != nil {
		if l.Max <= 0 {
			errs = append(errs, fmt.Errorf("%s.limiter.max: must be > 0", path))
		}
		d, err := ParseDurationField(path+".limiter.duration", l.Duration)
		errs = append(errs, err)
		if err == nil && d <= 0 {
			errs = append(errs, fmt.Errorf("%s.limiter.duration: must be > 0", path))
		}
	}
	return errors.Join(errs...)
}

func validatePriority(path string, p int) error {
	if p != 0 && (p < 1 || p > 10) {
		return fmt.Errorf("%s: %d out of range 1..10", path, p)
	}
	return nil
}
