package app

import (
	"encoding/json"
	"time"

	"jobcore/internal/config"
	"jobcore/internal/queue"
	"jobcore/internal/ratelimit"
	"jobcore/internal/storage"
	"jobcore/internal/workerpool"
)

// resolved is a config with every duration parsed and every section mapped
// onto its runtime type.
type resolved struct {
	defaults queue.Config
	queues   map[string]queue.Config

	pool      workerpool.Config
	poolOn    bool
	limiter   ratelimit.Config
	archive   storage.Config
	archiveOn bool

	schedules     []schedule
	statsInterval time.Duration
}

func resolve(cfg *config.Config) (*resolved, error) {
	r := &resolved{queues: map[string]queue.Config{}}
	var err error
	if r.defaults, err = mapQueueConfig("queue_defaults", cfg.QueueDefaults); err != nil {
		return nil, err
	}
	for name, qc := range cfg.Queues {
		c, err := mapQueueConfig("queues."+name, qc)
		if err != nil {
			return nil, err
		}
		r.queues[name] = c
	}
	if r.pool, r.poolOn, err = mapPoolConfig(cfg.WorkerPool); err != nil {
		return nil, err
	}
	if r.limiter, err = mapRateLimiterConfig(cfg.RateLimiter); err != nil {
		return nil, err
	}
	if r.archive, r.archiveOn, err = mapArchiveConfig(cfg.Archive); err != nil {
		return nil, err
	}
	if r.schedules, err = parseSchedules(cfg.Schedules); err != nil {
		return nil, err
	}
	// A schedule may target a queue with no section of its own.
	for _, s := range r.schedules {
		if _, ok := r.queues[s.queue]; !ok {
			r.queues[s.queue] = queue.Config{}
		}
	}
	if r.statsInterval, err = config.ParseDurationField("stats_interval", cfg.StatsInterval); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureQueues creates every configured queue the manager does not know yet
// and returns the names it created.
func ensureQueues(mgr *queue.Manager[json.RawMessage], queues map[string]queue.Config) []string {
	var added []string
	for name, qc := range queues {
		if _, ok := mgr.Lookup(name); ok {
			continue
		}
		c := qc
		mgr.Queue(name, &c)
		added = append(added, name)
	}
	return added
}
