package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobcore/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level sections
// and structured attrs describing their new values, for the reload log line.
// Schedule payloads are reported by count only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.QueueDefaults, newCfg.QueueDefaults) {
		changed = append(changed, "queue_defaults")
	}
	if qs := diffQueues(oldCfg.Queues, newCfg.Queues); len(qs) > 0 {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.String("queues.changed", strings.Join(qs, ",")),
			logx.Int("queues.count", len(newCfg.Queues)),
		)
	}

	if !reflect.DeepEqual(oldCfg.WorkerPool, newCfg.WorkerPool) {
		changed = append(changed, "worker_pool")
		if wp := newCfg.WorkerPool; wp != nil {
			attrs = append(attrs,
				logx.Bool("worker_pool.enabled", wp.Enabled),
				logx.Int("worker_pool.min", wp.MinWorkers),
				logx.Int("worker_pool.max", wp.MaxWorkers),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.RateLimiter, newCfg.RateLimiter) {
		changed = append(changed, "rate_limiter")
	}

	if !reflect.DeepEqual(oldCfg.Archive, newCfg.Archive) {
		changed = append(changed, "archive")
		if a := newCfg.Archive; a != nil {
			attrs = append(attrs,
				logx.String("archive.driver", strings.TrimSpace(a.Driver)),
				logx.Bool("archive.path_set", strings.TrimSpace(a.Path) != ""),
				logx.Bool("archive.dsn_set", strings.TrimSpace(a.DSN) != ""),
			)
		}
	}

	if !schedulesEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if strings.TrimSpace(oldCfg.StatsInterval) != strings.TrimSpace(newCfg.StatsInterval) {
		changed = append(changed, "stats_interval")
		attrs = append(attrs, logx.String("stats_interval", strings.TrimSpace(newCfg.StatsInterval)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// schedulesEqual compares schedules with their payloads canonicalized, so
// whitespace or key-order edits in data do not count as changes.
func schedulesEqual(a, b []ScheduleConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Queue != y.Queue || x.Every != y.Every || x.Job != y.Job || x.Priority != y.Priority {
			return false
		}
		if canonicalHashJSON(x.Data) != canonicalHashJSON(y.Data) {
			return false
		}
	}
	return true
}
