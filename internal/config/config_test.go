package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
queue_defaults:
  concurrency: 2
  default_job_options:
    attempts: 4
    backoff: {type: exponential, delay: 100ms, max: 5s}
queues:
  emails:
    concurrency: 4
    limiter: {max: 10, duration: 1s}
worker_pool:
  enabled: true
  min_workers: 1
  max_workers: 4
archive:
  driver: sqlite
  path: ./jobcore.db
schedules:
  - name: heartbeat
    queue: emails
    every: 30s
    data: {kind: ping}
stats_interval: 1m
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if b := cfg.QueueDefaults.DefaultJobOptions.Backoff; b == nil || b.Type != "exponential" || b.Delay != "100ms" {
		t.Fatalf("backoff = %+v", b)
	}
	q, ok := cfg.Queues["emails"]
	if !ok || q.Concurrency != 4 || q.Limiter == nil || q.Limiter.Max != 10 {
		t.Fatalf("queues.emails = %+v", q)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	var data map[string]string
	if err := json.Unmarshal(cfg.Schedules[0].Data, &data); err != nil || data["kind"] != "ping" {
		t.Fatalf("schedule data = %s (%v)", cfg.Schedules[0].Data, err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		raw  string
	}{
		{name: "unknown json field", path: "c.json", raw: `{"logging":{"level":"info"},"bogus":1}`},
		{name: "unknown nested field", path: "c.json", raw: `{"worker_pool":{"workers":3}}`},
		{name: "trailing data", path: "c.json", raw: `{} {}`},
		{name: "unknown yaml field", path: "c.yml", raw: "logging:\n  colour: true\n"},
		{name: "bad yaml", path: "c.yaml", raw: "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.raw)); err == nil {
				t.Fatalf("expected error for %q", tt.raw)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "log format", cfg: Config{Logging: LoggingConfig{Format: "xml"}}, want: "logging.format"},
		{name: "priority", cfg: Config{QueueDefaults: QueueConfig{DefaultJobOptions: JobOptionsConfig{Priority: 11}}}, want: "priority"},
		{name: "backoff type", cfg: Config{Queues: map[string]QueueConfig{"a": {DefaultJobOptions: JobOptionsConfig{Backoff: &BackoffConfig{Type: "linear"}}}}}, want: "queues.a.default_job_options.backoff.type"},
		{name: "limiter", cfg: Config{Queues: map[string]QueueConfig{"a": {Limiter: &LimiterConfig{Max: 0, Duration: "1s"}}}}, want: "limiter.max"},
		{name: "pool sizes", cfg: Config{WorkerPool: &WorkerPoolConfig{MinWorkers: 4, MaxWorkers: 2}}, want: "worker_pool.max_workers"},
		{name: "duration", cfg: Config{StatsInterval: "soon"}, want: "stats_interval"},
		{name: "archive driver", cfg: Config{Archive: &ArchiveConfig{Driver: "redis"}}, want: "archive.driver"},
		{name: "archive path", cfg: Config{Archive: &ArchiveConfig{Driver: "sqlite"}}, want: "archive.path"},
		{name: "archive dsn", cfg: Config{Archive: &ArchiveConfig{Driver: "postgres"}}, want: "archive.dsn"},
		{name: "schedule every", cfg: Config{Schedules: []ScheduleConfig{{Name: "a", Queue: "q", Every: "0s"}}}, want: "schedules[0].every"},
		{name: "schedule dup", cfg: Config{Schedules: []ScheduleConfig{{Name: "a", Queue: "q", Every: "1s"}, {Name: "a", Queue: "q", Every: "1s"}}}, want: "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("set = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Queues:    map[string]QueueConfig{"a": {Concurrency: 1}, "b": {Concurrency: 1}},
		Schedules: []ScheduleConfig{{Name: "s", Queue: "a", Every: "1s", Data: json.RawMessage(`{"x":1,"y":2}`)}},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Queues:    map[string]QueueConfig{"a": {Concurrency: 2}, "c": {}},
		Schedules: []ScheduleConfig{{Name: "s", Queue: "a", Every: "1s", Data: json.RawMessage(`{ "y": 2, "x": 1 }`)}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"logging", "queues"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := diffQueues(oldCfg.Queues, newCfg.Queues); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("diffQueues = %v", got)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobcore.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg || cfg.Logging.Level != "info" {
		t.Fatalf("Get = %+v", m.Get())
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid config is rejected and never published.
	write(`{"logging":{"level":"loud"}}`)
	time.Sleep(500 * time.Millisecond)
	select {
	case got := <-ch:
		t.Fatalf("invalid config published: %+v", got)
	default:
	}

	write(`{"logging":{"level":"debug"}}`)
	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload not committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a := &Config{StatsInterval: "1s"}
	b := &Config{StatsInterval: "2s"}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("got %+v, want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}
