package queue

import (
	"slices"
	"strings"
	"sync"

	"jobcore/internal/eventbus"
	logx "jobcore/pkg/logx"
)

// ManagerConfig holds defaults applied to every queue the manager creates.
type ManagerConfig struct {
	Defaults Config
}

// Manager owns named queues sharing one payload type and re-publishes their
// events on a single bus as "<queue>:<type>".
type Manager[T any] struct {
	cfg ManagerConfig
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	queues   map[string]*Queue[T]
	unlisten map[string]func()
}

func NewManager[T any](cfg ManagerConfig, log logx.Logger) *Manager[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager[T]{
		cfg:      cfg,
		log:      log,
		bus:      eventbus.New(),
		queues:   map[string]*Queue[T]{},
		unlisten: map[string]func(){},
	}
}

// Events returns the bus carrying namespaced events of every managed queue.
func (m *Manager[T]) Events() eventbus.Bus { return m.bus }

// Queue returns the queue called name, creating it on first use from the
// manager defaults merged with cfg. Later calls ignore cfg.
func (m *Manager[T]) Queue(name string, cfg *Config) *Queue[T] {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[name]; q != nil {
		return q
	}

	c := mergeConfig(m.cfg.Defaults, cfg)
	c.Name = name
	q := New[T](c, m.log)
	m.unlisten[name] = q.Events().Listen(func(e eventbus.Event) {
		e.Type = name + ":" + e.Type
		e.Source = name
		m.bus.Publish(e)
	})
	m.queues[name] = q
	m.log.Debug("queue.created", logx.String("queue", name))
	return q
}

// Lookup returns an existing queue without creating one.
func (m *Manager[T]) Lookup(name string) (*Queue[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns managed queue names, sorted.
func (m *Manager[T]) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	m.mu.Unlock()
	slices.Sort(names)
	return names
}

func (m *Manager[T]) AllStats() map[string]Stats {
	out := map[string]Stats{}
	for name, q := range m.snapshot() {
		out[name] = q.Stats()
	}
	return out
}

func (m *Manager[T]) PauseAll() {
	for _, q := range m.snapshot() {
		q.Pause()
	}
}

func (m *Manager[T]) ResumeAll() {
	for _, q := range m.snapshot() {
		q.Resume()
	}
}

// CloseAll closes every queue and clears the registry. The queues' "closed"
// events are still forwarded.
func (m *Manager[T]) CloseAll() {
	m.mu.Lock()
	queues := m.queues
	unlisten := m.unlisten
	m.queues = map[string]*Queue[T]{}
	m.unlisten = map[string]func(){}
	m.mu.Unlock()

	for name, q := range queues {
		q.Close()
		if fn := unlisten[name]; fn != nil {
			fn()
		}
	}
	m.log.Info("queues closed", logx.Int("count", len(queues)))
}

func (m *Manager[T]) snapshot() map[string]*Queue[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Queue[T], len(m.queues))
	for k, v := range m.queues {
		out[k] = v
	}
	return out
}

func mergeConfig(base Config, over *Config) Config {
	if over == nil {
		return base
	}
	c := base
	c.DefaultJobOptions = over.DefaultJobOptions.merge(base.DefaultJobOptions)
	if over.Limiter != nil {
		l := *over.Limiter
		c.Limiter = &l
	}
	if over.Settings.LockDuration > 0 {
		c.Settings.LockDuration = over.Settings.LockDuration
	}
	if over.Settings.StalledInterval > 0 {
		c.Settings.StalledInterval = over.Settings.StalledInterval
	}
	return c
}
