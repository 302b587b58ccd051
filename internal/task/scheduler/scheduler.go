package scheduler

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	"tasksched/internal/lock"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/metrics"
	logx "tasksched/pkg/logx"
)

// Scheduler owns a task registry, a ticker loop and an execution engine.
type Scheduler struct {
	cfg      Config
	log      logx.Logger
	clock    clockwork.Clock
	bus      eventbus.Bus
	handlers HandlerResolver

	kv        storage.KV
	records   storage.RecordStore
	locks     *lock.Manager
	engine    *engine.Service
	collector *metrics.Collector
	observers []metrics.Observer

	mu      sync.RWMutex
	entries map[string]*entry

	paused    atomic.Bool
	storeDown atomic.Bool

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	abandonCh chan struct{}
	sup       *rtsup.Supervisor
	inflight  sync.WaitGroup

	warnMu      sync.Mutex
	lastDefer   map[string]int64
	storeLogLim *rate.Limiter
}

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithStore uses st both for locks and for persisted task records.
func WithStore(st storage.Store) Option {
	return func(s *Scheduler) {
		if st != nil {
			s.kv = st
			s.records = st
		}
	}
}

// WithKV sets only the lock store.
func WithKV(kv storage.KV) Option { return func(s *Scheduler) { s.kv = kv } }

// WithRecordStore sets only the record store.
func WithRecordStore(rs storage.RecordStore) Option { return func(s *Scheduler) { s.records = rs } }

// WithRecordRestore overrides Config.RestoreRecords.
func WithRecordRestore(on bool) Option { return func(s *Scheduler) { s.cfg.RestoreRecords = on } }

// WithObserver adds an observer that receives every transition after the built-in collector.
func WithObserver(o metrics.Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// New builds a stopped Scheduler. Without a store it keeps locks in memory,
// which only coordinates tasks within this process.
func New(cfg Config, handlers HandlerResolver, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}
	s := &Scheduler{
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		handlers:    handlers,
		collector:   metrics.NewCollector(),
		entries:     map[string]*entry{},
		stopCh:      make(chan struct{}),
		abandonCh:   make(chan struct{}),
		lastDefer:   map[string]int64{},
		storeLogLim: rate.NewLimiter(rate.Every(storeLogEvery), 1),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.Named("scheduler").With(logx.String("instance", cfg.InstanceID))
	if s.handlers == nil {
		s.handlers = NewHandlers()
	}
	if s.kv == nil {
		s.kv = storage.NewMemory(s.clock)
	}
	s.locks = lock.New(s.kv,
		lock.WithHolder(cfg.InstanceID),
		lock.WithClock(s.clock),
		lock.WithAcquireTimeout(cfg.LockAcquireTimeout),
	)
	s.engine = engine.New(engine.Config{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, s.log, engine.WithClock(s.clock))
	return s
}

// InstanceID returns the id written into locks and records.
func (s *Scheduler) InstanceID() string { return s.cfg.InstanceID }

// Metrics returns a point-in-time copy of the collected metrics.
func (s *Scheduler) Metrics() metrics.Metrics { return s.collector.Snapshot() }

// Paused reports whether dispatch is suspended by PauseAll.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// StorageHealthy reports whether the last storage round-trip succeeded.
func (s *Scheduler) StorageHealthy() bool { return !s.storeDown.Load() }

func (s *Scheduler) observe(fn func(o metrics.Observer)) {
	fn(s.collector)
	for _, o := range s.observers {
		fn(o)
	}
}
