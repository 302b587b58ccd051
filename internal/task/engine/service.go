package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	clock clockwork.Clock

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight     atomic.Int32
	queueFull    atomic.Uint64
	overlapSkips atomic.Uint64
	panics       atomic.Uint64
}

type queuedJob struct {
	job        Job
	state      *RunState
	enqueuedAt int64 // clock unix nanos
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		clock:  clockwork.NewRealClock(),
		states: make(map[string]*RunState),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Start launches the workers. It is idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.Named("engine")),
		rtsup.WithCancelOnError(false),
	)

	stopCh, queue, sup := s.stopCh, s.q, s.sup
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting jobs and waits for in-flight jobs until ctx is done.
// When ctx expires first the worker context is canceled and ctx.Err() is returned.
// Jobs still queued are discarded through their OnDrop callback.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		sup.Cancel()
	} else {
		err = nil
		sup.Cancel()
	}

	s.mu.Lock()
	q := s.q
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()

	s.drain(q)
	if err == nil {
		s.log.Info("task engine stopped")
	}
	return err
}

func (s *Service) drain(q chan queuedJob) {
	for {
		select {
		case qj := <-q:
			qj.state.Release()
			if qj.job.OnDrop != nil {
				qj.job.OnDrop(ErrStopped)
			}
		default:
			return
		}
	}
}

// Enqueue hands a job to the pool without blocking.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = "run_" + uuid.NewString()
	}

	st := j.State
	if st == nil {
		st = s.stateFor(j.Name)
	}

	// The send happens under mu so Stop's drain sees every accepted job.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return ErrStopped
	}
	if s.stopping {
		return ErrStopping
	}
	if !st.TryAcquire() {
		s.overlapSkips.Add(1)
		s.log.Debug("job skipped due to overlap", logx.String("task", j.Name))
		return ErrOverlapSkip
	}

	select {
	case s.q <- queuedJob{job: j, state: st, enqueuedAt: s.clock.Now().UnixNano()}:
		return nil
	default:
		st.Release()
		s.queueFull.Add(1)
		return ErrQueueFull
	}
}

// StateFor returns the engine-owned RunState for name.
func (s *Service) StateFor(name string) *RunState { return s.stateFor(name) }

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:      running,
		Workers:      cfg.Workers,
		InFlight:     int(s.inFlight.Load()),
		QueueFull:    s.queueFull.Load(),
		OverlapSkips: s.overlapSkips.Load(),
		Panics:       s.panics.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Supervisor returns the worker supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
