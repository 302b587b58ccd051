package scheduler

import (
	"context"
	"errors"
	"time"

	"tasksched/internal/lock"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/metrics"
	logx "tasksched/pkg/logx"
)

const deferWarnThrottle = 5 * time.Second

// Start launches the engine and the ticker, then dispatches RunOnInit tasks.
// A stopped Scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.lifeMu.Unlock()
		return nil
	}
	s.started = true
	s.engine.Start(ctx)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.lifeMu.Unlock()

	// The ticker is created before Start returns so a fake clock sees it.
	t := s.clock.NewTicker(s.cfg.Resolution)
	sup.GoRestart("ticker", func(c context.Context) error {
		return s.loop(c, t.Chan())
	}, rtsup.WithPublishFirstError(true))
	go func() {
		<-s.stopCh
		t.Stop()
	}()

	for _, e := range s.entriesCopy() {
		if e.def.RunOnInit && e.snapshot().Enabled {
			_ = s.dispatch(e, s.clock.Now(), TriggerInit)
		}
	}
	s.log.Info("scheduler started",
		logx.Int("tasks", len(s.Names())),
		logx.Duration("resolution", s.cfg.Resolution),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case now := <-ticks:
			s.tick(ctx, now)
		}
	}
}

// tick dispatches every enabled task whose nextRun is due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.paused.Load() || s.stopping() {
		return
	}
	if !s.storageReady(ctx) {
		return
	}
	for _, e := range s.entriesCopy() {
		t := e.snapshot()
		if !t.Enabled || t.NextRun == nil || t.NextRun.After(now) || t.State == StateRunning {
			continue
		}
		trig := TriggerSchedule
		if t.PendingRetry {
			trig = TriggerRetry
		}
		_ = s.dispatch(e, *t.NextRun, trig)
	}
}

// Tick runs one scan at the current clock time. The ticker calls the same
// scan every Resolution.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.tick(ctx, s.clock.Now())
}

func (s *Scheduler) dispatch(e *entry, fire time.Time, trig Trigger) error {
	if !s.track() {
		return ErrStopped
	}
	err := s.engine.Enqueue(engine.Job{
		Name:  e.name,
		State: s.engine.StateFor(e.name),
		Run: func(ctx context.Context) error {
			defer s.inflight.Done()
			_, err := s.execute(ctx, e, fire, trig)
			if errors.Is(err, errSkipped) || errors.Is(err, ErrLockDenied) {
				return nil
			}
			return err
		},
		OnDrop: func(error) { s.inflight.Done() },
	})
	if err != nil {
		s.inflight.Done()
		s.reportDispatchError(e, err)
	}
	return err
}

// reportDispatchError logs enqueue failures. Queue-full deferrals are
// throttled per task.
func (s *Scheduler) reportDispatchError(e *entry, err error) {
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("task dispatch skipped, still running", logx.String("task", e.name))
		return
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return
	}

	if errors.Is(err, engine.ErrQueueFull) {
		s.observe(func(o metrics.Observer) { o.Deferred(e.name) })
		s.emit(EventDeferred, e.snapshot(), err)
	}

	now := s.clock.Now().UnixNano()
	s.warnMu.Lock()
	last := s.lastDefer[e.name]
	if last != 0 && time.Duration(now-last) < deferWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastDefer[e.name] = now
	s.warnMu.Unlock()

	s.log.Warn("task dispatch deferred to next tick", logx.String("task", e.name), logx.Err(err))
}

func (s *Scheduler) entriesCopy() []*entry {
	s.mu.RLock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	return out
}

// PauseAll stops dispatch. Running attempts continue.
func (s *Scheduler) PauseAll() {
	if s.paused.CompareAndSwap(false, true) {
		s.emit(EventPaused, Task{}, nil)
		s.log.Info("scheduler paused")
	}
}

// ResumeAll restarts dispatch. Occurrences missed while paused are skipped:
// each overdue task moves to its next occurrence after now. A retry that
// came due while paused still fires.
func (s *Scheduler) ResumeAll() {
	if !s.paused.CompareAndSwap(true, false) {
		return
	}
	now := s.clock.Now()
	for _, e := range s.entriesCopy() {
		e.mu.Lock()
		c := e.cur
		if c.Enabled && !c.PendingRetry && c.State != StateRunning && c.NextRun != nil && c.NextRun.Before(now) {
			e.cur.NextRun = e.regularNext(now)
			e.cur.Terminal = e.terminal(now)
			e.publish()
			s.persist(e)
		}
		e.mu.Unlock()
	}
	s.emit(EventResumed, Task{}, nil)
	s.log.Info("scheduler resumed")
}

// Stop halts the ticker, cancels pending retries and waits up to
// ShutdownGrace (or ctx) for running attempts. Attempts still running after
// that are recorded as failed with ErrAbandoned and their locks released.
// Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	sup := s.sup
	s.lifeMu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.cancelRetries()

	grace, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	// Queued jobs are dropped; running jobs get until the grace deadline,
	// after which the engine cancels their context.
	_ = s.engine.Stop(grace)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-grace.Done():
	}
	if err := grace.Err(); err != nil {
		close(s.abandonCh)
		<-done
		s.log.Warn("scheduler stopped, running tasks abandoned", logx.Err(err))
		return err
	}
	s.log.Info("scheduler stopped")
	return nil
}

// cancelRetries moves tasks waiting for a retry to their next regular
// occurrence and releases the locks they kept.
func (s *Scheduler) cancelRetries() {
	now := s.clock.Now()
	for _, e := range s.entriesCopy() {
		var held *lock.Handle
		e.mu.Lock()
		if e.cur.PendingRetry && e.cur.State != StateRunning {
			e.cur.PendingRetry = false
			e.cur.State = StateFailed
			if e.cur.Enabled {
				e.cur.NextRun = e.regularNext(now)
			}
			e.cur.Terminal = e.terminal(now)
			held, e.held = e.held, nil
			e.publish()
			s.persist(e)
		}
		e.mu.Unlock()
		s.release(e.name, held)
	}
}

// Snapshot is a diagnostics view of the scheduler and its engine.
type Snapshot struct {
	InstanceID     string                   `json:"instanceId"`
	Running        bool                     `json:"running"`
	Paused         bool                     `json:"paused"`
	StorageHealthy bool                     `json:"storageHealthy"`
	Resolution     time.Duration            `json:"resolution"`
	Engine         engine.Snapshot          `json:"engine"`
	Supervisor     rtsup.SupervisorSnapshot `json:"supervisor"`
	Tasks          []Task                   `json:"tasks"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.lifeMu.Lock()
	running := s.started && !s.stopped
	sup := s.sup
	s.lifeMu.Unlock()
	return Snapshot{
		InstanceID:     s.cfg.InstanceID,
		Running:        running,
		Paused:         s.paused.Load(),
		StorageHealthy: !s.storeDown.Load(),
		Resolution:     s.cfg.Resolution,
		Engine:         s.engine.Snapshot(),
		Supervisor:     sup.Snapshot(),
		Tasks:          s.GetTasks(),
	}
}
