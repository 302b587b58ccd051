package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tasksched/internal/lock"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/metrics"
	logx "tasksched/pkg/logx"
)

// slowRun promotes the success log line to info.
const slowRun = 10 * time.Second

type outcome struct {
	result any
	err    error
}

// execute runs one attempt of e fired at fire. The caller holds the task's
// RunState and an inflight slot.
func (s *Scheduler) execute(ctx context.Context, e *entry, fire time.Time, trig Trigger) (any, error) {
	newCycle := trig != TriggerRetry

	e.mu.Lock()
	if err := s.admit(e, trig); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	cycle := e.cycle
	if newCycle {
		cycle = fire
	}
	held := e.held
	if newCycle && held != nil {
		e.held = nil
	}
	e.mu.Unlock()

	var handle *lock.Handle
	if e.def.locked() {
		if !newCycle && !held.Expired(s.clock.Now()) {
			handle = held
		} else {
			if newCycle {
				s.release(e.name, held)
			}
			h, err := s.locks.Acquire(ctx, e.keyFn(e.name, cycle), e.ttl(s.cfg.DefaultLockTTL))
			switch {
			case errors.Is(err, lock.ErrDenied):
				s.lockDenied(e, cycle)
				return nil, ErrLockDenied
			case err != nil:
				s.storageFailed("acquire lock", err, logx.String("task", e.name))
				return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
			handle = h
		}
	}

	start := s.clock.Now()
	e.mu.Lock()
	if err := s.admit(e, trig); err != nil {
		if e.held == handle {
			e.held = nil
		}
		e.mu.Unlock()
		s.release(e.name, handle)
		return nil, err
	}
	if newCycle {
		e.cur.Attempt = 0
		e.cycle = cycle
	}
	e.cur.Attempt++
	attempt := e.cur.Attempt
	e.cur.State = StateRunning
	e.cur.PendingRetry = false
	e.cur.LastRun = &start
	e.cur.Timing = Timing{Start: start}
	if e.cur.Enabled {
		e.cur.NextRun = e.regularNext(start)
	}
	e.held = handle
	e.publish()
	s.persist(e)
	snap := e.snapshot()
	// Observed under e.mu while the entry is current, so a concurrent
	// RemoveTask reports TaskRemoved after it and clears the gauge.
	s.observe(func(o metrics.Observer) { o.RunStarted(e.name) })
	e.mu.Unlock()

	s.emit(EventStarted, snap, nil)
	s.log.Debug("task started",
		logx.String("task", e.name),
		logx.Int("attempt", attempt),
		logx.String("trigger", string(trig)),
		logx.Time("fire", cycle),
	)

	o := s.invoke(ctx, e, Invocation{
		TaskID:   snap.ID,
		Name:     e.name,
		Attempt:  attempt,
		FireTime: cycle,
		Trigger:  trig,
		Metadata: e.def.clone().Metadata,
	})
	return s.finish(e, trig, attempt, start, o)
}

// admit checks that e may start an attempt. It must be called with e.mu held.
func (s *Scheduler) admit(e *entry, trig Trigger) error {
	if !s.isCurrent(e) {
		if trig == TriggerManual {
			return ErrTaskNotFound
		}
		return errSkipped
	}
	switch trig {
	case TriggerManual:
		return nil
	case TriggerInit:
		if !e.cur.Enabled {
			return errSkipped
		}
		return nil
	case TriggerRetry:
		if !e.cur.PendingRetry {
			return errSkipped
		}
	}
	if !e.cur.Enabled || e.cur.NextRun == nil || e.cur.NextRun.After(s.clock.Now()) {
		return errSkipped
	}
	return nil
}

// invoke runs the handler and waits for it, the timeout or abandonment.
func (s *Scheduler) invoke(ctx context.Context, e *entry, inv Invocation) outcome {
	timeout := e.def.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				s.log.Error("task handler panicked", logx.String("task", inv.Name), logx.Any("panic", r), logx.Stack(stack))
				done <- outcome{err: &engine.PanicError{Value: r, Stack: stack}}
			}
		}()
		res, err := e.handler(rctx, inv)
		done <- outcome{result: res, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := s.clock.NewTimer(timeout)
		defer t.Stop()
		expired = t.Chan()
	}

	select {
	case o := <-done:
		return o
	case <-expired:
		return outcome{err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	case <-s.abandonCh:
		return outcome{err: ErrAbandoned}
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())}
	}
}

// finish records the outcome of an attempt and decides retry or reschedule.
func (s *Scheduler) finish(e *entry, trig Trigger, attempt int, start time.Time, o outcome) (any, error) {
	end := s.clock.Now()
	d := end.Sub(start)

	e.mu.Lock()
	current := s.isCurrent(e)
	e.cur.Timing = Timing{Start: start, End: end, Duration: d}

	var release *lock.Handle
	retry := false
	var delay time.Duration
	if o.err == nil {
		e.cur.State = StateSucceeded
		e.cur.Attempt = 0
		e.cur.LastResult = o.result
		e.cur.LastError = ""
		if !e.def.Lock.KeepUntilExpiry {
			release = e.held
		}
		e.held = nil
		e.cur.NextRun = e.regularNext(end)
	} else {
		e.cur.LastError = o.err.Error()
		retry = trig != TriggerManual && current && e.cur.Enabled && !s.stopping() &&
			attempt < e.def.Retry.Attempts &&
			!engine.IsNoRetry(o.err) && !errors.Is(o.err, ErrAbandoned)
		if retry {
			delay = e.def.Retry.delay(attempt)
			at := end.Add(delay)
			e.cur.State = StateIdle
			e.cur.PendingRetry = true
			e.cur.NextRun = &at
		} else {
			e.cur.State = StateFailed
			release, e.held = e.held, nil
			e.cur.NextRun = e.regularNext(end)
		}
	}
	if !e.cur.Enabled {
		e.cur.NextRun = nil
		e.cur.PendingRetry = false
		if retry {
			retry = false
			release, e.held = e.held, nil
		}
	}
	e.cur.Terminal = !retry && e.terminal(end)
	e.publish()
	s.persist(e)
	snap := e.snapshot()
	e.mu.Unlock()

	s.release(e.name, release)

	fields := []logx.Field{
		logx.String("task", e.name),
		logx.Int("attempt", attempt),
		logx.String("trigger", string(trig)),
		logx.Duration("took", d),
	}
	if snap.NextRun != nil {
		fields = append(fields, logx.Time("next", *snap.NextRun))
	}

	switch {
	case o.err == nil:
		if current {
			s.observe(func(ob metrics.Observer) { ob.RunSucceeded(e.name, d) })
		}
		s.emit(EventSucceeded, snap, nil)
		if d >= slowRun {
			s.log.Info("task succeeded (slow)", fields...)
		} else {
			s.log.Debug("task succeeded", fields...)
		}
		return o.result, nil
	case retry:
		s.observe(func(ob metrics.Observer) { ob.RunRetrying(e.name, d) })
		s.emit(EventRetrying, snap, o.err)
		s.log.Info("task failed, retry scheduled", append(fields, logx.Duration("delay", delay), logx.Err(o.err))...)
	default:
		if current {
			s.observe(func(ob metrics.Observer) { ob.RunFailed(e.name, d) })
		}
		s.emit(EventFailed, snap, o.err)
		s.log.Warn("task failed", append(fields, logx.Err(o.err))...)
	}
	return nil, &TaskError{Name: e.name, Attempt: attempt, Err: o.err}
}

// lockDenied skips the cycle: another instance owns it.
func (s *Scheduler) lockDenied(e *entry, cycle time.Time) {
	now := s.clock.Now()
	e.mu.Lock()
	current := s.isCurrent(e)
	if current {
		e.cur.PendingRetry = false
		e.held = nil
		if e.cur.Enabled {
			e.cur.NextRun = e.regularNext(now)
		}
		e.cur.Terminal = e.terminal(now)
		e.publish()
		s.persist(e)
	}
	snap := e.snapshot()
	e.mu.Unlock()
	if !current {
		return
	}

	s.observe(func(o metrics.Observer) { o.LockDenied(e.name) })
	s.emit(EventSkipped, snap, ErrLockDenied)
	s.log.Debug("task skipped, lock held elsewhere", logx.String("task", e.name), logx.Time("fire", cycle))
}

// RunTask runs name once now and waits for the outcome. Handler failures
// are returned as *TaskError and do not schedule retries.
func (s *Scheduler) RunTask(ctx context.Context, name string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e := s.lookup(name)
	if e == nil {
		return nil, ErrTaskNotFound
	}
	if s.storeDown.Load() && !s.storageReady(ctx) {
		return nil, ErrStorageUnavailable
	}
	if !s.track() {
		return nil, ErrStopped
	}
	defer s.inflight.Done()

	st := s.engine.StateFor(e.name)
	if !st.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	defer st.Release()
	return s.execute(ctx, e, s.clock.Now(), TriggerManual)
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// track reserves an inflight slot unless the scheduler is stopping.
func (s *Scheduler) track() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}
