package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/lock"
	"tasksched/internal/task/metrics"
	"tasksched/internal/task/schedule"
	logx "tasksched/pkg/logx"
)

// entry is one registered task. Writers hold mu and publish a fresh copy of
// cur; readers load the published pointer and never block.
type entry struct {
	name    string
	def     Definition
	calc    *schedule.Calculator
	handler Handler
	keyFn   lock.KeyFunc
	anchor  time.Time

	mu     sync.Mutex
	cur    Task
	held   *lock.Handle
	cycle  time.Time // fire time of the current cycle, used for lock keys
	viewed atomic.Pointer[Task]
}

// publish must be called with e.mu held.
func (e *entry) publish() {
	t := e.cur
	if e.held != nil {
		t.LockHolder = e.held.Holder
		exp := e.held.Expiry
		t.LockExpiry = &exp
	} else {
		t.LockHolder = ""
		t.LockExpiry = nil
	}
	e.viewed.Store(&t)
}

func (e *entry) snapshot() Task {
	if t := e.viewed.Load(); t != nil {
		return *t
	}
	return Task{Name: e.name, Schedule: e.calc.Schedule().String(), Enabled: e.def.Enabled, State: StateIdle}
}

func (e *entry) ttl(def time.Duration) time.Duration {
	if e.def.Lock.TTL > 0 {
		return e.def.Lock.TTL
	}
	return def
}

// regularNext returns the next scheduled occurrence strictly after from.
// It must be called with e.mu held.
func (e *entry) regularNext(from time.Time) *time.Time {
	next, ok := e.calc.Next(from, e.anchor)
	if !ok {
		return nil
	}
	return &next
}

func (s *Scheduler) lookup(name string) *entry {
	s.mu.RLock()
	e := s.entries[strings.TrimSpace(name)]
	s.mu.RUnlock()
	return e
}

func (s *Scheduler) isCurrent(e *entry) bool { return s.lookup(e.name) == e }

// fleetAnchor is the phase of unanchored intervals on locked tasks. Every
// instance derives the same fire times from it regardless of boot time.
var fleetAnchor = time.Unix(0, 0).UTC()

func anchorFor(def Definition, now time.Time) time.Time {
	if !def.locked() {
		return now
	}
	switch def.Schedule.(type) {
	case schedule.Interval, *schedule.Interval:
		return fleetAnchor
	}
	return now
}

// AddTask registers def under name. A second call with the same name replaces
// the definition and resets the runtime record.
func (s *Scheduler) AddTask(name string, def Definition) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: task name required", ErrInvalidDefinition)
	}
	if def.Timeout < 0 || def.Retry.Attempts < 0 || def.Retry.Delay < 0 || def.Lock.TTL < 0 {
		return fmt.Errorf("%w: task %q has a negative duration or count", ErrInvalidDefinition, name)
	}
	calc, err := schedule.Compile(def.Schedule, s.cfg.Location)
	if err != nil {
		return &ScheduleError{Name: name, Err: err}
	}
	ref := strings.TrimSpace(def.Handler)
	if ref == "" {
		ref = name
	}
	h, ok := s.handlers.Resolve(ref)
	if !ok {
		return fmt.Errorf("%w: %q for task %q", ErrUnknownHandler, ref, name)
	}

	def = def.clone()
	def.Handler = ref
	now := s.clock.Now()
	e := &entry{
		name:    name,
		def:     def,
		calc:    calc,
		handler: h,
		keyFn:   def.Lock.Key,
		anchor:  anchorFor(def, now),
	}
	if e.keyFn == nil {
		e.keyFn = lock.NameKey
	}
	e.cur = Task{
		ID:       "task_" + uuid.NewString(),
		Name:     name,
		Schedule: calc.Schedule().String(),
		Enabled:  def.Enabled,
		State:    StateIdle,
	}

	// The entry is fully seeded and published before readers can find it.
	s.mu.RLock()
	_, replacing := s.entries[name]
	s.mu.RUnlock()
	if !replacing && s.cfg.RestoreRecords {
		s.restore(e)
	}

	e.mu.Lock()
	if def.Enabled {
		e.cur.NextRun = e.regularNext(now)
	}
	e.cur.Terminal = e.terminal(now)
	e.publish()

	s.mu.Lock()
	prev := s.entries[name]
	s.entries[name] = e
	s.mu.Unlock()

	s.persist(e)
	snap := e.snapshot()
	e.mu.Unlock()

	if prev != nil {
		s.dropHeld(prev)
	}
	s.observe(func(o metrics.Observer) { o.TaskRegistered(name, def.Enabled) })
	s.emit(EventRegistered, snap, nil)

	fields := []logx.Field{
		logx.String("task", name),
		logx.String("schedule", snap.Schedule),
		logx.String("handler", ref),
		logx.Bool("enabled", def.Enabled),
		logx.Bool("replaced", prev != nil),
	}
	if snap.NextRun != nil {
		fields = append(fields, logx.Time("next", *snap.NextRun))
	}
	s.log.Debug("task registered", fields...)
	return nil
}

// RemoveTask unregisters name. A run already in flight finishes but its
// outcome is not recorded.
func (s *Scheduler) RemoveTask(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	e := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()
	if e == nil {
		return false
	}

	s.dropHeld(e)
	if s.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockAcquireTimeout)
		if err := s.records.DeleteRecord(ctx, name); err != nil {
			s.storageFailed("delete record", err)
		}
		cancel()
	}
	s.observe(func(o metrics.Observer) { o.TaskRemoved(name) })
	s.emit(EventRemoved, e.snapshot(), nil)
	s.log.Debug("task removed", logx.String("task", name))
	return true
}

// EnableTask recomputes nextRun from the current time. Enabling an enabled
// task changes nothing.
func (s *Scheduler) EnableTask(name string) bool {
	e := s.lookup(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.cur.Enabled {
		e.mu.Unlock()
		return true
	}
	e.cur.Enabled = true
	e.cur.PendingRetry = false
	now := s.clock.Now()
	e.cur.NextRun = e.regularNext(now)
	e.cur.Terminal = e.terminal(now)
	e.publish()
	s.persist(e)
	snap := e.snapshot()
	e.mu.Unlock()

	s.observe(func(o metrics.Observer) { o.TaskEnabled(e.name, true) })
	s.emit(EventEnabled, snap, nil)
	s.log.Debug("task enabled", logx.String("task", e.name))
	return true
}

// DisableTask clears nextRun and cancels a pending retry. A running attempt
// finishes normally.
func (s *Scheduler) DisableTask(name string) bool {
	e := s.lookup(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if !e.cur.Enabled {
		e.mu.Unlock()
		return true
	}
	e.cur.Enabled = false
	e.cur.NextRun = nil
	e.cur.PendingRetry = false
	running := e.cur.State == StateRunning
	var held *lock.Handle
	if !running {
		held, e.held = e.held, nil
	}
	e.publish()
	s.persist(e)
	snap := e.snapshot()
	e.mu.Unlock()

	s.release(e.name, held)
	s.observe(func(o metrics.Observer) { o.TaskEnabled(e.name, false) })
	s.emit(EventDisabled, snap, nil)
	s.log.Debug("task disabled", logx.String("task", e.name))
	return true
}

// GetTask returns a snapshot of one task.
func (s *Scheduler) GetTask(name string) (Task, bool) {
	e := s.lookup(name)
	if e == nil {
		return Task{}, false
	}
	return e.snapshot(), true
}

// GetTasks returns snapshots of every task ordered by name. TaskMap returns
// the same snapshots keyed by name.
func (s *Scheduler) GetTasks() []Task {
	s.mu.RLock()
	out := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TaskMap returns snapshots of every task keyed by name.
func (s *Scheduler) TaskMap() map[string]Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Task, len(s.entries))
	for n, e := range s.entries {
		out[n] = e.snapshot()
	}
	return out
}

// Definition returns the registered definition of name.
func (s *Scheduler) Definition(name string) (Definition, bool) {
	e := s.lookup(name)
	if e == nil {
		return Definition{}, false
	}
	return e.def.clone(), true
}

// Names lists registered task names in order.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Preview lists the next n fire times of name from now.
func (s *Scheduler) Preview(name string, n int) ([]time.Time, error) {
	e := s.lookup(name)
	if e == nil {
		return nil, ErrTaskNotFound
	}
	return e.calc.Preview(s.clock.Now(), e.anchor, n), nil
}

// dropHeld releases a lock an idle entry still holds for a pending retry.
func (s *Scheduler) dropHeld(e *entry) {
	e.mu.Lock()
	var held *lock.Handle
	if e.cur.State != StateRunning {
		held, e.held = e.held, nil
	}
	e.mu.Unlock()
	s.release(e.name, held)
}

func (s *Scheduler) release(name string, h *lock.Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockAcquireTimeout)
	defer cancel()
	if err := s.locks.Release(ctx, h); err != nil {
		s.storageFailed("release lock", err, logx.String("task", name))
	}
}

// terminal reports whether the schedule has no occurrence after now.
func (e *entry) terminal(now time.Time) bool {
	if e.calc.Recurring() {
		return false
	}
	_, ok := e.calc.Next(now, e.anchor)
	return !ok
}
