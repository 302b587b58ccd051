package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tasksched/internal/storage"
	"tasksched/internal/task/metrics"
	logx "tasksched/pkg/logx"
)

const storeLogEvery = 30 * time.Second

const interruptedError = "interrupted: instance stopped while running"

func toRecord(t Task, now time.Time) storage.TaskRecord {
	r := storage.TaskRecord{
		ID:           t.ID,
		Name:         t.Name,
		State:        string(t.State),
		Attempt:      t.Attempt,
		LastRun:      t.LastRun,
		NextRun:      t.NextRun,
		LastResult:   resultString(t.LastResult),
		LastError:    t.LastError,
		LockHolderID: t.LockHolder,
		LockExpiry:   t.LockExpiry,
		UpdatedAt:    now,
	}
	return r
}

func resultString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// persist writes the published record of e. It must be called with e.mu held.
func (s *Scheduler) persist(e *entry) {
	if s.records == nil || !s.isCurrent(e) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockAcquireTimeout)
	defer cancel()
	if err := s.records.PutRecord(ctx, toRecord(e.snapshot(), s.clock.Now())); err != nil {
		s.storageFailed("persist record", err, logx.String("task", e.name))
	}
}

// restore seeds e from a record left by an earlier process.
func (s *Scheduler) restore(e *entry) {
	if s.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockAcquireTimeout)
	defer cancel()
	rec, ok, err := s.records.GetRecord(ctx, e.name)
	if err != nil {
		s.storageFailed("restore record", err, logx.String("task", e.name))
		return
	}
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.ID != "" {
		e.cur.ID = rec.ID
	}
	e.cur.LastRun = rec.LastRun
	e.cur.LastError = rec.LastError
	if rec.LastResult != "" {
		e.cur.LastResult = rec.LastResult
	}
	switch State(rec.State) {
	case StateSucceeded, StateFailed:
		e.cur.State = State(rec.State)
	case StateRunning:
		e.cur.State = StateFailed
		e.cur.LastError = interruptedError
	}
	s.log.Debug("task record restored", logx.String("task", e.name), logx.String("state", string(e.cur.State)))
}

// storageFailed marks the store unhealthy. The ticker stops dispatching
// until a ping succeeds.
func (s *Scheduler) storageFailed(op string, err error, fields ...logx.Field) {
	if err == nil {
		return
	}
	s.observe(func(o metrics.Observer) { o.StorageError() })
	first := s.storeDown.CompareAndSwap(false, true)
	if first {
		s.emit(EventStorageDown, Task{}, err)
	}
	if first || s.storeLogLim.Allow() {
		fields = append(fields, logx.String("op", op), logx.Err(err))
		s.log.Error("storage unavailable", fields...)
	}
}

// storageReady pings the stores while they are marked unhealthy.
func (s *Scheduler) storageReady(ctx context.Context) bool {
	if !s.storeDown.Load() {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.LockAcquireTimeout)
	defer cancel()
	err := s.kv.Ping(pctx)
	if err == nil && s.records != nil {
		err = s.records.Ping(pctx)
	}
	if err != nil {
		if s.storeLogLim.Allow() {
			s.log.Error("storage still unavailable, dispatch paused", logx.Err(err))
		}
		return false
	}
	if s.storeDown.CompareAndSwap(true, false) {
		s.log.Info("storage recovered")
		s.emit(EventStorageUp, Task{}, nil)
	}
	return true
}
