package scheduler

import (
	"time"

	"tasksched/internal/eventbus"
)

// Event types published on the bus.
const (
	EventRegistered  = "task.registered"
	EventRemoved     = "task.removed"
	EventEnabled     = "task.enabled"
	EventDisabled    = "task.disabled"
	EventStarted     = "task.started"
	EventSucceeded   = "task.succeeded"
	EventRetrying    = "task.retrying"
	EventFailed      = "task.failed"
	EventSkipped     = "task.skipped"
	EventDeferred    = "task.deferred"
	EventPaused      = "scheduler.paused"
	EventResumed     = "scheduler.resumed"
	EventStorageDown = "storage.unavailable"
	EventStorageUp   = "storage.recovered"
)

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	Name     string        `json:"name,omitempty"`
	State    State         `json:"state,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	NextRun  *time.Time    `json:"nextRun,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (s *Scheduler) emit(typ string, t Task, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		Name:     t.Name,
		State:    t.State,
		Attempt:  t.Attempt,
		NextRun:  t.NextRun,
		Duration: t.Timing.Duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
