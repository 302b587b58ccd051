package scheduler

import (
	"errors"
	"fmt"

	"tasksched/internal/lock"
)

var (
	ErrTaskNotFound      = errors.New("scheduler: task not found")
	ErrUnknownHandler    = errors.New("scheduler: unknown handler")
	ErrInvalidDefinition = errors.New("scheduler: invalid definition")
	// ErrLockDenied is returned when another instance owns the fire time.
	ErrLockDenied         = lock.ErrDenied
	ErrAlreadyRunning     = errors.New("scheduler: task already running")
	ErrTimeout            = errors.New("scheduler: handler timed out")
	ErrAbandoned          = errors.New("scheduler: run abandoned at shutdown")
	ErrStopped            = errors.New("scheduler: stopped")
	ErrStorageUnavailable = errors.New("scheduler: storage unavailable")

	errSkipped = errors.New("scheduler: dispatch skipped")
)

// ScheduleError is returned by AddTask for a schedule that does not compile.
type ScheduleError struct {
	Name string
	Err  error
}

func (e *ScheduleError) Error() string { return fmt.Sprintf("task %q: %v", e.Name, e.Err) }
func (e *ScheduleError) Unwrap() error { return e.Err }

// TaskError is returned by RunTask when the handler fails or times out.
type TaskError struct {
	Name    string
	Attempt int
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q attempt %d: %v", e.Name, e.Attempt, e.Err)
}
func (e *TaskError) Unwrap() error { return e.Err }
