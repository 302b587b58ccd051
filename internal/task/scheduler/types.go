package scheduler

import (
	"context"
	"time"

	"tasksched/internal/lock"
	"tasksched/internal/task/schedule"
)

// Config controls a Scheduler.
type Config struct {
	// InstanceID is written into lock values and persisted records. Default: random uuid.
	InstanceID string
	// Resolution is the ticker period. Default 1s.
	Resolution time.Duration

	Workers   int
	QueueSize int

	// ShutdownGrace bounds how long Stop waits for in-flight runs. Default 10s.
	ShutdownGrace time.Duration
	// LockAcquireTimeout bounds each lock store round-trip. Default 2s.
	LockAcquireTimeout time.Duration
	// DefaultLockTTL applies when a lock is enabled without a TTL. Default 5m.
	DefaultLockTTL time.Duration
	// DefaultTimeout applies when a definition has no timeout. 0 means none.
	DefaultTimeout time.Duration

	// Location evaluates cron schedules without a timezone. Default time.Local.
	Location *time.Location

	// RestoreRecords seeds a newly registered task from its persisted record.
	RestoreRecords bool
}

func (c Config) withDefaults() Config {
	if c.Resolution <= 0 {
		c.Resolution = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = lock.DefaultAcquireTimeout
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = lock.DefaultTTL
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

func (b Backoff) String() string {
	if b == BackoffExponential {
		return "exponential"
	}
	return "fixed"
}

// RetryPolicy: Attempts is the total number of attempts per cycle (0 and 1 mean no retry).
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  Backoff
}

// delay returns the wait before the attempt following attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff != BackoffExponential || attempt <= 1 {
		return p.Delay
	}
	return p.Delay << (attempt - 1)
}

type LockConfig struct {
	Enabled bool
	TTL     time.Duration
	// Key derives the lock key from the fire time. Default lock.NameKey.
	Key lock.KeyFunc
	// KeepUntilExpiry skips the release on completion so the TTL fences the
	// key. Pair it with a date-bucketed Key.
	KeepUntilExpiry bool
}

// Definition is the user-authored description of a task.
type Definition struct {
	Schedule schedule.Schedule
	// Handler names the handler to resolve. Empty means the task name.
	Handler string
	Enabled bool
	Timeout time.Duration
	Retry   RetryPolicy
	Lock    LockConfig

	// RunOnInit dispatches the task once when the scheduler starts.
	RunOnInit bool
	// RunOnSingleInstance forces the distributed lock on.
	RunOnSingleInstance bool

	Metadata map[string]string
}

func (d Definition) clone() Definition {
	if d.Metadata != nil {
		m := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			m[k] = v
		}
		d.Metadata = m
	}
	return d
}

func (d Definition) locked() bool { return d.Lock.Enabled || d.RunOnSingleInstance }

// Invocation is passed to a handler for one attempt.
type Invocation struct {
	TaskID   string
	Name     string
	Attempt  int
	FireTime time.Time
	Trigger  Trigger
	Metadata map[string]string
}

// Handler executes a task attempt. The result is stored as the task's last result.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// State of a task record.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Trigger says why an attempt started.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerRetry    Trigger = "retry"
	TriggerInit     Trigger = "init"
	TriggerManual   Trigger = "manual"
)

type Timing struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Task is a read-only snapshot of a task's runtime record.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Enabled      bool       `json:"enabled"`
	State        State      `json:"state"`
	Attempt      int        `json:"attempt"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	Timing       Timing     `json:"timing"`
	LastResult   any        `json:"lastResult,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Terminal     bool       `json:"terminal"`
	PendingRetry bool       `json:"pendingRetry"`
	LockHolder   string     `json:"lockHolder,omitempty"`
	LockExpiry   *time.Time `json:"lockExpiry,omitempty"`
}
