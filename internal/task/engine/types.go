package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// RunState is an in-process exclusion slot: at most one holder at a time.
// A job holds it from Enqueue until its Run returns.
type RunState struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire claims the slot. It returns false if the slot is already held.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return false
	}
	s.held = true
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
}

// Busy reports whether the slot is held.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Job is a unit of work executed by the pool.
type Job struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error

	// State gates overlap. Nil uses a per-name state owned by the engine.
	State *RunState

	// OnDrop is called when a queued job is discarded because the engine stopped.
	OnDrop func(err error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	QueueFull    uint64 `json:"queue_full"`
	OverlapSkips uint64 `json:"overlap_skips"`
	Panics       uint64 `json:"panics"`

	History []HistoryItem `json:"history,omitempty"`
}
