// Package metrics aggregates task counts and durations from scheduler transitions.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Observer receives every task state transition synchronously.
type Observer interface {
	TaskRegistered(name string, enabled bool)
	TaskRemoved(name string)
	TaskEnabled(name string, enabled bool)
	RunStarted(name string)
	RunSucceeded(name string, d time.Duration)
	// RunRetrying reports a failed attempt that scheduled a retry.
	RunRetrying(name string, d time.Duration)
	// RunFailed reports a failed attempt with no retries left.
	RunFailed(name string, d time.Duration)
	LockDenied(name string)
	Deferred(name string)
	StorageError()
}

// DurationStats summarises execution durations.
type DurationStats struct {
	Count uint64        `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	Last  time.Duration `json:"last"`
}

func (d *DurationStats) add(v time.Duration) {
	if d.Count == 0 || v < d.Min {
		d.Min = v
	}
	if v > d.Max {
		d.Max = v
	}
	d.Count++
	d.Total += v
	d.Last = v
	d.Mean = d.Total / time.Duration(d.Count)
}

type TaskMetrics struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Runs       uint64        `json:"runs"`
	Succeeded  uint64        `json:"succeeded"`
	Failed     uint64        `json:"failed"`
	Retries    uint64        `json:"retries"`
	LockDenied uint64        `json:"lock_denied"`
	Deferred   uint64        `json:"deferred"`
	Duration   DurationStats `json:"duration"`
}

// Metrics is a read-only snapshot.
type Metrics struct {
	TotalTasks    int                    `json:"total_tasks"`
	EnabledTasks  int                    `json:"enabled_tasks"`
	Running       int                    `json:"running"`
	Completed     uint64                 `json:"completed"`
	Failed        uint64                 `json:"failed"`
	Retries       uint64                 `json:"retries"`
	LockDenied    uint64                 `json:"lock_denied"`
	Deferred      uint64                 `json:"deferred"`
	StorageErrors uint64                 `json:"storage_errors"`
	Duration      DurationStats          `json:"duration"`
	Tasks         map[string]TaskMetrics `json:"tasks"`
}

// Names returns task names in sorted order.
func (m Metrics) Names() []string {
	out := make([]string, 0, len(m.Tasks))
	for n := range m.Tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Collector is the default Observer.
type Collector struct {
	mu sync.Mutex
	m  Metrics
}

func NewCollector() *Collector {
	return &Collector{m: Metrics{Tasks: map[string]TaskMetrics{}}}
}

func (c *Collector) update(name string, fn func(t *TaskMetrics)) {
	t := c.m.Tasks[name]
	fn(&t)
	c.m.Tasks[name] = t
}

// TaskRegistered also covers re-registration; per-task counters restart.
func (c *Collector) TaskRegistered(name string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m.Tasks[name]; ok && prev.Running {
		c.m.Running--
	}
	c.m.Tasks[name] = TaskMetrics{Enabled: enabled}
	c.recount()
}

func (c *Collector) TaskRemoved(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m.Tasks[name]; ok && prev.Running {
		c.m.Running--
	}
	delete(c.m.Tasks, name)
	c.recount()
}

func (c *Collector) TaskEnabled(name string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m.Tasks[name]; !ok {
		return
	}
	c.update(name, func(t *TaskMetrics) { t.Enabled = enabled })
	c.recount()
}

func (c *Collector) recount() {
	c.m.TotalTasks = len(c.m.Tasks)
	c.m.EnabledTasks = 0
	for _, t := range c.m.Tasks {
		if t.Enabled {
			c.m.EnabledTasks++
		}
	}
}

// RunStarted ignores names that are not registered so a run racing its own
// removal cannot leave the running gauge raised.
func (c *Collector) RunStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m.Tasks[name]; !ok {
		return
	}
	c.update(name, func(t *TaskMetrics) {
		if !t.Running {
			c.m.Running++
		}
		t.Running = true
		t.Runs++
	})
}

func (c *Collector) finish(name string, d time.Duration, fn func(t *TaskMetrics)) {
	c.update(name, func(t *TaskMetrics) {
		if t.Running {
			c.m.Running--
		}
		t.Running = false
		t.Duration.add(d)
		fn(t)
	})
	c.m.Duration.add(d)
}

func (c *Collector) RunSucceeded(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(name, d, func(t *TaskMetrics) { t.Succeeded++ })
	c.m.Completed++
}

func (c *Collector) RunRetrying(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(name, d, func(t *TaskMetrics) { t.Retries++ })
	c.m.Retries++
}

func (c *Collector) RunFailed(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(name, d, func(t *TaskMetrics) { t.Failed++ })
	c.m.Failed++
}

func (c *Collector) LockDenied(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update(name, func(t *TaskMetrics) { t.LockDenied++ })
	c.m.LockDenied++
}

func (c *Collector) Deferred(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update(name, func(t *TaskMetrics) { t.Deferred++ })
	c.m.Deferred++
}

func (c *Collector) StorageError() {
	c.mu.Lock()
	c.m.StorageErrors++
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the current metrics.
func (c *Collector) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.m
	out.Tasks = make(map[string]TaskMetrics, len(c.m.Tasks))
	for k, v := range c.m.Tasks {
		out.Tasks[k] = v
	}
	return out
}
