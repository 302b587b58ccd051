package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestCollectorTransitions(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.TaskRegistered("a", true)
	c.TaskRegistered("b", false)

	c.RunStarted("a")
	if got := c.Snapshot().Running; got != 1 {
		t.Fatalf("running=%d", got)
	}
	c.RunRetrying("a", 2*time.Second)
	c.RunStarted("a")
	c.RunFailed("a", 4*time.Second)
	c.RunStarted("a")
	c.RunSucceeded("a", time.Second)
	c.LockDenied("b")
	c.Deferred("a")
	c.StorageError()

	m := c.Snapshot()
	if m.TotalTasks != 2 || m.EnabledTasks != 1 || m.Running != 0 {
		t.Fatalf("counts: %+v", m)
	}
	if m.Completed != 1 || m.Failed != 1 || m.Retries != 1 || m.LockDenied != 1 || m.Deferred != 1 || m.StorageErrors != 1 {
		t.Fatalf("cumulative: %+v", m)
	}
	a := m.Tasks["a"]
	if a.Runs != 3 || a.Duration.Count != 3 || a.Duration.Min != time.Second || a.Duration.Max != 4*time.Second {
		t.Fatalf("task a: %+v", a)
	}
	if a.Duration.Mean != (7*time.Second)/3 || m.Duration.Total != 7*time.Second {
		t.Fatalf("durations: %+v / %+v", a.Duration, m.Duration)
	}

	c.TaskEnabled("b", true)
	c.TaskRemoved("a")
	m = c.Snapshot()
	if m.TotalTasks != 1 || m.EnabledTasks != 1 {
		t.Fatalf("after remove: %+v", m)
	}
}

func TestSnapshotIsolated(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.TaskRegistered("a", true)
	snap := c.Snapshot()
	snap.Tasks["a"] = TaskMetrics{Runs: 99}
	if c.Snapshot().Tasks["a"].Runs != 0 {
		t.Fatalf("snapshot shares state with collector")
	}
}

func TestRemoveWhileRunningFixesGauge(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.TaskRegistered("a", true)
	c.RunStarted("a")
	c.TaskRemoved("a")
	if got := c.Snapshot().Running; got != 0 {
		t.Fatalf("running=%d", got)
	}
}

func TestRunStartedAfterRemoveIgnored(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.TaskRegistered("a", true)
	c.TaskRemoved("a")
	c.RunStarted("a")
	m := c.Snapshot()
	if m.Running != 0 {
		t.Fatalf("running=%d", m.Running)
	}
	if _, ok := m.Tasks["a"]; ok {
		t.Fatalf("removed task recreated: %+v", m.Tasks)
	}
}

func TestWriteText(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.TaskRegistered("nightly", true)
	c.RunStarted("nightly")
	c.RunSucceeded("nightly", 1500*time.Millisecond)

	var buf bytes.Buffer
	if err := WriteText(&buf, "", c.Snapshot()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"tasksched_up 1\n",
		"tasksched_tasks_total 1\n",
		"tasksched_runs_completed_total 1\n",
		`tasksched_task_runs_total{task="nightly"} 1`,
		`tasksched_task_duration_seconds_max{task="nightly"} 1.5`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
