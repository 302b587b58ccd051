package metrics

import (
	"fmt"
	"io"
	"strings"
)

// WriteText renders m in the Prometheus text exposition format.
func WriteText(w io.Writer, prefix string, m Metrics) error {
	if prefix == "" {
		prefix = "tasksched"
	}
	var b strings.Builder
	gauge := func(name string, v any) {
		fmt.Fprintf(&b, "%s_%s %v\n", prefix, name, v)
	}
	b.WriteString("# TYPE " + prefix + "_up gauge\n")
	gauge("up", 1)
	gauge("tasks_total", m.TotalTasks)
	gauge("tasks_enabled", m.EnabledTasks)
	gauge("tasks_running", m.Running)
	gauge("runs_completed_total", m.Completed)
	gauge("runs_failed_total", m.Failed)
	gauge("runs_retried_total", m.Retries)
	gauge("lock_denied_total", m.LockDenied)
	gauge("dispatch_deferred_total", m.Deferred)
	gauge("storage_errors_total", m.StorageErrors)
	gauge("run_duration_seconds_sum", m.Duration.Total.Seconds())
	gauge("run_duration_seconds_count", m.Duration.Count)

	for _, name := range m.Names() {
		t := m.Tasks[name]
		label := fmt.Sprintf("{task=%q}", name)
		fmt.Fprintf(&b, "%s_task_runs_total%s %d\n", prefix, label, t.Runs)
		fmt.Fprintf(&b, "%s_task_succeeded_total%s %d\n", prefix, label, t.Succeeded)
		fmt.Fprintf(&b, "%s_task_failed_total%s %d\n", prefix, label, t.Failed)
		fmt.Fprintf(&b, "%s_task_retries_total%s %d\n", prefix, label, t.Retries)
		fmt.Fprintf(&b, "%s_task_duration_seconds_max%s %g\n", prefix, label, t.Duration.Max.Seconds())
	}
	_, err := io.WriteString(w, b.String())
	return err
}
