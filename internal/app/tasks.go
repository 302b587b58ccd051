package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// taskSync keeps the scheduler's registry in line with the tasks declared
// in config. Tasks registered through the admin API are left alone.
type taskSync struct {
	mu      sync.Mutex
	sched   *scheduler.Scheduler
	loc     *time.Location
	log     logx.Logger
	applied map[string]uint64
}

func newTaskSync(s *scheduler.Scheduler, loc *time.Location, log logx.Logger) *taskSync {
	return &taskSync{sched: s, loc: loc, log: log, applied: map[string]uint64{}}
}

type syncResult struct {
	Added   []string
	Updated []string
	Removed []string
}

func (r syncResult) empty() bool { return len(r.Added)+len(r.Updated)+len(r.Removed) == 0 }

// Apply registers new or changed tasks and removes tasks no longer declared.
// A task that fails to build keeps its previous registration.
func (ts *taskSync) Apply(tasks []config.TaskConfig) (syncResult, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var res syncResult
	var errs []error
	want := make(map[string]bool, len(tasks))
	for _, tc := range tasks {
		name := strings.TrimSpace(tc.Name)
		tc.Name = name
		want[name] = true

		h := config.TaskHash(tc)
		prev, known := ts.applied[name]
		if known && prev == h {
			continue
		}
		def, err := BuildDefinition(tc, ts.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ts.sched.AddTask(name, def); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%s]: %w", name, err))
			continue
		}
		ts.applied[name] = h
		if known {
			res.Updated = append(res.Updated, name)
		} else {
			res.Added = append(res.Added, name)
		}
	}
	for name := range ts.applied {
		if want[name] {
			continue
		}
		ts.sched.RemoveTask(name)
		delete(ts.applied, name)
		res.Removed = append(res.Removed, name)
	}
	sort.Strings(res.Removed)
	if !res.empty() {
		ts.log.Info("tasks synced",
			logx.Any("added", res.Added),
			logx.Any("updated", res.Updated),
			logx.Any("removed", res.Removed),
		)
	}
	return res, errors.Join(errs...)
}

// Build is the api.TaskBuilder for admin-created tasks.
func (ts *taskSync) Build(tc config.TaskConfig) (scheduler.Definition, error) {
	return BuildDefinition(tc, ts.loc)
}
