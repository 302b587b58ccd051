package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasksched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the names of tasks added, changed or removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.InstanceID) != strings.TrimSpace(newCfg.InstanceID) {
		changed = append(changed, "instance_id")
		attrs = append(attrs, logx.String("instance_id", strings.TrimSpace(newCfg.InstanceID)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.components", len(newCfg.Logging.Components)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		sc := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.resolution", strings.TrimSpace(sc.Resolution)),
			logx.Int("scheduler.workers", sc.Workers),
			logx.Int("scheduler.queue_size", sc.QueueSize),
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
		)
	}

	// Nil means memory.
	var oDriver, nDriver, oBusy, nBusy, oAddr, nAddr string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
		if s.Redis != nil {
			oAddr = strings.TrimSpace(s.Redis.Addr)
		}
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
		if s.Redis != nil {
			nAddr = strings.TrimSpace(s.Redis.Addr)
		}
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oAddr != nAddr {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
			logx.Bool("storage.redis_set", nAddr != ""),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	if oA.Enabled != nA.Enabled || oA.Pprof != nA.Pprof || strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.pprof", nA.Pprof),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
			logx.Int("tasks.enabled_count", countEnabled(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func countEnabled(tasks []TaskConfig) int {
	n := 0
	for _, t := range tasks {
		if t.IsEnabled() {
			n++
		}
	}
	return n
}

func indexTasks(tasks []TaskConfig) map[string]uint64 {
	m := make(map[string]uint64, len(tasks))
	for _, t := range tasks {
		m[strings.TrimSpace(t.Name)] = TaskHash(t)
	}
	return m
}

func diffTasks(oldT, newT []TaskConfig) []string {
	oldM, newM := indexTasks(oldT), indexTasks(newT)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
