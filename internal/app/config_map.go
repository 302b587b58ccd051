package app

import (
	"fmt"
	"strings"
	"time"

	"tasksched/internal/api"
	"tasksched/internal/config"
	"tasksched/internal/lock"
	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Format:  lc.Format,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Components: lc.Components,
	}
}

func mapLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		InstanceID:     strings.TrimSpace(cfg.InstanceID),
		Workers:        sc.Workers,
		QueueSize:      sc.QueueSize,
		RestoreRecords: sc.RestoreRecords,
	}
	var err error
	if out.Resolution, err = config.ParseDurationField("scheduler.resolution", sc.Resolution); err != nil {
		return out, err
	}
	if out.ShutdownGrace, err = config.ParseDurationField("scheduler.shutdown_grace", sc.ShutdownGrace); err != nil {
		return out, err
	}
	if out.LockAcquireTimeout, err = config.ParseDurationField("scheduler.lock_acquire_timeout", sc.LockAcquireTimeout); err != nil {
		return out, err
	}
	if out.DefaultLockTTL, err = config.ParseDurationField("scheduler.default_lock_ttl", sc.DefaultLockTTL); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout); err != nil {
		return out, err
	}
	if out.Location, err = mapLocation(sc.Timezone); err != nil {
		return out, fmt.Errorf("scheduler.%w", err)
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	out := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:   strings.TrimSpace(sc.Path),
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = busy
	if r := sc.Redis; r != nil {
		out.Redis = storage.RedisConfig{
			Addr:     strings.TrimSpace(r.Addr),
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		}
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) api.Config {
	ac := cfg.Admin
	return api.Config{
		Enabled: ac.Enabled,
		Addr:    strings.TrimSpace(ac.Addr),
		Token:   strings.TrimSpace(ac.Token),
		Pprof:   ac.Pprof,
	}
}

// BuildDefinition maps a declared task onto a scheduler definition. loc is
// the scheduler default, used when the task carries no timezone.
func BuildDefinition(tc config.TaskConfig, loc *time.Location) (scheduler.Definition, error) {
	name := strings.TrimSpace(tc.Name)
	path := "tasks[" + name + "]"

	sc, err := tc.ParseSchedule(path)
	if err != nil {
		return scheduler.Definition{}, err
	}
	timeout, err := config.ParseDurationField(path+".timeout", tc.Timeout)
	if err != nil {
		return scheduler.Definition{}, err
	}
	handler := strings.TrimSpace(tc.Handler)
	if handler == "" {
		handler = name
	}
	def := scheduler.Definition{
		Schedule:            sc,
		Handler:             handler,
		Enabled:             tc.IsEnabled(),
		Timeout:             timeout,
		RunOnInit:           tc.RunOnInit,
		RunOnSingleInstance: tc.RunOnSingleInstance,
		Metadata:            tc.Metadata,
	}

	if r := tc.Retry; r != nil {
		delay, err := config.ParseDurationField(path+".retry.delay", r.Delay)
		if err != nil {
			return scheduler.Definition{}, err
		}
		def.Retry = scheduler.RetryPolicy{Attempts: r.Attempts, Delay: delay}
		switch strings.ToLower(strings.TrimSpace(r.Backoff)) {
		case "", "fixed":
			def.Retry.Backoff = scheduler.BackoffFixed
		case "exponential":
			def.Retry.Backoff = scheduler.BackoffExponential
		default:
			return scheduler.Definition{}, fmt.Errorf("%s.retry.backoff: unknown %q", path, r.Backoff)
		}
	}

	if l := tc.Lock; l != nil {
		ttl, err := config.ParseDurationField(path+".lock.ttl", l.TTL)
		if err != nil {
			return scheduler.Definition{}, err
		}
		def.Lock = scheduler.LockConfig{Enabled: l.Enabled, TTL: ttl, KeepUntilExpiry: l.KeepUntilExpiry}
		switch strings.ToLower(strings.TrimSpace(l.Key)) {
		case "", "name":
			def.Lock.Key = lock.NameKey
		case "daily":
			keyLoc := loc
			if strings.TrimSpace(tc.Timezone) != "" {
				if keyLoc, err = mapLocation(tc.Timezone); err != nil {
					return scheduler.Definition{}, fmt.Errorf("%s.%w", path, err)
				}
			}
			def.Lock.Key = lock.DailyKey(keyLoc)
		default:
			return scheduler.Definition{}, fmt.Errorf("%s.lock.key: unknown %q", path, l.Key)
		}
	}
	return def, nil
}
