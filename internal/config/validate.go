package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task/schedule"
)

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	sc := cfg.Scheduler
	for path, raw := range map[string]string{
		"scheduler.resolution":           sc.Resolution,
		"scheduler.shutdown_grace":       sc.ShutdownGrace,
		"scheduler.lock_acquire_timeout": sc.LockAcquireTimeout,
		"scheduler.default_lock_ttl":     sc.DefaultLockTTL,
		"scheduler.default_timeout":      sc.DefaultTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if sc.Workers < 0 || sc.QueueSize < 0 {
		add(errors.New("scheduler: workers and queue_size must be >= 0"))
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path required for driver %q", st.Driver))
			}
		case "redis":
			if st.Redis == nil || strings.TrimSpace(st.Redis.Addr) == "" {
				add(errors.New("storage.redis.addr required for driver \"redis\""))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		path := fmt.Sprintf("tasks[%d]", i)
		if name == "" {
			add(fmt.Errorf("%s.name required", path))
		} else {
			path = fmt.Sprintf("tasks[%s]", name)
			if seen[name] {
				add(fmt.Errorf("%s: duplicate name", path))
			}
			seen[name] = true
		}
		add(validateTask(path, t))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ParseSchedule parses and compiles Schedule and applies Anchor to interval
// schedules.
func (t TaskConfig) ParseSchedule(path string) (schedule.Schedule, error) {
	sc, err := schedule.Parse(t.Schedule, t.Timezone)
	if err == nil {
		_, err = schedule.Compile(sc, time.UTC)
	}
	if err != nil {
		return nil, fmt.Errorf("%s.schedule: %w", path, err)
	}
	raw := strings.TrimSpace(t.Anchor)
	if raw == "" {
		return sc, nil
	}
	iv, ok := sc.(schedule.Interval)
	if !ok {
		return nil, fmt.Errorf("%s.anchor: only interval schedules take an anchor", path)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%s.anchor: invalid time %q (use RFC3339)", path, raw)
	}
	iv.Anchor = at
	return iv, nil
}

func validateTask(path string, t TaskConfig) error {
	var errs []error
	if _, err := t.ParseSchedule(path); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
		errs = append(errs, err)
	}
	if r := t.Retry; r != nil {
		if r.Attempts < 0 {
			errs = append(errs, fmt.Errorf("%s.retry.attempts must be >= 0", path))
		}
		if _, err := ParseDurationField(path+".retry.delay", r.Delay); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(r.Backoff)) {
		case "", "fixed", "exponential":
		default:
			errs = append(errs, fmt.Errorf("%s.retry.backoff: unknown %q", path, r.Backoff))
		}
	}
	if l := t.Lock; l != nil {
		if _, err := ParseDurationField(path+".lock.ttl", l.TTL); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(l.Key)) {
		case "", "name", "daily":
		default:
			errs = append(errs, fmt.Errorf("%s.lock.key: unknown %q", path, l.Key))
		}
	}
	return errors.Join(errs...)
}
