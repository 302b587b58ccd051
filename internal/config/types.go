package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// InstanceID identifies this process in locks and records. Empty means a random id.
	InstanceID string `json:"instance_id,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Admin     AdminConfig     `json:"admin"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Components overrides the level per component, e.g. {"scheduler": "debug"}.
	Components map[string]string `json:"components,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the ticker and the execution engine.
//
// Defaults (when fields are omitted/zero):
//   - resolution: "1s"
//   - workers: 4
//   - queue_size: 64
//   - shutdown_grace: "10s"
//   - lock_acquire_timeout: "2s"
//   - default_lock_ttl: "5m"
//   - default_timeout: "0s" (none)
//   - timezone: local
type SchedulerConfig struct {
	Resolution         string `json:"resolution,omitempty"`
	Workers            int    `json:"workers,omitempty"`
	QueueSize          int    `json:"queue_size,omitempty"`
	ShutdownGrace      string `json:"shutdown_grace,omitempty"`
	LockAcquireTimeout string `json:"lock_acquire_timeout,omitempty"`
	DefaultLockTTL     string `json:"default_lock_ttl,omitempty"`
	DefaultTimeout     string `json:"default_timeout,omitempty"`
	Timezone           string `json:"timezone,omitempty"`

	// RestoreRecords seeds tasks from records left by a previous run.
	RestoreRecords bool `json:"restore_records,omitempty"`
}

// StorageConfig selects the lock and record backend. Nil means memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tasksched.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// AdminConfig controls the HTTP admin surface.
//
// Prefer binding to localhost. Token, when set, is required as a bearer
// token on every /api route.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// TaskConfig declares one task.
//
// Schedule accepts "cron:<expr>", a bare cron expression, "every:<dur>",
// "every:<dur>@<RFC3339>", a bare duration or "at:<RFC3339>". "HH:MM" is an
// interval of hours and minutes ("02:30" fires every 2h30m), not a time of day.
// Use cron ("30 2 * * *") for a daily run.
type TaskConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
	// Anchor is an RFC3339 time that interval schedules count from. Locked
	// intervals default to the Unix epoch so every instance shares one phase.
	Anchor string `json:"anchor,omitempty"`
	// Handler is "shell", "http", "log" or a handler registered in code.
	Handler string `json:"handler"`
	// Enabled defaults to true when omitted.
	Enabled *bool  `json:"enabled,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty"`
	Lock  *LockConfig  `json:"lock,omitempty"`

	RunOnInit           bool `json:"run_on_init,omitempty"`
	RunOnSingleInstance bool `json:"run_on_single_instance,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type RetryConfig struct {
	Attempts int    `json:"attempts"`
	Delay    string `json:"delay,omitempty"`
	// Backoff is "fixed" (default) or "exponential".
	Backoff string `json:"backoff,omitempty"`
}

type LockConfig struct {
	Enabled bool   `json:"enabled"`
	TTL     string `json:"ttl,omitempty"`
	// Key is "name" (default) or "daily".
	Key string `json:"key,omitempty"`
	// KeepUntilExpiry leaves the lock in place after success.
	KeepUntilExpiry bool `json:"keep_until_expiry,omitempty"`
}
