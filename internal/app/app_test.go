package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task/schedule"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestBuildDefinition(t *testing.T) {
	t.Parallel()
	off := false
	fire := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		tc      config.TaskConfig
		wantErr string
		check   func(t *testing.T, d scheduler.Definition)
	}{
		{
			name: "defaults",
			tc:   config.TaskConfig{Name: "nightly", Schedule: "0 2 * * *"},
			check: func(t *testing.T, d scheduler.Definition) {
				if d.Schedule.Kind() != schedule.KindCron || d.Handler != "nightly" || !d.Enabled {
					t.Fatalf("def: %+v", d)
				}
				if d.Retry.Attempts != 0 || d.Lock.Enabled {
					t.Fatalf("unexpected policy: %+v", d)
				}
			},
		},
		{
			name: "retry and timeout",
			tc: config.TaskConfig{
				Name: "r", Schedule: "every:5m", Handler: "log", Enabled: &off, Timeout: "30s",
				Retry: &config.RetryConfig{Attempts: 3, Delay: "10s", Backoff: "exponential"},
			},
			check: func(t *testing.T, d scheduler.Definition) {
				if d.Enabled || d.Timeout != 30*time.Second || d.Schedule.Kind() != schedule.KindInterval {
					t.Fatalf("def: %+v", d)
				}
				want := scheduler.RetryPolicy{Attempts: 3, Delay: 10 * time.Second, Backoff: scheduler.BackoffExponential}
				if d.Retry != want {
					t.Fatalf("retry %+v, want %+v", d.Retry, want)
				}
			},
		},
		{
			name: "daily lock in task zone",
			tc: config.TaskConfig{
				Name: "report", Schedule: "30 23 * * *", Timezone: "Asia/Tokyo",
				Lock: &config.LockConfig{Enabled: true, TTL: "2h", Key: "daily", KeepUntilExpiry: true},
			},
			check: func(t *testing.T, d scheduler.Definition) {
				if !d.Lock.Enabled || d.Lock.TTL != 2*time.Hour || !d.Lock.KeepUntilExpiry {
					t.Fatalf("lock: %+v", d.Lock)
				}
				// 23:30 UTC is already the next day in Tokyo.
				if got := d.Lock.Key("report", fire); got != "report@2026-03-02" {
					t.Fatalf("key %q", got)
				}
			},
		},
		{
			name: "name lock",
			tc:   config.TaskConfig{Name: "n", Schedule: "@hourly", Lock: &config.LockConfig{Enabled: true}},
			check: func(t *testing.T, d scheduler.Definition) {
				if got := d.Lock.Key("n", fire); got != "n" {
					t.Fatalf("key %q", got)
				}
			},
		},
		{
			name: "interval anchor",
			tc:   config.TaskConfig{Name: "a", Schedule: "every:15m", Anchor: "2026-01-01T00:05:00Z"},
			check: func(t *testing.T, d scheduler.Definition) {
				iv, ok := d.Schedule.(schedule.Interval)
				if !ok || iv.Every != 15*time.Minute || !iv.Anchor.Equal(time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)) {
					t.Fatalf("schedule %#v", d.Schedule)
				}
			},
		},
		{
			name:    "anchor on cron",
			tc:      config.TaskConfig{Name: "x", Schedule: "@daily", Anchor: "2026-01-01T00:00:00Z"},
			wantErr: "tasks[x].anchor",
		},
		{
			name:    "bad anchor",
			tc:      config.TaskConfig{Name: "x", Schedule: "5m", Anchor: "tomorrow"},
			wantErr: "tasks[x].anchor",
		},
		{
			name:    "bad schedule",
			tc:      config.TaskConfig{Name: "x", Schedule: "cron:bogus"},
			wantErr: "tasks[x].schedule",
		},
		{
			name:    "bad backoff",
			tc:      config.TaskConfig{Name: "x", Schedule: "1m", Retry: &config.RetryConfig{Attempts: 2, Backoff: "linear"}},
			wantErr: "retry.backoff",
		},
		{
			name:    "bad lock key",
			tc:      config.TaskConfig{Name: "x", Schedule: "1m", Lock: &config.LockConfig{Enabled: true, Key: "hourly"}},
			wantErr: "lock.key",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := BuildDefinition(tt.tc, time.UTC)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildDefinition: %v", err)
			}
			tt.check(t, d)
		})
	}
}

func TestTaskSync(t *testing.T) {
	t.Parallel()
	hs := scheduler.NewHandlers()
	_ = hs.Func("log", func(context.Context) error { return nil })
	s := scheduler.New(scheduler.Config{Location: time.UTC}, hs, scheduler.WithLogger(logx.Nop()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	ts := newTaskSync(s, time.UTC, logx.Nop())

	a := config.TaskConfig{Name: "a", Schedule: "every:1m", Handler: "log"}
	b := config.TaskConfig{Name: "b", Schedule: "every:2m", Handler: "log"}

	res, err := ts.Apply([]config.TaskConfig{a, b})
	if err != nil || strings.Join(res.Added, ",") != "a,b" {
		t.Fatalf("first apply: %+v %v", res, err)
	}

	res, err = ts.Apply([]config.TaskConfig{a, b})
	if err != nil || !res.empty() {
		t.Fatalf("unchanged apply: %+v %v", res, err)
	}

	a.Schedule = "every:30s"
	res, err = ts.Apply([]config.TaskConfig{a})
	if err != nil || strings.Join(res.Updated, ",") != "a" || strings.Join(res.Removed, ",") != "b" {
		t.Fatalf("update apply: %+v %v", res, err)
	}
	if got := s.Names(); strings.Join(got, ",") != "a" {
		t.Fatalf("names %v", got)
	}
	if tk, _ := s.GetTask("a"); tk.Schedule != "every:30s" {
		t.Fatalf("schedule %q", tk.Schedule)
	}

	bad := config.TaskConfig{Name: "c", Schedule: "every:1m", Handler: "missing"}
	res, err = ts.Apply([]config.TaskConfig{a, bad})
	if err == nil || len(res.Added) != 0 {
		t.Fatalf("bad task accepted: %+v %v", res, err)
	}
	if _, ok := s.GetTask("c"); ok {
		t.Fatal("task with unknown handler registered")
	}

	// Tasks added outside config survive a sync.
	if err := s.AddTask("adhoc", scheduler.Definition{Schedule: schedule.Interval{Every: time.Hour}, Handler: "log", Enabled: true}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := ts.Apply([]config.TaskConfig{a}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := s.GetTask("adhoc"); !ok {
		t.Fatal("adhoc task removed by sync")
	}
}

const appConfig = `
instance_id: node-a
logging:
  level: error
  console: true
scheduler:
  resolution: 50ms
  shutdown_grace: 1s
  timezone: UTC
storage:
  driver: file
  path: %DIR%/records
admin:
  enabled: true
  addr: 127.0.0.1:0
tasks:
  - name: hello
    schedule: every:1h
    handler: log
    metadata:
      message: hi
%EXTRA%
`

func writeConfig(t *testing.T, path, dir, extra string) {
	t.Helper()
	body := strings.NewReplacer("%DIR%", dir, "%EXTRA%", extra).Replace(appConfig)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, dir, "")

	ran := make(chan struct{}, 1)
	a, err := New(path, WithHandlers(func(h *scheduler.Handlers) error {
		return h.Func("canary", func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		})
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	})

	if _, ok := a.Scheduler().GetTask("hello"); !ok {
		t.Fatal("configured task not registered")
	}
	if a.Scheduler().InstanceID() != "node-a" {
		t.Fatalf("instance %q", a.Scheduler().InstanceID())
	}

	waitFor(t, 3*time.Second, func() bool { return a.AdminAddr() != "" })
	resp, err := http.Get("http://" + a.AdminAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health %d", resp.StatusCode)
	}

	// Hot reload adds a task bound to a code-registered handler.
	writeConfig(t, path, dir, `  - name: canary
    schedule: every:1h
    handler: canary`)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := a.Scheduler().GetTask("canary")
		return ok
	})
	if _, err := a.Scheduler().RunTask(ctx, "canary"); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("canary handler not invoked")
	}

	stopped = true
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestValidateRejectsUnknownHandler(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, dir, "")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })

	cfg := a.cfgm.Get()
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("validate current config: %v", err)
	}
	bad := *cfg
	bad.Tasks = append([]config.TaskConfig(nil), cfg.Tasks...)
	bad.Tasks = append(bad.Tasks, config.TaskConfig{Name: "x", Schedule: "1m", Handler: "nope"})
	if err := a.validate(context.Background(), &bad); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("validate: %v", err)
	}
}
