package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
instance_id: node-1
logging:
  level: debug
  console: true
scheduler:
  resolution: 500ms
  workers: 2
  timezone: UTC
storage:
  driver: sqlite
  path: ./tasksched.db
admin:
  enabled: true
  addr: 127.0.0.1:8089
tasks:
  - name: nightly-report
    schedule: "cron:0 0 * * *"
    handler: shell
    timeout: 30s
    retry: {attempts: 2, delay: 1s}
    lock: {enabled: true, key: daily}
    metadata:
      command: /usr/local/bin/report
  - name: heartbeat
    schedule: every:30s
    handler: log
    enabled: false
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "tasksched.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InstanceID != "node-1" || cfg.Scheduler.Workers != 2 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(cfg.Tasks))
	}
	nightly, hb := cfg.Tasks[0], cfg.Tasks[1]
	if !nightly.IsEnabled() || hb.IsEnabled() {
		t.Fatalf("enabled flags: %v %v", nightly.IsEnabled(), hb.IsEnabled())
	}
	if nightly.Retry.Attempts != 2 || nightly.Lock.Key != "daily" || nightly.Metadata["command"] == "" {
		t.Fatalf("nested fields lost: %+v", nightly)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, path, body string
	}{
		{"unknown yaml key", "c.yaml", "logging: {level: info}\nbogus: 1\n"},
		{"unknown json key", "c.json", `{"tasks": [{"name": "a", "schedule": "every:1s", "color": "red"}]}`},
		{"trailing json", "c.json", `{} {}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}

	cfg, err := Decode("noext", []byte(`{"instance_id": "x"}`))
	if err != nil || cfg.InstanceID != "x" {
		t.Fatalf("json without extension: %v %+v", err, cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Scheduler: SchedulerConfig{Resolution: "soon", Timezone: "Mars/Base"},
		Storage:   &StorageConfig{Driver: "file"},
		Tasks: []TaskConfig{
			{Name: "a", Schedule: "cron:61 * * * *"},
			{Name: "a", Schedule: "every:1m", Retry: &RetryConfig{Backoff: "random"}},
			{Name: "", Schedule: "every:1m", Lock: &LockConfig{Key: "weekly"}},
			{Name: "c", Schedule: "@daily", Anchor: "2026-01-01T00:00:00Z"},
		},
	}
	err := Validate(cfg)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate = %v", err)
	}
	for _, want := range []string{
		"scheduler.resolution", "scheduler.timezone", "storage.path",
		"tasks[a].schedule", "duplicate name", "retry.backoff", "name required", "lock.key", "tasks[c].anchor",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}

	ok := &Config{Tasks: []TaskConfig{
		{Name: "b", Schedule: "02:30", Timezone: "UTC"},
		{Name: "d", Schedule: "every:10m", Anchor: "2026-01-01T00:03:00+09:00"},
	}}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	off := false
	oldCfg := &Config{
		Admin: AdminConfig{Enabled: true, Token: "secret-1"},
		Tasks: []TaskConfig{
			{Name: "keep", Schedule: "every:1m"},
			{Name: "edit", Schedule: "every:1m"},
			{Name: "drop", Schedule: "every:1m"},
		},
	}
	newCfg := &Config{
		Admin: AdminConfig{Enabled: true, Token: "secret-2"},
		Tasks: []TaskConfig{
			{Name: "keep", Schedule: "every:1m"},
			{Name: "edit", Schedule: "every:1m", Enabled: &off},
			{Name: "new", Schedule: "every:5m"},
		},
	}
	sections, attrs, tasks := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "tasks" {
		t.Fatalf("sections = %v", sections)
	}
	if strings.Join(tasks, ",") != "drop,edit,new" {
		t.Fatalf("tasks = %v", tasks)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	newCfg.Admin.Token = ""
	sections, _, _ = SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "admin,tasks" {
		t.Fatalf("sections after token removal = %v", sections)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "tasksched.json", `{"instance_id": "a"}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	t.Cleanup(func() { m.Unsubscribe(ch) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "tasksched.json", `{"instance_id": "broken", "nope": 1}`)
	writeFile(t, dir, "tasksched.json", `{"instance_id": "b"}`)

	select {
	case cfg := <-ch:
		if cfg.InstanceID != "b" {
			t.Fatalf("published %q", cfg.InstanceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().InstanceID != "b" {
		t.Fatalf("Get = %q", m.Get().InstanceID)
	}
}

func TestYAMLMetadataScalars(t *testing.T) {
	t.Parallel()

	body := "tasks:\n  - name: canary\n    schedule: every:1m\n    metadata:\n      port: 8080\n      verbose: yes\n      ratio: 0.5\n      empty:\n"
	cfg, err := Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	md := cfg.Tasks[0].Metadata
	want := map[string]string{"port": "8080", "verbose": "yes", "ratio": "0.5", "empty": ""}
	for k, v := range want {
		if md[k] != v {
			t.Fatalf("metadata[%s] = %q, want %q", k, md[k], v)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"90s", 90 * time.Second, false},
		{"2d", 48 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"-1m", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("f", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("f", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}
