package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/task/schedule"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func build(tc config.TaskConfig) (scheduler.Definition, error) {
	sc, err := schedule.Parse(tc.Schedule, tc.Timezone)
	if err != nil {
		return scheduler.Definition{}, err
	}
	return scheduler.Definition{Schedule: sc, Handler: tc.Handler, Enabled: tc.IsEnabled(), Metadata: tc.Metadata}, nil
}

type fixture struct {
	s   *scheduler.Scheduler
	bus eventbus.Bus
	h   http.Handler
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	handlers := scheduler.NewHandlers()
	_ = handlers.Register("echo", func(ctx context.Context, inv scheduler.Invocation) (any, error) {
		return "hello " + inv.Metadata["who"], nil
	})
	_ = handlers.Func("fail", func(ctx context.Context) error { return errors.New("nope") })

	bus := eventbus.New()
	s := scheduler.New(scheduler.Config{Location: time.UTC, ShutdownGrace: time.Second}, handlers,
		scheduler.WithClock(clock), scheduler.WithBus(bus), scheduler.WithLogger(logx.Nop()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	h := NewServer(cfg, Deps{Scheduler: s, Bus: bus, Build: build, Logger: logx.Nop()})
	return fixture{s: s, bus: bus, h: h}
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if rec := do(t, f.h, http.MethodPost, "/api/tasks", `{"name":"a","schedule":"every:1m","handler":"echo"}`); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec := do(t, f.h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if hr := decode[healthResp](t, rec); hr.Status != "ok" || hr.InstanceID != f.s.InstanceID() {
		t.Fatalf("health body: %+v", hr)
	}

	rec = do(t, f.h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tasksched_tasks_total 1") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("content-type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("metrics content-type: %q", ct)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	const body = `{"name":"a","schedule":"every:1m","handler":"echo","metadata":{"who":"bob"}}`
	if rec := do(t, f.h, http.MethodPost, "/api/tasks", body); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, f.h, http.MethodPost, "/api/tasks", body); rec.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", rec.Code, rec.Body.String())
	}

	rec := do(t, f.h, http.MethodGet, "/api/tasks/a?preview=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	view := decode[taskView](t, rec)
	if view.Name != "a" || len(view.Upcoming) != 3 {
		t.Fatalf("view: %+v", view)
	}
	if d := view.Upcoming[1].Sub(view.Upcoming[0]); d != time.Minute {
		t.Fatalf("preview cadence %s", d)
	}

	rec = do(t, f.h, http.MethodPost, "/api/tasks/a/disable", "")
	if tk := decode[scheduler.Task](t, rec); rec.Code != http.StatusOK || tk.Enabled || tk.NextRun != nil {
		t.Fatalf("disable: %d %+v", rec.Code, tk)
	}
	rec = do(t, f.h, http.MethodPost, "/api/tasks/a/enable", "")
	if tk := decode[scheduler.Task](t, rec); rec.Code != http.StatusOK || !tk.Enabled || tk.NextRun == nil {
		t.Fatalf("enable: %d %+v", rec.Code, tk)
	}

	rec = do(t, f.h, http.MethodGet, "/api/tasks", "")
	if list := decode[[]scheduler.Task](t, rec); len(list) != 1 {
		t.Fatalf("list: %+v", list)
	}

	if rec := do(t, f.h, http.MethodDelete, "/api/tasks/a", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, f.h, http.MethodGet, "/api/tasks/a", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
	if rec := do(t, f.h, http.MethodDelete, "/api/tasks/a", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestCreateTaskRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name":`},
		{"unknown field", `{"name":"a","schedule":"every:1m","bogus":1}`},
		{"missing name", `{"schedule":"every:1m","handler":"echo"}`},
		{"bad schedule", `{"name":"a","schedule":"cron:61 * * * *","handler":"echo"}`},
		{"unknown handler", `{"name":"a","schedule":"every:1m","handler":"missing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.h, http.MethodPost, "/api/tasks", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("code %d body %s", rec.Code, rec.Body.String())
			}
			if er := decode[errorResp](t, rec); er.Error == "" {
				t.Fatal("empty error message")
			}
		})
	}
	if got := f.s.GetTasks(); len(got) != 0 {
		t.Fatalf("rejected creates registered tasks: %+v", got)
	}
}

func TestRunTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	do(t, f.h, http.MethodPost, "/api/tasks", `{"name":"ok","schedule":"every:1h","handler":"echo","metadata":{"who":"amy"}}`)
	do(t, f.h, http.MethodPost, "/api/tasks", `{"name":"bad","schedule":"every:1h","handler":"fail"}`)

	rec := do(t, f.h, http.MethodPost, "/api/tasks/ok/run", "")
	rr := decode[runResp](t, rec)
	if rec.Code != http.StatusOK || !rr.OK || rr.Result != "hello amy" || rr.Task.State != scheduler.StateSucceeded {
		t.Fatalf("run ok: %d %+v", rec.Code, rr)
	}

	rec = do(t, f.h, http.MethodPost, "/api/tasks/bad/run", "")
	rr = decode[runResp](t, rec)
	if rec.Code != http.StatusOK || rr.OK || !strings.Contains(rr.Error, "nope") || rr.Task.State != scheduler.StateFailed {
		t.Fatalf("run bad: %d %+v", rec.Code, rr)
	}

	if rec := do(t, f.h, http.MethodPost, "/api/tasks/missing/run", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("run missing: %d", rec.Code)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	rec := do(t, f.h, http.MethodPost, "/api/pause", "")
	if pr := decode[pauseResp](t, rec); !pr.Paused || !f.s.Paused() {
		t.Fatalf("pause: %+v", pr)
	}
	rec = do(t, f.h, http.MethodPost, "/api/resume", "")
	if pr := decode[pauseResp](t, rec); pr.Paused || f.s.Paused() {
		t.Fatalf("resume: %+v", pr)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	tests := []struct {
		name string
		path string
		hdr  []string
		want int
	}{
		{"health is open", "/health", nil, http.StatusOK},
		{"metrics is open", "/metrics", nil, http.StatusOK},
		{"missing token", "/api/tasks", nil, http.StatusUnauthorized},
		{"wrong token", "/api/tasks", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"header token", "/api/tasks", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query token", "/api/tasks?token=s3cret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.h, http.MethodGet, tt.path, "", tt.hdr...)
			if rec.Code != tt.want {
				t.Fatalf("code %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatal("missing WWW-Authenticate")
			}
		})
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{})
	if rec := do(t, off.h, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: %d", rec.Code)
	}
	on := newFixture(t, Config{Pprof: true})
	if rec := do(t, on.h, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	do(t, f.h, http.MethodPost, "/api/tasks", `{"name":"ok","schedule":"every:1h","handler":"echo"}`)

	ts := httptest.NewServer(f.h)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?type=task.succeeded", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("content-type"); ct != "text/event-stream" {
		t.Fatalf("content-type %q", ct)
	}

	if _, err := f.s.RunTask(ctx, "ok"); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	if event != scheduler.EventSucceeded {
		t.Fatalf("event %q (scan err %v)", event, sc.Err())
	}
	var ev eventbus.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Type != scheduler.EventSucceeded {
		t.Fatalf("data %q: %v", data, err)
	}
}
