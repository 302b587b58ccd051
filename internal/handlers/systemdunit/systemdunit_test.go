package systemdunit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

type fakeConn struct {
	mu     sync.Mutex
	calls  []string
	job    string
	err    error
	closed bool
}

func (f *fakeConn) do(action, name, mode string, ch chan<- string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+" "+name+" "+mode)
	if f.err != nil {
		return 0, f.err
	}
	ch <- f.job
	return len(f.calls), nil
}

func (f *fakeConn) StartUnitContext(_ context.Context, n, m string, ch chan<- string) (int, error) {
	return f.do("start", n, m, ch)
}

func (f *fakeConn) StopUnitContext(_ context.Context, n, m string, ch chan<- string) (int, error) {
	return f.do("stop", n, m, ch)
}

func (f *fakeConn) RestartUnitContext(_ context.Context, n, m string, ch chan<- string) (int, error) {
	return f.do("restart", n, m, ch)
}

func (f *fakeConn) ReloadUnitContext(_ context.Context, n, m string, ch chan<- string) (int, error) {
	return f.do("reload", n, m, ch)
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func invoke(h scheduler.Handler, md map[string]string) (any, error) {
	return h(context.Background(), scheduler.Invocation{Name: "unit", Attempt: 1, Metadata: md})
}

func TestActions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		md       map[string]string
		wantCall string
	}{
		{"default restart", map[string]string{"unit": "nginx"}, "restart nginx.service replace"},
		{"start timer", map[string]string{"unit": "backup.timer", "action": "start"}, "start backup.timer replace"},
		{"stop with mode", map[string]string{"unit": "worker", "action": "STOP", "mode": "fail"}, "stop worker.service fail"},
		{"reload", map[string]string{"unit": "caddy.service", "action": "reload"}, "reload caddy.service replace"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeConn{job: "done"}
			h := New(func(context.Context) (Conn, error) { return fc, nil }, logx.Nop())
			res, err := invoke(h, tt.md)
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			if r, ok := res.(Result); !ok || r.Job != "done" {
				t.Fatalf("result %#v", res)
			}
			if len(fc.calls) != 1 || fc.calls[0] != tt.wantCall {
				t.Fatalf("calls %v, want %q", fc.calls, tt.wantCall)
			}
		})
	}
}

func TestPermanentFailures(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{job: "done"}
	dial := func(context.Context) (Conn, error) { return fc, nil }

	if _, err := invoke(New(dial, logx.Nop()), nil); !errors.Is(err, ErrNoUnit) || !engine.IsNoRetry(err) {
		t.Fatalf("missing unit: %v", err)
	}
	if _, err := invoke(New(dial, logx.Nop()), map[string]string{"unit": "x", "action": "kill"}); !errors.Is(err, ErrUnknownAction) || !engine.IsNoRetry(err) {
		t.Fatalf("unknown action: %v", err)
	}

	fc.err = errors.New("Unit ghost.service not found: org.freedesktop.systemd1.NoSuchUnit")
	if _, err := invoke(New(dial, logx.Nop()), map[string]string{"unit": "ghost"}); !engine.IsNoRetry(err) {
		t.Fatalf("missing unit should not retry: %v", err)
	}

	unsupported := func(context.Context) (Conn, error) { return nil, ErrUnsupported }
	if _, err := invoke(New(unsupported, logx.Nop()), map[string]string{"unit": "x"}); !engine.IsNoRetry(err) {
		t.Fatalf("unsupported should not retry: %v", err)
	}
}

func TestJobFailureRetries(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{job: "failed"}
	h := New(func(context.Context) (Conn, error) { return fc, nil }, logx.Nop())
	res, err := invoke(h, map[string]string{"unit": "app"})
	if !errors.Is(err, ErrJobFailed) || engine.IsNoRetry(err) {
		t.Fatalf("err %v", err)
	}
	if r, ok := res.(Result); !ok || r.Job != "failed" {
		t.Fatalf("result %#v", res)
	}
}

func TestRedialAfterBusError(t *testing.T) {
	t.Parallel()
	var dials int
	first := &fakeConn{err: errors.New("connection reset")}
	second := &fakeConn{job: "done"}
	h := New(func(context.Context) (Conn, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}, logx.Nop())

	if _, err := invoke(h, map[string]string{"unit": "app"}); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("first call: %v", err)
	}
	if !first.closed {
		t.Fatal("broken connection not closed")
	}
	if _, err := invoke(h, map[string]string{"unit": "app"}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if dials != 2 {
		t.Fatalf("dials = %d", dials)
	}
}
