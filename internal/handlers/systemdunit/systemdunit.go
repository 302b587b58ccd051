// Package systemdunit starts, stops, restarts or reloads a systemd unit
// over D-Bus.
//
// Task metadata:
//   - unit: unit name; ".service" is appended when no suffix is given (required)
//   - action: start, stop, restart or reload (default restart)
//   - mode: job mode passed to systemd (default replace)
package systemdunit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const Name = "systemd"

var (
	ErrNoUnit        = errors.New("systemd: metadata.unit required")
	ErrUnknownAction = errors.New("systemd: unknown action")
	ErrJobFailed     = errors.New("systemd: job did not complete")
	ErrUnsupported   = errors.New("systemd: not supported on this platform")
)

// Conn is the subset of the go-systemd D-Bus connection the handler drives.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Dialer opens a connection to the system manager.
type Dialer func(ctx context.Context) (Conn, error)

// Result is stored as the task's last result.
type Result struct {
	Unit   string `json:"unit"`
	Action string `json:"action"`
	Job    string `json:"job"`
}

func (r Result) String() string { return r.Action + " " + r.Unit + ": " + r.Job }

type handler struct {
	dial Dialer
	log  logx.Logger

	mu   sync.Mutex
	conn Conn
}

// New returns a handler for the systemd kind. The connection is dialed on
// first use and redialed after a D-Bus error.
func New(dial Dialer, log logx.Logger) scheduler.Handler {
	if dial == nil {
		dial = SystemDialer()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{dial: dial, log: log.With(logx.String("handler", Name))}
	return h.run
}

func (h *handler) run(ctx context.Context, inv scheduler.Invocation) (any, error) {
	unit := unitName(inv.Metadata["unit"])
	if unit == "" {
		return nil, engine.NoRetry(ErrNoUnit)
	}
	action := strings.ToLower(strings.TrimSpace(inv.Metadata["action"]))
	if action == "" {
		action = "restart"
	}
	mode := strings.TrimSpace(inv.Metadata["mode"])
	if mode == "" {
		mode = "replace"
	}

	conn, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}
	var call func(context.Context, string, string, chan<- string) (int, error)
	switch action {
	case "start":
		call = conn.StartUnitContext
	case "stop":
		call = conn.StopUnitContext
	case "restart":
		call = conn.RestartUnitContext
	case "reload":
		call = conn.ReloadUnitContext
	default:
		return nil, engine.NoRetry(fmt.Errorf("%w %q", ErrUnknownAction, action))
	}

	done := make(chan string, 1)
	if _, err := call(ctx, unit, mode, done); err != nil {
		if isNoSuchUnit(err) {
			return nil, engine.NoRetry(fmt.Errorf("systemd: %s %s: %w", action, unit, err))
		}
		h.reset(conn)
		return nil, fmt.Errorf("systemd: %s %s: %w", action, unit, err)
	}

	select {
	case job := <-done:
		res := Result{Unit: unit, Action: action, Job: job}
		if job != "done" {
			return res, fmt.Errorf("%w: %s", ErrJobFailed, res)
		}
		h.log.Debug("unit job done", logx.String("unit", unit), logx.String("action", action))
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handler) connect(ctx context.Context) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return h.conn, nil
	}
	c, err := h.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, engine.NoRetry(err)
		}
		return nil, err
	}
	h.conn = c
	return c, nil
}

func (h *handler) reset(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == c {
		h.conn.Close()
		h.conn = nil
	}
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

// systemd answers org.freedesktop.systemd1.NoSuchUnit for missing units.
func isNoSuchUnit(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
