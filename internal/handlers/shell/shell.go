// Package shell runs a task as an external command.
//
// Task metadata:
//   - command: executable path or name (required)
//   - args: space-separated arguments
//   - dir: working directory
//   - env.<NAME>: extra environment variables
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const (
	Name = "shell"

	maxOutput = 4 << 10
	waitDelay = 2 * time.Second
)

var ErrNoCommand = errors.New("shell: metadata.command required")

// Result is stored as the task's last result.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

func (r Result) String() string {
	if r.Output == "" {
		return fmt.Sprintf("exit %d", r.ExitCode)
	}
	return fmt.Sprintf("exit %d: %s", r.ExitCode, r.Output)
}

// New returns a handler for the shell kind.
func New(log logx.Logger) scheduler.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("handler", Name))
	return func(ctx context.Context, inv scheduler.Invocation) (any, error) {
		command := strings.TrimSpace(inv.Metadata["command"])
		if command == "" {
			return nil, engine.NoRetry(ErrNoCommand)
		}
		cmd := exec.CommandContext(ctx, command, strings.Fields(inv.Metadata["args"])...)
		cmd.Dir = inv.Metadata["dir"]
		cmd.Env = append(os.Environ(),
			"TASKSCHED_TASK="+inv.Name,
			fmt.Sprintf("TASKSCHED_ATTEMPT=%d", inv.Attempt),
			"TASKSCHED_FIRE_TIME="+inv.FireTime.Format(time.RFC3339),
		)
		cmd.Env = append(cmd.Env, envFromMetadata(inv.Metadata)...)
		// Children that keep stdout open must not hold Wait after a kill.
		cmd.WaitDelay = waitDelay

		out := &tailBuffer{n: maxOutput}
		cmd.Stdout = out
		cmd.Stderr = out

		log.Debug("running command", logx.String("task", inv.Name), logx.String("command", command))
		err := cmd.Run()
		res := Result{Output: out.String()}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			var notFound *exec.Error
			if errors.As(err, &notFound) {
				return nil, engine.NoRetry(fmt.Errorf("shell: %w", err))
			}
			if res.Output != "" {
				return nil, fmt.Errorf("shell: %w: %s", err, res.Output)
			}
			return nil, fmt.Errorf("shell: %w", err)
		}
		return res, nil
	}
}

func envFromMetadata(md map[string]string) []string {
	var out []string
	for k, v := range md {
		if name, ok := strings.CutPrefix(k, "env."); ok && name != "" {
			out = append(out, name+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	n         int
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf == nil {
		b.buf = make([]byte, 0, 2*b.n)
	}
	if len(p) > b.n {
		b.buf = append(b.buf[:0], p[len(p)-b.n:]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.n; over > 0 {
		b.buf = b.buf[:copy(b.buf, b.buf[over:])]
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tail(b.buf, b.n, b.truncated)
}

// tail trims s to at most n trailing bytes. A cut never splits a rune.
func tail(s []byte, n int, cut bool) string {
	s = bytes.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
		cut = true
	}
	if !cut {
		return string(s)
	}
	i := 0
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + string(s[i:])
}
