package shell

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func TestShellHandler(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	h := New(logx.Nop())
	cases := []struct {
		name    string
		md      map[string]string
		wantOut string
		wantErr bool
		noRetry bool
	}{
		{name: "echo", md: map[string]string{"command": "echo", "args": "hello world"}, wantOut: "hello world"},
		{name: "env", md: map[string]string{"command": "sh", "args": "-c env", "env.GREETING": "hi"}, wantOut: "GREETING=hi"},
		{name: "exit code", md: map[string]string{"command": "sh", "args": "-c false"}, wantErr: true},
		{name: "missing command", md: map[string]string{}, wantErr: true, noRetry: true},
		{name: "not found", md: map[string]string{"command": "definitely-not-a-binary-xyz"}, wantErr: true, noRetry: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := h(context.Background(), scheduler.Invocation{Name: "t", Attempt: 1, Metadata: tc.md})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", res)
				}
				if engine.IsNoRetry(err) != tc.noRetry {
					t.Fatalf("IsNoRetry = %v for %v", engine.IsNoRetry(err), err)
				}
				return
			}
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			r := res.(Result)
			if r.ExitCode != 0 || !strings.Contains(r.Output, tc.wantOut) {
				t.Fatalf("result = %+v", r)
			}
		})
	}
}

func TestShellHandlerHonoursContext(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs sleep")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(logx.Nop())(ctx, scheduler.Invocation{Metadata: map[string]string{"command": "sleep", "args": "5"}})
	if err == nil {
		t.Fatal("expected error from killed command")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("command not killed on cancel")
	}
	if errors.Is(err, ErrNoCommand) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		writes []string
		want   string
	}{
		{name: "short", writes: []string{"hello"}, want: "hello"},
		{name: "trimmed", writes: []string{"  hi \n"}, want: "hi"},
		{name: "single large write", writes: []string{"abcdefghij"}, want: "...cdefghij"},
		{name: "chunked", writes: []string{"abcd", "efgh", "ij"}, want: "...cdefghij"},
		{name: "rune boundary", writes: []string{"€€€€"}, want: "...€€"},
		{name: "rune boundary chunked", writes: []string{"a€", "€", "€€"}, want: "...€€"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &tailBuffer{n: 8}
			for _, w := range tc.writes {
				if n, err := b.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			got := b.String()
			if got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("invalid UTF-8: %q", got)
			}
		})
	}
}

func TestTailBufferStaysBounded(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{n: maxOutput}
	chunk := []byte(strings.Repeat("€", 1000))
	for i := 0; i < 500; i++ {
		if _, err := b.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if len(b.buf) > maxOutput || cap(b.buf) > 2*maxOutput {
			t.Fatalf("buffer grew to len=%d cap=%d", len(b.buf), cap(b.buf))
		}
	}
	if out := b.String(); !utf8.ValidString(out) || len(out) > maxOutput+len("...") {
		t.Fatalf("output len=%d valid=%v", len(out), utf8.ValidString(out))
	}
}

func TestShellHandlerCapsOutput(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" {
		t.Skip("needs /dev/zero and GNU head")
	}

	h := New(logx.Nop())
	res, err := h(context.Background(), scheduler.Invocation{Name: "t", Attempt: 1, Metadata: map[string]string{
		"command": "head",
		"args":    "-c 1048576 /dev/zero",
	}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	r := res.(Result)
	if len(r.Output) != maxOutput+len("...") || !strings.HasPrefix(r.Output, "...") {
		t.Fatalf("output len=%d", len(r.Output))
	}
}
