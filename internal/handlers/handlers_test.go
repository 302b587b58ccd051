package handlers

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func TestRegisterBindsKinds(t *testing.T) {
	t.Parallel()

	r := scheduler.NewHandlers()
	if err := Register(r, nil, logx.Nop()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := strings.Join(r.Names(), ","); got != "http,log,shell,systemd" {
		t.Fatalf("names = %s", got)
	}
}

func TestLogHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := Log(logx.NewWriter(&buf, "info"))
	res, err := h(context.Background(), scheduler.Invocation{
		Name:     "heartbeat",
		Attempt:  1,
		Metadata: map[string]string{"message": "still alive", "zone": "eu"},
	})
	if err != nil || res != "still alive" {
		t.Fatalf("result = %v, %v", res, err)
	}
	out := buf.String()
	for _, want := range []string{`"message":"still alive"`, `"task":"heartbeat"`, `"md.zone":"eu"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line missing %s: %s", want, out)
		}
	}
}
