// Package handlers registers the built-in handler kinds usable from config.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"tasksched/internal/handlers/httpcall"
	"tasksched/internal/handlers/shell"
	"tasksched/internal/handlers/systemdunit"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// LogName is the kind that only writes a log line.
const LogName = "log"

// Log returns a handler that logs the invocation and metadata["message"].
func Log(log logx.Logger) scheduler.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(_ context.Context, inv scheduler.Invocation) (any, error) {
		fields := []logx.Field{
			logx.String("task", inv.Name),
			logx.Int("attempt", inv.Attempt),
			logx.String("trigger", string(inv.Trigger)),
			logx.Time("fire", inv.FireTime),
		}
		keys := make([]string, 0, len(inv.Metadata))
		for k := range inv.Metadata {
			if k != "message" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, logx.String("md."+k, inv.Metadata[k]))
		}
		msg := inv.Metadata["message"]
		if msg == "" {
			msg = "task fired"
		}
		log.Info(msg, fields...)
		return msg, nil
	}
}

// Register binds the built-in kinds on r. The systemd kind dials the
// system bus on first use only.
func Register(r *scheduler.Handlers, client *http.Client, log logx.Logger) error {
	return errors.Join(
		r.Register(shell.Name, shell.New(log)),
		r.Register(httpcall.Name, httpcall.New(client, log)),
		r.Register(systemdunit.Name, systemdunit.New(systemdunit.SystemDialer(), log)),
		r.Register(LogName, Log(log)),
	)
}
