// Package httpcall runs a task as an HTTP request.
//
// Task metadata:
//   - url (required), method (default GET), body
//   - header.<Name>: request headers
//   - expect_status: exact status required; default any 2xx
package httpcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const (
	Name = "http"

	maxBody        = 4 << 10
	defaultTimeout = 30 * time.Second
)

var (
	ErrNoURL      = errors.New("httpcall: metadata.url required")
	ErrStatusCode = errors.New("httpcall: unexpected status")
)

type Result struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

func (r Result) String() string { return fmt.Sprintf("%d %s", r.Status, r.Body) }

// New returns a handler for the http kind. A nil client gets a 30s timeout;
// the task timeout still applies through the context.
func New(client *http.Client, log logx.Logger) scheduler.Handler {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("handler", Name))

	return func(ctx context.Context, inv scheduler.Invocation) (any, error) {
		md := inv.Metadata
		url := strings.TrimSpace(md["url"])
		if url == "" {
			return nil, engine.NoRetry(ErrNoURL)
		}
		method := strings.ToUpper(strings.TrimSpace(md["method"]))
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if b := md["body"]; b != "" {
			body = strings.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, engine.NoRetry(fmt.Errorf("httpcall: %w", err))
		}
		for k, v := range md {
			if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
				req.Header.Set(name, v)
			}
		}
		req.Header.Set("X-Tasksched-Task", inv.Name)
		req.Header.Set("X-Tasksched-Attempt", strconv.Itoa(inv.Attempt))

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("httpcall: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		res := Result{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

		log.Debug("request done",
			logx.String("task", inv.Name),
			logx.String("method", method),
			logx.Int("status", resp.StatusCode),
		)
		if !statusOK(md["expect_status"], resp.StatusCode) {
			err := fmt.Errorf("%w %d from %s %s", ErrStatusCode, resp.StatusCode, method, url)
			// Client errors will not fix themselves on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return res, engine.NoRetry(err)
			}
			return res, err
		}
		return res, nil
	}
}

func statusOK(expect string, code int) bool {
	if want, err := strconv.Atoi(strings.TrimSpace(expect)); err == nil {
		return code == want
	}
	return code >= 200 && code < 300
}
