// Package api is the admin HTTP surface of a scheduler instance.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/task/metrics"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// Scheduler is the part of *scheduler.Scheduler the admin routes drive.
type Scheduler interface {
	InstanceID() string
	AddTask(name string, def scheduler.Definition) error
	RemoveTask(name string) bool
	EnableTask(name string) bool
	DisableTask(name string) bool
	GetTask(name string) (scheduler.Task, bool)
	GetTasks() []scheduler.Task
	Preview(name string, n int) ([]time.Time, error)
	RunTask(ctx context.Context, name string) (any, error)
	PauseAll()
	ResumeAll()
	Paused() bool
	StorageHealthy() bool
	Metrics() metrics.Metrics
	Snapshot() scheduler.Snapshot
}

// TaskBuilder maps a declared task onto a scheduler definition.
type TaskBuilder func(tc config.TaskConfig) (scheduler.Definition, error)

// Deps are the collaborators shared by every server instance.
type Deps struct {
	Scheduler Scheduler
	Bus       eventbus.Bus
	Build     TaskBuilder
	Logger    logx.Logger
}

const (
	maxPreview    = 50
	sseHeartbeat  = 15 * time.Second
	maxCreateBody = 1 << 20
)

type Server struct {
	cfg Config
	d   Deps
	log logx.Logger
}

// NewServer builds the router. Routes under /api and /debug require
// cfg.Token when it is set.
func NewServer(cfg Config, d Deps) http.Handler {
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(log), middleware.Recoverer)

	s := &Server{cfg: cfg, d: d, log: log}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Get("/metrics", s.apiMetrics)
		r.Get("/snapshot", s.snapshot)
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{name}", s.getTask)
		r.Delete("/tasks/{name}", s.deleteTask)
		r.Post("/tasks/{name}/run", s.runTask)
		r.Post("/tasks/{name}/enable", s.enableTask)
		r.Post("/tasks/{name}/disable", s.disableTask)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Get("/events", s.events)
	})

	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearer(cfg.Token))
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

type healthResp struct {
	Status         string `json:"status"`
	InstanceID     string `json:"instanceId"`
	Paused         bool   `json:"paused"`
	StorageHealthy bool   `json:"storageHealthy"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sc := s.d.Scheduler
	resp := healthResp{Status: "ok", InstanceID: sc.InstanceID(), Paused: sc.Paused(), StorageHealthy: sc.StorageHealthy()}
	code := http.StatusOK
	if !resp.StorageHealthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := metrics.WriteText(&buf, s.cfg.MetricsPrefix, s.d.Scheduler.Metrics()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) apiMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Scheduler.Metrics())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Scheduler.Snapshot())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Scheduler.GetTasks())
}

type taskView struct {
	scheduler.Task
	Upcoming []time.Time `json:"upcoming,omitempty"`
}

// getTask accepts ?preview=N to include the next N fire times.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := s.d.Scheduler.GetTask(name)
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrTaskNotFound)
		return
	}
	view := taskView{Task: t}
	if raw := r.URL.Query().Get("preview"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("preview must be a positive integer"))
			return
		}
		if n > maxPreview {
			n = maxPreview
		}
		up, err := s.d.Scheduler.Preview(name, n)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		view.Upcoming = up
	}
	writeJSON(w, http.StatusOK, view)
}

// createTask registers or replaces a task from the same document shape as a
// config file's tasks entry.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	if s.d.Build == nil {
		writeError(w, http.StatusNotImplemented, errors.New("task creation is not configured"))
		return
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	dec.DisallowUnknownFields()
	var tc config.TaskConfig
	if err := dec.Decode(&tc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tc.Name = strings.TrimSpace(tc.Name)
	if tc.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	def, err := s.d.Build(tc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, existed := s.d.Scheduler.GetTask(tc.Name)
	if err := s.d.Scheduler.AddTask(tc.Name, def); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	t, _ := s.d.Scheduler.GetTask(tc.Name)
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	s.log.Info("task registered via api", logx.String("task", tc.Name), logx.Bool("replaced", existed))
	writeJSON(w, code, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.d.Scheduler.RemoveTask(name) {
		writeError(w, http.StatusNotFound, scheduler.ErrTaskNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runResp struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Task   scheduler.Task `json:"task"`
}

// runTask executes the task synchronously. A handler failure is a 200 with
// ok=false; refusals to run map to 4xx/5xx.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.d.Scheduler.RunTask(r.Context(), name)
	var te *scheduler.TaskError
	if err != nil && !errors.As(err, &te) {
		writeError(w, statusFor(err), err)
		return
	}
	t, _ := s.d.Scheduler.GetTask(name)
	resp := runResp{OK: err == nil, Result: res, Task: t}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) enableTask(w http.ResponseWriter, r *http.Request)  { s.toggle(w, r, true) }
func (s *Server) disableTask(w http.ResponseWriter, r *http.Request) { s.toggle(w, r, false) }

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, on bool) {
	name := chi.URLParam(r, "name")
	var ok bool
	if on {
		ok = s.d.Scheduler.EnableTask(name)
	} else {
		ok = s.d.Scheduler.DisableTask(name)
	}
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrTaskNotFound)
		return
	}
	t, _ := s.d.Scheduler.GetTask(name)
	writeJSON(w, http.StatusOK, t)
}

type pauseResp struct {
	Paused bool `json:"paused"`
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.d.Scheduler.PauseAll()
	writeJSON(w, http.StatusOK, pauseResp{Paused: s.d.Scheduler.Paused()})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.d.Scheduler.ResumeAll()
	writeJSON(w, http.StatusOK, pauseResp{Paused: s.d.Scheduler.Paused()})
}

// events streams bus events as server-sent events. ?type=<prefix> filters
// by event type prefix (for example "task.").
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event stream is not configured"))
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	prefix := r.URL.Query().Get("type")

	ch, unsub := s.d.Bus.Subscribe(64)
	defer unsub()

	h := w.Header()
	h.Set("content-type", "text/event-stream")
	h.Set("cache-control", "no-cache")
	h.Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(ev.Type, prefix) {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func statusFor(err error) int {
	var se *scheduler.ScheduleError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &se),
		errors.Is(err, scheduler.ErrInvalidDefinition),
		errors.Is(err, scheduler.ErrUnknownHandler):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrLockDenied):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStorageUnavailable), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>; the
// query form exists for EventSource clients that cannot set headers.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
