package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HandlerResolver maps a handler reference to its implementation.
type HandlerResolver interface {
	Resolve(ref string) (Handler, bool)
}

// Handlers is a concurrency-safe HandlerResolver.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{m: map[string]Handler{}}
}

// Register binds ref to h, replacing any previous binding.
func (r *Handlers) Register(ref string, h Handler) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty handler name", ErrInvalidDefinition)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler %q", ErrInvalidDefinition, ref)
	}
	r.mu.Lock()
	r.m[ref] = h
	r.mu.Unlock()
	return nil
}

// Func registers a handler that returns no result.
func (r *Handlers) Func(ref string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return r.Register(ref, nil)
	}
	return r.Register(ref, func(ctx context.Context, _ Invocation) (any, error) {
		return nil, fn(ctx)
	})
}

func (r *Handlers) Resolve(ref string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.m[strings.TrimSpace(ref)]
	r.mu.RUnlock()
	return h, ok
}

func (r *Handlers) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
