package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memEntry struct {
	value   string
	expires time.Time
}

// Memory is a process-local Store. Several schedulers sharing one *Memory
// behave like instances sharing one external store.
type Memory struct {
	clock clockwork.Clock

	mu      sync.Mutex
	kv      map[string]memEntry
	records map[string]TaskRecord
	closed  bool
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:   clock,
		kv:      map[string]memEntry{},
		records: map[string]TaskRecord{},
	}
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	now := m.clock.Now()
	if cur, ok := m.kv[key]; ok && now.Before(cur.expires) {
		return false, nil
	}
	m.kv[key] = memEntry{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	cur, ok := m.kv[key]
	if !ok || !m.clock.Now().Before(cur.expires) {
		return "", false, nil
	}
	return cur.value, true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	cur, ok := m.kv[key]
	if !ok {
		return false, nil
	}
	if !m.clock.Now().Before(cur.expires) {
		delete(m.kv, key)
		return false, nil
	}
	if cur.value != value {
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *Memory) PutRecord(ctx context.Context, r TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[r.Name] = r
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, name string) (TaskRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return TaskRecord{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return TaskRecord{}, false, ErrClosed
	}
	r, ok := m.records[name]
	return r, ok, nil
}

func (m *Memory) DeleteRecord(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, name)
	return nil
}

func (m *Memory) ListRecords(ctx context.Context) ([]TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]TaskRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
