// Package lock provides TTL-bounded mutual exclusion across scheduler instances.
//
// Locks are best-effort: a holder that crashes keeps the key until its TTL
// expires, so at most one holder runs per key, never exactly one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tasksched/internal/storage"
)

// ErrDenied means another holder owns the key. It is not a failure.
var ErrDenied = errors.New("lock: denied")

const (
	DefaultTTL            = 5 * time.Minute
	DefaultAcquireTimeout = 2 * time.Second
	keyPrefix             = "lock:"
)

// KeyFunc derives the lock key for one fire of a task.
type KeyFunc func(name string, fireTime time.Time) string

// NameKey locks on the task name alone.
func NameKey(name string, _ time.Time) string { return name }

// DailyKey folds the calendar date in loc into the key, so a task fired
// on several instances during one day runs once across the fleet.
func DailyKey(loc *time.Location) KeyFunc {
	if loc == nil {
		loc = time.UTC
	}
	return func(name string, fireTime time.Time) string {
		return name + "@" + fireTime.In(loc).Format("2006-01-02")
	}
}

// Handle identifies one successful acquisition.
type Handle struct {
	Key      string
	Token    string
	Holder   string
	Acquired time.Time
	Expiry   time.Time
}

// Expired reports whether the TTL has elapsed at now.
func (h *Handle) Expired(now time.Time) bool {
	return h == nil || !now.Before(h.Expiry)
}

func (h *Handle) value() string { return h.Holder + "/" + h.Token }

// Manager acquires and releases locks over a storage.KV.
type Manager struct {
	kv             storage.KV
	clock          clockwork.Clock
	holder         string
	acquireTimeout time.Duration
}

type Option func(*Manager)

// WithHolder sets the instance id written into every lock value.
func WithHolder(id string) Option {
	return func(m *Manager) {
		if strings.TrimSpace(id) != "" {
			m.holder = id
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithAcquireTimeout bounds each Acquire call against the store.
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.acquireTimeout = d
		}
	}
}

func New(kv storage.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:             kv,
		clock:          clockwork.NewRealClock(),
		holder:         uuid.NewString(),
		acquireTimeout: DefaultAcquireTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Holder returns this manager's instance id.
func (m *Manager) Holder() string { return m.holder }

// Acquire claims key for ttl. It returns ErrDenied when another holder owns it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock: key required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	actx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	now := m.clock.Now()
	h := &Handle{
		Key:      key,
		Token:    uuid.NewString(),
		Holder:   m.holder,
		Acquired: now,
		Expiry:   now.Add(ttl),
	}
	ok, err := m.kv.SetNX(actx, keyPrefix+key, h.value(), ttl)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, ErrDenied
	}
	return h, nil
}

// Release frees h. Releasing an expired or already-taken-over lock is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if h.Expired(m.clock.Now()) {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()
	if _, err := m.kv.CompareAndDelete(rctx, keyPrefix+h.Key, h.value()); err != nil {
		return fmt.Errorf("lock: release %q: %w", h.Key, err)
	}
	return nil
}

// Owner returns the holder id currently owning key.
func (m *Manager) Owner(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := m.kv.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		return "", false, err
	}
	holder, _, _ := strings.Cut(v, "/")
	return holder, true, nil
}
