package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps any failure to reach the backing store.
	ErrUnavailable  = errors.New("storage unavailable")
	ErrClosed       = errors.New("storage closed")
	// ErrNotSupported reports an unknown driver.
	ErrNotSupported = errors.New("storage driver not supported")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local maps, single instance only
//   - "file": records persisted as jsonl + snapshot, locks in memory
//   - "sqlite": SQLite database file, records and locks
//   - "redis": shared Redis server, records and locks
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Default "tasksched:".
	Prefix string
}

// TaskRecord is the persisted layout of one task's runtime record.
type TaskRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Attempt      int        `json:"attempt"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	LastResult   string     `json:"lastResult,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	LockHolderID string     `json:"lockHolderId,omitempty"`
	LockExpiry   *time.Time `json:"lockExpiry,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// KV is the key-value primitive behind distributed locks.
type KV interface {
	// SetNX stores value under key only if key is absent or expired.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the live value of key.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete removes key only if it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// RecordStore persists task records keyed by task name.
type RecordStore interface {
	PutRecord(ctx context.Context, r TaskRecord) error
	GetRecord(ctx context.Context, name string) (TaskRecord, bool, error)
	DeleteRecord(ctx context.Context, name string) error
	ListRecords(ctx context.Context) ([]TaskRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store bundles both concerns.
type Store interface {
	KV
	RecordStore
}
