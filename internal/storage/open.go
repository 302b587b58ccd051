package storage

import (
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	logx "tasksched/pkg/logx"
)

type options struct {
	clock clockwork.Clock
}

// Option configures Open.
type Option func(*options)

// WithClock sets the clock used for expiry by the memory, file and sqlite drivers.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return NewMemory(o.clock), nil
	case "file":
		return openFile(cfg, o.clock, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, o.clock, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotSupported, driver)
	}
}
