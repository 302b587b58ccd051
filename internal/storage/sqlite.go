package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	logx "tasksched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	clock clockwork.Clock

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, clock clockwork.Clock, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, clock: clock, pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *sqliteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		key, value, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return n > 0, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM locks WHERE key = ? AND expires_at > ?`, key, s.clock.Now().UnixMilli(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return v, true, nil
}

func (s *sqliteStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND value = ? AND expires_at > ?`, key, value, s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, s.clock.Now().UnixMilli())
	return err
}

func (s *sqliteStore) PutRecord(ctx context.Context, r TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records(name, id, state, attempt, last_run, next_run, last_result, last_error, lock_holder, lock_expiry, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   id=excluded.id, state=excluded.state, attempt=excluded.attempt,
		   last_run=excluded.last_run, next_run=excluded.next_run,
		   last_result=excluded.last_result, last_error=excluded.last_error,
		   lock_holder=excluded.lock_holder, lock_expiry=excluded.lock_expiry,
		   updated_at=excluded.updated_at`,
		r.Name, r.ID, r.State, r.Attempt, nullMillis(r.LastRun), nullMillis(r.NextRun),
		nullStr(r.LastResult), nullStr(r.LastError), nullStr(r.LockHolderID), nullMillis(r.LockExpiry),
		r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

const recordColumns = `name, id, state, attempt, last_run, next_run, last_result, last_error, lock_holder, lock_expiry, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (TaskRecord, error) {
	var (
		r                               TaskRecord
		lastRun, nextRun, lockExp       sql.NullInt64
		lastResult, lastErr, lockHolder sql.NullString
		updated                         int64
	)
	if err := sc.Scan(&r.Name, &r.ID, &r.State, &r.Attempt, &lastRun, &nextRun,
		&lastResult, &lastErr, &lockHolder, &lockExp, &updated); err != nil {
		return TaskRecord{}, err
	}
	r.LastRun = fromMillis(lastRun)
	r.NextRun = fromMillis(nextRun)
	r.LockExpiry = fromMillis(lockExp)
	r.LastResult = lastResult.String
	r.LastError = lastErr.String
	r.LockHolderID = lockHolder.String
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func (s *sqliteStore) GetRecord(ctx context.Context, name string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM task_records WHERE name = ?`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, unavailable(err)
	}
	return r, true, nil
}

func (s *sqliteStore) DeleteRecord(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE name = ?`, name); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *sqliteStore) ListRecords(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM task_records ORDER BY name`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
