package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tasksched/pkg/logx"
)

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisStore shares locks and records across instances.
// Expiry is enforced by the Redis server clock.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "tasksched:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) kvKey(key string) string      { return s.prefix + "kv:" + key }
func (s *redisStore) recordKey(name string) string { return s.prefix + "task:" + name }
func (s *redisStore) indexKey() string             { return s.prefix + "tasks" }

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.kvKey(key), value, ttl).Result()
	if err != nil {
		return false, redisErr(err)
	}
	return ok, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.kvKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, redisErr(err)
	}
	return v, true, nil
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.kvKey(key)}, value).Int()
	if err != nil {
		return false, redisErr(err)
	}
	return n > 0, nil
}

func (s *redisStore) PutRecord(ctx context.Context, r TaskRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.recordKey(r.Name), b, 0)
		p.SAdd(ctx, s.indexKey(), r.Name)
		return nil
	})
	return redisErr(err)
}

func (s *redisStore) GetRecord(ctx context.Context, name string) (TaskRecord, bool, error) {
	b, err := s.client.Get(ctx, s.recordKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, redisErr(err)
	}
	var r TaskRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return TaskRecord{}, false, fmt.Errorf("decode record %q: %w", name, err)
	}
	return r, true, nil
}

func (s *redisStore) DeleteRecord(ctx context.Context, name string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.recordKey(name))
		p.SRem(ctx, s.indexKey(), name)
		return nil
	})
	return redisErr(err)
}

func (s *redisStore) ListRecords(ctx context.Context) ([]TaskRecord, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.recordKey(n)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	out := make([]TaskRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r TaskRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			s.log.Warn("skipping undecodable task record", logx.String("task", names[i]), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func redisErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: redis: %v", ErrUnavailable, err)
}
