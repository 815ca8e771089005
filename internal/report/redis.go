package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "aero-room:"

type RedisConfig struct {
	Retention time.Duration
	KeyPrefix string
	Now       func() time.Time
}

// RedisStore keeps each report under its own key with a TTL equal to the
// retention, so Redis expires every report independently.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	prefix    string
	now       func() time.Time
}

func NewRedisStore(rdb *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisStore{
		rdb:       rdb,
		retention: cfg.Retention,
		prefix:    cfg.KeyPrefix,
		now:       cfg.Now,
	}
}

// DialRedis parses a redis:// URL and verifies the server is reachable.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "report:" + id
}

func (s *RedisStore) Submit(ctx context.Context, sub Submission) (string, error) {
	if !ValidSnippetHash(sub.SnippetHash) {
		return "", ErrInvalidSnippetHash
	}
	r := newReport(sub, s.now(), s.retention)
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	res, err := s.rdb.SetArgs(ctx, s.key(r.ID), b, redis.SetArgs{Mode: "NX", TTL: s.retention}).Result()
	if errors.Is(err, redis.Nil) || (err == nil && res != "OK") {
		return "", fmt.Errorf("report id %s already exists", r.ID)
	}
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return r.ID, nil
}

func (s *RedisStore) Lookup(ctx context.Context, id string) (Report, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	var r Report
	if err := json.Unmarshal(val, &r); err != nil {
		return Report{}, false, fmt.Errorf("decode report %s: %w", id, err)
	}
	return r, true, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"report:*", 256).Result()
		if err != nil {
			return 0, err
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
