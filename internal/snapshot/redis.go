package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configure the Redis-backed store.
type RedisOptions struct {
	URL      string
	Password string
	Prefix   string
}

// RedisStore keeps one envelope value per key, so every read is a whole value.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

type redisEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updated_at_unix_ns"`
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Password != "" {
		parsed.Password = opts.Password
	}

	rdb := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := strings.TrimSuffix(opts.Prefix, ":")
	if prefix == "" {
		prefix = "feeagent"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, k)
}

// Get reads the envelope for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Lookup, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Absent(), nil
	}
	if err != nil {
		return Absent(), fmt.Errorf("redis get snapshot: %w", err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Payload) == 0 {
		// A malformed value is treated like a missing one.
		return Absent(), nil
	}
	return Present(Entry{Payload: env.Payload, UpdatedAt: time.Unix(0, env.UpdatedAt)}), nil
}

// Put overwrites the envelope for key.
func (s *RedisStore) Put(ctx context.Context, key string, payload json.RawMessage) (Entry, error) {
	if !json.Valid(payload) {
		return Entry{}, fmt.Errorf("snapshot: payload for %q is not valid json", key)
	}

	var prev time.Time
	if lookup, err := s.Get(ctx, key); err == nil {
		if e, ok := lookup.Get(); ok {
			prev = e.UpdatedAt
		}
	}

	entry := Entry{Payload: clonePayload(payload), UpdatedAt: nextStamp(s.now(), prev)}
	body, err := json.Marshal(redisEnvelope{Payload: entry.Payload, UpdatedAt: entry.UpdatedAt.UnixNano()})
	if err != nil {
		return Entry{}, fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(key), body, 0).Err(); err != nil {
		return Entry{}, fmt.Errorf("redis set snapshot: %w", err)
	}
	return entry, nil
}

var _ Store = (*RedisStore)(nil)
