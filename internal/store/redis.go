package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisStore is the networked backend. It covers both the upstream
// redis-unix:// and redis-tcp:// shapes: a unix-socket target is
// expressed as a redis URL with an empty host whose path names the
// socket (redis:///var/run/redis.sock), a tcp target as the usual
// host:port; the database number comes from a "db" query parameter. Save is
// a no-op: the server persists per Redis's own durability policy
// (RDB/AOF), not per a caller-invoked barrier.
type redisStore struct {
	nopSave
	client *redis.Client
}

func openRedis(ctx context.Context, u *url.URL) (Store, error) {
	opts := &redis.Options{Network: "tcp", Addr: u.Host}
	if u.Host == "" {
		opts.Network = "unix"
		opts.Addr = u.Path
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
		opts.Username = u.User.Username()
	}
	if dbStr := u.Query().Get("db"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("store: invalid db query parameter %q: %w", dbStr, err)
		}
		opts.DB = db
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connecting to %q: %w", SanitizeURL(u.String()), err)
	}

	return &redisStore{client: client}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *redisStore) Update(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Scan uses Redis's own cursor operator (SCAN) rather than KEYS, so it
// never blocks the server with an O(n) single round trip on a large
// keyspace; the predicate is applied to each key's value after an
// individual GET.
func (r *redisStore) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	var matched []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			v, err := r.client.Get(ctx, k).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			if pred(k, v) {
				matched = append(matched, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return matched, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
