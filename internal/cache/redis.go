// Package cache drops cached project, run and artifact views kept in Redis
// when the run observer reports that a run has finished.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel announces every invalidated key.
const DefaultChannel = "console:invalidations"

// scanBatch is the SCAN page size used when dropping derived keys.
const scanBatch = 100

// Redis invalidates cache entries stored under prefix. A key such as
// "run:r1" drops both "<prefix>run:r1" and every "<prefix>run:r1:*" entry,
// then publishes the key so other instances can discard local copies.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  *slog.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url, prefix string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return NewRedisWithClient(client, prefix, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, channel: DefaultChannel, logger: logger}
}

// Invalidate drops key and everything derived from it.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("cache: empty key")
	}
	full := r.prefix + key
	keys := []string{full}

	iter := r.client.Scan(ctx, 0, escapeGlob(full)+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w", key, err)
	}

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, r.channel, key).Err(); err != nil {
		return fmt.Errorf("cache: publish %s: %w", key, err)
	}
	r.logger.Debug("cache: invalidated", "key", key, "deleted", deleted)
	return nil
}

// Invalidations delivers keys invalidated by any instance until ctx is
// cancelled.
func (r *Redis) Invalidations(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("cache: subscribe: %w", err)
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				default:
					r.logger.Warn("cache: invalidation reader lagging, dropped key", "key", m.Payload)
				}
			}
		}
	}()
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// escapeGlob quotes SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
