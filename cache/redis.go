package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kasuganosora/nearchat/config"
	"github.com/redis/go-redis/v9"
)

// redisBackend prefixes every key and channel so several deployments can
// share one Redis database.
type redisBackend struct {
	client *redis.Client
	prefix string
	buf    int
}

func dialRedis(cfg config.CacheConfig, buf int) (*redisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return &redisBackend{client: client, prefix: cfg.KeyPrefix, buf: buf}, nil
}

func (r *redisBackend) key(k string) string { return r.prefix + k }

func (r *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

func members(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func (r *redisBackend) SAdd(ctx context.Context, key string, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	return r.client.SAdd(ctx, r.key(key), members(vals)...).Err()
}

func (r *redisBackend) SRem(ctx context.Context, key string, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	return r.client.SRem(ctx, r.key(key), members(vals)...).Err()
}

func (r *redisBackend) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, r.key(key)).Result()
}

func (r *redisBackend) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, r.key(channel), payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so a Publish
// issued after it returns is never missed.
func (r *redisBackend) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	if len(channels) == 0 {
		return nil, nil, errNoChannels
	}
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = r.key(c)
	}
	sub := r.client.Subscribe(ctx, names...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan *Message, r.buf)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case m, ok := <-in:
				if !ok {
					return
				}
				msg := &Message{Channel: strings.TrimPrefix(m.Channel, r.prefix), Payload: m.Payload}
				select {
				case out <- msg:
				default:
				}
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			}
		}
	}()
	return out, cancel, nil
}

func (r *redisBackend) Close() error {
	return r.client.Close()
}
