// Package cache holds the shared ephemeral state of a chat node: the token
// denylist, the online-user set and the per-user push channels. With a Redis
// address configured every node shares it; otherwise state lives in process
// and only a single node is supported.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/nearchat/config"
)

// ErrClosed is returned by operations on a closed Backend.
var ErrClosed = errors.New("cache: closed")

var errNoChannels = errors.New("cache: subscribe needs at least one channel")

// Cache is the key/value and set surface.
type Cache interface {
	// Set stores value under key. A ttl <= 0 keeps it until overwritten.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
}

// Message is one payload received from a subscription.
type Message struct {
	Channel string
	Payload string
}

// PubSub is best-effort fan-out. The channel returned by Subscribe is closed
// once cancel is called or ctx is done; cancel may be called more than once.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// Backend is a Cache and PubSub sharing one connection.
type Backend interface {
	Cache
	PubSub
	Close() error
}

// Open connects to Redis when cfg.RedisAddr is set and falls back to an
// in-process store otherwise.
func Open(cfg config.CacheConfig) (Backend, error) {
	buf := cfg.SubscriberBuf
	if buf <= 0 {
		buf = 256
	}
	if cfg.RedisAddr != "" {
		return dialRedis(cfg, buf)
	}
	return newMemory(cfg.SweepInterval, buf), nil
}
