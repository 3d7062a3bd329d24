// Package cache stores successful execution results keyed by code and
// limits, so repeated submissions can skip the isolate.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"agent-js-sandbox/internal/sandbox"
)

// ErrMiss is returned by Get when no entry exists.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) (*sandbox.Result, error)
	Set(ctx context.Context, key string, res *sandbox.Result) error
	Close() error
}

// Key derives the cache key for code run under limits.
func Key(code string, limits sandbox.Config) string {
	h := sha256.New()
	h.Write([]byte(code))
	fmt.Fprintf(h, "\x00%d\x00%d", limits.Timeout.Milliseconds(), limits.MemoryLimitMB)
	return hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether res may be stored. Only successes are cached:
// failures such as timeouts depend on load and must be retried.
func Cacheable(res *sandbox.Result) bool {
	return res.OK()
}

// Options selects and tunes the implementation built by New.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	MaxEntries    int
}

// New returns a redis-backed cache when an address is configured and an
// in-memory cache otherwise.
func New(ctx context.Context, opts Options) (Cache, error) {
	if opts.RedisAddr != "" {
		return NewRedisCache(ctx, RedisConfig{
			Address:  opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			TTL:      opts.TTL,
		})
	}
	return NewMemoryCache(opts.TTL, opts.MaxEntries), nil
}
