// Package cache provides the small key/value cache used for session
// revocation: Redis when configured, an in-process map otherwise.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}
