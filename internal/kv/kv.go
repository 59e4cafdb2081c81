// Package kv is the shared expiring counter store behind rate limiting,
// abuse strikes and the block registry. Every mutation is a single atomic
// operation so several gateway instances can share one backend.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by TTL when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// IncrWithTTL increments key and applies ttl only when the key has no
	// expiry yet, so repeated increments never extend a running window.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr decrements an existing counter. Missing keys stay missing.
	Decr(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	// SetWithTTL stores value; a ttl of zero means no expiry.
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it
	// wrote. A ttl of zero means no expiry.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// TTL reports the remaining lifetime of key, zero when it never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// New returns a Redis-backed store when url is set and an in-process one
// otherwise.
func New(url string) (Store, error) {
	if url == "" {
		return NewMemory(), nil
	}
	return NewRedis(url)
}
