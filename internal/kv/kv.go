// Package kv abstracts the key-value backend that holds every durable fact
// of the session subsystem. The store supports only get/set/delete with
// optional expiry; callers must never assume cross-key transactions.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a key has no value. Absence is a normal state
// for every entity in this system, not a failure.
var ErrNotFound = errors.New("kv: not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
