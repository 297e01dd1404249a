package state

import (
	"context"
	"time"
)

// Store is a string key-value store. SetTTL expires the key ttl after the
// write; a later Set or SetTTL replaces the expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Locker serializes work on a key across processes sharing one backend.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
