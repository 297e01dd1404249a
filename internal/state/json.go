package state

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// LoadJSON decodes the value stored at key into out. It reports false when
// the key is absent or empty.
func LoadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// SaveJSON encodes v at key. A positive ttl expires it; zero keeps it.
func SaveJSON(ctx context.Context, store Store, key string, v any, ttl time.Duration) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ttl > 0 {
		return store.SetTTL(ctx, key, string(payload), ttl)
	}
	return store.Set(ctx, key, string(payload))
}
