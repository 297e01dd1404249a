package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
	ttls  map[string]time.Duration
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	return m.SetTTL(ctx, key, value, 0)
}

func (m *memoryStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
		m.ttls = make(map[string]time.Duration)
	}
	m.items[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.ttls, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

type draft struct {
	Step     string  `json:"step"`
	SizeUSD  float64 `json:"size_usd"`
	Leverage int     `json:"leverage"`
}

func TestJSONRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	in := draft{Step: "select_leverage", SizeUSD: 250, Leverage: 3}
	if err := SaveJSON(ctx, store, "session:42", in, 30*time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := store.ttls["session:42"]; got != 30*time.Minute {
		t.Fatalf("expected ttl to be passed through, got %v", got)
	}
	var out draft
	ok, err := LoadJSON(ctx, store, "session:42", &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected value")
	}
	if out != in {
		t.Fatalf("unexpected value: %+v", out)
	}
}

func TestLoadJSONMissing(t *testing.T) {
	var out draft
	ok, err := LoadJSON(context.Background(), &memoryStore{}, "missing", &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing value")
	}
}

func TestLoadJSONCorrupt(t *testing.T) {
	store := &memoryStore{}
	_ = store.Set(context.Background(), "k", "{not json")
	var out draft
	if _, err := LoadJSON(context.Background(), store, "k", &out); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNilStore(t *testing.T) {
	if err := SaveJSON(context.Background(), nil, "k", draft{}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err := LoadJSON(context.Background(), nil, "k", &draft{})
	if err != nil || ok {
		t.Fatalf("expected nothing from nil store, got ok=%v err=%v", ok, err)
	}
}
