package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/market"
	"hl-chat-trader/internal/state/sqlite"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type scriptedInfo struct {
	meta string
	err  error
}

func (s *scriptedInfo) Info(_ context.Context, req any, out any) error {
	if r, ok := req.(rest.InfoRequest); !ok || r.Type != "meta" {
		return errors.New("unexpected request")
	}
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.meta), out)
}

func TestLimitsFromConfig(t *testing.T) {
	limits := LimitsFromConfig(config.TradingConfig{MinSizeUSD: 15, MaxSizeUSD: 5000, MinMarginUSD: 12, MaxLeverage: 10})
	if limits.MinSizeUSD != 15 || limits.MaxSizeUSD != 5000 || limits.MinMarginUSD != 12 || limits.MaxLeverage != 10 {
		t.Fatalf("unexpected limits %+v", limits)
	}
}

func TestBuilderFromConfig(t *testing.T) {
	if b := BuilderFromConfig(config.BuilderConfig{}); b != nil {
		t.Fatalf("expected no builder without an address, got %+v", b)
	}
	b := BuilderFromConfig(config.BuilderConfig{Address: "0xABCDEF0000000000000000000000000000000001", Fee: 100})
	if b == nil {
		t.Fatalf("expected builder")
	}
	want := exchange.NewBuilder("0xABCDEF0000000000000000000000000000000001", 100)
	if *b != want {
		t.Fatalf("unexpected builder %+v", *b)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, locker, err := OpenStore(context.Background(), config.StateConfig{Backend: config.StateBackendSQLite, SQLitePath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if locker != nil {
		t.Fatalf("sqlite backend has no distributed lock")
	}
	if _, ok := store.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if err := store.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestExecutionBudget(t *testing.T) {
	cfg := &config.Config{
		REST:      config.RESTConfig{Timeout: 30 * time.Second},
		ReadRetry: config.ReadRetryConfig{Attempts: 3, BaseDelay: time.Second, Factor: 2, MaxJitter: time.Second},
		Signer:    config.SignerConfig{Mode: config.SignerModeLocal, Timeout: 30 * time.Second},
	}
	// three reads, waits of 1s+1s and 2s+1s, then two writes
	if got, want := ExecutionBudget(cfg), 155*time.Second; got != want {
		t.Fatalf("local budget: expected %s, got %s", want, got)
	}
	cfg.Signer.Mode = config.SignerModeRemote
	if got, want := ExecutionBudget(cfg), 215*time.Second; got != want {
		t.Fatalf("remote budget: expected %s, got %s", want, got)
	}
	cfg.ReadRetry.Attempts = 0
	cfg.Signer.Mode = config.SignerModeLocal
	if got, want := ExecutionBudget(cfg), 90*time.Second; got != want {
		t.Fatalf("single attempt budget: expected %s, got %s", want, got)
	}
}

func TestNewSigner(t *testing.T) {
	cfg := &config.Config{
		REST:   config.RESTConfig{BaseURL: "https://api.hyperliquid-testnet.xyz"},
		Signer: config.SignerConfig{Mode: config.SignerModeLocal, CacheSize: 16},
	}
	signer, err := NewSigner(cfg)
	if err != nil {
		t.Fatalf("local signer: %v", err)
	}
	local, ok := signer.(*exchange.LocalSigner)
	if !ok {
		t.Fatalf("expected local signer, got %T", signer)
	}
	if local.IsMainnet() {
		t.Fatalf("testnet url must sign for testnet")
	}
	local.Close()

	cfg.Signer = config.SignerConfig{Mode: config.SignerModeRemote, URL: "http://127.0.0.1:8081", Timeout: time.Second}
	signer, err = NewSigner(cfg)
	if err != nil {
		t.Fatalf("remote signer: %v", err)
	}
	if _, ok := signer.(*exchange.RemoteSigner); !ok {
		t.Fatalf("expected remote signer, got %T", signer)
	}

	cfg.Signer.Mode = "hsm"
	if _, err := NewSigner(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestReresolveKeepsPreviousAsset(t *testing.T) {
	info := &scriptedInfo{meta: `{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"ETH","szDecimals":4,"maxLeverage":25}]}`}
	assetCfg, err := market.ParseAssetConfig("ETH")
	if err != nil {
		t.Fatalf("asset config: %v", err)
	}
	a := &App{log: zap.NewNop(), resolver: market.NewResolver(info, assetCfg, nil)}

	a.reresolve(context.Background())
	first, err := a.resolver.Asset()
	if err != nil {
		t.Fatalf("expected resolved asset: %v", err)
	}
	if first.AssetID != 1 || first.Decimals != 4 {
		t.Fatalf("unexpected asset %+v", first)
	}

	info.err = rest.ErrRateLimited
	a.reresolve(context.Background())
	second, err := a.resolver.Asset()
	if err != nil {
		t.Fatalf("failed re-resolution must keep the previous asset: %v", err)
	}
	if second != first {
		t.Fatalf("asset changed after failed re-resolution: %+v", second)
	}
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	var order []int
	a := &App{}
	for i := 0; i < 3; i++ {
		i := i
		a.closers = append(a.closers, func() { order = append(order, i) })
	}
	a.close()
	a.close()
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Fatalf("unexpected close order %v", order)
	}
}
