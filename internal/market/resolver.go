package market

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"hl-chat-trader/internal/hl/rest"

	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("asset not resolved")
	ErrDexNotFound    = errors.New("dex not found")
	ErrAssetNotFound  = errors.New("asset not found")
)

type UniverseEntry struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
	IsDelisted   bool   `json:"isDelisted,omitempty"`
}

type Meta struct {
	Universe []UniverseEntry `json:"universe"`
}

type PerpDex struct {
	Name     string `json:"name"`
	FullName string `json:"fullName,omitempty"`
}

// Resolver turns the configured market into exchange identifiers. The
// resolved value is published atomically so handlers can read it while a
// hot re-resolution is in flight.
type Resolver struct {
	info    rest.InfoClient
	cfg     AssetConfig
	log     *zap.Logger
	current atomic.Pointer[ResolvedAsset]
}

func NewResolver(info rest.InfoClient, cfg AssetConfig, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{info: info, cfg: cfg, log: log}
}

func (r *Resolver) Config() AssetConfig {
	return r.cfg
}

// Asset returns the resolved market or ErrNotInitialized before the first
// successful Resolve.
func (r *Resolver) Asset() (ResolvedAsset, error) {
	asset := r.current.Load()
	if asset == nil {
		return ResolvedAsset{}, ErrNotInitialized
	}
	return *asset, nil
}

// Resolve looks the market up and publishes the result. A failed call leaves
// any previously resolved value in place.
func (r *Resolver) Resolve(ctx context.Context) (ResolvedAsset, error) {
	resolved, err := r.lookup(ctx)
	if err != nil {
		return ResolvedAsset{}, err
	}
	r.current.Store(&resolved)
	r.log.Info("asset resolved",
		zap.String("asset", r.cfg.FullName),
		zap.Int("asset_id", resolved.AssetID),
		zap.Int("sz_decimals", resolved.Decimals),
		zap.Int("max_leverage", resolved.MaxLeverage),
	)
	return resolved, nil
}

func (r *Resolver) lookup(ctx context.Context) (ResolvedAsset, error) {
	if !r.cfg.IsDex() {
		meta, err := r.meta(ctx, "")
		if err != nil {
			return ResolvedAsset{}, err
		}
		return resolveInUniverse(meta, r.cfg.CoinName, nil)
	}
	dexIndex, err := r.dexIndex(ctx)
	if err != nil {
		return ResolvedAsset{}, err
	}
	meta, err := r.meta(ctx, r.cfg.DexName)
	if err != nil {
		return ResolvedAsset{}, err
	}
	return resolveInUniverse(meta, r.cfg.FullName, &dexIndex)
}

func (r *Resolver) dexIndex(ctx context.Context) (int, error) {
	var dexes []*PerpDex
	if err := r.info.Info(ctx, rest.InfoRequest{Type: "perpDexs"}, &dexes); err != nil {
		return 0, fmt.Errorf("perpDexs: %w", err)
	}
	for i, dex := range dexes {
		// Index 0 is the native dex and is reported as null.
		if dex != nil && dex.Name == r.cfg.DexName {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrDexNotFound, r.cfg.DexName)
}

func (r *Resolver) meta(ctx context.Context, dex string) (Meta, error) {
	var meta Meta
	if err := r.info.Info(ctx, rest.InfoRequest{Type: "meta", Dex: dex}, &meta); err != nil {
		return Meta{}, fmt.Errorf("meta: %w", err)
	}
	return meta, nil
}

func resolveInUniverse(meta Meta, name string, dexIndex *int) (ResolvedAsset, error) {
	for i, entry := range meta.Universe {
		if entry.Name != name {
			continue
		}
		maxLeverage := entry.MaxLeverage
		if maxLeverage < 1 {
			maxLeverage = 1
		}
		return ResolvedAsset{
			AssetID:         AssetID(dexIndex, i),
			Decimals:        entry.SzDecimals,
			MaxLeverage:     maxLeverage,
			DexIndex:        dexIndex,
			IndexInUniverse: i,
			OnlyIsolated:    entry.OnlyIsolated,
		}, nil
	}
	return ResolvedAsset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
}
