package market

import (
	"errors"
	"strings"
)

// hip3AssetBase and hip3DexStride define the exchange's numbering for
// dex-scoped (builder-deployed) perpetuals.
const (
	hip3AssetBase = 100000
	hip3DexStride = 10000
)

// AssetConfig names the traded market. FullName is "dex:coin" for
// dex-scoped markets and the bare coin otherwise.
type AssetConfig struct {
	DexName  string
	CoinName string
	FullName string
}

func ParseAssetConfig(raw string) (AssetConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AssetConfig{}, errors.New("asset is required")
	}
	dex, coin, ok := strings.Cut(raw, ":")
	if !ok {
		return AssetConfig{CoinName: raw, FullName: raw}, nil
	}
	dex = strings.TrimSpace(dex)
	coin = strings.TrimSpace(coin)
	if dex == "" || coin == "" {
		return AssetConfig{}, errors.New("asset must be coin or dex:coin")
	}
	return AssetConfig{DexName: dex, CoinName: coin, FullName: dex + ":" + coin}, nil
}

func (c AssetConfig) IsDex() bool {
	return c.DexName != ""
}

// MidKey is the key the asset is listed under in allMids.
func (c AssetConfig) MidKey() string {
	if c.IsDex() {
		return c.FullName
	}
	return c.CoinName
}

func (c AssetConfig) String() string {
	return c.FullName
}

type ResolvedAsset struct {
	AssetID         int
	Decimals        int
	MaxLeverage     int
	DexIndex        *int
	IndexInUniverse int
	OnlyIsolated    bool
}

// IsolatedOnly reports whether cross margin is unavailable. Dex-scoped
// markets never support it.
func (r ResolvedAsset) IsolatedOnly() bool {
	return r.DexIndex != nil || r.OnlyIsolated
}

// AssetID computes the exchange asset id. A nil dexIndex means a native perp.
func AssetID(dexIndex *int, indexInUniverse int) int {
	if dexIndex == nil {
		return indexInUniverse
	}
	return hip3AssetBase + *dexIndex*hip3DexStride + indexInUniverse
}
