package order

import (
	"errors"
	"math"
	"testing"

	"hl-chat-trader/internal/market"
)

func goldAsset() market.ResolvedAsset {
	return market.ResolvedAsset{AssetID: 120007, Decimals: 4, MaxLeverage: 20}
}

func TestSizeMarketLongAppliesSlippage(t *testing.T) {
	s := NewSizer(100)
	got, err := s.Size(Intent{Side: SideLong, SizeUSD: 100, Leverage: 5, Type: TypeMarket}, goldAsset(), 2785.50)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if got.NativeSize != 0.0359 {
		t.Fatalf("expected native size 0.0359, got %v", got.NativeSize)
	}
	if math.Abs(got.ExecPrice-2813.355) > 1e-9 {
		t.Fatalf("expected exec price 2813.355, got %v", got.ExecPrice)
	}
}

func TestSizeMarketShortAppliesSlippage(t *testing.T) {
	s := NewSizer(100)
	got, err := s.Size(Intent{Side: SideShort, SizeUSD: 50, Leverage: 2, Type: TypeMarket}, goldAsset(), 2785.50)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if math.Abs(got.ExecPrice-2757.645) > 1e-9 {
		t.Fatalf("expected exec price 2757.645, got %v", got.ExecPrice)
	}
	if got.NativeSize != 0.0179 {
		t.Fatalf("expected native size 0.0179, got %v", got.NativeSize)
	}
}

func TestSizeLimitUsesLimitPrice(t *testing.T) {
	s := NewSizer(100)
	got, err := s.Size(Intent{Side: SideShort, SizeUSD: 50, Leverage: 2, Type: TypeLimit, LimitPrice: 4800}, goldAsset(), 2785.50)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if got.ExecPrice != 4800 {
		t.Fatalf("expected limit price, got %v", got.ExecPrice)
	}
}

func TestSizeNeverRoundsUp(t *testing.T) {
	s := NewSizer(100)
	asset := goldAsset()
	for _, mid := range []float64{1.37, 2785.5, 3333.33, 97000.1} {
		for _, usd := range []float64{10, 77.7, 1234.56, 100000} {
			got, err := s.Size(Intent{Side: SideLong, SizeUSD: usd, Leverage: 1, Type: TypeMarket}, asset, mid)
			if err != nil {
				t.Fatalf("size %v @ %v: %v", usd, mid, err)
			}
			if got.NativeSize > usd/mid+1e-9 {
				t.Fatalf("size %v exceeds %v", got.NativeSize, usd/mid)
			}
			if got.NativeSize <= 0 {
				t.Fatalf("expected positive size for %v @ %v", usd, mid)
			}
		}
	}
}

func TestSizeTooSmall(t *testing.T) {
	s := NewSizer(100)
	asset := market.ResolvedAsset{Decimals: 0, MaxLeverage: 20}
	_, err := s.Size(Intent{Side: SideLong, SizeUSD: 10, Leverage: 1, Type: TypeMarket}, asset, 2785.5)
	if !errors.Is(err, ErrSizeTooSmall) {
		t.Fatalf("expected ErrSizeTooSmall, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "size" {
		t.Fatalf("expected size validation error, got %#v", err)
	}
}

func TestSizeLeverageAboveAssetMax(t *testing.T) {
	s := NewSizer(100)
	asset := market.ResolvedAsset{Decimals: 4, MaxLeverage: 10}
	_, err := s.Size(Intent{Side: SideLong, SizeUSD: 500, Leverage: 15, Type: TypeMarket}, asset, 2785.5)
	if !errors.Is(err, ErrLeverageOutOfRange) {
		t.Fatalf("expected ErrLeverageOutOfRange, got %v", err)
	}
}

func TestSizeRejectsBadMid(t *testing.T) {
	s := NewSizer(100)
	_, err := s.Size(Intent{Side: SideLong, SizeUSD: 100, Leverage: 1, Type: TypeMarket}, goldAsset(), 0)
	if !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestCloseSize(t *testing.T) {
	s := NewSizer(100)
	full, err := s.CloseSize(-0.0359, 1, 4)
	if err != nil || full != 0.0359 {
		t.Fatalf("full close: %v %v", full, err)
	}
	half, err := s.CloseSize(0.0359, 0.5, 4)
	if err != nil {
		t.Fatalf("half close: %v", err)
	}
	if half != 0.0179 {
		t.Fatalf("expected 0.0179, got %v", half)
	}
	if _, err := s.CloseSize(0.0001, 0.25, 4); !errors.Is(err, ErrSizeTooSmall) {
		t.Fatalf("expected ErrSizeTooSmall, got %v", err)
	}
	if _, err := s.CloseSize(1, 1.5, 4); err == nil {
		t.Fatalf("expected error for fraction above 1")
	}
}

func TestFloorTo(t *testing.T) {
	cases := []struct {
		v        float64
		decimals int
		want     float64
	}{
		{0.0359, 4, 0.0359},
		{0.03599, 4, 0.0359},
		{12.999, 0, 12},
		{1.005, 2, 1},
		{0.09999999999999, 2, 0.09},
		{0.1 + 0.2, 1, 0.3},
		{2.675, 2, 2.67},
		{1e-10, 4, 0},
		{123456.789, 0, 123456},
		{-1.25, 1, -1.3},
	}
	for _, tc := range cases {
		if got := FloorTo(tc.v, tc.decimals); got != tc.want {
			t.Fatalf("FloorTo(%v, %d) = %v, want %v", tc.v, tc.decimals, got, tc.want)
		}
	}
}
