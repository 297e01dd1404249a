package order

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"hl-chat-trader/internal/market"
)

const DefaultSlippageBps = 100

var ErrInvalidPrice = errors.New("invalid price")

type Sizing struct {
	NativeSize float64
	ExecPrice  float64
}

// Sizer converts USD notionals into exchange-native sizes and prices.
type Sizer struct {
	SlippageBps float64
}

func NewSizer(slippageBps float64) Sizer {
	if slippageBps <= 0 {
		slippageBps = DefaultSlippageBps
	}
	return Sizer{SlippageBps: slippageBps}
}

func (s Sizer) Size(intent Intent, asset market.ResolvedAsset, mid float64) (Sizing, error) {
	if intent.Leverage < 1 || intent.Leverage > asset.MaxLeverage {
		return Sizing{}, invalid("leverage", ErrLeverageOutOfRange, "leverage must be between 1x and %dx", asset.MaxLeverage)
	}
	if intent.Type == TypeLimit && intent.LimitPrice <= 0 {
		return Sizing{}, invalid("limit_price", ErrMissingLimitPrice, "limit orders need a positive price")
	}
	if mid <= 0 || math.IsNaN(mid) || math.IsInf(mid, 0) {
		return Sizing{}, fmt.Errorf("%w: mid %v", ErrInvalidPrice, mid)
	}
	size := FloorTo(intent.SizeUSD/mid, asset.Decimals)
	if size <= 0 {
		return Sizing{}, invalid("size", ErrSizeTooSmall, "$%g is below one lot at the current price", intent.SizeUSD)
	}
	price := intent.LimitPrice
	if intent.Type != TypeLimit {
		price = SlippagePrice(mid, intent.Side.IsBuy(), s.SlippageBps)
	}
	return Sizing{NativeSize: size, ExecPrice: price}, nil
}

// CloseSize returns the reduce-only size for closing fraction of a position.
func (s Sizer) CloseSize(positionSize, fraction float64, decimals int) (float64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("close fraction %v out of (0, 1]", fraction)
	}
	abs := math.Abs(positionSize)
	if fraction == 1 {
		return abs, nil
	}
	size := FloorTo(abs*fraction, decimals)
	if size <= 0 {
		return 0, invalid("size", ErrSizeTooSmall, "close size rounds to zero")
	}
	return size, nil
}

// SlippagePrice moves mid against the taker by bps basis points.
func SlippagePrice(mid float64, isBuy bool, bps float64) float64 {
	if isBuy {
		return mid * (1 + bps/10000)
	}
	return mid * (1 - bps/10000)
}

// FloorTo truncates v to decimals places. It never rounds up. Digits are
// cut from the shortest decimal form of v so 0.0359 stays 0.0359 and
// 0.09999999999999 floors to 0.09.
func FloorTo(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	text := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	whole, frac, _ := strings.Cut(text, ".")
	dropped := len(frac) > decimals && strings.Trim(frac[decimals:], "0") != ""
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	out, err := strconv.ParseFloat(whole+"."+frac+"0", 64)
	if err != nil {
		return math.NaN()
	}
	if v < 0 {
		if dropped {
			pow := math.Pow10(decimals)
			out = (math.Round(out*pow) + 1) / pow
		}
		out = -out
	}
	return out
}
