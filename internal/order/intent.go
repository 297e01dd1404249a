package order

import (
	"errors"
	"fmt"
	"math"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) IsBuy() bool {
	return s == SideLong
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
)

// Intent is a fully specified order request in user terms.
type Intent struct {
	Side       Side    `json:"side"`
	SizeUSD    float64 `json:"size_usd"`
	Leverage   int     `json:"leverage"`
	Type       Type    `json:"type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

// Margin is the collateral the order commits.
func (i Intent) Margin() float64 {
	if i.Leverage <= 0 {
		return 0
	}
	return i.SizeUSD / float64(i.Leverage)
}

func (i Intent) String() string {
	s := fmt.Sprintf("%s $%.2f %dx %s", i.Side, i.SizeUSD, i.Leverage, i.Type)
	if i.Type == TypeLimit {
		s += fmt.Sprintf(" @ %g", i.LimitPrice)
	}
	return s
}

var (
	ErrMissingSide        = errors.New("side is required")
	ErrSizeTooSmall       = errors.New("size too small")
	ErrSizeTooLarge       = errors.New("size too large")
	ErrMarginTooSmall     = errors.New("margin too small")
	ErrLeverageOutOfRange = errors.New("leverage out of range")
	ErrInvalidOrderType   = errors.New("invalid order type")
	ErrMissingLimitPrice  = errors.New("limit price is required")
)

// ValidationError reports a bad user input. Reason names the violated bound.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error, format string, args ...any) error {
	return &ValidationError{Field: field, Err: err, Reason: fmt.Sprintf(format, args...)}
}

// Limits are the bounds every entry point enforces. Parser, session and
// execution all validate through the same Limits value.
type Limits struct {
	MinSizeUSD   float64
	MaxSizeUSD   float64
	MinMarginUSD float64
	MaxLeverage  int
}

func DefaultLimits() Limits {
	return Limits{
		MinSizeUSD:   10,
		MaxSizeUSD:   100000,
		MinMarginUSD: 10,
		MaxLeverage:  20,
	}
}

// ForAsset caps leverage at the market's own maximum.
func (l Limits) ForAsset(maxLeverage int) Limits {
	if maxLeverage > 0 && maxLeverage < l.MaxLeverage {
		l.MaxLeverage = maxLeverage
	}
	return l
}

func (l Limits) ValidateSide(side Side) error {
	if !side.Valid() {
		return invalid("side", ErrMissingSide, "side must be long or short")
	}
	return nil
}

func (l Limits) ValidateSize(sizeUSD float64) error {
	if math.IsNaN(sizeUSD) || sizeUSD < l.MinSizeUSD {
		return invalid("size", ErrSizeTooSmall, "size must be at least $%g", l.MinSizeUSD)
	}
	if sizeUSD > l.MaxSizeUSD {
		return invalid("size", ErrSizeTooLarge, "size must be at most $%g", l.MaxSizeUSD)
	}
	return nil
}

func (l Limits) ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > l.MaxLeverage {
		return invalid("leverage", ErrLeverageOutOfRange, "leverage must be between 1x and %dx", l.MaxLeverage)
	}
	return nil
}

// ValidateMargin checks size/leverage against the minimum margin.
func (l Limits) ValidateMargin(sizeUSD float64, leverage int) error {
	if leverage < 1 {
		return l.ValidateLeverage(leverage)
	}
	margin := sizeUSD / float64(leverage)
	if margin < l.MinMarginUSD {
		return invalid("leverage", ErrMarginTooSmall,
			"margin $%.2f is below the $%g minimum; use at most %dx for $%g",
			margin, l.MinMarginUSD, maxLeverageFor(sizeUSD, l.MinMarginUSD), sizeUSD)
	}
	return nil
}

func (l Limits) ValidateType(t Type, limitPrice float64) error {
	switch t {
	case TypeMarket:
		return nil
	case TypeLimit:
		if limitPrice <= 0 || math.IsNaN(limitPrice) || math.IsInf(limitPrice, 0) {
			return invalid("limit_price", ErrMissingLimitPrice, "limit orders need a positive price")
		}
		return nil
	default:
		return invalid("type", ErrInvalidOrderType, "order type must be market or limit")
	}
}

// Validate checks a complete intent.
func (l Limits) Validate(i Intent) error {
	if err := l.ValidateSide(i.Side); err != nil {
		return err
	}
	if err := l.ValidateSize(i.SizeUSD); err != nil {
		return err
	}
	if err := l.ValidateLeverage(i.Leverage); err != nil {
		return err
	}
	if err := l.ValidateMargin(i.SizeUSD, i.Leverage); err != nil {
		return err
	}
	return l.ValidateType(i.Type, i.LimitPrice)
}

func maxLeverageFor(sizeUSD, minMargin float64) int {
	if minMargin <= 0 {
		return 0
	}
	return int(math.Floor(sizeUSD / minMargin))
}
