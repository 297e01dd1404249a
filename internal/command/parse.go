// Package command turns free-form chat text into trade and close intents.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"hl-chat-trader/internal/order"
)

var (
	ErrEmpty           = errors.New("empty command")
	ErrNoSide          = errors.New("say long/buy or short/sell")
	ErrAmbiguousSide   = errors.New("command names both sides")
	ErrNoSize          = errors.New("size is required")
	ErrInvalidFraction = errors.New("close percentage must be between 1 and 100")
	ErrInvalidLeverage = errors.New("leverage must be a whole number")
)

// Command is either a TradeCommand or a CloseCommand.
type Command interface {
	command()
}

type TradeCommand struct {
	Intent order.Intent
}

// CloseCommand closes Fraction of the open position; 1 closes all of it.
type CloseCommand struct {
	Fraction float64
}

func (TradeCommand) command() {}
func (CloseCommand) command() {}

var (
	closeRe    = regexp.MustCompile(`^close(?:\s+(all|half|(\d+)\s*%))?$`)
	longRe     = regexp.MustCompile(`\b(long|buy)\b`)
	shortRe    = regexp.MustCompile(`\b(short|sell)\b`)
	leverageRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)x\b`)
	limitRe    = regexp.MustCompile(`\blimit\b(?:\s+(?:@\s*|at\s+)?\$?(\d+(?:\.\d+)?))?`)
	dollarRe   = regexp.MustCompile(`\$\s*(\d+(?:\.\d+)?)`)
	numberRe   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	commaRe    = regexp.MustCompile(`(\d),(\d{3})`)
)

// IsClose reports whether text is shaped like a close command.
func IsClose(text string) bool {
	return closeRe.MatchString(normalize(text))
}

// Parse interprets text against limits. Trade intents are validated with
// the same Limits the session and execution use.
func Parse(text string, limits order.Limits) (Command, error) {
	s := normalize(text)
	if s == "" {
		return nil, ErrEmpty
	}
	if m := closeRe.FindStringSubmatch(s); m != nil {
		fraction, err := closeFraction(m)
		if err != nil {
			return nil, err
		}
		return CloseCommand{Fraction: fraction}, nil
	}
	intent, err := parseTrade(s)
	if err != nil {
		return nil, err
	}
	if err := limits.Validate(intent); err != nil {
		return nil, err
	}
	return TradeCommand{Intent: intent}, nil
}

func closeFraction(m []string) (float64, error) {
	switch m[1] {
	case "", "all":
		return 1, nil
	case "half":
		return 0.5, nil
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil || pct < 1 || pct > 100 {
		return 0, ErrInvalidFraction
	}
	return float64(pct) / 100, nil
}

func parseTrade(s string) (order.Intent, error) {
	var intent order.Intent
	isLong, isShort := longRe.MatchString(s), shortRe.MatchString(s)
	switch {
	case isLong && isShort:
		return intent, ErrAmbiguousSide
	case isLong:
		intent.Side = order.SideLong
	case isShort:
		intent.Side = order.SideShort
	default:
		return intent, ErrNoSide
	}

	intent.Leverage = 1
	if m := leverageRe.FindStringSubmatch(s); m != nil {
		lev, err := strconv.Atoi(m[1])
		if err != nil {
			return intent, ErrInvalidLeverage
		}
		intent.Leverage = lev
	}

	intent.Type = order.TypeMarket
	var limitSpan []int
	if loc := limitRe.FindStringSubmatchIndex(s); loc != nil {
		intent.Type = order.TypeLimit
		if loc[2] >= 0 {
			price, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
			if err != nil {
				return intent, fmt.Errorf("limit price: %w", err)
			}
			intent.LimitPrice = price
			limitSpan = loc[:2]
		}
	}

	size, ok := sizeFrom(s, limitSpan)
	if !ok {
		return intent, ErrNoSize
	}
	intent.SizeUSD = size
	return intent, nil
}

// sizeFrom prefers a $-prefixed amount, then the first bare number outside
// the limit clause. Leverage tokens never match numberRe.
func sizeFrom(s string, limitSpan []int) (float64, bool) {
	for _, loc := range dollarRe.FindAllStringSubmatchIndex(s, -1) {
		if inside(loc[0], limitSpan) {
			continue
		}
		v, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
		if err == nil {
			return v, true
		}
	}
	for _, loc := range numberRe.FindAllStringIndex(s, -1) {
		if inside(loc[0], limitSpan) {
			continue
		}
		if loc[0] > 0 && s[loc[0]-1] == '.' {
			continue
		}
		v, err := strconv.ParseFloat(s[loc[0]:loc[1]], 64)
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

func inside(pos int, span []int) bool {
	return len(span) == 2 && pos >= span[0] && pos < span[1]
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimPrefix(s, "/")
	for commaRe.MatchString(s) {
		s = commaRe.ReplaceAllString(s, "$1$2")
	}
	return strings.Join(strings.Fields(s), " ")
}
