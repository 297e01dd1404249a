package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/market"

	"go.uber.org/zap"
)

var ErrNoPosition = errors.New("no open position")

const sizeEpsilon = 1e-12

const (
	LeverageCross    = "cross"
	LeverageIsolated = "isolated"
)

type Leverage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// Position is a snapshot of one perp position. Size is signed: negative
// means short.
type Position struct {
	Coin             string
	Size             float64
	EntryPrice       float64
	UnrealizedPnL    float64
	PositionValue    float64
	MarginUsed       float64
	Leverage         Leverage
	LiquidationPrice *float64
}

func (p Position) IsLong() bool {
	return p.Size > 0
}

func (p Position) Side() string {
	if p.Size < 0 {
		return "short"
	}
	return "long"
}

func (p Position) AbsSize() float64 {
	return math.Abs(p.Size)
}

type Balance struct {
	AccountValue    float64
	Withdrawable    float64
	TotalMarginUsed float64
	TotalNtlPos     float64
}

type OpenOrder struct {
	Coin       string
	OrderID    int64
	Side       string
	LimitPrice float64
	Size       float64
	Timestamp  int64
}

func (o OpenOrder) IsBuy() bool {
	return o.Side == "B"
}

// Snapshot is a balance plus the configured market's position, if any.
type Snapshot struct {
	Balance  Balance
	Position *Position
}

// Reader fetches account state for the configured market. Every query goes
// through the supplied info client, which is expected to be the
// rate-limit aware reader.
type Reader struct {
	info rest.InfoClient
	cfg  market.AssetConfig
	log  *zap.Logger
}

func NewReader(info rest.InfoClient, cfg market.AssetConfig, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{info: info, cfg: cfg, log: log}
}

// Snapshot loads the clearinghouse state once. The state is never dex
// scoped: the main account margin backs dex markets too.
func (r *Reader) Snapshot(ctx context.Context, wallet string) (Snapshot, error) {
	var state clearinghouseState
	req := rest.InfoRequest{Type: "clearinghouseState", User: strings.ToLower(strings.TrimSpace(wallet))}
	if err := r.info.Info(ctx, req, &state); err != nil {
		return Snapshot{}, fmt.Errorf("clearinghouseState: %w", err)
	}
	snap := Snapshot{Balance: state.balance()}
	for _, ap := range state.AssetPositions {
		if !r.matches(ap.Position.Coin) {
			continue
		}
		pos := ap.Position.toPosition()
		if math.Abs(pos.Size) <= sizeEpsilon {
			continue
		}
		snap.Position = &pos
		break
	}
	return snap, nil
}

func (r *Reader) Position(ctx context.Context, wallet string) (Position, error) {
	snap, err := r.Snapshot(ctx, wallet)
	if err != nil {
		return Position{}, err
	}
	if snap.Position == nil {
		return Position{}, ErrNoPosition
	}
	return *snap.Position, nil
}

func (r *Reader) Balance(ctx context.Context, wallet string) (Balance, error) {
	snap, err := r.Snapshot(ctx, wallet)
	if err != nil {
		return Balance{}, err
	}
	return snap.Balance, nil
}

// OpenOrders returns resting orders on the configured market only.
func (r *Reader) OpenOrders(ctx context.Context, wallet string) ([]OpenOrder, error) {
	var raw []openOrderWire
	req := rest.InfoRequest{Type: "openOrders", User: strings.ToLower(strings.TrimSpace(wallet)), Dex: r.cfg.DexName}
	if err := r.info.Info(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("openOrders: %w", err)
	}
	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		if !r.matches(o.Coin) {
			continue
		}
		orders = append(orders, OpenOrder{
			Coin:       o.Coin,
			OrderID:    o.Oid,
			Side:       o.Side,
			LimitPrice: parseFloat(o.LimitPx),
			Size:       parseFloat(o.Sz),
			Timestamp:  o.Timestamp,
		})
	}
	return orders, nil
}

func (r *Reader) matches(coin string) bool {
	return coin == r.cfg.FullName
}

type marginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type positionWire struct {
	Coin          string   `json:"coin"`
	Szi           string   `json:"szi"`
	EntryPx       *string  `json:"entryPx"`
	PositionValue string   `json:"positionValue"`
	UnrealizedPnl string   `json:"unrealizedPnl"`
	LiquidationPx *string  `json:"liquidationPx"`
	MarginUsed    string   `json:"marginUsed"`
	Leverage      Leverage `json:"leverage"`
}

type clearinghouseState struct {
	MarginSummary  marginSummary `json:"marginSummary"`
	Withdrawable   string        `json:"withdrawable"`
	AssetPositions []struct {
		Position positionWire `json:"position"`
	} `json:"assetPositions"`
}

type openOrderWire struct {
	Coin      string `json:"coin"`
	LimitPx   string `json:"limitPx"`
	Oid       int64  `json:"oid"`
	Side      string `json:"side"`
	Sz        string `json:"sz"`
	Timestamp int64  `json:"timestamp"`
}

func (s clearinghouseState) balance() Balance {
	return Balance{
		AccountValue:    parseFloat(s.MarginSummary.AccountValue),
		Withdrawable:    parseFloat(s.Withdrawable),
		TotalMarginUsed: parseFloat(s.MarginSummary.TotalMarginUsed),
		TotalNtlPos:     parseFloat(s.MarginSummary.TotalNtlPos),
	}
}

func (p positionWire) toPosition() Position {
	pos := Position{
		Coin:          p.Coin,
		Size:          parseFloat(p.Szi),
		PositionValue: parseFloat(p.PositionValue),
		UnrealizedPnL: parseFloat(p.UnrealizedPnl),
		MarginUsed:    parseFloat(p.MarginUsed),
		Leverage:      p.Leverage,
	}
	if p.EntryPx != nil {
		pos.EntryPrice = parseFloat(*p.EntryPx)
	}
	if p.LiquidationPx != nil {
		if liq := parseFloat(*p.LiquidationPx); liq > 0 {
			pos.LiquidationPrice = &liq
		}
	}
	return pos
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
