package account

import (
	"context"
	"errors"
	"testing"

	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/market"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type stubInfo struct {
	body     string
	err      error
	requests []rest.InfoRequest
}

func (s *stubInfo) Info(_ context.Context, req any, out any) error {
	s.requests = append(s.requests, req.(rest.InfoRequest))
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.body), out)
}

const clearinghouseBody = `{
	"marginSummary":{"accountValue":"1520.25","totalNtlPos":"700.0","totalRawUsd":"820.25","totalMarginUsed":"140.0"},
	"withdrawable":"1380.25",
	"assetPositions":[
		{"type":"oneWay","position":{"coin":"ETH","szi":"1.5","entryPx":"3000","positionValue":"4500","unrealizedPnl":"10","liquidationPx":null,"marginUsed":"225","leverage":{"type":"cross","value":20}}},
		{"type":"oneWay","position":{"coin":"xyz:GOLD","szi":"-0.25","entryPx":"2800","positionValue":"700","unrealizedPnl":"-3.5","liquidationPx":"3300.5","marginUsed":"140","leverage":{"type":"isolated","value":5}}}
	]
}`

func goldReader(info rest.InfoClient) *Reader {
	cfg, _ := market.ParseAssetConfig("xyz:GOLD")
	return NewReader(info, cfg, zap.NewNop())
}

func TestReaderPositionFiltersToAsset(t *testing.T) {
	info := &stubInfo{body: clearinghouseBody}
	pos, err := goldReader(info).Position(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Coin != "xyz:GOLD" || pos.Size != -0.25 || pos.IsLong() || pos.Side() != "short" {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.AbsSize() != 0.25 || pos.EntryPrice != 2800 || pos.UnrealizedPnL != -3.5 {
		t.Fatalf("unexpected position values %+v", pos)
	}
	if pos.Leverage.Type != LeverageIsolated || pos.Leverage.Value != 5 {
		t.Fatalf("unexpected leverage %+v", pos.Leverage)
	}
	if pos.LiquidationPrice == nil || *pos.LiquidationPrice != 3300.5 {
		t.Fatalf("unexpected liquidation price %v", pos.LiquidationPrice)
	}
	req := info.requests[0]
	if req.Type != "clearinghouseState" || req.Dex != "" || req.User != "0xabc" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestReaderNoPosition(t *testing.T) {
	info := &stubInfo{body: `{"marginSummary":{"accountValue":"10"},"withdrawable":"10","assetPositions":[
		{"position":{"coin":"xyz:GOLD","szi":"0.0","leverage":{"type":"isolated","value":1}}}
	]}`}
	_, err := goldReader(info).Position(context.Background(), "0xabc")
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition for flat position, got %v", err)
	}
}

func TestReaderBalance(t *testing.T) {
	info := &stubInfo{body: clearinghouseBody}
	bal, err := goldReader(info).Balance(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.AccountValue != 1520.25 || bal.Withdrawable != 1380.25 || bal.TotalMarginUsed != 140 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestReaderOpenOrdersFiltered(t *testing.T) {
	info := &stubInfo{body: `[
		{"coin":"xyz:GOLD","limitPx":"2700.0","oid":11,"side":"B","sz":"0.1","timestamp":1700000000000},
		{"coin":"xyz:SILVER","limitPx":"30.0","oid":12,"side":"A","sz":"5","timestamp":1700000000001},
		{"coin":"xyz:GOLD","limitPx":"2900.0","oid":13,"side":"A","sz":"0.2","timestamp":1700000000002}
	]`}
	orders, err := goldReader(info).OpenOrders(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 2 || orders[0].OrderID != 11 || orders[1].OrderID != 13 {
		t.Fatalf("unexpected orders %+v", orders)
	}
	if !orders[0].IsBuy() || orders[1].IsBuy() || orders[1].LimitPrice != 2900 {
		t.Fatalf("unexpected order fields %+v", orders)
	}
	if info.requests[0].Dex != "xyz" {
		t.Fatalf("expected dex-scoped openOrders request, got %+v", info.requests[0])
	}
}

func TestReaderPropagatesErrors(t *testing.T) {
	info := &stubInfo{err: rest.ErrRateLimitExceeded}
	_, err := goldReader(info).Position(context.Background(), "0xabc")
	if !errors.Is(err, rest.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
