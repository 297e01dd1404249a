// Package exec places, closes and cancels orders for one configured market
// on behalf of a user's delegated agent. Every operation returns a Result;
// failures are classified values, never panics.
package exec

import (
	"context"
	"strings"
	"time"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/journal"
	"hl-chat-trader/internal/market"
	"hl-chat-trader/internal/metrics"
	"hl-chat-trader/internal/order"

	"go.uber.org/zap"
)

type AssetSource interface {
	Config() market.AssetConfig
	Asset() (market.ResolvedAsset, error)
}

type PriceSource interface {
	MidPrice(ctx context.Context) (float64, error)
}

type AccountReader interface {
	Position(ctx context.Context, wallet string) (account.Position, error)
	OpenOrders(ctx context.Context, wallet string) ([]account.OpenOrder, error)
}

type Exchange interface {
	UpdateLeverage(ctx context.Context, agent exchange.Agent, asset, leverage int, isCross bool) error
	PlaceOrder(ctx context.Context, agent exchange.Agent, order exchange.OrderWire, builder *exchange.BuilderWire) (exchange.OrderStatus, error)
	Cancel(ctx context.Context, agent exchange.Agent, asset int, orderID int64) error
	EnableDexAbstraction(ctx context.Context, agent exchange.Agent) error
}

type Recorder interface {
	Enqueue(ev journal.TradeEvent)
}

type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomeResting   Outcome = "resting"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeUpdated   Outcome = "updated"
	OutcomeFailed    Outcome = "failed"
)

// Result is the outcome of one operation. Err is set iff Outcome is failed.
type Result struct {
	Outcome  Outcome
	OrderID  int64
	Size     float64
	AvgPrice float64
	Err      *Error
}

func (r Result) OK() bool {
	return r.Err == nil
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: Classify(err)}
}

// BatchResult collects per-order results of a cancel-all. Err is set only
// when the open orders could not be listed.
type BatchResult struct {
	Results []Result
	Err     *Error
}

func (b BatchResult) Cancelled() int {
	n := 0
	for _, r := range b.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

func (b BatchResult) Failed() int {
	return len(b.Results) - b.Cancelled()
}

type Options struct {
	Limits      order.Limits
	SlippageBps float64
	CrossMargin bool
	Builder     *exchange.BuilderWire
	Metrics     *metrics.Metrics
	Journal     Recorder
}

type Client struct {
	assets   AssetSource
	prices   PriceSource
	accounts AccountReader
	exchange Exchange
	sizer    order.Sizer
	limits   order.Limits
	cross    bool
	builder  *exchange.BuilderWire
	metrics  *metrics.Metrics
	journal  Recorder
	log      *zap.Logger
	newCloid func() string
	now      func() time.Time
}

func New(assets AssetSource, prices PriceSource, accounts AccountReader, ex Exchange, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Limits == (order.Limits{}) {
		opts.Limits = order.DefaultLimits()
	}
	return &Client{
		assets:   assets,
		prices:   prices,
		accounts: accounts,
		exchange: ex,
		sizer:    order.NewSizer(opts.SlippageBps),
		limits:   opts.Limits,
		cross:    opts.CrossMargin,
		builder:  opts.Builder,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		log:      log,
		newCloid: exchange.NewCloid,
		now:      time.Now,
	}
}

func (c *Client) Limits() order.Limits {
	if asset, err := c.assets.Asset(); err == nil {
		return c.limits.ForAsset(asset.MaxLeverage)
	}
	return c.limits
}

// PlaceOrder validates, prices and sizes intent, sets leverage, then submits.
// A failed leverage update is logged and the order still goes out at
// whatever leverage the account already has.
func (c *Client) PlaceOrder(ctx context.Context, agent exchange.Agent, intent order.Intent) Result {
	res := c.placeOrder(ctx, agent, intent)
	c.record(agent, "order", string(intent.Side), intent.Leverage, res)
	return res
}

func (c *Client) placeOrder(ctx context.Context, agent exchange.Agent, intent order.Intent) Result {
	asset, err := c.assets.Asset()
	if err != nil {
		return failed(err)
	}
	if err := c.limits.ForAsset(asset.MaxLeverage).Validate(intent); err != nil {
		return failed(err)
	}
	mid, err := c.prices.MidPrice(ctx)
	if err != nil {
		return failed(err)
	}
	sizing, err := c.sizer.Size(intent, asset, mid)
	if err != nil {
		return failed(err)
	}

	isCross := c.cross && !asset.IsolatedOnly()
	if err := c.exchange.UpdateLeverage(ctx, agent, asset.AssetID, intent.Leverage, isCross); err != nil {
		c.metrics.LeverageUpdateFailed.Inc()
		c.log.Warn("leverage update failed, placing order anyway",
			zap.String("wallet", agent.Wallet.Hex()),
			zap.Int("leverage", intent.Leverage),
			zap.Error(err),
		)
	}

	tif := exchange.TifIoc
	if intent.Type == order.TypeLimit {
		tif = exchange.TifGtc
	}
	return c.submit(ctx, agent, asset, intent.Side.IsBuy(), sizing.NativeSize, sizing.ExecPrice, false, tif)
}

// ClosePosition closes the whole position with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, agent exchange.Agent) Result {
	return c.ClosePartialPosition(ctx, agent, 1)
}

func (c *Client) ClosePartialPosition(ctx context.Context, agent exchange.Agent, fraction float64) Result {
	res, side := c.closePosition(ctx, agent, fraction)
	c.record(agent, "close", side, 0, res)
	return res
}

func (c *Client) closePosition(ctx context.Context, agent exchange.Agent, fraction float64) (Result, string) {
	asset, err := c.assets.Asset()
	if err != nil {
		return failed(err), ""
	}
	pos, err := c.accounts.Position(ctx, agent.Wallet.Hex())
	if err != nil {
		return failed(err), ""
	}
	size, err := c.sizer.CloseSize(pos.Size, fraction, asset.Decimals)
	if err != nil {
		return failed(err), pos.Side()
	}
	mid, err := c.prices.MidPrice(ctx)
	if err != nil {
		return failed(err), pos.Side()
	}
	isBuy := !pos.IsLong()
	price := order.SlippagePrice(mid, isBuy, c.sizer.SlippageBps)
	return c.submit(ctx, agent, asset, isBuy, size, price, true, exchange.TifIoc), pos.Side()
}

func (c *Client) CancelOrder(ctx context.Context, agent exchange.Agent, orderID int64) Result {
	asset, err := c.assets.Asset()
	if err != nil {
		return failed(err)
	}
	res := c.cancel(ctx, agent, asset, orderID)
	c.record(agent, "cancel", "", 0, res)
	return res
}

// CancelAllOrders cancels every open order on the configured market one at
// a time. A failed cancel does not stop the rest.
func (c *Client) CancelAllOrders(ctx context.Context, agent exchange.Agent) BatchResult {
	asset, err := c.assets.Asset()
	if err != nil {
		return BatchResult{Err: Classify(err)}
	}
	orders, err := c.accounts.OpenOrders(ctx, agent.Wallet.Hex())
	if err != nil {
		return BatchResult{Err: Classify(err)}
	}
	batch := BatchResult{Results: make([]Result, 0, len(orders))}
	for _, o := range orders {
		res := c.cancel(ctx, agent, asset, o.OrderID)
		if !res.OK() {
			c.log.Warn("cancel failed",
				zap.Int64("oid", o.OrderID),
				zap.String("kind", string(res.Err.Kind)),
				zap.Error(res.Err),
			)
		}
		c.record(agent, "cancel", o.Side, 0, res)
		batch.Results = append(batch.Results, res)
	}
	return batch
}

// UpdateLeverage sets leverage for the configured market. Isolated-only
// markets are always updated as isolated.
func (c *Client) UpdateLeverage(ctx context.Context, agent exchange.Agent, leverage int, isCross bool) Result {
	asset, err := c.assets.Asset()
	if err != nil {
		return failed(err)
	}
	if err := c.limits.ForAsset(asset.MaxLeverage).ValidateLeverage(leverage); err != nil {
		return failed(err)
	}
	if asset.IsolatedOnly() {
		isCross = false
	}
	res := Result{Outcome: OutcomeUpdated}
	if err := c.exchange.UpdateLeverage(ctx, agent, asset.AssetID, leverage, isCross); err != nil {
		c.metrics.LeverageUpdateFailed.Inc()
		res = failed(err)
	}
	c.record(agent, "leverage", "", leverage, res)
	return res
}

// EnableDexAbstraction opts the agent into builder dexes so orders on them
// need no per-dex approval.
func (c *Client) EnableDexAbstraction(ctx context.Context, agent exchange.Agent) Result {
	res := Result{Outcome: OutcomeUpdated}
	if err := c.exchange.EnableDexAbstraction(ctx, agent); err != nil {
		res = failed(err)
	}
	c.record(agent, "enable_dex", "", 0, res)
	return res
}

func (c *Client) submit(ctx context.Context, agent exchange.Agent, asset market.ResolvedAsset, isBuy bool, size, price float64, reduceOnly bool, tif exchange.Tif) Result {
	price = exchange.NormalizePrice(price, asset.Decimals)
	wire, err := exchange.LimitOrderWire(asset.AssetID, isBuy, size, price, reduceOnly, tif, c.newCloid())
	if err != nil {
		return failed(&order.ValidationError{Field: "order", Reason: err.Error(), Err: err})
	}
	status, err := c.exchange.PlaceOrder(ctx, agent, wire, c.builder)
	if err != nil {
		c.metrics.OrdersFailed.Inc()
		return failed(err)
	}
	c.metrics.OrdersPlaced.Inc()
	if status.Filled != nil {
		return Result{
			Outcome:  OutcomeFilled,
			OrderID:  status.Filled.Oid,
			Size:     status.Filled.Size(),
			AvgPrice: status.Filled.AvgPrice(),
		}
	}
	return Result{Outcome: OutcomeResting, OrderID: status.OrderID(), Size: size, AvgPrice: price}
}

func (c *Client) cancel(ctx context.Context, agent exchange.Agent, asset market.ResolvedAsset, orderID int64) Result {
	if err := c.exchange.Cancel(ctx, agent, asset.AssetID, orderID); err != nil {
		c.metrics.CancelFailed.Inc()
		res := failed(err)
		res.OrderID = orderID
		return res
	}
	return Result{Outcome: OutcomeCancelled, OrderID: orderID}
}

func (c *Client) record(agent exchange.Agent, action, side string, leverage int, res Result) {
	if c.journal == nil {
		return
	}
	ev := journal.TradeEvent{
		Time:     c.now().UTC(),
		Wallet:   strings.ToLower(agent.Wallet.Hex()),
		Asset:    c.assets.Config().FullName,
		Action:   action,
		Side:     side,
		Size:     res.Size,
		Price:    res.AvgPrice,
		Leverage: leverage,
		OrderID:  res.OrderID,
		Outcome:  string(res.Outcome),
	}
	if res.Err != nil {
		ev.ErrorKind = string(res.Err.Kind)
		ev.Reason = res.Err.Reason
	}
	c.journal.Enqueue(ev)
}
