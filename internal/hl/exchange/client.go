package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transport posts JSON to the exchange API.
type Transport interface {
	Post(ctx context.Context, path string, req any, out any) error
	BaseURL() string
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

// Client submits signed actions. Nonces are process-wide, strictly
// increasing millisecond timestamps.
type Client struct {
	transport     Transport
	signer        ActionSigner
	log           *zap.Logger
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	persistMu     sync.Mutex
	persistWarned atomic.Bool
	now           func() time.Time
}

func NewClient(transport Transport, signer ActionSigner, log *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{transport: transport, signer: signer, log: log, now: time.Now}, nil
}

func (c *Client) UpdateLeverage(ctx context.Context, agent Agent, asset, leverage int, isCross bool) error {
	action := UpdateLeverageAction{Asset: asset, IsCross: isCross, Leverage: leverage}
	resp, err := c.submit(ctx, agent, action)
	if err != nil {
		return err
	}
	return resp.err()
}

func (c *Client) PlaceOrder(ctx context.Context, agent Agent, order OrderWire, builder *BuilderWire) (OrderStatus, error) {
	action := OrderAction{Orders: []OrderWire{order}, Grouping: "na", Builder: builder}
	resp, err := c.submit(ctx, agent, action)
	if err != nil {
		return OrderStatus{}, err
	}
	return parseOrderResponse(resp)
}

func (c *Client) Cancel(ctx context.Context, agent Agent, asset int, orderID int64) error {
	action := CancelAction{Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	resp, err := c.submit(ctx, agent, action)
	if err != nil {
		return err
	}
	return parseCancelResponse(resp)
}

// EnableDexAbstraction opts the agent into trading every builder dex.
func (c *Client) EnableDexAbstraction(ctx context.Context, agent Agent) error {
	resp, err := c.submit(ctx, agent, EnableDexAction{})
	if err != nil {
		return err
	}
	return resp.err()
}

func (c *Client) submit(ctx context.Context, agent Agent, action Action) (*Response, error) {
	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(ctx, agent, action, nonce)
	if err != nil {
		return nil, err
	}
	payload := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}
	var resp Response
	if err := c.transport.Post(ctx, "/exchange", payload, &resp); err != nil {
		return nil, err
	}
	c.log.Debug("exchange action submitted",
		zap.String("type", action.ActionType()),
		zap.Uint64("nonce", nonce),
		zap.String("status", resp.Status),
	)
	return &resp, nil
}

func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.transport.BaseURL())
	seed := uint64(c.now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) NonceState() (NonceState, bool) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

func (c *Client) nextNonce() uint64 {
	now := uint64(c.now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.nonceStore.Set(ctx, c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string) string {
	return "exchange:nonce:" + strings.ToLower(strings.TrimSpace(baseURL))
}
