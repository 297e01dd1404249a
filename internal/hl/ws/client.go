package ws

import (
	"context"
	"math/rand"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	maxReconnectDelay = 30 * time.Second
	reconnectJitter   = 0.2
)

// Handler receives every data frame read from the socket. Control frames
// (pong, subscription acks) are not delivered.
type Handler func(json.RawMessage)

// Subscription is a single exchange stream subscription.
type Subscription struct {
	Type string `json:"type"`
	Dex  string `json:"dex,omitempty"`
	Coin string `json:"coin,omitempty"`
}

type subscribeMessage struct {
	Method       string       `json:"method"`
	Subscription Subscription `json:"subscription"`
}

var pingMessage = map[string]string{"method": "ping"}

// Client keeps one websocket open, replaying subscriptions after every
// reconnect. Failed sessions back off exponentially from reconnectDelay.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []Subscription
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// Subscribe registers sub for replay and sends it when connected.
func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	for _, existing := range c.subs {
		if existing == sub {
			c.mu.Unlock()
			return nil
		}
	}
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, subscribeMessage{Method: "subscribe", Subscription: sub})
}

// Run dials, serves frames to handler and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	delay := c.reconnectDelay
	for {
		delivered, err := c.runSession(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			delay = c.reconnectDelay
		}
		wait := jittered(delay)
		c.logSessionEnd(err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = nextDelay(delay)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.conn = nil
	return err
}

// runSession reports whether at least one data frame reached handler, which
// resets the backoff.
func (c *Client) runSession(ctx context.Context, handler Handler) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer c.drop(conn)

	var delivered bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			if isControlFrame(data) || handler == nil {
				continue
			}
			delivered = true
			handler(json.RawMessage(data))
		}
	})
	if c.pingInterval > 0 {
		g.Go(func() error { return c.pingLoop(gctx, conn) })
	}
	err = g.Wait()
	return delivered, err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	subs := append([]Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, subscribeMessage{Method: "subscribe", Subscription: sub}); err != nil {
			c.drop(conn)
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "reset")
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return err
			}
		}
	}
}

func (c *Client) logSessionEnd(err error, wait time.Duration) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws session ended", zap.Error(err), zap.Duration("reconnect_in", wait))
		return
	}
	c.log.Warn("ws session ended", zap.Error(err), zap.Duration("reconnect_in", wait))
}

type frameHeader struct {
	Channel string `json:"channel"`
}

func isControlFrame(data []byte) bool {
	var h frameHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return false
	}
	return h.Channel == "pong" || h.Channel == "subscriptionResponse"
}

func nextDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	d *= 2
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + rand.Float64()*reconnectJitter))
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
