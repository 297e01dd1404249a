package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	"hl-chat-trader/internal/hl/ws"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type midQuote struct {
	price float64
	at    time.Time
}

// MidFeed caches streamed allMids updates. Quotes older than maxAge are
// treated as missing so callers fall back to a REST query.
type MidFeed struct {
	ws     *ws.Client
	dex    string
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	mids map[string]midQuote
}

func NewMidFeed(client *ws.Client, cfg AssetConfig, maxAge time.Duration, log *zap.Logger) *MidFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &MidFeed{
		ws:     client,
		dex:    cfg.DexName,
		maxAge: maxAge,
		log:    log,
		now:    time.Now,
		mids:   make(map[string]midQuote),
	}
}

func (f *MidFeed) Run(ctx context.Context) error {
	if err := f.ws.Subscribe(ctx, ws.Subscription{Type: "allMids", Dex: f.dex}); err != nil {
		return err
	}
	return f.ws.Run(ctx, f.handleMessage)
}

func (f *MidFeed) Mid(key string) (float64, bool) {
	f.mu.RLock()
	quote, ok := f.mids[key]
	f.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if f.maxAge > 0 && f.now().Sub(quote.at) > f.maxAge {
		return 0, false
	}
	return quote.price, true
}

type allMidsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

func (f *MidFeed) handleMessage(msg json.RawMessage) {
	var payload allMidsMessage
	if err := json.Unmarshal(msg, &payload); err != nil {
		f.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if payload.Channel != "allMids" || len(payload.Data.Mids) == 0 {
		return
	}
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, raw := range payload.Data.Mids {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price <= 0 {
			continue
		}
		f.mids[key] = midQuote{price: price, at: now}
	}
}
