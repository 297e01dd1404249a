package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hl-chat-trader/internal/hl/rest"

	"go.uber.org/zap"
)

var ErrPriceUnavailable = errors.New("price unavailable")

// Oracle returns the current mid for the configured market. A fresh
// streamed mid is preferred when a feed is attached; otherwise allMids is
// queried through the info reader.
type Oracle struct {
	info rest.InfoClient
	cfg  AssetConfig
	feed *MidFeed
	log  *zap.Logger
}

func NewOracle(info rest.InfoClient, cfg AssetConfig, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{info: info, cfg: cfg, log: log}
}

func (o *Oracle) UseFeed(feed *MidFeed) {
	o.feed = feed
}

func (o *Oracle) MidPrice(ctx context.Context) (float64, error) {
	key := o.cfg.MidKey()
	if o.feed != nil {
		if mid, ok := o.feed.Mid(key); ok {
			return mid, nil
		}
	}
	var mids map[string]string
	req := rest.InfoRequest{Type: "allMids", Dex: o.cfg.DexName}
	if err := o.info.Info(ctx, req, &mids); err != nil {
		return 0, fmt.Errorf("allMids: %w", err)
	}
	raw, ok := mids[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s missing from allMids", ErrPriceUnavailable, key)
	}
	mid, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || mid <= 0 {
		return 0, fmt.Errorf("%w: %s has invalid mid %q", ErrPriceUnavailable, key, raw)
	}
	return mid, nil
}
