// Package monitor runs the periodic per-user sweeps: liquidation proximity
// alerts and a position digest.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/metrics"
	"hl-chat-trader/internal/users"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

type Users interface {
	List(ctx context.Context) ([]users.Account, error)
}

type Positions interface {
	Snapshot(ctx context.Context, wallet string) (account.Snapshot, error)
}

type Prices interface {
	MidPrice(ctx context.Context) (float64, error)
}

type Notifier interface {
	SendTo(ctx context.Context, chatID int64, message string) error
}

type Monitor struct {
	cfg       config.MonitorConfig
	asset     string
	users     Users
	positions Positions
	prices    Prices
	notifier  Notifier
	cooldown  *ristretto.Cache
	metrics   *metrics.Metrics
	log       *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg config.MonitorConfig, asset string, u Users, positions Positions, prices Prices, notifier Notifier, m *metrics.Metrics, log *zap.Logger) (*Monitor, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("alert cooldown cache: %w", err)
	}
	if cfg.LiquidationInterval <= 0 {
		cfg.LiquidationInterval = time.Minute
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		asset:     asset,
		users:     u,
		positions: positions,
		prices:    prices,
		notifier:  notifier,
		cooldown:  cache,
		metrics:   m,
		log:       log,
		sleep:     sleepContext,
	}, nil
}

func (m *Monitor) Close() {
	m.cooldown.Close()
}

// Run drives both sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	liq := time.NewTicker(m.cfg.LiquidationInterval)
	defer liq.Stop()
	var digestC <-chan time.Time
	if m.cfg.DigestInterval > 0 {
		digest := time.NewTicker(m.cfg.DigestInterval)
		defer digest.Stop()
		digestC = digest.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-liq.C:
			if sent, err := m.SweepLiquidation(ctx); err != nil {
				m.log.Warn("liquidation sweep failed", zap.Error(err))
			} else if sent > 0 {
				m.log.Info("liquidation alerts sent", zap.Int("count", sent))
			}
		case <-digestC:
			if sent, err := m.SweepDigest(ctx); err != nil {
				m.log.Warn("digest sweep failed", zap.Error(err))
			} else {
				m.log.Info("digest sent", zap.Int("count", sent))
			}
		}
	}
}

// SweepLiquidation alerts every user whose mark is within the configured
// fraction of their liquidation price. Each user is alerted at most once
// per cooldown. A failure for one user does not stop the sweep.
func (m *Monitor) SweepLiquidation(ctx context.Context) (int, error) {
	accts, err := m.users.List(ctx)
	if err != nil {
		return 0, err
	}
	mid, err := m.prices.MidPrice(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, acct := range accts {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if !acct.AlertsEnabled || acct.ChatID == 0 {
			continue
		}
		if _, cooling := m.cooldown.Get(acct.UserID); cooling {
			continue
		}
		snap, err := m.positions.Snapshot(ctx, acct.WalletAddress.Hex())
		if err != nil {
			m.log.Warn("position read failed", zap.String("user_id", acct.UserID), zap.Error(err))
			continue
		}
		pos := snap.Position
		if pos == nil || pos.LiquidationPrice == nil {
			continue
		}
		distance := LiquidationDistance(mid, *pos.LiquidationPrice)
		if distance > m.cfg.LiquidationThreshold {
			continue
		}
		msg := fmt.Sprintf("%s %s is %.2f%% from liquidation\nmark %s, liquidation %s, size %s",
			m.asset, pos.Side(), distance*100,
			formatPrice(mid), formatPrice(*pos.LiquidationPrice), formatSize(pos.AbsSize()))
		if err := m.deliver(ctx, acct, msg, sent); err != nil {
			continue
		}
		m.cooldown.SetWithTTL(acct.UserID, struct{}{}, 1, m.cfg.AlertCooldown)
		m.cooldown.Wait()
		sent++
	}
	return sent, nil
}

// SweepDigest sends each user with an open position a short summary.
func (m *Monitor) SweepDigest(ctx context.Context) (int, error) {
	accts, err := m.users.List(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, acct := range accts {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if !acct.AlertsEnabled || acct.ChatID == 0 {
			continue
		}
		snap, err := m.positions.Snapshot(ctx, acct.WalletAddress.Hex())
		if err != nil {
			m.log.Warn("position read failed", zap.String("user_id", acct.UserID), zap.Error(err))
			continue
		}
		if snap.Position == nil {
			continue
		}
		if err := m.deliver(ctx, acct, Digest(m.asset, snap), sent); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

func (m *Monitor) deliver(ctx context.Context, acct users.Account, msg string, sentSoFar int) error {
	if sentSoFar > 0 && m.cfg.SendDelay > 0 {
		if err := m.sleep(ctx, m.cfg.SendDelay); err != nil {
			return err
		}
	}
	if err := m.notifier.SendTo(ctx, acct.ChatID, msg); err != nil {
		m.log.Warn("alert send failed", zap.String("user_id", acct.UserID), zap.Error(err))
		return err
	}
	m.metrics.AlertsSent.Inc()
	return nil
}

// LiquidationDistance is |mark - liq| / mark.
func LiquidationDistance(mark, liq float64) float64 {
	if mark <= 0 {
		return math.Inf(1)
	}
	return math.Abs(mark-liq) / mark
}

func Digest(asset string, snap account.Snapshot) string {
	pos := snap.Position
	lines := []string{
		fmt.Sprintf("%s %s %s @ %s (%s %dx)", asset, pos.Side(), formatSize(pos.AbsSize()), formatPrice(pos.EntryPrice), pos.Leverage.Type, pos.Leverage.Value),
		fmt.Sprintf("uPnL %s, margin %s", formatUSD(pos.UnrealizedPnL), formatUSD(pos.MarginUsed)),
		fmt.Sprintf("account value %s, withdrawable %s", formatUSD(snap.Balance.AccountValue), formatUSD(snap.Balance.Withdrawable)),
	}
	if pos.LiquidationPrice != nil {
		lines = append(lines, "liquidation "+formatPrice(*pos.LiquidationPrice))
	}
	return strings.Join(lines, "\n")
}

func formatPrice(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func formatSize(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func formatUSD(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.2f", -v)
	}
	return fmt.Sprintf("$%.2f", v)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

