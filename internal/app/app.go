package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/alerts"
	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/hl/ws"
	"hl-chat-trader/internal/journal"
	"hl-chat-trader/internal/market"
	"hl-chat-trader/internal/metrics"
	"hl-chat-trader/internal/monitor"
	"hl-chat-trader/internal/order"
	"hl-chat-trader/internal/server"
	"hl-chat-trader/internal/session"
	"hl-chat-trader/internal/state"
	redisstore "hl-chat-trader/internal/state/redis"
	"hl-chat-trader/internal/state/sqlite"
	"hl-chat-trader/internal/users"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	purgeInterval   = 10 * time.Minute
	shutdownTimeout = 5 * time.Second
	lockSlack       = 15 * time.Second
)

type expiryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	wsClient *ws.Client
	feed     *market.MidFeed
	resolver *market.Resolver
	exchange *exchange.Client
	users    *users.Store
	journal  *journal.Writer
	chat     *ChatBot
	monitor  *monitor.Monitor
	server   *server.Server
	closers  []func()
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	assetCfg, err := market.ParseAssetConfig(cfg.Trading.Asset)
	if err != nil {
		return err
	}

	m := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsHandler = prom.Handler()
	}

	store, locker, err := OpenStore(ctx, cfg.State)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	reader := rest.NewReader(restClient, rest.RetryPolicy{
		Attempts:  cfg.ReadRetry.Attempts,
		BaseDelay: cfg.ReadRetry.BaseDelay,
		Factor:    cfg.ReadRetry.Factor,
		MaxJitter: cfg.ReadRetry.MaxJitter,
	}, log)
	reader.SetRetryCounter(m.InfoRateLimited)

	a.resolver = market.NewResolver(reader, assetCfg, log)
	oracle := market.NewOracle(reader, assetCfg, log)
	if cfg.WS.Enabled {
		a.wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
		a.feed = market.NewMidFeed(a.wsClient, assetCfg, cfg.WS.MaxMidAge, log)
		oracle.UseFeed(a.feed)
		a.closers = append(a.closers, func() { _ = a.wsClient.Close() })
	}
	accounts := account.NewReader(reader, assetCfg, log)

	signer, err := NewSigner(cfg)
	if err != nil {
		return err
	}
	if local, ok := signer.(*exchange.LocalSigner); ok {
		a.closers = append(a.closers, local.Close)
	}
	a.exchange, err = exchange.NewClient(restClient, signer, log)
	if err != nil {
		return err
	}

	a.users, err = users.Open(ctx, cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.users.Close() })

	a.journal, err = journal.New(cfg.Journal, cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("open trade journal: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.journal.Close() })

	execClient := exec.New(a.resolver, oracle, accounts, a.exchange, exec.Options{
		Limits:      LimitsFromConfig(cfg.Trading),
		SlippageBps: cfg.Trading.SlippageBps,
		CrossMargin: cfg.Trading.CrossMargin,
		Builder:     BuilderFromConfig(cfg.Trading.Builder),
		Metrics:     m,
		Journal:     a.journal,
	}, log)

	budget := ExecutionBudget(cfg)
	sessions := session.NewManager(store, execClient, a.users, session.Options{
		TTL:     cfg.Trading.SessionTTL,
		LockTTL: budget + lockSlack,
		Locker:  locker,
		Metrics: m,
	}, log)

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	a.chat = NewChatBot(telegram, store, sessions, execClient, a.users, accounts, assetCfg.FullName, cfg.Telegram.PollInterval, log)
	a.chat.SetResumeTimeout(budget)

	if cfg.Monitor.Enabled {
		a.monitor, err = monitor.New(cfg.Monitor, assetCfg.FullName, a.users, accounts, oracle, telegram, m, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.monitor.Close)
	}

	a.server = server.New(server.Config{
		Address:       cfg.Server.Address,
		WebhookAPIKey: cfg.Server.WebhookAPIKey,
		MetricsPath:   cfg.Metrics.Path,
		Metrics:       metricsHandler,
		Ready: func() error {
			_, err := a.resolver.Asset()
			return err
		},
		Authorizations: a.chat,
		ResumeTimeout:  budget,
		Logger:         log,
	})
	return nil
}

// Run resolves the market, then serves until ctx is done. Failing to
// resolve at startup is fatal; later SIGHUP re-resolutions are not.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}
	if _, err := a.resolver.Resolve(ctx); err != nil {
		return fmt.Errorf("resolve %s: %w", a.cfg.Trading.Asset, err)
	}
	a.journal.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.feed != nil {
		g.Go(func() error {
			if err := a.feed.Run(gctx); err != nil && gctx.Err() == nil {
				a.log.Warn("mid feed stopped", zap.Error(err))
			}
			return nil
		})
	}
	if a.cfg.Telegram.Enabled && a.cfg.Telegram.ChatEnabled {
		g.Go(func() error { return a.chat.Run(gctx) })
	}
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}
	if purger, ok := a.store.(expiryPurger); ok {
		g.Go(func() error {
			a.purgeLoop(gctx, purger)
			return nil
		})
	}
	g.Go(func() error {
		a.watchReload(gctx)
		return nil
	})
	a.log.Info("app started", zap.String("asset", a.cfg.Trading.Asset), zap.String("addr", a.cfg.Server.Address))
	return g.Wait()
}

func (a *App) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reresolve(ctx)
		}
	}
}

func (a *App) reresolve(ctx context.Context) {
	if _, err := a.resolver.Resolve(ctx); err != nil {
		a.log.Warn("asset re-resolution failed, keeping previous", zap.Error(err))
	}
}

func (a *App) purgeLoop(ctx context.Context, purger expiryPurger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				a.log.Warn("state purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Debug("expired state purged", zap.Int64("rows", n))
			}
		}
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func OpenStore(ctx context.Context, cfg config.StateConfig) (state.Store, state.Locker, error) {
	switch cfg.Backend {
	case config.StateBackendRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "hl-chat-trader:",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, store, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, err
			}
		}
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func NewSigner(cfg *config.Config) (exchange.ActionSigner, error) {
	switch cfg.Signer.Mode {
	case config.SignerModeRemote:
		return exchange.NewRemoteSigner(cfg.Signer.URL, cfg.Signer.APIKey, cfg.Signer.Timeout), nil
	case config.SignerModeLocal:
		return exchange.NewLocalSigner(cfg.REST.IsMainnet(), cfg.Signer.CacheSize)
	}
	return nil, errors.New("unknown signer mode: " + cfg.Signer.Mode)
}

// ExecutionBudget is the worst case for placing one order: the mid price
// read with every retry and backoff, then the leverage update and the order
// itself, each of which may also wait on a remote signer.
func ExecutionBudget(cfg *config.Config) time.Duration {
	rc := cfg.ReadRetry
	attempts := rc.Attempts
	if attempts < 1 {
		attempts = 1
	}
	budget := time.Duration(attempts) * cfg.REST.Timeout
	delay := rc.BaseDelay
	for i := 1; i < attempts; i++ {
		budget += delay + rc.MaxJitter
		if rc.Factor > 1 {
			delay = time.Duration(float64(delay) * rc.Factor)
		}
	}
	const writes = 2
	budget += writes * cfg.REST.Timeout
	if cfg.Signer.Mode == config.SignerModeRemote {
		budget += writes * cfg.Signer.Timeout
	}
	return budget
}

func LimitsFromConfig(cfg config.TradingConfig) order.Limits {
	return order.Limits{
		MinSizeUSD:   cfg.MinSizeUSD,
		MaxSizeUSD:   cfg.MaxSizeUSD,
		MinMarginUSD: cfg.MinMarginUSD,
		MaxLeverage:  cfg.MaxLeverage,
	}
}

func BuilderFromConfig(cfg config.BuilderConfig) *exchange.BuilderWire {
	if cfg.Address == "" {
		return nil
	}
	b := exchange.NewBuilder(cfg.Address, cfg.Fee)
	return &b
}
