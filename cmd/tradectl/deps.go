package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/app"
	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/hl/rest"
	"hl-chat-trader/internal/logging"
	"hl-chat-trader/internal/market"
	"hl-chat-trader/internal/users"

	"go.uber.org/zap"
)

// deps holds what one command needs. Read-only commands never open the
// user store or the signer.
type deps struct {
	cfg      *config.Config
	log      *zap.Logger
	resolver *market.Resolver
	oracle   *market.Oracle
	accounts *account.Reader
	exec     *exec.Client
	users    *users.Store
	closers  []func()
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// Operator output goes to stdout; keep logs quiet unless asked.
	if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	return cfg, logging.New(cfg.Log), nil
}

func newReadDeps(ctx context.Context) (*deps, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	assetCfg, err := market.ParseAssetConfig(cfg.Trading.Asset)
	if err != nil {
		return nil, err
	}
	reader := rest.NewReader(rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log), rest.RetryPolicy{
		Attempts:  cfg.ReadRetry.Attempts,
		BaseDelay: cfg.ReadRetry.BaseDelay,
		Factor:    cfg.ReadRetry.Factor,
		MaxJitter: cfg.ReadRetry.MaxJitter,
	}, log)
	d := &deps{
		cfg:      cfg,
		log:      log,
		resolver: market.NewResolver(reader, assetCfg, log),
		oracle:   market.NewOracle(reader, assetCfg, log),
		accounts: account.NewReader(reader, assetCfg, log),
	}
	if _, err := d.resolver.Resolve(ctx); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Trading.Asset, err)
	}
	return d, nil
}

func newTradeDeps(ctx context.Context) (*deps, error) {
	d, err := newReadDeps(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.openTrading(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *deps) openTrading(ctx context.Context) error {
	cfg := d.cfg
	store, _, err := app.OpenStore(ctx, cfg.State)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() { _ = store.Close() })

	signer, err := app.NewSigner(cfg)
	if err != nil {
		return err
	}
	if local, ok := signer.(*exchange.LocalSigner); ok {
		d.closers = append(d.closers, local.Close)
	}
	exClient, err := exchange.NewClient(rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, d.log), signer, d.log)
	if err != nil {
		return err
	}
	if err := exClient.InitNonceStore(ctx, store); err != nil {
		d.log.Warn("nonce store init failed", zap.Error(err))
	}

	if err := d.openUsers(ctx); err != nil {
		return err
	}
	d.exec = exec.New(d.resolver, d.oracle, d.accounts, exClient, exec.Options{
		Limits:      app.LimitsFromConfig(cfg.Trading),
		SlippageBps: cfg.Trading.SlippageBps,
		CrossMargin: cfg.Trading.CrossMargin,
		Builder:     app.BuilderFromConfig(cfg.Trading.Builder),
	}, d.log)
	return nil
}

func (d *deps) openUsers(ctx context.Context) error {
	store, err := users.Open(ctx, d.cfg.Postgres, d.log)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	d.users = store
	d.closers = append(d.closers, func() { _ = store.Close() })
	return nil
}

func (d *deps) account(ctx context.Context) (users.Account, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return users.Account{}, errors.New("--user is required")
	}
	return d.users.Get(ctx, id)
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
	_ = d.log.Sync()
}
