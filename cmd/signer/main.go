// Command signer serves action signatures over HTTP so agent keys can live
// outside the trading service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hl-chat-trader/internal/config"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	signer, err := exchange.NewLocalSigner(cfg.REST.IsMainnet(), cfg.Signer.CacheSize)
	if err != nil {
		log.Error("failed to create signer", zap.Error(err))
		os.Exit(1)
	}
	defer signer.Close()
	if cfg.Signer.APIKey == "" {
		log.Warn("signer api key not set; requests are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Signer.Address,
		Handler:           newHandler(signer, cfg.Signer.APIKey, log),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("signer listening", zap.String("addr", cfg.Signer.Address), zap.Bool("mainnet", signer.IsMainnet()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("signer terminated", zap.Error(err))
		os.Exit(1)
	}
}
