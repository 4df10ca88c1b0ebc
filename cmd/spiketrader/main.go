// spiketrader runs an automated spike-detection trading agent against a
// binary-outcome prediction market exchange.
//
// Architecture:
//
//	main.go               — entry point: loads config, derives L2 credentials, wires
//	                         the registry and control surface, waits for SIGINT/SIGTERM
//	internal/exchange      — REST client + WebSocket feeds + wallet signing (C1, C2)
//	internal/priceed       — de-duplicated price stream + bounded history ring (C2, C3)
//	internal/spike         — multi-window spike detector (C4)
//	internal/strategy      — Train-of-Trade / Spike-fade target state machine (C5)
//	internal/risk          — pre-trade validator and kill switch (C6)
//	internal/executor      — idempotent order submission (C7)
//	internal/session       — per-bot lifecycle wrapper (C8)
//	internal/registry      — process-wide bot map, settings, and broadcast bus (C9)
//	internal/api           — HTTP + WebSocket control surface (C10)
//	internal/store         — JSON file persistence for bot configs and settlements
//
// How it makes money:
//
//	Each bot watches one token's price stream for a sudden move (a "spike")
//	across one or more lookback windows. Depending on its configured mode it
//	either rides the move (Train-of-Trade) or fades it expecting reversion
//	(Spike-fade), holds a single position to a take-profit, stop-loss, or
//	max-hold exit, then re-arms per its configured rebuy strategy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/api"
	"spiketrader/internal/config"
	"spiketrader/internal/exchange"
	"spiketrader/internal/priceed"
	"spiketrader/internal/registry"
	"spiketrader/internal/risk"
	"spiketrader/internal/secrets"
	"spiketrader/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPIKE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to set up wallet auth", "error", err)
		os.Exit(1)
	}

	if cfg.API.ApiKey != "" && cfg.API.Secret != "" && cfg.API.Passphrase != "" {
		auth.SetCredentials(exchange.Credentials{
			ApiKey:     cfg.API.ApiKey,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		})
	}

	// client is a bootstrap client for public, unsigned endpoints only
	// (ResolveTokenId); each bot trades through its own wallet-scoped
	// client, built by the registry from its own decrypted wallet secret.
	client := exchange.NewClient(*cfg, auth, logger)

	if !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := client.DeriveAPIKey(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to derive L2 API credentials", "error", err)
			os.Exit(1)
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err, "data_dir", cfg.Store.DataDir)
		os.Exit(1)
	}

	box, err := secrets.NewBox(cfg.Secrets.EncryptionKey)
	if err != nil {
		logger.Error("failed to set up wallet secret box", "error", err)
		os.Exit(1)
	}

	validator := risk.NewValidator(15 * time.Minute)
	bus := registry.NewBus(logger)
	marketFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reg := registry.New(ctx, client, validator, st, bus, marketFeed, *cfg, box, logger)

	globalSettings := reg.GlobalSettings()
	if globalSettings.DefaultTradeSizeUSD.IsZero() {
		globalSettings.DefaultTradeSizeUSD = decimal.NewFromFloat(cfg.Defaults.TradeSizeUSD)
		globalSettings.DefaultMaxBalanceUSD = decimal.NewFromFloat(cfg.Defaults.MaxBalanceUSD)
		globalSettings.MaxConcurrentBots = cfg.Defaults.MaxConcurrentBots
		globalSettings.UpdatedAt = time.Now()
		if err := reg.SetGlobalSettings(globalSettings); err != nil {
			logger.Warn("failed to persist seeded global settings", "error", err)
		}
	}

	if err := reg.RestoreAll(); err != nil {
		logger.Error("failed to restore persisted bots", "error", err)
		os.Exit(1)
	}

	runMarketFeed(ctx, marketFeed, reg, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, reg, bus, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if cfg.Defaults.DryRun {
		logger.Warn("DRY-RUN MODE is the configured process default — each bot's own dry_run setting still governs whether its fills are simulated")
	}
	logger.Info("spiketrader started",
		"max_concurrent_bots", globalSettings.MaxConcurrentBots,
		"trade_size_usd", cfg.Defaults.TradeSizeUSD,
		"dry_run_default", cfg.Defaults.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	reg.StopAll()
	stop()
}

// runMarketFeed runs the market WebSocket feed and routes its
// last-trade-price ticks into the registry.
func runMarketFeed(ctx context.Context, feed *exchange.WSFeed, reg *registry.Registry, logger *slog.Logger) {
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed stopped", "error", err)
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-feed.LastTradePriceEvents():
				if !ok {
					return
				}
				price, err := decimal.NewFromString(evt.Price)
				if err != nil {
					logger.Warn("failed to parse last-trade price", "asset_id", evt.AssetID, "price", evt.Price, "error", err)
					continue
				}
				reg.RouteTick(evt.AssetID, priceed.Tick{Price: price, At: time.Now(), Source: "stream"})
			}
		}
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
