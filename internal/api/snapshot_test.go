package api

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/config"
	"spiketrader/internal/exchange"
	"spiketrader/internal/registry"
	"spiketrader/internal/risk"
	"spiketrader/internal/secrets"
	"spiketrader/internal/store"
	"spiketrader/pkg/types"
)

// testWalletKey is a well-known, publicly documented test private key
// (Hardhat's default account #0) — never used for anything but unit tests.
const testWalletKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690"

// testEncKey is a valid base64-encoded 32-byte AES-256 key for secrets.NewBox.
const testEncKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testExchangeConfig() config.Config {
	var cfg config.Config
	cfg.Wallet.ChainID = 137
	cfg.API.CLOBBaseURL = "https://clob.example.test"
	cfg.API.ApiKey = "test-key"
	cfg.API.Secret = "dGVzdC1zZWNyZXQ="
	cfg.API.Passphrase = "test-pass"
	return cfg
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	client := &exchange.Client{}
	validator := risk.NewValidator(15 * time.Minute)
	bus := registry.NewBus(testLogger())
	box, err := secrets.NewBox(testEncKey)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return registry.New(context.Background(), client, validator, st, bus, nil, testExchangeConfig(), box, testLogger())
}

func TestBuildSnapshotIncludesEveryBot(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	box, err := secrets.NewBox(testEncKey)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Seal(testWalletKey)
	if err != nil {
		t.Fatalf("seal wallet secret: %v", err)
	}
	cfg := types.BotConfig{
		BotID:               "bot-1",
		TokenID:             "token-1",
		SignatureMode:       "direct",
		WalletSecretEnc:     sealed,
		StrategyMode:        types.ModeTrainOfTrade,
		SpikeThresholdPct:   5,
		SpikeWindowsSeconds: []int{30},
		TakeProfitPct:       10,
		StopLossPct:         5,
		MaxHoldSeconds:      300,
		TradeSizeUSD:        decimal.NewFromInt(100),
		RebuyStrategy:       types.RebuyNone,
	}
	if _, err := reg.Create(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	snap := BuildSnapshot(reg)
	if len(snap.Bots) != 1 {
		t.Fatalf("expected 1 bot in snapshot, got %d", len(snap.Bots))
	}
	if snap.Bots[0].Config.BotID != "bot-1" {
		t.Fatalf("unexpected bot id in snapshot: %s", snap.Bots[0].Config.BotID)
	}
}

func TestBuildSnapshotIncludesSettings(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	if err := reg.SetKillSwitch(true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}

	snap := BuildSnapshot(reg)
	if !snap.Settings.KillSwitch {
		t.Fatalf("expected snapshot settings to reflect the kill switch")
	}
}
