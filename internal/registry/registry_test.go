package registry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/config"
	"spiketrader/internal/exchange"
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

func testExchangeConfig() config.Config {
	var cfg config.Config
	cfg.Wallet.ChainID = 137
	cfg.API.CLOBBaseURL = "https://clob.example.test"
	// Pre-set L2 credentials so buildBotExchange never needs to derive them
	// over the network.
	cfg.API.ApiKey = "test-key"
	cfg.API.Secret = "dGVzdC1zZWNyZXQ="
	cfg.API.Passphrase = "test-pass"
	return cfg
}

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(testEncKey)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return box
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	client := &exchange.Client{}
	validator := risk.NewValidator(15 * time.Minute)
	bus := NewBus(testBusLogger())
	return New(context.Background(), client, validator, st, bus, nil, testExchangeConfig(), testBox(t), testBusLogger())
}

func testConfig(t *testing.T, botID string) types.BotConfig {
	t.Helper()
	box := testBox(t)
	sealed, err := box.Seal(testWalletKey)
	if err != nil {
		t.Fatalf("seal wallet secret: %v", err)
	}
	return types.BotConfig{
		BotID:               botID,
		TokenID:             "token-" + botID,
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
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	bot, err := reg.Create(testConfig(t, "bot-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bot.ID() != "bot-1" {
		t.Fatalf("expected bot-1, got %s", bot.ID())
	}

	session, ok := reg.Get("bot-1")
	if !ok {
		t.Fatalf("expected bot-1 to be registered")
	}
	if session.Config.TokenID != "token-bot-1" {
		t.Fatalf("unexpected token id: %s", session.Config.TokenID)
	}
}

func TestCreateDuplicateBotIDFails(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	if _, err := reg.Create(testConfig(t, "bot-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(testConfig(t, "bot-1")); err == nil {
		t.Fatalf("expected duplicate bot_id to be rejected")
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	bad := testConfig(t, "bot-1")
	bad.TradeSizeUSD = decimal.Zero
	if _, err := reg.Create(bad); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}

func TestCreateRejectsMissingWalletSecret(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	bad := testConfig(t, "bot-1")
	bad.WalletSecretEnc = ""
	if _, err := reg.Create(bad); err == nil {
		t.Fatalf("expected missing wallet secret to be rejected")
	}
}

func TestCreateRespectsMaxConcurrentBots(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	g := reg.GlobalSettings()
	g.MaxConcurrentBots = 1
	if err := reg.SetGlobalSettings(g); err != nil {
		t.Fatalf("set global settings: %v", err)
	}

	if _, err := reg.Create(testConfig(t, "bot-1")); err != nil {
		t.Fatalf("create first bot: %v", err)
	}
	if _, err := reg.Create(testConfig(t, "bot-2")); err == nil {
		t.Fatalf("expected second bot to be rejected at the concurrency cap")
	}
}

func TestDeleteRemovesBotAndRouting(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	if _, err := reg.Create(testConfig(t, "bot-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Delete("bot-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := reg.Get("bot-1"); ok {
		t.Fatalf("expected bot-1 to be gone after delete")
	}
}

func TestActionsOnUnknownBotFail(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	for _, action := range []func(string) error{reg.Start, reg.Stop, reg.Pause, reg.Resume, reg.ManualClose, reg.Delete} {
		if err := action("nonexistent"); err == nil {
			t.Fatalf("expected an error acting on an unregistered bot")
		}
	}
}

func TestListReturnsEveryBot(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	if _, err := reg.Create(testConfig(t, "bot-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(testConfig(t, "bot-2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	sessions := reg.List()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestSetKillSwitchPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	busEvents, unsub := reg.bus.Subscribe()
	defer unsub()

	if err := reg.SetKillSwitch(true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	if !reg.GlobalSettings().KillSwitch {
		t.Fatalf("expected kill switch active")
	}

	select {
	case evt := <-busEvents:
		if evt.Kind != EventGlobalSettings {
			t.Fatalf("expected global settings event, got %s", evt.Kind)
		}
	default:
		t.Fatalf("expected a global settings event to be published")
	}
}

func TestRestoreAllRehydratesPersistedBots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.SaveBotConfig(testConfig(t, "bot-1")); err != nil {
		t.Fatalf("save bot config: %v", err)
	}

	client := &exchange.Client{}
	validator := risk.NewValidator(15 * time.Minute)
	bus := NewBus(testBusLogger())
	reg := New(context.Background(), client, validator, st, bus, nil, testExchangeConfig(), testBox(t), testBusLogger())

	if err := reg.RestoreAll(); err != nil {
		t.Fatalf("restore all: %v", err)
	}
	if _, ok := reg.Get("bot-1"); !ok {
		t.Fatalf("expected bot-1 to be restored from the store")
	}
}

func TestUpdateRejectsWhileRunning(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	cfg := testConfig(t, "bot-1")
	if _, err := reg.Create(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Start("bot-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop("bot-1")

	cfg.TakeProfitPct = 20
	if err := reg.Update(cfg); err == nil {
		t.Fatalf("expected update to be rejected while bot is running")
	}
}

func TestUpdateReplacesStoppedBotConfig(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	cfg := testConfig(t, "bot-1")
	if _, err := reg.Create(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg.TakeProfitPct = 25
	if err := reg.Update(cfg); err != nil {
		t.Fatalf("update: %v", err)
	}

	session, ok := reg.Get("bot-1")
	if !ok {
		t.Fatalf("expected bot-1 to still be registered")
	}
	if session.Config.TakeProfitPct != 25 {
		t.Fatalf("expected updated take_profit_pct of 25, got %v", session.Config.TakeProfitPct)
	}
}
