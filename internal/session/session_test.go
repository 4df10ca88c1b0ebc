package session

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/exchange"
	"spiketrader/internal/risk"
	"spiketrader/internal/strategy"
	"spiketrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBotConfig() *types.BotConfig {
	return &types.BotConfig{
		BotID:               "bot-1",
		TokenID:             "token-1",
		StrategyMode:        types.ModeTrainOfTrade,
		SpikeThresholdPct:   5,
		SpikeWindowsSeconds: []int{30},
		TakeProfitPct:       10,
		StopLossPct:         5,
		MaxHoldSeconds:      300,
		CooldownSeconds:     60,
		TradeSizeUSD:        decimal.NewFromInt(100),
		RebuyStrategy:       types.RebuyNone,
	}
}

func testDeps() Deps {
	return Deps{
		Client:         &exchange.Client{},
		Executor:       nil,
		Validator:      risk.NewValidator(15 * time.Minute),
		Logger:         testLogger(),
		GlobalSettings: func() types.GlobalSettings { return types.GlobalSettings{} },
	}
}

func TestNewBotID(t *testing.T) {
	t.Parallel()

	bot := New(testBotConfig(), testDeps(), nil)
	if bot.ID() != "bot-1" {
		t.Fatalf("expected bot id bot-1, got %s", bot.ID())
	}
}

func TestSendCommandBeforeStartErrors(t *testing.T) {
	t.Parallel()

	bot := New(testBotConfig(), testDeps(), nil)
	if err := bot.SendCommand(strategy.Command{Kind: strategy.CmdPause}); err == nil {
		t.Fatalf("expected an error sending a command to a bot that hasn't started")
	}
}

func TestNewBotSnapshotReflectsResume(t *testing.T) {
	t.Parallel()

	cfg := testBotConfig()
	resumeFrom := &types.BotSession{
		Config:         *cfg,
		State:          types.BotStopped,
		TradeState:     types.TradeHolding,
		RealizedPnLUSD: decimal.NewFromInt(42),
		TotalTrades:    3,
		Position:       &types.Position{Side: types.Long, EntryPrice: decimal.NewFromInt(1), Shares: decimal.NewFromInt(5)},
	}

	var emitted []types.Activity
	deps := testDeps()
	deps.OnActivity = func(a types.Activity) { emitted = append(emitted, a) }

	bot := New(cfg, deps, resumeFrom)
	snap := bot.Snapshot()

	if snap.Position != nil {
		t.Fatalf("expected resumed position cleared, got %+v", snap.Position)
	}
	if snap.TotalTrades != 3 {
		t.Fatalf("expected resumed trade count carried forward, got %d", snap.TotalTrades)
	}
	if !snap.RealizedPnLUSD.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("expected resumed realized pnl carried forward, got %s", snap.RealizedPnLUSD)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one activity noting the recovered position, got %d", len(emitted))
	}
}

func TestActivitiesEmptyBeforeAnyActivity(t *testing.T) {
	t.Parallel()

	bot := New(testBotConfig(), testDeps(), nil)
	if got := bot.Activities(); len(got) != 0 {
		t.Fatalf("expected no activity entries yet, got %d", len(got))
	}
}
