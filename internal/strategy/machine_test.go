package strategy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/priceed"
	"spiketrader/internal/risk"
	"spiketrader/internal/spike"
	"spiketrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(mode types.StrategyMode, rebuy types.RebuyStrategy) *types.BotConfig {
	return &types.BotConfig{
		BotID:               "bot-1",
		TokenID:             "token-1",
		StrategyMode:        mode,
		SpikeThresholdPct:   5,
		SpikeWindowsSeconds: []int{30},
		TakeProfitPct:       10,
		StopLossPct:         5,
		MaxHoldSeconds:      300,
		CooldownSeconds:     60,
		TradeSizeUSD:        decimal.NewFromInt(100),
		RebuyStrategy:       rebuy,
		RebuyDropPct:        3,
	}
}

func testMachine(cfg *types.BotConfig, resumeFrom *types.BotSession) (*Machine, *[]types.Activity) {
	var activities []types.Activity
	stream := priceed.NewStream(cfg.TokenID, nil, 10*time.Minute, testLogger())
	deps := Deps{
		Stream:         stream,
		Detector:       spike.NewDetector(cfg.SpikeWindowsSeconds, cfg.SpikeThresholdPct, 0),
		Validator:      risk.NewValidator(15 * time.Minute),
		Logger:         testLogger(),
		GlobalSettings: func() types.GlobalSettings { return types.GlobalSettings{} },
		Emit:           func(a types.Activity) { activities = append(activities, a) },
		OnSettlement:   func(types.SettlementRecord) {},
	}
	return NewMachine(cfg, deps, resumeFrom), &activities
}

func TestNewMachineResumeClearsOpenPosition(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyImmediate)
	resumeFrom := &types.BotSession{
		Config:     *cfg,
		State:      types.BotRunning,
		TradeState: types.TradeHolding,
		Position:   &types.Position{Side: types.Long, EntryPrice: decimal.NewFromInt(1), Shares: decimal.NewFromInt(10)},
	}

	m, activities := testMachine(cfg, resumeFrom)
	snap := m.Snapshot()

	if snap.Position != nil {
		t.Fatalf("expected resumed position to be cleared, got %+v", snap.Position)
	}
	if snap.TradeState != types.TradeFlat {
		t.Fatalf("expected resumed trade state flat, got %s", snap.TradeState)
	}
	if len(*activities) != 1 || (*activities)[0].Kind != types.ActivitySystem {
		t.Fatalf("expected one system activity noting the recovered position, got %+v", *activities)
	}
}

func TestDirectionToAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode types.StrategyMode
		dir  spike.Direction
		want types.TargetAction
	}{
		{types.ModeTrainOfTrade, spike.Up, types.TargetBuy},
		{types.ModeTrainOfTrade, spike.Down, types.TargetSell},
		{types.ModeSpikeFade, spike.Up, types.TargetSell},
		{types.ModeSpikeFade, spike.Down, types.TargetBuy},
	}

	for _, tt := range tests {
		cfg := testConfig(tt.mode, types.RebuyNone)
		m, _ := testMachine(cfg, nil)
		if got := m.directionToAction(tt.dir); got != tt.want {
			t.Errorf("mode=%s dir=%s: got %s, want %s", tt.mode, tt.dir, got, tt.want)
		}
	}
}

func TestHandleCommandPauseResume(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyNone)
	m, _ := testMachine(cfg, nil)
	m.session.State = types.BotRunning

	if stop := m.handleCommand(context.Background(), Command{Kind: CmdPause}); stop {
		t.Fatalf("pause should not stop the loop")
	}
	if !m.paused || m.session.State != types.BotPaused {
		t.Fatalf("expected paused state, got paused=%v state=%s", m.paused, m.session.State)
	}

	if stop := m.handleCommand(context.Background(), Command{Kind: CmdResume}); stop {
		t.Fatalf("resume should not stop the loop")
	}
	if m.paused || m.session.State != types.BotRunning {
		t.Fatalf("expected running state, got paused=%v state=%s", m.paused, m.session.State)
	}
}

func TestHandleCommandStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyNone)
	m, _ := testMachine(cfg, nil)

	stop := m.handleCommand(context.Background(), Command{Kind: CmdStop})
	if !stop {
		t.Fatalf("expected CmdStop to signal the run loop to exit")
	}
	if m.session.State != types.BotStopped {
		t.Fatalf("expected state stopped, got %s", m.session.State)
	}
}

func TestOnCooldownTimerRebuyImmediate(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyImmediate)
	m, _ := testMachine(cfg, nil)
	m.session.TradeState = types.TradeCooldown

	m.onCooldownTimer(context.Background())

	if m.session.TradeState != types.TradeFlat {
		t.Fatalf("expected flat after immediate rebuy cooldown, got %s", m.session.TradeState)
	}
}

func TestOnCooldownTimerRebuyNoneStopsBot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyNone)
	m, _ := testMachine(cfg, nil)
	m.session.TradeState = types.TradeCooldown

	m.onCooldownTimer(context.Background())

	if m.session.State != types.BotStopped {
		t.Fatalf("expected bot stopped with rebuy_none, got %s", m.session.State)
	}
	if m.session.TradeState != types.TradeCooldown {
		t.Fatalf("rebuy_none should leave trade state untouched, got %s", m.session.TradeState)
	}
}

func TestOnCooldownTimerRebuyOnDipStaysInCooldown(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyOnDip)
	m, _ := testMachine(cfg, nil)
	m.session.TradeState = types.TradeCooldown

	m.onCooldownTimer(context.Background())

	if m.session.TradeState != types.TradeCooldown {
		t.Fatalf("expected to remain in cooldown awaiting the dip, got %s", m.session.TradeState)
	}
}

func TestEvaluateRebuyOnDip(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyOnDip)
	cfg.RebuyDropPct = 5
	m, activities := testMachine(cfg, nil)

	exitTime := time.Now().Add(-time.Minute)
	m.deps.Stream.Ring().Add(decimal.NewFromFloat(1.00), exitTime)
	m.session.LastExitTime = &exitTime
	m.session.TradeState = types.TradeCooldown

	m.evaluateRebuyOnDip(context.Background(), priceed.Update{Price: decimal.NewFromFloat(0.94), At: time.Now()})
	if m.session.TradeState != types.TradeFlat {
		t.Fatalf("expected re-arm once drop exceeds threshold, got %s", m.session.TradeState)
	}
	if len(*activities) == 0 {
		t.Fatalf("expected a cooldown activity to be emitted on re-arm")
	}
}

func TestEvaluateRebuyOnDipNotYetTriggered(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyOnDip)
	cfg.RebuyDropPct = 5
	m, _ := testMachine(cfg, nil)

	exitTime := time.Now().Add(-time.Minute)
	m.deps.Stream.Ring().Add(decimal.NewFromFloat(1.00), exitTime)
	m.session.LastExitTime = &exitTime
	m.session.TradeState = types.TradeCooldown

	m.evaluateRebuyOnDip(context.Background(), priceed.Update{Price: decimal.NewFromFloat(0.99), At: time.Now()})
	if m.session.TradeState != types.TradeCooldown {
		t.Fatalf("expected to remain in cooldown below the drop threshold, got %s", m.session.TradeState)
	}
}

func TestLastExitPriceNoExit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(types.ModeTrainOfTrade, types.RebuyNone)
	m, _ := testMachine(cfg, nil)

	if _, ok := m.lastExitPrice(); ok {
		t.Fatalf("expected no exit price before any exit has happened")
	}
}
