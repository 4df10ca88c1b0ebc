package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"spiketrader/pkg/types"
)

func TestSaveAndLoadBotConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cfg := types.BotConfig{
		BotID:        "bot1",
		TokenID:      "12345",
		StrategyMode: types.ModeSpikeFade,
		TradeSizeUSD: decimal.NewFromFloat(25.5),
	}

	if err := s.SaveBotConfig(cfg); err != nil {
		t.Fatalf("SaveBotConfig: %v", err)
	}

	loaded, err := s.LoadBotConfig("bot1")
	if err != nil {
		t.Fatalf("LoadBotConfig: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadBotConfig returned nil")
	}
	if loaded.TokenID != cfg.TokenID {
		t.Errorf("TokenID = %v, want %v", loaded.TokenID, cfg.TokenID)
	}
	if !loaded.TradeSizeUSD.Equal(cfg.TradeSizeUSD) {
		t.Errorf("TradeSizeUSD = %v, want %v", loaded.TradeSizeUSD, cfg.TradeSizeUSD)
	}
}

func TestLoadBotConfigMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadBotConfig("nonexistent")
	if err != nil {
		t.Fatalf("LoadBotConfig: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing bot config, got %+v", loaded)
	}
}

func TestSaveBotConfigOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cfg1 := types.BotConfig{BotID: "bot1", Name: "first"}
	cfg2 := types.BotConfig{BotID: "bot1", Name: "second"}

	_ = s.SaveBotConfig(cfg1)
	_ = s.SaveBotConfig(cfg2)

	loaded, err := s.LoadBotConfig("bot1")
	if err != nil {
		t.Fatalf("LoadBotConfig: %v", err)
	}
	if loaded.Name != "second" {
		t.Errorf("Name = %v, want %q (latest save)", loaded.Name, "second")
	}
}

func TestListBotConfigs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveBotConfig(types.BotConfig{BotID: "bot1"})
	_ = s.SaveBotConfig(types.BotConfig{BotID: "bot2"})

	configs, err := s.ListBotConfigs()
	if err != nil {
		t.Fatalf("ListBotConfigs: %v", err)
	}
	if len(configs) != 2 {
		t.Errorf("got %d configs, want 2", len(configs))
	}
}

func TestAppendAndLoadSettlements(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec1 := types.SettlementRecord{BotID: "bot1", DecisionID: "d1", PnLUSD: decimal.NewFromFloat(1.5)}
	rec2 := types.SettlementRecord{BotID: "bot1", DecisionID: "d2", PnLUSD: decimal.NewFromFloat(-0.5)}

	if err := s.AppendSettlement(rec1); err != nil {
		t.Fatalf("AppendSettlement: %v", err)
	}
	if err := s.AppendSettlement(rec2); err != nil {
		t.Fatalf("AppendSettlement: %v", err)
	}

	records, err := s.LoadSettlements("bot1")
	if err != nil {
		t.Fatalf("LoadSettlements: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].DecisionID != "d1" || records[1].DecisionID != "d2" {
		t.Errorf("records out of order: %+v", records)
	}
}

func TestGlobalSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if g, err := s.LoadGlobalSettings(); err != nil || g != nil {
		t.Fatalf("expected nil, nil before first save, got %+v, %v", g, err)
	}

	settings := types.GlobalSettings{MaxConcurrentBots: 5, KillSwitch: true}
	if err := s.SaveGlobalSettings(settings); err != nil {
		t.Fatalf("SaveGlobalSettings: %v", err)
	}

	loaded, err := s.LoadGlobalSettings()
	if err != nil {
		t.Fatalf("LoadGlobalSettings: %v", err)
	}
	if loaded.MaxConcurrentBots != 5 || !loaded.KillSwitch {
		t.Errorf("loaded = %+v, want MaxConcurrentBots=5 KillSwitch=true", loaded)
	}
}
