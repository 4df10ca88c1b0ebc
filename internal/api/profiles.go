package api

import "spiketrader/pkg/types"

// StrategyProfile is a named preset of strategy parameters the dashboard
// offers as a starting point for creating a bot — the operator still fills
// in the per-bot wallet, token, and trade size themselves; a profile only
// pre-fills the strategy/risk knobs.
type StrategyProfile struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	StrategyMode types.StrategyMode `json:"strategy_mode"`
	EntryMode    types.EntryMode    `json:"entry_mode"`

	SpikeThresholdPct   float64 `json:"spike_threshold_pct"`
	SpikeWindowsSeconds []int   `json:"spike_windows_seconds"`
	MaxVolatilityCV     float64 `json:"max_volatility_cv"`

	TakeProfitPct   float64 `json:"take_profit_pct"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	MaxHoldSeconds  int     `json:"max_hold_seconds"`
	CooldownSeconds int     `json:"cooldown_seconds"`

	RebuyStrategy types.RebuyStrategy `json:"rebuy_strategy"`
}

// builtinProfiles are the operator-facing presets. There is no per-profile
// persistence yet — these are fixed until an operator asks for custom,
// saved profiles.
var builtinProfiles = []StrategyProfile{
	{
		Name:                "train-of-trade-conservative",
		Description:         "Rides confirmed spikes with a tight stop and modest take-profit; waits for a spike before ever entering.",
		StrategyMode:        types.ModeTrainOfTrade,
		EntryMode:           types.EntryWaitForSpike,
		SpikeThresholdPct:   3.0,
		SpikeWindowsSeconds: []int{30, 120, 300},
		MaxVolatilityCV:     0.15,
		TakeProfitPct:       2.0,
		StopLossPct:         1.0,
		MaxHoldSeconds:      900,
		CooldownSeconds:     60,
		RebuyStrategy:       types.RebuyImmediate,
	},
	{
		Name:                "spike-fade-reversion",
		Description:         "Fades a detected spike expecting reversion; single round trip, no automatic rebuy.",
		StrategyMode:        types.ModeSpikeFade,
		EntryMode:           types.EntryWaitForSpike,
		SpikeThresholdPct:   4.0,
		SpikeWindowsSeconds: []int{15, 60},
		MaxVolatilityCV:     0.25,
		TakeProfitPct:       3.0,
		StopLossPct:         1.5,
		MaxHoldSeconds:      600,
		CooldownSeconds:     0,
		RebuyStrategy:       types.RebuyNone,
	},
	{
		Name:                "immediate-entry-scalp",
		Description:         "Enters as soon as the price stream warms up, independent of any spike, then cycles on dips.",
		StrategyMode:        types.ModeTrainOfTrade,
		EntryMode:           types.EntryImmediateBuy,
		SpikeThresholdPct:   2.5,
		SpikeWindowsSeconds: []int{30, 90},
		MaxVolatilityCV:     0.20,
		TakeProfitPct:       1.0,
		StopLossPct:         0.75,
		MaxHoldSeconds:      300,
		CooldownSeconds:     30,
		RebuyStrategy:       types.RebuyOnDip,
	},
}

// DefaultProfiles returns the built-in strategy presets.
func DefaultProfiles() []StrategyProfile {
	return builtinProfiles
}
