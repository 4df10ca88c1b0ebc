package types

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Strategy / session enums
// ————————————————————————————————————————————————————————————————————————

// StrategyMode selects which decision logic a bot's state machine runs.
type StrategyMode string

const (
	// ModeTrainOfTrade cycles BUY targets and SELL targets back to back,
	// entering on a detected spike and re-entering per RebuyStrategy after exit.
	ModeTrainOfTrade StrategyMode = "train_of_trade"
	// ModeSpikeFade enters opposite the direction of a detected spike, expecting
	// reversion; as in every mode, re-entry after exit follows RebuyStrategy.
	ModeSpikeFade StrategyMode = "spike_fade"
)

// RebuyStrategy controls whether and how a bot re-arms after closing a position.
type RebuyStrategy string

const (
	RebuyNone      RebuyStrategy = "none"       // stop after one round trip
	RebuyImmediate RebuyStrategy = "immediate"  // re-arm as soon as cooldown elapses
	RebuyOnDip     RebuyStrategy = "on_dip"     // re-arm only once price has dropped RebuyDropPct since exit
)

// EntryMode controls the bot's startup behavior: how its very first entry
// (on process/bot start) is decided, independent of later rebuy cycles.
type EntryMode string

const (
	// EntryImmediateBuy enters on the first warm price, without waiting for
	// or requiring a detected spike.
	EntryImmediateBuy EntryMode = "immediate_buy"
	// EntryDelayedBuy waits EntryDelaySeconds from warmup, then enters,
	// independent of any spike.
	EntryDelayedBuy EntryMode = "delayed_buy"
	// EntryWaitForSpike (the default) remains flat until a spike fires.
	EntryWaitForSpike EntryMode = "wait_for_spike"
)

// BotState is the bot session lifecycle.
type BotState string

const (
	BotCreated BotState = "created"
	BotRunning BotState = "running"
	BotPaused  BotState = "paused"
	BotStopped BotState = "stopped"
	BotError   BotState = "error"
)

// TradeState is the Train-of-Trade / Spike-fade state machine's internal
// phase, surfaced on BotSession for the dashboard.
type TradeState string

const (
	TradeFlat     TradeState = "flat"     // no position, no target, watching for a spike
	TradeArmed    TradeState = "armed"    // a target is pending entry (delayed entry mode)
	TradeHolding  TradeState = "holding"  // position open, watching TP/SL/max-hold targets
	TradeExiting  TradeState = "exiting"  // an exit decision has been sent to the executor
	TradeCooldown TradeState = "cooldown" // just exited, waiting out cooldown_seconds
)

// PositionSide is the directional stance of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// TargetAction is what a Target does when its condition matches.
type TargetAction string

const (
	TargetBuy  TargetAction = "buy"
	TargetSell TargetAction = "sell"
)

// ActivityKind tags an Activity log entry for filtering and display.
type ActivityKind string

const (
	ActivitySpike     ActivityKind = "spike"
	ActivitySignal    ActivityKind = "signal"
	ActivityOrder     ActivityKind = "order"
	ActivityFill      ActivityKind = "fill"
	ActivityExit      ActivityKind = "exit"
	ActivityPnL       ActivityKind = "pnl"
	ActivityCooldown  ActivityKind = "cooldown"
	ActivityConfirm   ActivityKind = "confirm"
	ActivityError     ActivityKind = "error"
	ActivitySystem    ActivityKind = "system"
)

// ————————————————————————————————————————————————————————————————————————
// BotConfig — the operator-facing, persisted configuration for one bot.
// ————————————————————————————————————————————————————————————————————————

// BotConfig fully parameterizes one bot instance. It is persisted as JSON
// (mode 0600) with WalletSecretEnc holding the opaque, encryption-at-rest
// form of the wallet's signing secret — the plaintext secret is never
// marshaled, logged, or broadcast.
type BotConfig struct {
	BotID string `json:"bot_id"`
	Name  string `json:"name"`

	MarketSlug string `json:"market_slug,omitempty"`
	TokenID    string `json:"token_id,omitempty"`

	SignatureMode  string `json:"signature_mode"` // "direct" | "proxy"
	FunderAddress  string `json:"funder_address,omitempty"`
	WalletSecretEnc string `json:"wallet_secret_enc"` // "enc:"-prefixed, opaque

	StrategyMode StrategyMode `json:"strategy_mode"`

	SpikeThresholdPct   float64 `json:"spike_threshold_pct"`
	SpikeWindowsSeconds []int   `json:"spike_windows_seconds"`
	MaxVolatilityCV     float64 `json:"max_volatility_cv"`

	TakeProfitPct      float64 `json:"take_profit_pct"`
	StopLossPct        float64 `json:"stop_loss_pct"`
	MaxHoldSeconds      int     `json:"max_hold_seconds"`
	CooldownSeconds     int     `json:"cooldown_seconds"`

	TradeSizeUSD       decimal.Decimal `json:"trade_size_usd"`
	MaxBalanceUSD      decimal.Decimal `json:"max_balance_usd"`

	EntryMode          EntryMode `json:"entry_mode"`
	EntryDelaySeconds  int       `json:"entry_delay_seconds"`

	RebuyStrategy     RebuyStrategy `json:"rebuy_strategy"`
	RebuyDelaySeconds int           `json:"rebuy_delay_seconds"`
	RebuyDropPct      float64       `json:"rebuy_drop_pct"`

	MaxTradesPerSession  int             `json:"max_trades_per_session"`
	SessionLossLimitUSD  decimal.Decimal `json:"session_loss_limit_usd"`

	MinBidLiquidityUSD decimal.Decimal `json:"min_bid_liquidity_usd"`
	MinAskLiquidityUSD decimal.Decimal `json:"min_ask_liquidity_usd"`
	MaxSpreadPct       float64         `json:"max_spread_pct"`
	MaxSlippagePct     float64         `json:"max_slippage_pct"`

	DryRun bool `json:"dry_run"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks BotConfig invariants. It does not check cross-field
// existence of the exchange token (the registry resolves it when the bot is
// created).
func (c *BotConfig) Validate() error {
	switch {
	case c.BotID == "":
		return errNewf("bot_id is required")
	case c.MarketSlug == "" && c.TokenID == "":
		return errNewf("one of market_slug or token_id is required")
	case c.SignatureMode != "direct" && c.SignatureMode != "proxy":
		return errNewf("signature_mode must be 'direct' or 'proxy'")
	case c.SignatureMode == "proxy" && c.FunderAddress == "":
		return errNewf("funder_address is required when signature_mode is 'proxy'")
	case c.WalletSecretEnc == "":
		return errNewf("wallet_secret_enc is required (each bot signs with its own wallet)")
	case c.StopLossPct <= 0:
		return errNewf("stop_loss_pct must be > 0")
	case c.TakeProfitPct <= 0:
		return errNewf("take_profit_pct must be > 0")
	case c.SpikeThresholdPct <= 0:
		return errNewf("spike_threshold_pct must be > 0")
	case len(c.SpikeWindowsSeconds) == 0:
		return errNewf("spike_windows_seconds must have at least one window")
	case c.TradeSizeUSD.LessThanOrEqual(decimal.Zero):
		return errNewf("trade_size_usd must be > 0")
	case c.MaxHoldSeconds <= 0:
		return errNewf("max_hold_seconds must be > 0")
	case c.CooldownSeconds < 0:
		return errNewf("cooldown_seconds must be >= 0")
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// GlobalSettings — the single process-wide mutable object (§9).
// ————————————————————————————————————————————————————————————————————————

// GlobalSettings holds the operator-wide defaults and the process killswitch.
// Exactly one instance exists per process; readers take an atomically swapped
// snapshot (read-copy-update), writers replace the whole value.
type GlobalSettings struct {
	DefaultTradeSizeUSD  decimal.Decimal `json:"default_trade_size_usd"`
	DefaultMaxBalanceUSD decimal.Decimal `json:"default_max_balance_usd"`
	MaxConcurrentBots    int             `json:"max_concurrent_bots"`
	MaxDailyLossUSD      decimal.Decimal `json:"max_daily_loss_usd"`
	KillSwitch           bool            `json:"kill_switch"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// PricePoint / Position / Target
// ————————————————————————————————————————————————————————————————————————

// PricePoint is one observation in the price history ring.
type PricePoint struct {
	Timestamp time.Time
	Price     decimal.Decimal
	Seq       uint64
}

// Position is a bot's single open directional stake. A bot holds at most one.
type Position struct {
	Side        PositionSide    `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Shares      decimal.Decimal `json:"shares"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	OpenedAt    time.Time       `json:"opened_at"`
	DecisionID  string          `json:"decision_id"`
	TokenID     string          `json:"token_id"`
}

// PnL computes unrealized P&L in USD and percent at the given mark price.
func (p *Position) PnL(mark decimal.Decimal) (usd decimal.Decimal, pct float64) {
	var diff decimal.Decimal
	if p.Side == Long {
		diff = mark.Sub(p.EntryPrice)
	} else {
		diff = p.EntryPrice.Sub(mark)
	}
	usd = diff.Mul(p.Shares)
	if !p.EntryPrice.IsZero() {
		pctDec := diff.Div(p.EntryPrice)
		pct, _ = pctDec.Float64()
		pct *= 100
	}
	return usd, pct
}

// Target is the single pending order-intent a bot's state machine is watching
// the price stream against. A bot holds at most one at a time.
type Target struct {
	Action      TargetAction    `json:"action"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Reason      string          `json:"reason"` // why it was armed, e.g. "startup_delayed_entry"
	CreatedAt   time.Time       `json:"created_at"`
	DecisionID  string          `json:"decision_id"`
}

// ————————————————————————————————————————————————————————————————————————
// BotSession — runtime + persisted session summary
// ————————————————————————————————————————————————————————————————————————

// BotSession is the runtime-visible summary of one bot: its config, lifecycle
// state, current position/target (if any), and cumulative session statistics.
type BotSession struct {
	Config     BotConfig  `json:"config"`
	State      BotState   `json:"state"`
	TradeState TradeState `json:"trade_state"`

	Position *Position `json:"position,omitempty"`
	Target   *Target   `json:"target,omitempty"`

	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	LastExitTime   *time.Time      `json:"last_exit_time,omitempty"`

	LastErrorMsg string    `json:"last_error_msg,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Activity is one entry in a bot's bounded in-memory activity log.
type Activity struct {
	ID        string       `json:"id"`
	BotID     string       `json:"bot_id"`
	Kind      ActivityKind `json:"kind"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SettlementRecord is the durable, append-only record of one closed position,
// appended to the bot's own settlement log in the store on every exit.
type SettlementRecord struct {
	BotID       string          `json:"bot_id"`
	DecisionID  string          `json:"decision_id"`
	Side        PositionSide    `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Shares      decimal.Decimal `json:"shares"`
	PnLUSD      decimal.Decimal `json:"pnl_usd"`
	PnLPct      float64         `json:"pnl_pct"`
	ExitReason  string          `json:"exit_reason"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

func errNewf(msg string) error { return errors.New(msg) }
