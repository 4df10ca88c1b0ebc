// Package risk implements the pre-trade validator (C6): an ordered gate a
// decision must clear before the executor (C7) is allowed to submit it.
//
// Grounded on risk.Manager's check-ordering pattern (per-market cap → global
// cap → daily loss → price-shock) generalized into the synchronous 11-step
// gate this agent needs, and its kill-switch-with-cooldown state
// (killSwitchActive/killSwitchUntil, lazily cleared on read), which is kept
// almost unchanged since it already does what's required here.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/pkg/types"
)

// settlementDelay is the minimum time the validator insists elapse between
// a bot's exit and its next entry, independent of the configured cooldown,
// to let the exchange settle the prior fill before a new one is risked.
const settlementDelay = 2 * time.Second

// Decision is the pre-trade intent the validator checks.
type Decision struct {
	BotID          string
	Action         types.TargetAction
	ReferencePrice decimal.Decimal // price the decision was made against
	IsExit         bool            // true for a position-closing order, skips the entry guard
}

// MarketHealth is a point-in-time snapshot of the token's order book used
// by the liquidity/spread/slippage checks.
type MarketHealth struct {
	BidLiquidityUSD decimal.Decimal
	AskLiquidityUSD decimal.Decimal
	SpreadPct       float64
	CurrentPrice    decimal.Decimal
}

// WalletHealth is the operator wallet's current collateral/allowance.
type WalletHealth struct {
	BalanceUSD   decimal.Decimal
	AllowanceUSD decimal.Decimal
}

// Validator gates decisions. One instance is shared across all bots in the
// process since the kill switch and daily loss budget are process-wide
// (distilled §9: exactly one GlobalSettings).
type Validator struct {
	mu sync.Mutex

	cooldownAfterKill time.Duration

	killSwitchActive bool
	killSwitchUntil  time.Time

	dailyLossDate time.Time // midnight of the day dailyLoss accumulates against
	dailyLoss     decimal.Decimal
}

// NewValidator creates a Validator. cooldownAfterKill is how long an
// automatically-tripped kill switch (daily loss breach) stays engaged.
func NewValidator(cooldownAfterKill time.Duration) *Validator {
	return &Validator{cooldownAfterKill: cooldownAfterKill}
}

// RecordRealizedPnL feeds a closed trade's P&L into the daily-loss tracker
// and auto-engages the kill switch if the configured daily limit is breached.
func (v *Validator) RecordRealizedPnL(now time.Time, pnlUSD decimal.Decimal, dailyLimit decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !v.dailyLossDate.Equal(day) {
		v.dailyLossDate = day
		v.dailyLoss = decimal.Zero
	}
	if pnlUSD.IsNegative() {
		v.dailyLoss = v.dailyLoss.Add(pnlUSD.Abs())
	}
	if dailyLimit.IsPositive() && v.dailyLoss.GreaterThanOrEqual(dailyLimit) {
		v.killSwitchActive = true
		v.killSwitchUntil = now.Add(v.cooldownAfterKill)
	}
}

// IsAutoKillActive reports whether the validator's own daily-loss kill
// switch is currently engaged, lazily clearing it once the cooldown elapses.
func (v *Validator) IsAutoKillActive(now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.killSwitchActive && now.After(v.killSwitchUntil) {
		v.killSwitchActive = false
	}
	return v.killSwitchActive
}

// Validate runs the ordered pre-trade check list. The first failing check
// wins; its short reason code is returned for the activity log and the
// PRE_CHECK_FAILED event.
func (v *Validator) Validate(
	now time.Time,
	global *types.GlobalSettings,
	session *types.BotSession,
	cfg *types.BotConfig,
	decision Decision,
	health MarketHealth,
	wallet WalletHealth,
) (bool, string) {
	// 1. operator killswitch
	if global.KillSwitch {
		return false, "killswitch_active"
	}
	// 2. automatic daily-loss killswitch
	if v.IsAutoKillActive(now) {
		return false, "killswitch_cooldown"
	}
	// 3. session trade cap
	if cfg.MaxTradesPerSession > 0 && session.TotalTrades >= cfg.MaxTradesPerSession {
		return false, "max_trades_per_session_reached"
	}
	// 4. session loss limit
	if cfg.SessionLossLimitUSD.IsPositive() && session.RealizedPnLUSD.Neg().GreaterThanOrEqual(cfg.SessionLossLimitUSD) {
		return false, "session_loss_limit_reached"
	}
	// 5. daily loss limit (global)
	if global.MaxDailyLossUSD.IsPositive() {
		v.mu.Lock()
		breached := v.dailyLoss.GreaterThanOrEqual(global.MaxDailyLossUSD)
		v.mu.Unlock()
		if breached {
			return false, "daily_loss_limit_reached"
		}
	}
	// 6. cooldown after a prior exit
	if session.TradeState == types.TradeCooldown {
		return false, "in_cooldown"
	}
	// 7. settlement delay
	if session.LastExitTime != nil && now.Sub(*session.LastExitTime) < settlementDelay {
		return false, "settlement_delay"
	}
	// 8. concurrent-position guard (skipped for exits: an exit's job is
	// precisely to close the position this guard protects)
	if !decision.IsExit {
		if session.Position != nil {
			return false, "position_already_open"
		}
	} else if session.Position == nil {
		return false, "no_position_to_close"
	}
	// 9. balance / allowance
	if wallet.BalanceUSD.LessThan(cfg.TradeSizeUSD) {
		return false, "insufficient_balance"
	}
	if wallet.AllowanceUSD.LessThan(cfg.TradeSizeUSD) {
		return false, "insufficient_allowance"
	}
	// 10. order-book health
	if health.BidLiquidityUSD.LessThan(cfg.MinBidLiquidityUSD) {
		return false, "insufficient_bid_liquidity"
	}
	if health.AskLiquidityUSD.LessThan(cfg.MinAskLiquidityUSD) {
		return false, "insufficient_ask_liquidity"
	}
	if cfg.MaxSpreadPct > 0 && health.SpreadPct > cfg.MaxSpreadPct {
		return false, "spread_too_wide"
	}
	// 11. slippage envelope: how far has price moved since the decision was made
	if cfg.MaxSlippagePct > 0 && decision.ReferencePrice.IsPositive() {
		slip := health.CurrentPrice.Sub(decision.ReferencePrice).Div(decision.ReferencePrice).Abs()
		slipPct, _ := slip.Float64()
		if slipPct*100 > cfg.MaxSlippagePct {
			return false, "slippage_exceeded"
		}
	}

	return true, ""
}
