// Package strategy implements the Strategy / Target State Machine (C5): the
// Train-of-Trade and Spike-fade decision loop that turns a detected spike
// into a target, a target into a validated order, and a filled order into a
// position that is itself watched for take-profit, stop-loss, and max-hold
// exits.
//
// The Run select-loop (ticker-equivalent price updates + command channel +
// ctx.Done) is kept in the same shape as strategy.Maker.Run; the content
// (Avellaneda-Stoikov quoting) is replaced entirely by target-cycling logic.
// Position P&L accounting follows strategy.Inventory's average-cost /
// realize-on-reduce pattern, simplified to the spec's single-sided
// Long/Short position.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/exchange"
	"spiketrader/internal/executor"
	"spiketrader/internal/priceed"
	"spiketrader/internal/risk"
	"spiketrader/internal/spike"
	"spiketrader/pkg/types"
)

// CommandKind enumerates the operator commands the control surface can send
// to a running bot's decision loop.
type CommandKind string

const (
	CmdPause       CommandKind = "pause"
	CmdResume      CommandKind = "resume"
	CmdStop        CommandKind = "stop"
	CmdManualTrade CommandKind = "manual_trade" // force an entry now, bypassing the detector
	CmdManualClose CommandKind = "manual_close" // force the current position closed now
)

// Command is one operator instruction delivered to a bot's decision loop.
type Command struct {
	Kind   CommandKind
	Action types.TargetAction // for CmdManualTrade
}

// Deps bundles the collaborators the state machine needs. Validator is shared
// across bots; Client and Executor are bound to this bot's wallet, and Stream
// and Detector belong to this bot alone.
type Deps struct {
	Client    *exchange.Client
	Stream    *priceed.Stream
	Detector  *spike.Detector
	Validator *risk.Validator
	Executor  *executor.Executor
	Logger    *slog.Logger

	// GlobalSettings returns the current process-wide settings snapshot
	// (read-copy-update: callers get a stable value, never a pointer into
	// mutable state).
	GlobalSettings func() types.GlobalSettings

	// Emit publishes one activity log entry / dashboard event. Must not block.
	Emit func(types.Activity)

	// OnSettlement is invoked once per closed position with the durable
	// settlement record to write (C9's store).
	OnSettlement func(types.SettlementRecord)
}

// Machine runs one bot's decision loop. It owns the mutable BotSession; all
// fields of Session are only ever written from the Run goroutine (single
// writer), so callers needing a consistent view must use Snapshot.
type Machine struct {
	cfg     *types.BotConfig
	session types.BotSession
	deps    Deps

	paused           bool
	startupEntryDone bool // EntryImmediateBuy/EntryDelayedBuy apply once, at startup, never on rebuy

	entryTimer    *time.Timer
	maxHoldTimer  *time.Timer
	cooldownTimer *time.Timer
}

// NewMachine creates a decision loop for one bot, initialized to BotCreated
// / TradeFlat unless resumeFrom is non-nil (crash recovery: the session is
// restored from its last persisted snapshot, but per distilled §4.8 any
// previously open position is logged, not auto-reopened for trading).
func NewMachine(cfg *types.BotConfig, deps Deps, resumeFrom *types.BotSession) *Machine {
	m := &Machine{cfg: cfg, deps: deps}
	if resumeFrom != nil {
		m.session = *resumeFrom
		if m.session.Position != nil {
			deps.Emit(types.Activity{
				BotID:   cfg.BotID,
				Kind:    types.ActivitySystem,
				Message: fmt.Sprintf("recovered session with an open %s position from a prior run; not auto-managed, closing manually is required", m.session.Position.Side),
			})
		}
		m.session.Position = nil
		m.session.Target = nil
		m.session.TradeState = types.TradeFlat
	} else {
		m.session = types.BotSession{Config: *cfg, State: types.BotCreated, TradeState: types.TradeFlat}
	}
	return m
}

// Snapshot returns a copy of the current session state, safe to read from
// any goroutine.
func (m *Machine) Snapshot() types.BotSession {
	return m.session
}

// SpikeStatus evaluates the detector against the current price ring, for
// the control surface's read-only /spike-status endpoint. It is read-only:
// unlike the decision loop's own evaluateEntry, calling this never arms a
// target or mutates session state.
func (m *Machine) SpikeStatus() spike.Result {
	return m.deps.Detector.Evaluate(m.deps.Stream.Ring(), time.Now())
}

// Run drives the decision loop until ctx is cancelled or a CmdStop is
// received. commands is read-only from this goroutine's perspective.
func (m *Machine) Run(ctx context.Context, commands <-chan Command) {
	m.session.State = types.BotRunning
	m.session.StartedAt = time.Now()
	m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivitySystem, Message: "bot started"})

	defer m.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if m.handleCommand(ctx, cmd) {
				return
			}

		case update, ok := <-m.deps.Stream.Updates():
			if !ok {
				return
			}
			if m.paused || m.session.State != types.BotRunning {
				continue
			}
			m.onPriceUpdate(ctx, update)

		case <-m.timerFired(m.entryTimer):
			if !m.paused {
				m.onEntryTimer(ctx)
			}

		case <-m.timerFired(m.maxHoldTimer):
			if !m.paused {
				m.onMaxHoldTimer(ctx)
			}

		case <-m.timerFired(m.cooldownTimer):
			if !m.paused {
				m.onCooldownTimer(ctx)
			}
		}
	}
}

// timerFired returns the timer's channel, or a nil channel (blocks forever,
// never selected) when no timer is currently armed.
func (m *Machine) timerFired(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Machine) handleCommand(ctx context.Context, cmd Command) (stop bool) {
	switch cmd.Kind {
	case CmdPause:
		m.paused = true
		m.session.State = types.BotPaused
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivitySystem, Message: "bot paused"})
	case CmdResume:
		m.paused = false
		m.session.State = types.BotRunning
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivitySystem, Message: "bot resumed"})
	case CmdStop:
		m.session.State = types.BotStopped
		return true
	case CmdManualTrade:
		if m.session.TradeState == types.TradeFlat {
			latest, ok := m.deps.Stream.Ring().Latest()
			if ok {
				m.enter(ctx, cmd.Action, latest.Price, "manual")
			}
		}
	case CmdManualClose:
		if m.session.Position != nil {
			latest, ok := m.deps.Stream.Ring().Latest()
			if ok {
				m.exit(ctx, latest.Price, "manual")
			}
		}
	}
	return false
}

func (m *Machine) onPriceUpdate(ctx context.Context, update priceed.Update) {
	switch m.session.TradeState {
	case types.TradeFlat:
		m.evaluateEntry(ctx, update)
	case types.TradeHolding:
		m.evaluateHolding(ctx, update)
	case types.TradeCooldown:
		if m.cfg.RebuyStrategy == types.RebuyOnDip && m.session.LastExitTime != nil {
			m.evaluateRebuyOnDip(ctx, update)
		}
	}
}

func (m *Machine) evaluateEntry(ctx context.Context, update priceed.Update) {
	// Startup behavior: immediate_buy/delayed_buy fire once, on the first
	// warm price, independent of any spike and of whether the detector has
	// enough history yet. Later rebuy cycles always go through the normal
	// spike-detection path below.
	if !m.startupEntryDone {
		switch m.cfg.EntryMode {
		case types.EntryImmediateBuy:
			m.startupEntryDone = true
			m.enter(ctx, types.TargetBuy, update.Price, "immediate_buy")
			return
		case types.EntryDelayedBuy:
			m.startupEntryDone = true
			m.armDelayedStartupEntry(update)
			return
		}
	}

	result := m.deps.Detector.Evaluate(m.deps.Stream.Ring(), update.At)
	if !result.Ready || !result.Detected {
		return
	}

	action := m.directionToAction(result.Direction)
	m.deps.Emit(types.Activity{
		BotID:   m.cfg.BotID,
		Kind:    types.ActivitySpike,
		Message: fmt.Sprintf("spike detected: %s %.2f%% over %s (cv=%.2f)", result.Direction, result.WorstPctMove, result.WorstWindow, result.CV),
	})

	m.enter(ctx, action, update.Price, "spike")
}

// armDelayedStartupEntry arms the entry timer for EntryDelayedBuy: a buy
// queued EntryDelaySeconds after the stream first warms up, regardless of
// whether a spike ever fires in that window.
func (m *Machine) armDelayedStartupEntry(update priceed.Update) {
	m.session.TradeState = types.TradeArmed
	m.session.Target = &types.Target{
		Action:       types.TargetBuy,
		TriggerPrice: update.Price,
		Reason:       "startup_delayed_entry",
		CreatedAt:    update.At,
		DecisionID:   executor.NewDecisionID(),
	}
	m.entryTimer = time.NewTimer(time.Duration(m.cfg.EntryDelaySeconds) * time.Second)
}

func (m *Machine) onEntryTimer(ctx context.Context) {
	m.entryTimer = nil
	if m.session.TradeState != types.TradeArmed || m.session.Target == nil {
		return
	}
	latest, ok := m.deps.Stream.Ring().Latest()
	if !ok {
		m.session.TradeState = types.TradeFlat
		m.session.Target = nil
		return
	}
	action := m.session.Target.Action
	m.session.Target = nil
	m.session.TradeState = types.TradeFlat
	m.enter(ctx, action, latest.Price, "entry_confirm")
}

func (m *Machine) directionToAction(dir spike.Direction) types.TargetAction {
	up := dir == spike.Up
	switch m.cfg.StrategyMode {
	case types.ModeSpikeFade:
		// fade the move: up-spike -> sell short, down-spike -> buy long
		if up {
			return types.TargetSell
		}
		return types.TargetBuy
	default: // ModeTrainOfTrade: ride the move
		if up {
			return types.TargetBuy
		}
		return types.TargetSell
	}
}

func (m *Machine) enter(ctx context.Context, action types.TargetAction, refPrice decimal.Decimal, reason string) {
	side := types.Long
	orderSide := types.BUY
	if action == types.TargetSell {
		side = types.Short
		orderSide = types.SELL
	}

	health, wallet, err := m.fetchHealth(ctx)
	if err != nil {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: fmt.Sprintf("pre-check failed: %v", err)})
		m.session.TradeState = types.TradeFlat
		return
	}

	decisionID := executor.NewDecisionID()
	ok, failReason := m.deps.Validator.Validate(time.Now(), ptr(m.deps.GlobalSettings()), &m.session, m.cfg, risk.Decision{
		BotID: m.cfg.BotID, Action: action, ReferencePrice: refPrice,
	}, *health, *wallet)
	if !ok {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: "pre-check failed: " + failReason})
		m.session.TradeState = types.TradeFlat
		return
	}

	priceF, _ := refPrice.Float64()
	shares := m.cfg.TradeSizeUSD.Div(refPrice)
	sharesF, _ := shares.Float64()

	fill, err := m.deps.Executor.Submit(ctx, decisionID, types.UserOrder{
		TokenID:   m.cfg.TokenID,
		Price:     priceF,
		Size:      sharesF,
		Side:      orderSide,
		OrderType: types.OrderTypeFOK,
		TickSize:  types.Tick001,
	}, m.cfg.DryRun)
	if err != nil || fill == nil {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: fmt.Sprintf("entry order failed: %v", err)})
		m.session.TradeState = types.TradeFlat
		return
	}

	m.session.Position = &types.Position{
		Side:       side,
		EntryPrice: fill.Price,
		Shares:     fill.Shares,
		AmountUSD:  fill.Price.Mul(fill.Shares),
		OpenedAt:   fill.FilledAt,
		DecisionID: decisionID,
		TokenID:    m.cfg.TokenID,
	}
	m.session.Target = nil
	m.session.TradeState = types.TradeHolding
	m.session.TotalTrades++
	m.session.UpdatedAt = time.Now()

	m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityFill, Message: fmt.Sprintf("entered %s %.4f shares @ %s (%s)", side, sharesF, fill.Price.StringFixed(4), reason)})

	if m.cfg.MaxHoldSeconds > 0 {
		m.maxHoldTimer = time.NewTimer(time.Duration(m.cfg.MaxHoldSeconds) * time.Second)
	}
}

func (m *Machine) evaluateHolding(ctx context.Context, update priceed.Update) {
	pos := m.session.Position
	if pos == nil {
		return
	}
	pnlUSD, pnlPct := pos.PnL(update.Price)
	_ = pnlUSD

	if pnlPct >= m.cfg.TakeProfitPct {
		m.exit(ctx, update.Price, "take_profit")
		return
	}
	if pnlPct <= -m.cfg.StopLossPct {
		m.exit(ctx, update.Price, "stop_loss")
		return
	}
}

func (m *Machine) onMaxHoldTimer(ctx context.Context) {
	m.maxHoldTimer = nil
	if m.session.TradeState != types.TradeHolding || m.session.Position == nil {
		return
	}
	latest, ok := m.deps.Stream.Ring().Latest()
	if !ok {
		return
	}
	m.exit(ctx, latest.Price, "max_hold")
}

func (m *Machine) exit(ctx context.Context, refPrice decimal.Decimal, reason string) {
	pos := m.session.Position
	if pos == nil {
		return
	}
	m.session.TradeState = types.TradeExiting
	if m.maxHoldTimer != nil {
		m.maxHoldTimer.Stop()
		m.maxHoldTimer = nil
	}

	closeSide := types.SELL
	action := types.TargetSell
	if pos.Side == types.Short {
		closeSide = types.BUY
		action = types.TargetBuy
	}

	health, wallet, err := m.fetchHealth(ctx)
	if err != nil {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: fmt.Sprintf("exit pre-check failed: %v", err)})
		m.session.TradeState = types.TradeHolding
		return
	}

	ok, failReason := m.deps.Validator.Validate(time.Now(), ptr(m.deps.GlobalSettings()), &m.session, m.cfg, risk.Decision{
		BotID: m.cfg.BotID, Action: action, ReferencePrice: refPrice, IsExit: true,
	}, *health, *wallet)
	if !ok {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: "exit pre-check failed: " + failReason})
		m.session.TradeState = types.TradeHolding
		return
	}

	priceF, _ := refPrice.Float64()
	sharesF, _ := pos.Shares.Float64()

	fill, err := m.deps.Executor.Submit(ctx, pos.DecisionID+":exit", types.UserOrder{
		TokenID:   pos.TokenID,
		Price:     priceF,
		Size:      sharesF,
		Side:      closeSide,
		OrderType: types.OrderTypeFOK,
		TickSize:  types.Tick001,
	}, m.cfg.DryRun)
	if err != nil || fill == nil {
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityError, Message: fmt.Sprintf("exit order failed: %v", err)})
		m.session.TradeState = types.TradeHolding
		return
	}

	pnlUSD, pnlPct := pos.PnL(fill.Price)
	now := time.Now()

	m.session.RealizedPnLUSD = m.session.RealizedPnLUSD.Add(pnlUSD)
	if pnlUSD.IsNegative() {
		m.session.LosingTrades++
	} else {
		m.session.WinningTrades++
	}
	m.session.LastExitTime = &now
	m.session.Position = nil
	m.session.Target = nil
	m.session.TradeState = types.TradeCooldown
	m.session.UpdatedAt = now

	m.deps.Emit(types.Activity{
		BotID:   m.cfg.BotID,
		Kind:    types.ActivityExit,
		Message: fmt.Sprintf("closed %s @ %s: pnl %.2f%% ($%s) reason=%s", pos.Side, fill.Price.StringFixed(4), pnlPct, pnlUSD.StringFixed(4), reason),
	})

	m.deps.OnSettlement(types.SettlementRecord{
		BotID:      m.cfg.BotID,
		DecisionID: pos.DecisionID,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill.Price,
		Shares:     pos.Shares,
		PnLUSD:     pnlUSD,
		PnLPct:     pnlPct,
		ExitReason: reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
	})

	global := m.deps.GlobalSettings()
	m.deps.Validator.RecordRealizedPnL(now, pnlUSD, global.MaxDailyLossUSD)

	if m.cfg.RebuyStrategy == types.RebuyNone {
		m.session.State = types.BotStopped
		return
	}
	delay := time.Duration(m.cfg.CooldownSeconds) * time.Second
	if m.cfg.RebuyStrategy == types.RebuyImmediate && m.cfg.RebuyDelaySeconds > m.cfg.CooldownSeconds {
		delay = time.Duration(m.cfg.RebuyDelaySeconds) * time.Second
	}
	m.cooldownTimer = time.NewTimer(delay)
}

func (m *Machine) onCooldownTimer(ctx context.Context) {
	m.cooldownTimer = nil
	if m.session.TradeState != types.TradeCooldown {
		return
	}
	switch m.cfg.RebuyStrategy {
	case types.RebuyImmediate:
		m.session.TradeState = types.TradeFlat
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityCooldown, Message: "cooldown elapsed, re-armed"})
	case types.RebuyOnDip:
		// stay in cooldown; evaluateRebuyOnDip watches for the dip on future price updates
	default:
		m.session.State = types.BotStopped
	}
	_ = ctx
}

func (m *Machine) evaluateRebuyOnDip(ctx context.Context, update priceed.Update) {
	latestExit, ok := m.lastExitPrice()
	if !ok {
		return
	}
	dropPct := latestExit.Sub(update.Price).Div(latestExit)
	dropPctF, _ := dropPct.Float64()
	if dropPctF*100 >= m.cfg.RebuyDropPct {
		m.session.TradeState = types.TradeFlat
		m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivityCooldown, Message: "re-armed after on-dip rebuy condition met"})
	}
	_ = ctx
}

func (m *Machine) lastExitPrice() (decimal.Decimal, bool) {
	// The ring's latest-before-exit price is close enough to "exit price"
	// for the on-dip comparison; exact settlement exit price isn't retained
	// on Machine after the position clears, only in the emitted settlement
	// record, which is durable but not held in memory here.
	if m.session.LastExitTime == nil {
		return decimal.Zero, false
	}
	p, ok := m.deps.Stream.Ring().PriceAtOrBefore(*m.session.LastExitTime)
	return p.Price, ok
}

func (m *Machine) fetchHealth(ctx context.Context) (*risk.MarketHealth, *risk.WalletHealth, error) {
	book, err := m.deps.Client.GetOrderBook(ctx, m.cfg.TokenID)
	if err != nil {
		return nil, nil, err
	}
	balAllow, err := m.deps.Client.GetBalanceAndAllowance(ctx)
	if err != nil {
		return nil, nil, err
	}

	var bidLiq, askLiq decimal.Decimal
	var bestBid, bestAsk decimal.Decimal
	for _, lvl := range book.Bids {
		price, _ := decimal.NewFromString(lvl.Price)
		size, _ := decimal.NewFromString(lvl.Size)
		bidLiq = bidLiq.Add(price.Mul(size))
		if price.GreaterThan(bestBid) {
			bestBid = price
		}
	}
	for _, lvl := range book.Asks {
		price, _ := decimal.NewFromString(lvl.Price)
		size, _ := decimal.NewFromString(lvl.Size)
		askLiq = askLiq.Add(price.Mul(size))
		if bestAsk.IsZero() || price.LessThan(bestAsk) {
			bestAsk = price
		}
	}
	var spreadPct float64
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	if !mid.IsZero() {
		spread := bestAsk.Sub(bestBid).Div(mid)
		spreadPct, _ = spread.Float64()
		spreadPct *= 100
	}

	return &risk.MarketHealth{
			BidLiquidityUSD: bidLiq,
			AskLiquidityUSD: askLiq,
			SpreadPct:       spreadPct,
			CurrentPrice:    mid,
		}, &risk.WalletHealth{
			BalanceUSD:   balAllow.BalanceUSD,
			AllowanceUSD: balAllow.AllowanceUSD,
		}, nil
}

func (m *Machine) shutdown(ctx context.Context) {
	for _, t := range []*time.Timer{m.entryTimer, m.maxHoldTimer, m.cooldownTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.deps.Emit(types.Activity{BotID: m.cfg.BotID, Kind: types.ActivitySystem, Message: "bot stopped"})
	_ = ctx
}

func ptr[T any](v T) *T { return &v }

