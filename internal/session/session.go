// Package session implements the bot session (C8): the per-bot lifecycle
// wrapper that owns the strategy state machine's goroutine, its command
// channel, and its bounded activity log, and exposes a crash-safe
// start/stop/snapshot surface to the registry (C9).
//
// Grounded on engine.marketSlot/Engine.startMarketLocked's per-market
// goroutine-plus-cancel-plus-channels ownership, generalized from one
// goroutine per traded market to one goroutine per configured bot.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"spiketrader/internal/exchange"
	"spiketrader/internal/executor"
	"spiketrader/internal/priceed"
	"spiketrader/internal/risk"
	"spiketrader/internal/spike"
	"spiketrader/internal/strategy"
	"spiketrader/pkg/types"
)

// commandBufferSize is small on purpose: commands are rare, operator-issued
// actions, never a high-throughput path.
const commandBufferSize = 8

// OnActivity is invoked for every activity entry a bot's state machine
// emits, in addition to the bot's own local log — the registry wires this
// to its broadcast bus.
type OnActivity func(types.Activity)

// OnSettlement is invoked once per closed position, in addition to whatever
// durable persistence the registry performs.
type OnSettlement func(types.SettlementRecord)

// Bot owns one running (or stopped) trading bot: its decision loop
// goroutine, command channel, and activity log.
type Bot struct {
	id string

	mu       sync.RWMutex
	machine    *strategy.Machine
	stream     *priceed.Stream
	client     *exchange.Client // this bot's own wallet-scoped client, for shutdown cleanup
	userFeed   *exchange.WSFeed // this bot's own wallet-scoped user channel; nil if not configured
	tokenID    string
	ringMaxAge time.Duration

	emit OnActivity

	commands chan strategy.Command
	cancel   context.CancelFunc
	done     chan struct{}

	log *activityLog

	logger *slog.Logger
}

// Deps bundles the collaborators a new bot needs. Client and Executor are
// scoped to this bot's own wallet (each bot signs with its own key, see
// registry.Registry.addBotLocked); Validator is shared across all bots. A
// fresh Detector and Stream are created per bot since they're stateful per
// token/config.
type Deps struct {
	Client    *exchange.Client
	Executor  *executor.Executor
	Validator *risk.Validator
	Logger    *slog.Logger

	// WSUserURL, if set, gets this bot its own authenticated user-channel
	// feed (scoped to its own wallet via Client.Auth()) so fill/cancel
	// confirmations surface in its activity log independent of the
	// executor's own synchronous PlaceOrder response.
	WSUserURL string

	GlobalSettings func() types.GlobalSettings
	OnActivity     OnActivity
	OnSettlement   OnSettlement
}

// New creates a Bot in the stopped state. resumeFrom, if non-nil, is the
// last persisted session snapshot — Start will carry its statistics forward
// but never its open position (see strategy.NewMachine).
func New(cfg *types.BotConfig, deps Deps, resumeFrom *types.BotSession) *Bot {
	detector := spike.NewDetector(cfg.SpikeWindowsSeconds, cfg.SpikeThresholdPct, cfg.MaxVolatilityCV)
	ringMaxAge := 10 * time.Minute
	if need := detector.WidestWindow() + time.Minute; need > ringMaxAge {
		ringMaxAge = need
	}
	stream := priceed.NewStream(cfg.TokenID, deps.Client, ringMaxAge, deps.Logger)

	b := &Bot{
		id:         cfg.BotID,
		stream:     stream,
		client:     deps.Client,
		tokenID:    cfg.TokenID,
		ringMaxAge: ringMaxAge,
		log:        newActivityLog(),
		logger:     deps.Logger.With("component", "session", "bot_id", cfg.BotID),
	}
	b.emit = func(a types.Activity) {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now()
		}
		b.log.append(a)
		if deps.OnActivity != nil {
			deps.OnActivity(a)
		}
	}

	if deps.WSUserURL != "" {
		b.userFeed = exchange.NewUserFeed(deps.WSUserURL, deps.Client.Auth(), deps.Logger)
	}

	machineDeps := strategy.Deps{
		Client:         deps.Client,
		Stream:         stream,
		Detector:       detector,
		Validator:      deps.Validator,
		Executor:       deps.Executor,
		Logger:         deps.Logger,
		GlobalSettings: deps.GlobalSettings,
		Emit:           b.emit,
		OnSettlement: func(rec types.SettlementRecord) {
			if deps.OnSettlement != nil {
				deps.OnSettlement(rec)
			}
		},
	}
	b.machine = strategy.NewMachine(cfg, machineDeps, resumeFrom)

	return b
}

// ID returns the bot's identifier.
func (b *Bot) ID() string { return b.id }

// Start launches the price stream and decision loop goroutines. ctx governs
// both; cancelling it (directly, or via Stop) tears the bot down.
func (b *Bot) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel = cancel
	b.commands = make(chan strategy.Command, commandBufferSize)
	b.done = make(chan struct{})
	commands := b.commands
	done := b.done
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.stream.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		b.machine.Run(runCtx, commands)
	}()

	if b.userFeed != nil {
		if err := b.userFeed.Subscribe(runCtx, []string{b.tokenID}); err != nil {
			b.logger.Error("failed to subscribe user feed", "error", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := b.userFeed.Run(runCtx); err != nil && runCtx.Err() == nil {
				b.logger.Error("user feed stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			b.dispatchUserEvents(runCtx)
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	b.logger.Info("session started")
}

// dispatchUserEvents surfaces this bot's own wallet's fill/cancel
// confirmations as activity log entries, independent of the executor's own
// synchronous PlaceOrder response — visibility only, it never mutates
// Position/Target (see strategy.Machine's single-writer decision loop).
func (b *Bot) dispatchUserEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade, ok := <-b.userFeed.TradeEvents():
			if !ok {
				return
			}
			b.emit(types.Activity{
				BotID:   b.id,
				Kind:    types.ActivityConfirm,
				Message: fmt.Sprintf("user feed: trade %s %s @ %s", trade.Side, trade.Size, trade.Price),
			})
		case order, ok := <-b.userFeed.OrderEvents():
			if !ok {
				return
			}
			b.emit(types.Activity{
				BotID:   b.id,
				Kind:    types.ActivityConfirm,
				Message: fmt.Sprintf("user feed: order %s %s", order.ID, order.Type),
			})
		}
	}
}

// Stop signals the decision loop to stop, cancels the run context, and
// blocks until both goroutines have exited.
func (b *Bot) Stop() {
	b.mu.RLock()
	commands, cancel, done := b.commands, b.cancel, b.done
	b.mu.RUnlock()

	if cancel == nil {
		return
	}
	select {
	case commands <- strategy.Command{Kind: strategy.CmdStop}:
	default:
	}
	cancel()
	<-done
	if b.userFeed != nil {
		b.userFeed.Close()
	}
	b.logger.Info("session stopped")
}

// SendCommand delivers an operator command to the running decision loop.
// Returns an error if the bot isn't running or its command queue is full
// (the latter indicating a stuck decision loop, not normal backpressure).
func (b *Bot) SendCommand(cmd strategy.Command) error {
	b.mu.RLock()
	commands := b.commands
	b.mu.RUnlock()

	if commands == nil {
		return fmt.Errorf("session: bot %s is not running", b.id)
	}
	select {
	case commands <- cmd:
		return nil
	default:
		return fmt.Errorf("session: bot %s command queue full", b.id)
	}
}

// Snapshot returns a point-in-time copy of the bot's session state.
func (b *Bot) Snapshot() types.BotSession {
	return b.machine.Snapshot()
}

// Activities returns the bot's recent activity log, oldest first.
func (b *Bot) Activities() []types.Activity {
	return b.log.snapshot()
}

// Stream exposes the bot's price stream so callers (the WS market feed
// dispatcher) can route ticks to it.
func (b *Bot) Stream() *priceed.Stream { return b.stream }

// CancelAll cancels any resting orders on this bot's own wallet, as a safety
// net on shutdown or deletion — each bot signs with its own key, so this
// cannot be done once for the whole process.
func (b *Bot) CancelAll(ctx context.Context) error {
	_, err := b.client.CancelAll(ctx)
	return err
}

// ChartData returns the bot's full retained price history, oldest first,
// for the dashboard's chart-data endpoint.
func (b *Bot) ChartData() []types.PricePoint {
	return b.stream.Ring().Window(b.ringMaxAge, time.Now())
}

// OrderBook fetches the live order book for the bot's token.
func (b *Bot) OrderBook(ctx context.Context) (*types.BookResponse, error) {
	return b.client.GetOrderBook(ctx, b.tokenID)
}

// Target returns the bot's current pending target, if any.
func (b *Bot) Target() *types.Target {
	return b.machine.Snapshot().Target
}

// SpikeStatus evaluates the spike detector against the bot's current price
// history, without arming a target or otherwise mutating session state.
func (b *Bot) SpikeStatus() spike.Result {
	return b.machine.SpikeStatus()
}
