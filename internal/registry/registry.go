// Package registry implements the bot registry and broadcast bus (C9): the
// process-wide map of running bots, durable config/settlement persistence,
// the process-wide GlobalSettings (kill switch, defaults), and the
// WebSocket-token -> bot routing table that feeds price ticks to the right
// bot's stream.
//
// Grounded on engine.Engine's slots/tokenMap/dashboardEvents ownership,
// generalized from "one market per maker goroutine" to "one configured bot
// per decision-loop goroutine", and from engine's single dashboardEvents
// channel to registry.Bus's per-subscriber bounded queues.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spiketrader/internal/config"
	"spiketrader/internal/exchange"
	"spiketrader/internal/executor"
	"spiketrader/internal/priceed"
	"spiketrader/internal/risk"
	"spiketrader/internal/secrets"
	"spiketrader/internal/session"
	"spiketrader/internal/spike"
	"spiketrader/internal/store"
	"spiketrader/internal/strategy"
	"spiketrader/pkg/types"
)

// Registry owns every configured bot and the process-wide settings and
// storage they share.
type Registry struct {
	client     *exchange.Client // bootstrap client: public endpoints only (e.g. ResolveTokenId)
	validator  *risk.Validator
	store      *store.Store
	bus        *Bus
	marketFeed *exchange.WSFeed
	logger     *slog.Logger

	exchangeCfg config.Config // API endpoints/chain ID shared by every bot's own client
	box         *secrets.Box  // opens each bot's own WalletSecretEnc

	mu   sync.RWMutex
	bots map[string]*session.Bot

	tokenMapMu sync.RWMutex
	tokenMap   map[string]string // token ID -> bot ID, for WS tick routing

	settingsMu sync.RWMutex
	settings   types.GlobalSettings

	ctx context.Context
}

// New creates an empty Registry and loads the persisted GlobalSettings (or
// defaults, if none were ever saved). marketFeed is the shared public market
// WebSocket feed; the registry subscribes each bot's token on it as bots are
// created or restored. client is a bootstrap client used only for public,
// unsigned endpoints (e.g. ResolveTokenId) — each bot's own trading client is
// built from its own wallet secret, opened through box, when the bot is
// added (see addBotLocked).
func New(ctx context.Context, client *exchange.Client, validator *risk.Validator, st *store.Store, bus *Bus, marketFeed *exchange.WSFeed, exchangeCfg config.Config, box *secrets.Box, logger *slog.Logger) *Registry {
	r := &Registry{
		client:      client,
		validator:   validator,
		store:       st,
		bus:         bus,
		marketFeed:  marketFeed,
		exchangeCfg: exchangeCfg,
		box:         box,
		logger:      logger.With("component", "registry"),
		bots:        make(map[string]*session.Bot),
		tokenMap:    make(map[string]string),
		ctx:         ctx,
	}

	if g, err := st.LoadGlobalSettings(); err != nil {
		logger.Warn("failed to load global settings, using defaults", "error", err)
	} else if g != nil {
		r.settings = *g
	}
	if r.settings.MaxConcurrentBots == 0 {
		r.settings.MaxConcurrentBots = 10
	}

	return r
}

// RestoreAll rehydrates every bot persisted in the store, without starting
// them — the operator decides which bots actually run. Each bot's session counters (realized PnL, trade
// counts, last exit time) are rebuilt by folding its durable settlement log,
// so a restart does not silently reset them to zero; any position open at
// crash time is not itself recoverable (only settled trades are durably
// logged), so it is simply absent from the rebuilt snapshot rather than
// auto-reopened.
func (r *Registry) RestoreAll() error {
	configs, err := r.store.ListBotConfigs()
	if err != nil {
		return fmt.Errorf("restore bots: %w", err)
	}
	for _, cfg := range configs {
		cfg := cfg
		resumeFrom, err := r.rebuildSession(&cfg)
		if err != nil {
			r.logger.Error("failed to rebuild session from settlement log, starting fresh", "bot_id", cfg.BotID, "error", err)
			resumeFrom = nil
		}
		if err := r.addBotLocked(&cfg, resumeFrom); err != nil {
			r.logger.Error("failed to restore bot", "bot_id", cfg.BotID, "error", err)
		}
	}
	return nil
}

// rebuildSession reconstructs a BotSession snapshot from the bot's durable
// settlement log, for RestoreAll to hand to strategy.NewMachine as
// resumeFrom. Returns nil, nil if the bot has no settlement history yet.
func (r *Registry) rebuildSession(cfg *types.BotConfig) (*types.BotSession, error) {
	records, err := r.store.LoadSettlements(cfg.BotID)
	if err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	session := types.BotSession{Config: *cfg, State: types.BotStopped, TradeState: types.TradeFlat}
	for _, rec := range records {
		session.RealizedPnLUSD = session.RealizedPnLUSD.Add(rec.PnLUSD)
		session.TotalTrades++
		if rec.PnLUSD.IsPositive() {
			session.WinningTrades++
		} else if rec.PnLUSD.IsNegative() {
			session.LosingTrades++
		}
		closedAt := rec.ClosedAt
		if session.LastExitTime == nil || closedAt.After(*session.LastExitTime) {
			session.LastExitTime = &closedAt
		}
	}
	session.UpdatedAt = time.Now()
	return &session, nil
}

// GlobalSettings returns a copy of the current process-wide settings.
func (r *Registry) GlobalSettings() types.GlobalSettings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

// SetGlobalSettings replaces the process-wide settings and persists them.
func (r *Registry) SetGlobalSettings(g types.GlobalSettings) error {
	g.UpdatedAt = time.Now()
	r.settingsMu.Lock()
	r.settings = g
	r.settingsMu.Unlock()

	r.bus.Publish(Event{Kind: EventGlobalSettings, Data: g})
	return r.store.SaveGlobalSettings(g)
}

// SetKillSwitch flips the operator kill switch on or off.
func (r *Registry) SetKillSwitch(active bool) error {
	g := r.GlobalSettings()
	g.KillSwitch = active
	return r.SetGlobalSettings(g)
}

// Create registers a new bot from its config, persists it, and leaves it
// stopped until Start is called.
func (r *Registry) Create(cfg types.BotConfig) (*session.Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bot config: %w", err)
	}

	r.mu.RLock()
	_, exists := r.bots[cfg.BotID]
	count := len(r.bots)
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("registry: bot %s already exists", cfg.BotID)
	}
	if max := r.GlobalSettings().MaxConcurrentBots; max > 0 && count >= max {
		return nil, fmt.Errorf("registry: max concurrent bots (%d) reached", max)
	}

	if cfg.TokenID == "" && cfg.MarketSlug != "" {
		tokenID, err := r.client.ResolveTokenId(r.ctx, cfg.MarketSlug, 0)
		if err != nil {
			return nil, fmt.Errorf("resolve token id: %w", err)
		}
		cfg.TokenID = tokenID
	}

	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := r.store.SaveBotConfig(cfg); err != nil {
		return nil, fmt.Errorf("persist bot config: %w", err)
	}

	if err := r.addBotLocked(&cfg, nil); err != nil {
		return nil, err
	}
	bot, _ := r.get(cfg.BotID)
	return bot, nil
}

// Update replaces a bot's configuration in place. Rejects while the bot is
// running — stop it first. If the token changes, the market feed
// subscription is moved to the new token.
func (r *Registry) Update(cfg types.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}

	bot, ok := r.get(cfg.BotID)
	if !ok {
		return fmt.Errorf("registry: bot %s not found", cfg.BotID)
	}
	if bot.Snapshot().State == types.BotRunning {
		return fmt.Errorf("registry: bot %s is running; stop it before updating", cfg.BotID)
	}

	prevSession := bot.Snapshot()
	oldToken := prevSession.Config.TokenID

	cfg.CreatedAt = prevSession.Config.CreatedAt
	cfg.UpdatedAt = time.Now()
	if err := r.store.SaveBotConfig(cfg); err != nil {
		return fmt.Errorf("persist bot config: %w", err)
	}

	r.mu.Lock()
	delete(r.bots, cfg.BotID)
	r.mu.Unlock()

	// Carry the bot's trade statistics forward across the update; it was
	// stopped (checked above) so there's no open position to preserve.
	prevSession.Config = cfg
	if err := r.addBotLocked(&cfg, &prevSession); err != nil {
		return fmt.Errorf("rebuild bot after update: %w", err)
	}

	if oldToken != cfg.TokenID {
		r.tokenMapMu.Lock()
		delete(r.tokenMap, oldToken)
		r.tokenMapMu.Unlock()
		if r.marketFeed != nil && oldToken != "" {
			if err := r.marketFeed.Unsubscribe(r.ctx, []string{oldToken}); err != nil {
				r.logger.Error("failed to unsubscribe old token after update", "bot_id", cfg.BotID, "token_id", oldToken, "error", err)
			}
		}
	}

	return nil
}

// buildBotExchange decrypts cfg's own wallet secret and builds a trading
// client and executor scoped to it — each bot signs with its own key, never
// the process's bootstrap wallet.
func (r *Registry) buildBotExchange(cfg *types.BotConfig) (*exchange.Client, *executor.Executor, error) {
	secret, err := r.box.Open(cfg.WalletSecretEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("open wallet secret: %w", err)
	}

	auth, err := exchange.NewAuthFromSecret(secret, cfg.FunderAddress, sigTypeFor(cfg.SignatureMode), r.exchangeCfg.Wallet.ChainID, exchange.Credentials{
		ApiKey:     r.exchangeCfg.API.ApiKey,
		Secret:     r.exchangeCfg.API.Secret,
		Passphrase: r.exchangeCfg.API.Passphrase,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build auth: %w", err)
	}

	client := exchange.NewClient(r.exchangeCfg, auth, r.logger.With("bot_id", cfg.BotID))

	if !auth.HasL2Credentials() {
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		creds, err := client.DeriveAPIKey(ctx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("derive L2 credentials: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	return client, executor.NewExecutor(client, r.logger), nil
}

// sigTypeFor maps BotConfig.SignatureMode to the exchange's numeric
// signature type (0 = EOA/direct, 1 = PROXY).
func sigTypeFor(mode string) int {
	if mode == "proxy" {
		return 1
	}
	return 0
}

func (r *Registry) addBotLocked(cfg *types.BotConfig, resumeFrom *types.BotSession) error {
	botID := cfg.BotID

	client, exec, err := r.buildBotExchange(cfg)
	if err != nil {
		return fmt.Errorf("build bot exchange client: %w", err)
	}

	deps := session.Deps{
		Client:         client,
		Executor:       exec,
		Validator:      r.validator,
		Logger:         r.logger,
		WSUserURL:      r.exchangeCfg.API.WSUserURL,
		GlobalSettings: r.GlobalSettings,
		OnActivity: func(a types.Activity) {
			r.bus.Publish(Event{Kind: EventActivity, BotID: botID, Data: a})
		},
		OnSettlement: func(rec types.SettlementRecord) {
			if err := r.store.AppendSettlement(rec); err != nil {
				r.logger.Error("failed to persist settlement", "bot_id", botID, "error", err)
			}
			r.bus.Publish(Event{Kind: EventSettlement, BotID: botID, Data: rec})
		},
	}

	bot := session.New(cfg, deps, resumeFrom)

	r.mu.Lock()
	r.bots[botID] = bot
	r.mu.Unlock()

	r.tokenMapMu.Lock()
	r.tokenMap[cfg.TokenID] = botID
	r.tokenMapMu.Unlock()

	if r.marketFeed != nil && cfg.TokenID != "" {
		if err := r.marketFeed.Subscribe(r.ctx, []string{cfg.TokenID}); err != nil {
			r.logger.Error("failed to subscribe token on market feed", "bot_id", botID, "token_id", cfg.TokenID, "error", err)
		}
	}

	return nil
}

// Start begins running a previously created bot. Its token was already
// mapped for RouteTick and subscribed on the market feed when the bot was
// registered (addBotLocked).
func (r *Registry) Start(botID string) error {
	bot, ok := r.get(botID)
	if !ok {
		return fmt.Errorf("registry: bot %s not found", botID)
	}
	bot.Start(r.ctx)
	return nil
}

// Stop halts a running bot's decision loop but keeps it registered.
func (r *Registry) Stop(botID string) error {
	bot, ok := r.get(botID)
	if !ok {
		return fmt.Errorf("registry: bot %s not found", botID)
	}
	bot.Stop()
	return nil
}

// Pause/Resume/ManualTrade/ManualClose deliver operator commands to a
// running bot's decision loop.

func (r *Registry) Pause(botID string) error {
	return r.sendCommand(botID, strategy.Command{Kind: strategy.CmdPause})
}

func (r *Registry) Resume(botID string) error {
	return r.sendCommand(botID, strategy.Command{Kind: strategy.CmdResume})
}

func (r *Registry) ManualTrade(botID string, action types.TargetAction) error {
	return r.sendCommand(botID, strategy.Command{Kind: strategy.CmdManualTrade, Action: action})
}

func (r *Registry) ManualClose(botID string) error {
	return r.sendCommand(botID, strategy.Command{Kind: strategy.CmdManualClose})
}

func (r *Registry) sendCommand(botID string, cmd strategy.Command) error {
	bot, ok := r.get(botID)
	if !ok {
		return fmt.Errorf("registry: bot %s not found", botID)
	}
	return bot.SendCommand(cmd)
}

// Delete stops (if running) and permanently removes a bot and its routing.
func (r *Registry) Delete(botID string) error {
	bot, ok := r.get(botID)
	if !ok {
		return fmt.Errorf("registry: bot %s not found", botID)
	}
	bot.Stop()
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := bot.CancelAll(cancelCtx); err != nil {
		r.logger.Warn("failed to cancel orders before deleting bot", "bot_id", botID, "error", err)
	}
	cancel()

	r.mu.Lock()
	delete(r.bots, botID)
	r.mu.Unlock()

	r.tokenMapMu.Lock()
	var freedToken string
	for token, id := range r.tokenMap {
		if id == botID {
			freedToken = token
			delete(r.tokenMap, token)
		}
	}
	r.tokenMapMu.Unlock()

	if r.marketFeed != nil && freedToken != "" {
		if err := r.marketFeed.Unsubscribe(r.ctx, []string{freedToken}); err != nil {
			r.logger.Error("failed to unsubscribe token on market feed", "bot_id", botID, "token_id", freedToken, "error", err)
		}
	}

	return r.store.DeleteBotConfig(botID)
}

// Get returns one bot's current session snapshot.
func (r *Registry) Get(botID string) (types.BotSession, bool) {
	bot, ok := r.get(botID)
	if !ok {
		return types.BotSession{}, false
	}
	return bot.Snapshot(), true
}

// Activities returns one bot's recent activity log.
func (r *Registry) Activities(botID string) ([]types.Activity, bool) {
	bot, ok := r.get(botID)
	if !ok {
		return nil, false
	}
	return bot.Activities(), true
}

// ChartData returns one bot's retained price history.
func (r *Registry) ChartData(botID string) ([]types.PricePoint, bool) {
	bot, ok := r.get(botID)
	if !ok {
		return nil, false
	}
	return bot.ChartData(), true
}

// OrderBook fetches the live order book for one bot's token.
func (r *Registry) OrderBook(ctx context.Context, botID string) (*types.BookResponse, error) {
	bot, ok := r.get(botID)
	if !ok {
		return nil, fmt.Errorf("registry: bot %s not found", botID)
	}
	return bot.OrderBook(ctx)
}

// Target returns one bot's current pending target, if any.
func (r *Registry) Target(botID string) (*types.Target, bool) {
	bot, ok := r.get(botID)
	if !ok {
		return nil, false
	}
	return bot.Target(), true
}

// SpikeStatus evaluates one bot's spike detector against its current price
// history, without mutating any session state.
func (r *Registry) SpikeStatus(botID string) (spike.Result, bool) {
	bot, ok := r.get(botID)
	if !ok {
		return spike.Result{}, false
	}
	return bot.SpikeStatus(), true
}

// List returns every registered bot's current session snapshot.
func (r *Registry) List() []types.BotSession {
	r.mu.RLock()
	bots := make([]*session.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		bots = append(bots, b)
	}
	r.mu.RUnlock()

	out := make([]types.BotSession, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Snapshot())
	}
	return out
}

// RouteTick feeds a last-trade-price observation into the bot currently
// watching that token, if any.
func (r *Registry) RouteTick(tokenID string, price priceed.Tick) {
	r.tokenMapMu.RLock()
	botID, ok := r.tokenMap[tokenID]
	r.tokenMapMu.RUnlock()
	if !ok {
		return
	}

	bot, ok := r.get(botID)
	if !ok {
		return
	}
	select {
	case bot.Stream().Ticks() <- price:
	default:
		r.logger.Warn("bot tick channel full, dropping", "bot_id", botID)
	}
}

func (r *Registry) get(botID string) (*session.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bot, ok := r.bots[botID]
	return bot, ok
}

// StopAll stops every running bot, used on graceful shutdown. It also sends
// a cancel-all to each bot's own exchange wallet as a safety net, mirroring
// Engine.Stop — though this agent only ever submits FOK orders, a crash
// mid-retry could in principle leave something resting. Each bot signs with
// its own wallet, so this is done per bot rather than once for the process.
func (r *Registry) StopAll() {
	r.mu.RLock()
	bots := make([]*session.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		bots = append(bots, b)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range bots {
		wg.Add(1)
		go func(b *session.Bot) {
			defer wg.Done()
			b.Stop()

			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.CancelAll(cancelCtx); err != nil {
				r.logger.Error("failed to cancel all orders on shutdown", "bot_id", b.ID(), "error", err)
			}
		}(b)
	}
	wg.Wait()
}
