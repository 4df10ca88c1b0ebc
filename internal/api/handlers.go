package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"spiketrader/internal/config"
	"spiketrader/internal/registry"
	"spiketrader/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	registry *registry.Registry
	cfg      config.DashboardConfig
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(reg *registry.Registry, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		registry: reg,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(h.registry))
}

// HandleListBots returns every registered bot's session.
func (h *Handlers) HandleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// HandleCreateBot registers a new bot from a posted BotConfig.
func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var cfg types.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bot, err := h.registry.Create(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, bot.Snapshot())
}

// HandleGetBot returns one bot's session.
func (h *Handlers) HandleGetBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	session, ok := h.registry.Get(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleUpdateBot replaces a bot's configuration. Rejects while running.
func (h *Handlers) HandleUpdateBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	var cfg types.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.BotID = botID

	if err := h.registry.Update(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, _ := h.registry.Get(botID)
	writeJSON(w, http.StatusOK, session)
}

// HandleChartData returns one bot's retained price history.
func (h *Handlers) HandleChartData(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	points, ok := h.registry.ChartData(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// HandleOrderBook returns the live order book for a bot's token.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	book, err := h.registry.OrderBook(r.Context(), botID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// HandleTarget returns a bot's current pending target, if any.
func (h *Handlers) HandleTarget(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	target, ok := h.registry.Target(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// HandleSpikeStatus returns the live (read-only) spike detector evaluation
// for a bot's current price history.
func (h *Handlers) HandleSpikeStatus(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	status, ok := h.registry.SpikeStatus(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleListProfiles returns the built-in strategy presets offered as a
// starting point when creating a bot.
func (h *Handlers) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DefaultProfiles())
}

// HandleDeleteBot stops (if running) and permanently removes a bot.
func (h *Handlers) HandleDeleteBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if err := h.registry.Delete(botID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBotActivity returns a bot's recent activity log.
func (h *Handlers) HandleBotActivity(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	activities, ok := h.registry.Activities(botID)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, activities)
}

// HandleStartBot starts a previously created bot's decision loop.
func (h *Handlers) HandleStartBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.registry.Start)
}

// HandleStopBot stops a running bot's decision loop but keeps it registered.
func (h *Handlers) HandleStopBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.registry.Stop)
}

// HandlePauseBot pauses entry/exit evaluation without tearing down the loop.
func (h *Handlers) HandlePauseBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.registry.Pause)
}

// HandleResumeBot resumes a paused bot.
func (h *Handlers) HandleResumeBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.registry.Resume)
}

// HandleManualClose forces an open position closed regardless of TP/SL state.
func (h *Handlers) HandleManualClose(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.registry.ManualClose)
}

func (h *Handlers) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	botID := r.PathValue("bot_id")
	if err := action(botID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleManualTrade forces an entry in the given direction outside the normal
// spike-triggered flow, subject to the same risk validation as an automatic entry.
func (h *Handlers) HandleManualTrade(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	var req manualTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != types.TargetBuy && req.Action != types.TargetSell {
		writeError(w, http.StatusBadRequest, "action must be 'buy' or 'sell'")
		return
	}

	if err := h.registry.ManualTrade(botID, req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGetSettings returns the process-wide global settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.GlobalSettings())
}

// HandlePutSettings replaces the process-wide global settings.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var g types.GlobalSettings
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.registry.SetGlobalSettings(g); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.registry.GlobalSettings())
}

// HandleKillSwitch flips the operator kill switch on or off for every bot.
func (h *Handlers) HandleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.registry.SetKillSwitch(req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection and creates a new dashboard client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), h.cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := h.hub.NewClient(conn)

	snapshot := BuildSnapshot(h.registry)
	data, err := json.Marshal(wsMessage{Type: "snapshot", Data: snapshot})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	client.Send(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		// Non-browser clients often omit Origin; keep this path functional.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
