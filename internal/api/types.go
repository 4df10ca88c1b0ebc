package api

import (
	"time"

	"spiketrader/pkg/types"
)

// DashboardSnapshot is the full state a freshly connected dashboard client
// needs to render: every bot's session plus the process-wide settings.
type DashboardSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Bots      []types.BotSession `json:"bots"`
	Settings  types.GlobalSettings `json:"settings"`
}

// manualTradeRequest is the body of POST /api/bots/{bot_id}/trade.
type manualTradeRequest struct {
	Action types.TargetAction `json:"action"`
}

// killSwitchRequest is the body of POST /api/kill.
type killSwitchRequest struct {
	Active bool `json:"active"`
}

// errorResponse is the JSON body of every non-2xx handler response.
type errorResponse struct {
	Error string `json:"error"`
}
