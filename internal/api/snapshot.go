package api

import (
	"time"

	"spiketrader/internal/registry"
)

// BuildSnapshot aggregates every registered bot's session plus the current
// global settings into one dashboard payload.
func BuildSnapshot(reg *registry.Registry) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp: time.Now(),
		Bots:      reg.List(),
		Settings:  reg.GlobalSettings(),
	}
}
