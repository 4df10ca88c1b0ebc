package session

import (
	"sync"

	"spiketrader/pkg/types"
)

// activityCap bounds how many log entries one bot retains in memory. Older
// entries are evicted on overflow; the durable settlement history (not this
// log) is what survives a restart.
const activityCap = 500

// activityLog is a bounded, append-only ring of one bot's recent activity
// entries. Modeled on priceed.Ring's bounded-append-then-evict shape,
// simplified to a length cap only (no time-based eviction: operators want
// "last N events" regardless of how old they are).
type activityLog struct {
	mu      sync.RWMutex
	entries []types.Activity
}

func newActivityLog() *activityLog {
	return &activityLog{entries: make([]types.Activity, 0, activityCap)}
}

func (l *activityLog) append(a types.Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
	if over := len(l.entries) - activityCap; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

// snapshot returns a copy of the retained entries, oldest first.
func (l *activityLog) snapshot() []types.Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Activity, len(l.entries))
	copy(out, l.entries)
	return out
}
