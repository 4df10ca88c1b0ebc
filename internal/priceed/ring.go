// Package priceed implements the per-token price stream (C2) and its bounded
// price history ring (C3).
package priceed

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/pkg/types"
)

// Ring is a bounded, time-indexed sequence of price observations for one
// token. It is append-only from the perspective of the stream that feeds it
// (single writer) and supports concurrent reads. Modeled on
// strategy.FlowTracker's append-then-evict-stale rolling window, generalized
// from fill history to price history and extended with a binary-search
// lookup the detector needs.
type Ring struct {
	mu       sync.RWMutex
	maxAge   time.Duration // points older than maxAge are evicted on Add
	maxLen   int           // hard cap on stored points regardless of age
	points   []types.PricePoint
	seq      uint64
}

// NewRing creates a ring that retains points for maxAge (evicted lazily on
// each Add) and never exceeds maxLen entries.
func NewRing(maxAge time.Duration, maxLen int) *Ring {
	return &Ring{
		maxAge: maxAge,
		maxLen: maxLen,
		points: make([]types.PricePoint, 0, 256),
	}
}

// Add appends a new observation, assigning it the next monotonic sequence
// number, then evicts points past maxAge or over maxLen.
func (r *Ring) Add(price decimal.Decimal, at time.Time) types.PricePoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	p := types.PricePoint{Timestamp: at, Price: price, Seq: r.seq}
	r.points = append(r.points, p)
	r.evictLocked(at)
	return p
}

func (r *Ring) evictLocked(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	idx := 0
	for idx < len(r.points) && r.points[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.points = append(r.points[:0], r.points[idx:]...)
	}
	if r.maxLen > 0 && len(r.points) > r.maxLen {
		over := len(r.points) - r.maxLen
		r.points = append(r.points[:0], r.points[over:]...)
	}
}

// Latest returns the most recent point and whether the ring is non-empty.
func (r *Ring) Latest() (types.PricePoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return types.PricePoint{}, false
	}
	return r.points[len(r.points)-1], true
}

// PriceAtOrBefore returns the most recent observation at or before t, using
// binary search over the (timestamp-ascending) backing slice.
func (r *Ring) PriceAtOrBefore(t time.Time) (types.PricePoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.points)
	if n == 0 {
		return types.PricePoint{}, false
	}
	// sort.Search finds the first index whose timestamp is AFTER t.
	idx := sort.Search(n, func(i int) bool {
		return r.points[i].Timestamp.After(t)
	})
	if idx == 0 {
		return types.PricePoint{}, false // every point is after t
	}
	return r.points[idx-1], true
}

// Window returns a copy of all points observed within the last d, newest last.
func (r *Ring) Window(d time.Duration, now time.Time) []types.PricePoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := now.Add(-d)
	idx := sort.Search(len(r.points), func(i int) bool {
		return !r.points[i].Timestamp.Before(cutoff)
	})
	out := make([]types.PricePoint, len(r.points)-idx)
	copy(out, r.points[idx:])
	return out
}

// Len returns the number of points currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}
