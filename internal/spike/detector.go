// Package spike implements the multi-window spike detector (C4): it looks
// back across several configured windows, reports the worst relative price
// change among them, and gates a positive detection behind a
// coefficient-of-variation volatility check so that a market that is simply
// noisy (rather than moving directionally) does not trigger entries.
//
// Grounded on strategy.FlowTracker.CalculateToxicity's "evict stale, compute
// a composite score over what's left in the window" shape, generalized from
// fill-imbalance to price statistics across multiple windows read from the
// price history ring (C3).
package spike

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/priceed"
	"spiketrader/pkg/types"
)

// Direction is the sign of the detected move.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	None Direction = "none"
)

// Result is the outcome of one detection pass.
type Result struct {
	Detected     bool
	Direction    Direction
	WorstWindow  time.Duration
	WorstPctMove float64 // signed: positive = up, negative = down
	CV           float64 // coefficient of variation over the shortest window
	Ready        bool    // false during warmup: not enough history yet
}

// Detector evaluates a Ring against configured lookback windows.
type Detector struct {
	windows        []time.Duration
	thresholdPct   float64 // e.g. 3.0 means a 3% move
	maxCV          float64 // volatility gate: reject if CV exceeds this
}

// NewDetector builds a detector from the window list (seconds) and
// thresholds configured on the bot.
func NewDetector(windowsSeconds []int, thresholdPct, maxCV float64) *Detector {
	windows := make([]time.Duration, len(windowsSeconds))
	for i, s := range windowsSeconds {
		windows[i] = time.Duration(s) * time.Second
	}
	return &Detector{windows: windows, thresholdPct: thresholdPct, maxCV: maxCV}
}

// WidestWindow returns the largest configured lookback — callers use this to
// size the price ring and to know how long to wait before the detector is
// considered warmed up.
func (d *Detector) WidestWindow() time.Duration {
	widest := time.Duration(0)
	for _, w := range d.windows {
		if w > widest {
			widest = w
		}
	}
	return widest
}

// ShortestWindow returns the smallest configured lookback — the volatility
// gate evaluates CV over this window rather than the widest one, since a
// longer window dilutes the very noise the gate exists to catch.
func (d *Detector) ShortestWindow() time.Duration {
	if len(d.windows) == 0 {
		return 0
	}
	shortest := d.windows[0]
	for _, w := range d.windows[1:] {
		if w < shortest {
			shortest = w
		}
	}
	return shortest
}

// Evaluate computes the worst relative price change across all configured
// windows at `now`, relative to the current price at the ring's latest
// point, then applies the volatility gate over the shortest window.
func (d *Detector) Evaluate(ring *priceed.Ring, now time.Time) Result {
	latest, ok := ring.Latest()
	if !ok {
		return Result{Ready: false}
	}

	// Warm up: require history covering at least the widest window before
	// trusting any detection, otherwise an early narrow window looks like a
	// 100% spike against a single seed price.
	widest := d.WidestWindow()
	oldest, ok := ring.PriceAtOrBefore(now.Add(-widest))
	if !ok {
		return Result{Ready: false}
	}
	_ = oldest

	var worstPct float64
	var worstWindow time.Duration
	foundAny := false

	for _, w := range d.windows {
		ref, ok := ring.PriceAtOrBefore(now.Add(-w))
		if !ok || ref.Price.IsZero() {
			continue
		}
		pct := pctChange(ref.Price, latest.Price)
		if !foundAny || math.Abs(pct) > math.Abs(worstPct) {
			worstPct = pct
			worstWindow = w
			foundAny = true
		}
	}
	if !foundAny {
		return Result{Ready: false}
	}

	cv := coefficientOfVariation(ring.Window(d.ShortestWindow(), now))

	result := Result{
		WorstWindow:  worstWindow,
		WorstPctMove: worstPct,
		CV:           cv,
		Ready:        true,
	}

	if math.Abs(worstPct) < d.thresholdPct {
		result.Direction = None
		return result
	}
	if cv > d.maxCV {
		// Move exceeds threshold but the window is too noisy to trust it as
		// directional — treat as a non-detection rather than a false spike.
		result.Direction = None
		return result
	}

	result.Detected = true
	if worstPct > 0 {
		result.Direction = Up
	} else {
		result.Direction = Down
	}
	return result
}

func pctChange(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	diff := to.Sub(from).Div(from)
	f, _ := diff.Float64()
	return f * 100
}

// coefficientOfVariation returns stdev/mean (as a percentage) across the
// given price points. 0 when fewer than two points are present.
func coefficientOfVariation(points []types.PricePoint) float64 {
	n := len(points)
	if n < 2 {
		return 0
	}

	var sum float64
	vals := make([]float64, n)
	for i, p := range points {
		v, _ := p.Price.Float64()
		vals[i] = v
		sum += v
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	stdev := math.Sqrt(variance)

	return (stdev / mean) * 100
}
