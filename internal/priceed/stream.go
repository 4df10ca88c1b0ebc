package priceed

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"spiketrader/internal/exchange"
)

// Tick is a raw price observation handed to the stream, either from the
// market WebSocket's last-trade-price feed or from a REST poll.
type Tick struct {
	Price  decimal.Decimal
	At     time.Time
	Source string // "stream" | "poll"
}

// Update is what the stream emits downstream to the strategy state machine
// (C5) and the price history ring's own Add — only de-duplicated, monotonic
// observations reach here.
type Update struct {
	Price  decimal.Decimal
	At     time.Time
	Seq    uint64
	Source string
}

const (
	// DefaultPollInterval is how often the stream polls via REST while the
	// market WebSocket is healthy — a cross-check, not the primary source.
	DefaultPollInterval = 30 * time.Second
	// DisconnectedPollInterval is used once the stream has gone quiet for
	// longer than StalenessThreshold — fall back to REST polling as primary.
	DisconnectedPollInterval = 1 * time.Second
	// StalenessThreshold is how long without a stream tick before the
	// stream is considered disconnected for polling-cadence purposes.
	StalenessThreshold = 10 * time.Second
	// dedupWindow: a repeated identical price is only re-emitted if at
	// least this much time has elapsed since the last emission, so idle
	// periods still produce a heartbeat update for consumers tracking age.
	dedupWindow = 1 * time.Second
)

// Stream maintains the current price for one token: primarily from the
// market WebSocket's last-trade-price events (fed in via Ticks()), with a
// REST-poll fallback that takes over when the stream goes stale. Modeled on
// exchange.WSFeed's dispatch/reconnect pattern and market.Book's
// single-writer ownership, generalized from an order-book mirror to a
// scalar price feed.
type Stream struct {
	tokenID string
	client  *exchange.Client
	ring    *Ring
	in      chan Tick
	out     chan Update
	logger  *slog.Logger

	lastEmitted decimal.Decimal
	haveLast    bool
	lastEmitAt  time.Time
	lastStreamAt time.Time
}

// NewStream creates a price stream for tokenID. ringMaxAge should cover at
// least the largest configured spike-detection window.
func NewStream(tokenID string, client *exchange.Client, ringMaxAge time.Duration, logger *slog.Logger) *Stream {
	return &Stream{
		tokenID: tokenID,
		client:  client,
		ring:    NewRing(ringMaxAge, 100_000),
		in:      make(chan Tick, 256),
		out:     make(chan Update, 256),
		logger:  logger.With("component", "price_stream", "token_id", tokenID),
	}
}

// Ticks returns the channel the WS dispatcher should feed raw observations
// into.
func (s *Stream) Ticks() chan<- Tick { return s.in }

// Updates returns the de-duplicated, ring-recorded update stream the
// strategy state machine consumes.
func (s *Stream) Updates() <-chan Update { return s.out }

// Ring exposes the underlying price history ring for the spike detector.
func (s *Stream) Ring() *Ring { return s.ring }

// Run warms up with one synchronous poll, then processes incoming ticks and
// runs the REST-poll fallback until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	if price, err := s.client.GetMarketPrice(ctx, s.tokenID); err == nil {
		s.process(Tick{Price: price, At: time.Now(), Source: "poll"})
	} else {
		s.logger.Warn("warmup poll failed", "error", err)
	}

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tick := <-s.in:
			s.lastStreamAt = time.Now()
			s.process(tick)

		case <-ticker.C:
			if s.streamHealthy() {
				ticker.Reset(DefaultPollInterval)
			} else {
				ticker.Reset(DisconnectedPollInterval)
			}
			price, err := s.client.GetMarketPrice(ctx, s.tokenID)
			if err != nil {
				s.logger.Debug("poll failed", "error", err)
				continue
			}
			s.process(Tick{Price: price, At: time.Now(), Source: "poll"})
		}
	}
}

func (s *Stream) streamHealthy() bool {
	return !s.lastStreamAt.IsZero() && time.Since(s.lastStreamAt) < StalenessThreshold
}

// process records a tick into the ring and, if it represents a genuine
// change (different price, or dedupWindow elapsed since the last emission),
// pushes an Update downstream.
func (s *Stream) process(t Tick) {
	changed := !s.haveLast || !t.Price.Equal(s.lastEmitted)
	stale := time.Since(s.lastEmitAt) >= dedupWindow
	if !changed && !stale {
		return
	}

	point := s.ring.Add(t.Price, t.At)
	s.lastEmitted = t.Price
	s.haveLast = true
	s.lastEmitAt = t.At

	update := Update{Price: t.Price, At: t.At, Seq: point.Seq, Source: t.Source}
	select {
	case s.out <- update:
	default:
		s.logger.Warn("update channel full, dropping stale update")
		// drop the oldest queued update to make room for the freshest one
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- update:
		default:
		}
	}
}
