// Package executor implements the order executor (C7): turns a validated
// decision into a submitted fill-or-kill order, retrying transient exchange
// failures with exponential backoff, and guaranteeing that a caller's
// session state is only ever updated once the exchange actually reports a
// fill — never on a submission attempt alone.
//
// Grounded on exchange.Client's own resty retry conventions (capped
// exponential backoff, 5xx/timeout treated as retryable), generalized from
// HTTP-transport-level retry to decision-level retry with decision_id
// idempotency.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spiketrader/internal/exchange"
	"spiketrader/pkg/types"
)

const (
	maxAttempts  = 4
	baseBackoff  = 250 * time.Millisecond
	maxBackoff   = 4 * time.Second
)

// Fill is the confirmed result of a filled order.
type Fill struct {
	DecisionID string
	TokenID    string
	Side       types.Side
	Price      decimal.Decimal
	Shares     decimal.Decimal
	FilledAt   time.Time
	OrderID    string
	Simulated  bool // true when dry-run synthesized this fill without reaching C1
}

// Executor submits orders and retries transient failures. Each bot gets its
// own instance, bound to that bot's wallet-scoped client.
type Executor struct {
	client *exchange.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // decision_ids currently being submitted, for idempotency
}

// NewExecutor creates an Executor.
func NewExecutor(client *exchange.Client, logger *slog.Logger) *Executor {
	return &Executor{
		client:   client,
		logger:   logger.With("component", "executor"),
		inflight: make(map[string]struct{}),
	}
}

// NewDecisionID generates a fresh idempotency key for one trading decision.
func NewDecisionID() string {
	return uuid.NewString()
}

// Submit places a single FOK order for decisionID, retrying on Transient
// exchange errors up to maxAttempts times with exponential backoff.
// Permanent errors (insufficient balance/allowance, market closed, no
// orderbook) abort immediately without retry. When the FOK never fills after
// all retries, Submit returns a nil fill with the last error (the
// ErrRejectedFOK sentinel for an unmatched order); a non-nil fill always
// comes with a nil error.
//
// When dryRun is true, C1 is never reached at all: the order is
// synthesized as filled at its requested price/size and marked Simulated,
// so a bot's own dry_run setting is honored regardless of what any other
// bot (or the process default) is doing.
func (e *Executor) Submit(ctx context.Context, decisionID string, order types.UserOrder, dryRun bool) (*Fill, error) {
	if dryRun {
		e.logger.Info("dry-run: synthesizing fill", "decision_id", decisionID, "token_id", order.TokenID, "side", order.Side, "price", order.Price, "size", order.Size)
		return &Fill{
			DecisionID: decisionID,
			TokenID:    order.TokenID,
			Side:       order.Side,
			Price:      decimal.NewFromFloat(order.Price),
			Shares:     decimal.NewFromFloat(order.Size),
			FilledAt:   time.Now(),
			OrderID:    "dry-run-" + decisionID,
			Simulated:  true,
		}, nil
	}

	e.mu.Lock()
	if _, dup := e.inflight[decisionID]; dup {
		e.mu.Unlock()
		return nil, errors.New("executor: decision already in flight")
	}
	e.inflight[decisionID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, decisionID)
		e.mu.Unlock()
	}()

	backoff := baseBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.client.PlaceOrder(ctx, order)
		if err == nil && result.Filled {
			return &Fill{
				DecisionID: decisionID,
				TokenID:    order.TokenID,
				Side:       order.Side,
				Price:      result.FillPrice,
				Shares:     result.FillSize,
				FilledAt:   time.Now(),
				OrderID:    result.OrderID,
			}, nil
		}

		if isPermanent(err) {
			e.logger.Error("order permanently rejected", "decision_id", decisionID, "error", err, "attempt", attempt)
			return nil, err
		}

		lastErr = err
		if errors.Is(err, exchange.ErrRejectedFOK) {
			// FOK did not fill; re-evaluate the book price and retry, since
			// the market may have moved back within the slippage envelope.
			e.logger.Warn("FOK order unmatched, retrying", "decision_id", decisionID, "attempt", attempt)
		} else {
			e.logger.Warn("transient order error, retrying", "decision_id", decisionID, "error", err, "attempt", attempt)
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	if lastErr == nil {
		lastErr = errors.New("executor: order did not fill after retries")
	}
	return nil, lastErr
}

func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, exchange.ErrInsufficientBalance) ||
		errors.Is(err, exchange.ErrInsufficientAllowance) ||
		errors.Is(err, exchange.ErrMarketClosed) ||
		errors.Is(err, exchange.ErrNoOrderbook)
}
