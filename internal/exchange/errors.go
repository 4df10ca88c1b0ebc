package exchange

import "errors"

// Permanent errors classify an order/price lookup as unrecoverable: retrying
// the same decision will not help. The executor (C7) checks these with
// errors.Is; anything else observed from the transport
// (timeouts, connection resets, 5xx after resty's own retries exhaust) is
// treated as Transient and retried at the decision level.
var (
	ErrInsufficientBalance  = errors.New("exchange: insufficient balance")
	ErrInsufficientAllowance = errors.New("exchange: insufficient allowance")
	ErrMarketClosed          = errors.New("exchange: market closed")
	ErrNoOrderbook           = errors.New("exchange: no orderbook for token")
	ErrNoPrice               = errors.New("exchange: no price available")
	ErrRejectedFOK           = errors.New("exchange: order killed, not filled")
)

// classifyOrderError maps an exchange error message to a sentinel Permanent
// error where recognized, otherwise returns the error unchanged (Transient).
func classifyOrderError(msg string) error {
	switch msg {
	case "INSUFFICIENT_BALANCE", "insufficient balance":
		return ErrInsufficientBalance
	case "INSUFFICIENT_ALLOWANCE", "insufficient allowance":
		return ErrInsufficientAllowance
	case "MARKET_NOT_READY", "market closed":
		return ErrMarketClosed
	default:
		return errors.New(msg)
	}
}
