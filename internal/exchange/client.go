// Package exchange implements the boundary to the prediction-market exchange
// (C1 Exchange Client Adapter): REST order submission/book reads, the
// market + user WebSocket streams, and wallet signing.
//
// The REST client (Client) talks to the CLOB API:
//   - GetOrderBook:           GET  /book                 — fetch L2 book for a token
//   - ResolveTokenId:         GET  /markets?slug=         — resolve a market slug + outcome to a token id
//   - GetMarketPrice:         GET  /book + /last-trade-price — last-trade-or-midpoint current price
//   - GetBalanceAndAllowance: GET  /balance-allowance     — collateral balance + exchange allowance
//   - PlaceOrder:             POST /order                 — submit one FOK order
//   - CancelAll:              DELETE /cancel-all          — safety-net cleanup on startup/shutdown
//   - DeriveAPIKey:           GET  /auth/derive-api-key   — bootstrap L2 creds from L1 wallet
//
// Every mutating request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx by resty, and authenticated with L2 HMAC
// headers (except book/price reads, which are unauthenticated).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"spiketrader/internal/config"
	"spiketrader/pkg/types"
)

// Client is the exchange REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. Dry-run
// simulation is the executor's responsibility (C7), not the transport's —
// Client always talks to the real exchange.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

// Auth returns the signer this client trades as, so a caller can open a
// user WebSocket feed (NewUserFeed) scoped to the same wallet.
func (c *Client) Auth() *Auth {
	return c.auth
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("get book: %w", ErrNoOrderbook)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// gammaMarket is the subset of the Gamma markets API used to resolve a
// market slug to its outcome token ids.
type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	ClobTokenIds string `json:"clobTokenIds"` // JSON-encoded array, e.g. "[\"123\",\"456\"]"
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
}

// ResolveTokenId resolves a market slug + outcome index (0 = first outcome,
// typically YES; 1 = second, typically NO) to a CLOB token id. This is a
// one-shot lookup, not autonomous market discovery: the bot is told which
// market to watch, it just needs the token id for that market.
func (c *Client) ResolveTokenId(ctx context.Context, marketSlug string, outcomeIndex int) (string, error) {
	var markets []gammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", marketSlug).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return "", fmt.Errorf("resolve token id: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("resolve token id: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(markets) == 0 {
		return "", fmt.Errorf("resolve token id: no market found for slug %q", marketSlug)
	}
	m := markets[0]
	if m.Closed || !m.Active {
		return "", fmt.Errorf("resolve token id: %w: %s", ErrMarketClosed, marketSlug)
	}
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &tokenIDs); err != nil {
		return "", fmt.Errorf("resolve token id: parse clobTokenIds: %w", err)
	}
	if outcomeIndex < 0 || outcomeIndex >= len(tokenIDs) {
		return "", fmt.Errorf("resolve token id: outcome index %d out of range (market has %d outcomes)", outcomeIndex, len(tokenIDs))
	}
	return tokenIDs[outcomeIndex], nil
}

// lastTradeResponse is the REST response shape for the last-trade-price endpoint.
type lastTradeResponse struct {
	Price string `json:"price"`
}

// GetMarketPrice returns the current price for a token: the midpoint of the
// best bid/ask when the book is two-sided, falling back to the most recent
// trade price when the book is one-sided or empty. Returns ErrNoPrice when
// neither source has a usable value.
func (c *Client) GetMarketPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err == nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		bid, errB := decimal.NewFromString(book.Bids[0].Price)
		ask, errA := decimal.NewFromString(book.Asks[0].Price)
		if errB == nil && errA == nil {
			return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
		}
	}

	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	var result lastTradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/last-trade-price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get last trade price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Price == "" {
		return decimal.Zero, fmt.Errorf("get market price: %w", ErrNoPrice)
	}
	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get market price: parse: %w", err)
	}
	return price, nil
}

// BalanceAndAllowance reports the operator wallet's available collateral and
// the exchange contract's spending allowance against it.
type BalanceAndAllowance struct {
	BalanceUSD   decimal.Decimal
	AllowanceUSD decimal.Decimal
}

// GetBalanceAndAllowance fetches the signer's USDC balance and allowance
// granted to the exchange contract.
func (c *Client) GetBalanceAndAllowance(ctx context.Context) (*BalanceAndAllowance, error) {
	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance   string `json:"balance"`
		Allowance string `json:"allowance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return nil, fmt.Errorf("get balance/allowance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance/allowance: status %d: %s", resp.StatusCode(), resp.String())
	}

	balRaw, _ := strconv.ParseInt(result.Balance, 10, 64)
	allowRaw, _ := strconv.ParseInt(result.Allowance, 10, 64)
	million := decimal.NewFromInt(1_000_000)
	return &BalanceAndAllowance{
		BalanceUSD:   decimal.NewFromInt(balRaw).Div(million),
		AllowanceUSD: decimal.NewFromInt(allowRaw).Div(million),
	}, nil
}

// PlaceOrderResult is the outcome of submitting one FOK order.
type PlaceOrderResult struct {
	Filled    bool
	OrderID   string
	FillPrice decimal.Decimal
	FillSize  decimal.Decimal
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects: price/size converted to
// big.Int maker/taker amounts at the token's tick precision, maker set to
// the funder wallet, signer to the EOA, taker to the zero address.
func (c *Client) buildOrderPayload(order types.UserOrder) types.OrderPayload {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	return types.OrderPayload{
		Order: types.SignedOrder{
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          order.Side,
			Expiration:    fmt.Sprintf("%d", order.Expiration),
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeFOK,
	}
}

// PlaceOrder submits a single fill-or-kill order and returns whether it
// filled. A non-nil error is either a Permanent sentinel from this package
// (ErrInsufficientBalance, ErrInsufficientAllowance, ErrMarketClosed,
// ErrNoOrderbook) or a Transient error (network/timeout/5xx) the caller
// should retry at the decision level.
func (c *Client) PlaceOrder(ctx context.Context, order types.UserOrder) (*PlaceOrderResult, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload := c.buildOrderPayload(order)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("place order: %w", classifyOrderError(result.ErrorMsg))
	}
	if result.Status != "matched" {
		return &PlaceOrderResult{Filled: false, OrderID: result.OrderID}, ErrRejectedFOK
	}

	return &PlaceOrderResult{
		Filled:    true,
		OrderID:   result.OrderID,
		FillPrice: decimal.NewFromFloat(order.Price),
		FillSize:  decimal.NewFromFloat(order.Size),
	}, nil
}

// CancelAll cancels every open order across all markets for this wallet.
// Used as a safety net on session start (clean up orphans from a previous
// crashed process) and shutdown, even though this agent does not normally
// leave resting orders (it only submits FOK).
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(result.Canceled) > 0 {
		c.logger.Warn("orders cancelled", "count", len(result.Canceled))
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
