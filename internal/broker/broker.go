// Package broker places and confirms orders against the brokerage API.
// Every order is fire-and-confirm: the adapter polls until the broker
// reports a terminal status, and when the deadline expires it attempts a
// bounded cancel so each order resolves to a confirmed fill, a confirmed
// cancel, or ErrOrderUncertain. Transient failures retry with backoff;
// authorization and validation failures surface immediately.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/sony/gobreaker"

	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/pkg/types"
)

// Broker is the order and account surface the trading loop consumes.
// The core opens only long option positions, so buy orders for bare
// equity symbols are refused as wiring bugs; equity sells remain
// available to liquidate assigned stock found during reconciliation.
type Broker interface {
	// ExecuteMarketOrder submits a market order and waits for a terminal
	// status. On deadline it attempts cancellation; the residual outcome
	// is ErrOrderUncertain.
	ExecuteMarketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int) (*types.Order, error)

	// ExecuteLimitOrder is ExecuteMarketOrder with a limit price.
	ExecuteLimitOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, limit float64) (*types.Order, error)

	// ExecuteBracketOrder submits an entry with attached take-profit and
	// stop-loss legs. Bracket classes exist only on the equity endpoint;
	// option symbols are refused.
	ExecuteBracketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, limit, takeProfit, stopLoss float64) (*types.Order, error)

	// CancelStaleOrders cancels open orders submitted more than olderThan
	// ago and returns how many cancels were issued.
	CancelStaleOrders(ctx context.Context, olderThan time.Duration) (int, error)

	// GetAccount returns the account snapshot the risk manager seeds from.
	GetAccount(ctx context.Context) (types.Account, error)

	// ListPositions returns the broker's open long option positions.
	ListPositions(ctx context.Context) ([]types.Position, error)

	// MarketClock returns the broker's session clock.
	MarketClock(ctx context.Context) (clock.MarketClock, error)
}

// Config holds endpoints, credentials, and order handling knobs.
type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	OrderDeadline time.Duration // end-to-end budget per order, retries included
	ConfirmPoll   time.Duration // status poll interval while confirming
	RetryAttempts int
	RetryBase     time.Duration
}

// DefaultConfig returns paper-trading defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://paper-api.alpaca.markets",
		OrderDeadline: 15 * time.Second,
		ConfirmPoll:   500 * time.Millisecond,
		RetryAttempts: 3,
		RetryBase:     time.Second,
	}
}

// classifyError wraps err with ErrBrokerTransient or ErrBrokerPermanent so
// callers decide retries with errors.Is. Rate limits, 5xx responses, open
// breakers, and transport timeouts are transient; every other API status
// is permanent. Context expiry passes through untouched so deadline
// handling stays with the caller.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
		}
		return fmt.Errorf("%w: %v", types.ErrBrokerPermanent, err)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
	}

	// Unrecognized transport failures retry.
	return fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
}

// mapStatus normalizes broker status strings onto the core's order states.
func mapStatus(s string) types.OrderStatus {
	switch s {
	case "filled":
		return types.OrderStatusFilled
	case "partially_filled":
		return types.OrderStatusPartial
	case "canceled", "expired", "replaced", "done_for_day":
		return types.OrderStatusCancelled
	case "rejected", "suspended":
		return types.OrderStatusRejected
	case "new", "accepted", "pending_new", "pending_cancel", "pending_replace",
		"accepted_for_bidding", "calculated", "held", "stopped":
		return types.OrderStatusAccepted
	default:
		return types.OrderStatusPending
	}
}

// execBreaker routes a typed call through the shared circuit breaker.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
