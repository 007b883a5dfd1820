package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/pkg/types"
)

// tradeAPI is the slice of the brokerage SDK the adapter calls.
type tradeAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelOrder(orderID string) error
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetClock() (*alpaca.Clock, error)
}

// Alpaca implements Broker against the alpaca trading API.
type Alpaca struct {
	logger  *zap.Logger
	config  Config
	api     tradeAPI
	breaker *gobreaker.CircuitBreaker
}

var (
	_ Broker       = (*Alpaca)(nil)
	_ clock.Source = (*Alpaca)(nil)
)

// New builds an Alpaca broker adapter.
func New(logger *zap.Logger, cfg Config) *Alpaca {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		// One internal rate-limit retry at most; the adapter's own retry
		// loop owns backoff policy.
		RetryLimit: 1,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	})
	return newWithAPI(logger, cfg, client)
}

func newWithAPI(logger *zap.Logger, cfg Config, api tradeAPI) *Alpaca {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alpaca{
		logger: logger.Named("broker"),
		config: cfg,
		api:    api,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alpaca",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				// Client-side rejections say nothing about broker health.
				var apiErr *alpaca.APIError
				return errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
			},
		}),
	}
}

// ExecuteMarketOrder submits a market day order and confirms its outcome.
func (a *Alpaca) ExecuteMarketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int) (*types.Order, error) {
	req, err := a.buildRequest(symbol, side, qty, types.OrderTypeMarket, 0)
	if err != nil {
		return nil, err
	}
	return a.place(ctx, req)
}

// ExecuteLimitOrder submits a limit day order and confirms its outcome.
func (a *Alpaca) ExecuteLimitOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, limit float64) (*types.Order, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit order %s: price %.4f: %w", symbol, limit, types.ErrBrokerPermanent)
	}
	req, err := a.buildRequest(symbol, side, qty, types.OrderTypeLimit, limit)
	if err != nil {
		return nil, err
	}
	return a.place(ctx, req)
}

// ExecuteBracketOrder submits an equity entry with attached take-profit and
// stop-loss legs. The bracket order class does not exist for option
// contracts, so option symbols are refused. A non-positive limit places the
// entry leg at market.
func (a *Alpaca) ExecuteBracketOrder(ctx context.Context, symbol string, side types.OrderSide, qty int, limit, takeProfit, stopLoss float64) (*types.Order, error) {
	if _, _, _, _, err := types.ParseOCC(symbol); err == nil {
		return nil, fmt.Errorf("bracket orders are equity only, got option %s: %w", symbol, types.ErrBrokerPermanent)
	}
	if takeProfit <= 0 || stopLoss <= 0 {
		return nil, fmt.Errorf("bracket order %s: take profit %.4f stop loss %.4f: %w",
			symbol, takeProfit, stopLoss, types.ErrBrokerPermanent)
	}

	typ := types.OrderTypeLimit
	if limit <= 0 {
		typ = types.OrderTypeMarket
	}
	req, err := a.buildRequest(symbol, side, qty, typ, limit)
	if err != nil {
		return nil, err
	}

	tp := decimal.NewFromFloat(takeProfit).Round(2)
	sl := decimal.NewFromFloat(stopLoss).Round(2)
	req.OrderClass = alpaca.Bracket
	req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
	req.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
	return a.place(ctx, req)
}

// buildRequest validates the order and assembles the SDK request. Option
// symbols are detected by their OCC form; a buy for anything else is an
// upstream routing fault and is refused.
func (a *Alpaca) buildRequest(symbol string, side types.OrderSide, qty int, typ types.OrderType, limit float64) (alpaca.PlaceOrderRequest, error) {
	var req alpaca.PlaceOrderRequest
	if qty <= 0 {
		return req, fmt.Errorf("order %s: qty %d: %w", symbol, qty, types.ErrBrokerPermanent)
	}
	if _, _, _, _, err := types.ParseOCC(symbol); err != nil && side == types.OrderSideBuy {
		a.logger.Error("refusing equity buy", zap.String("symbol", symbol))
		return req, fmt.Errorf("refusing equity buy for %s: %w", symbol, types.ErrBrokerPermanent)
	}

	qtyDec := decimal.NewFromInt(int64(qty))
	req = alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          toSide(side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID(),
	}
	if typ == types.OrderTypeLimit {
		lp := decimal.NewFromFloat(limit).Round(2)
		req.Type = alpaca.Limit
		req.LimitPrice = &lp
	}
	return req, nil
}

// place submits the order under the end-to-end deadline and hands off to
// the confirm loop. A transient submit failure may still have reached the
// broker, so before retrying the client order id is looked up and a live
// order is adopted instead of resubmitted.
func (a *Alpaca) place(ctx context.Context, req alpaca.PlaceOrderRequest) (*types.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.OrderDeadline)
	defer cancel()

	sideLabel := string(req.Side)
	var placed *alpaca.Order
	err := a.withRetry(ctx, "place order "+req.Symbol, func() error {
		o, err := execBreaker(a.breaker, func() (*alpaca.Order, error) {
			return a.api.PlaceOrder(req)
		})
		if err == nil {
			placed = o
			return nil
		}
		if errors.Is(classifyError(err), types.ErrBrokerTransient) {
			if existing, lookErr := execBreaker(a.breaker, func() (*alpaca.Order, error) {
				return a.api.GetOrderByClientOrderID(req.ClientOrderID)
			}); lookErr == nil && existing != nil {
				placed = existing
				return nil
			}
		}
		return err
	})
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(sideLabel, "failed").Inc()
		return nil, err
	}

	a.logger.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", sideLabel),
		zap.String("order_id", placed.ID),
		zap.String("client_order_id", req.ClientOrderID))
	return a.confirm(ctx, placed, sideLabel)
}

// confirm polls the order until a terminal status or the deadline, then
// falls through to cancellation.
func (a *Alpaca) confirm(ctx context.Context, placed *alpaca.Order, sideLabel string) (*types.Order, error) {
	order := mapOrder(placed)
	if order.Terminal() {
		a.recordOutcome(order, sideLabel)
		return order, nil
	}

	ticker := time.NewTicker(a.config.ConfirmPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.resolveUnconfirmed(order, sideLabel)
		case <-ticker.C:
			latest, err := execBreaker(a.breaker, func() (*alpaca.Order, error) {
				return a.api.GetOrder(order.ID)
			})
			if err != nil {
				a.logger.Warn("order status poll failed",
					zap.String("order_id", order.ID), zap.Error(err))
				continue
			}
			order = mapOrder(latest)
			if order.Terminal() {
				a.recordOutcome(order, sideLabel)
				return order, nil
			}
		}
	}
}

// resolveUnconfirmed runs once the order deadline expires without a
// terminal status. Cancellation gets a small detached budget so shutdown
// cannot leave the order undecided; a fill that races the cancel still
// wins. When neither a fill nor a cancel can be confirmed the order
// surfaces as ErrOrderUncertain and the caller must treat the symbol as
// hands-off until reconciliation.
func (a *Alpaca) resolveUnconfirmed(last *types.Order, sideLabel string) (*types.Order, error) {
	budget := time.Duration(a.config.RetryAttempts) * (a.config.ConfirmPoll + a.config.RetryBase)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for attempt := 1; attempt <= a.config.RetryAttempts && ctx.Err() == nil; attempt++ {
		if err := a.doBreaker(func() error { return a.api.CancelOrder(last.ID) }); err != nil {
			a.logger.Warn("order cancel attempt failed",
				zap.String("order_id", last.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		// The latest order state decides, whatever the cancel call said.
		latest, err := execBreaker(a.breaker, func() (*alpaca.Order, error) {
			return a.api.GetOrder(last.ID)
		})
		if err == nil {
			o := mapOrder(latest)
			if o.Terminal() {
				a.recordOutcome(o, sideLabel)
				return o, nil
			}
			last = o
		}

		select {
		case <-ctx.Done():
		case <-time.After(a.config.ConfirmPoll):
		}
	}

	out := *last
	out.Status = types.OrderStatusUncertain
	metrics.OrdersPlaced.WithLabelValues(sideLabel, "uncertain").Inc()
	a.logger.Error("order outcome unresolved",
		zap.String("order_id", out.ID),
		zap.String("symbol", out.Symbol))
	return &out, fmt.Errorf("order %s %s: %w", out.ID, out.Symbol, types.ErrOrderUncertain)
}

// CancelStaleOrders cancels open orders submitted more than olderThan ago.
// Individual cancel failures are collected, not fatal; younger orders are
// left alone.
func (a *Alpaca) CancelStaleOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	var open []alpaca.Order
	err := a.withRetry(ctx, "list open orders", func() error {
		out, err := execBreaker(a.breaker, func() ([]alpaca.Order, error) {
			return a.api.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
		})
		if err != nil {
			return err
		}
		open = out
		return nil
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	cancelled, failed := 0, 0
	for i := range open {
		o := &open[i]
		if o.SubmittedAt.After(cutoff) {
			continue
		}
		if err := a.doBreaker(func() error { return a.api.CancelOrder(o.ID) }); err != nil {
			failed++
			a.logger.Warn("stale order cancel failed",
				zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		cancelled++
		a.logger.Info("stale order cancelled",
			zap.String("order_id", o.ID),
			zap.String("symbol", o.Symbol),
			zap.Time("submitted_at", o.SubmittedAt))
	}
	if failed > 0 {
		return cancelled, fmt.Errorf("cancel stale orders: %d of %d failed", failed, cancelled+failed)
	}
	return cancelled, nil
}

// GetAccount fetches the account snapshot together with the session clock
// so callers see equity and market-open state in one shot.
func (a *Alpaca) GetAccount(ctx context.Context) (types.Account, error) {
	var acct *alpaca.Account
	if err := a.withRetry(ctx, "get account", func() error {
		out, err := execBreaker(a.breaker, func() (*alpaca.Account, error) {
			return a.api.GetAccount()
		})
		if err != nil {
			return err
		}
		acct = out
		return nil
	}); err != nil {
		return types.Account{}, err
	}

	mc, err := a.MarketClock(ctx)
	if err != nil {
		return types.Account{}, err
	}

	account := types.Account{
		Equity:      acct.Equity.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		MarketOpen:  mc.IsOpen,
	}
	metrics.EquityGauge.Set(account.Equity)
	return account, nil
}

// ListPositions returns the broker's open long option positions. Equity
// rows, short contracts, and unparsable symbols are skipped with a
// warning. Entry time and ladder state are unknown to the broker and left
// zero; the journal supplies them on restore.
func (a *Alpaca) ListPositions(ctx context.Context) ([]types.Position, error) {
	var raw []alpaca.Position
	if err := a.withRetry(ctx, "list positions", func() error {
		out, err := execBreaker(a.breaker, func() ([]alpaca.Position, error) {
			return a.api.GetPositions()
		})
		if err != nil {
			return err
		}
		raw = out
		return nil
	}); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(raw))
	for i := range raw {
		p := &raw[i]
		if p.AssetClass != "us_option" {
			continue
		}
		underlying, expiration, typ, strike, err := types.ParseOCC(p.Symbol)
		if err != nil {
			a.logger.Warn("skipping unparsable option symbol",
				zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		qty := int(p.Qty.IntPart())
		if qty <= 0 {
			a.logger.Warn("skipping non-long option position",
				zap.String("symbol", p.Symbol), zap.Int("qty", qty))
			continue
		}

		pos := types.Position{
			OptionSymbol: p.Symbol,
			Underlying:   underlying,
			Qty:          qty,
			OriginalQty:  qty,
			EntryPrice:   p.AvgEntryPrice.InexactFloat64(),
			Strike:       strike,
			Expiration:   expiration,
			Type:         typ,
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// MarketClock returns the broker's session clock.
func (a *Alpaca) MarketClock(ctx context.Context) (clock.MarketClock, error) {
	var clk *alpaca.Clock
	if err := a.withRetry(ctx, "get clock", func() error {
		out, err := execBreaker(a.breaker, func() (*alpaca.Clock, error) {
			return a.api.GetClock()
		})
		if err != nil {
			return err
		}
		clk = out
		return nil
	}); err != nil {
		return clock.MarketClock{}, err
	}
	return clock.MarketClock{
		Timestamp: clk.Timestamp,
		IsOpen:    clk.IsOpen,
		NextOpen:  clk.NextOpen,
		NextClose: clk.NextClose,
	}, nil
}

// withRetry runs fn with exponential backoff on transient errors.
// Permanent errors and context expiry return immediately.
func (a *Alpaca) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := a.config.RetryBase
	var last error
	for attempt := 1; attempt <= a.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			metrics.BrokerRetries.Inc()
			a.logger.Warn("retrying broker call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(last))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(backoff + jitter(backoff)):
			}
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		last = classifyError(err)
		if !types.Retryable(last) {
			return fmt.Errorf("%s: %w", op, last)
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", op, a.config.RetryAttempts, last)
}

func (a *Alpaca) doBreaker(fn func() error) error {
	_, err := execBreaker(a.breaker, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (a *Alpaca) recordOutcome(o *types.Order, sideLabel string) {
	metrics.OrdersPlaced.WithLabelValues(sideLabel, string(o.Status)).Inc()
	a.logger.Info("order confirmed",
		zap.String("symbol", o.Symbol),
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Int("filled_qty", o.FilledQty),
		zap.Float64("filled_avg_price", o.FilledAvgPrice))
}

// mapOrder converts the SDK order into the core's view.
func mapOrder(o *alpaca.Order) *types.Order {
	out := &types.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.OrderSide(o.Side),
		Type:          types.OrderType(o.Type),
		Status:        mapStatus(o.Status),
		FilledQty:     int(o.FilledQty.IntPart()),
		SubmittedAt:   o.SubmittedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		out.Qty = int(o.Qty.IntPart())
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if _, _, _, _, err := types.ParseOCC(o.Symbol); err == nil {
		out.IsOption = true
	}
	return out
}

func toSide(side types.OrderSide) alpaca.Side {
	if side == types.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// clientOrderID tags orders so a retried submission can be recognized and
// adopted instead of duplicated.
func clientOrderID() string {
	return "tn-" + uuid.NewString()
}

// jitter returns a random delay up to a quarter of the backoff.
func jitter(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff)/4 + 1))
}
