// Package types provides shared type definitions for the trading core.
package types

import (
	"math"
	"time"
)

// Direction is the direction of a trading signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket  OrderType = "market"
	OrderTypeLimit   OrderType = "limit"
	OrderTypeBracket OrderType = "bracket"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusUncertain OrderStatus = "uncertain"
)

// Timeframe represents bar granularities understood by the data adapter.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Bar is a single OHLCV candlestick with the vendor's volume-weighted price.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	VWAP      float64   `json:"vwap"`
}

// FVG is a three-bar fair value gap. Upper and Lower bound the unfilled
// inefficiency; bullish gaps open below price, bearish above.
type FVG struct {
	Index   int     `json:"index"`
	Upper   float64 `json:"upper"`
	Lower   float64 `json:"lower"`
	Bullish bool    `json:"bullish"`
	Filled  bool    `json:"filled"`
}

// FeatureVector is the fixed-arity numeric record the feature engine
// produces from a bar sequence. All scalar fields are finite by construction.
type FeatureVector struct {
	Price       float64   `json:"price"` // last close
	EMA9        float64   `json:"ema9"`
	EMA21       float64   `json:"ema21"`
	SMA20       float64   `json:"sma20"`
	RSI14       float64   `json:"rsi14"`
	ATR14       float64   `json:"atr14"`
	ADX14       float64   `json:"adx14"`
	VWAP        float64   `json:"vwap"`
	Hurst       float64   `json:"hurst"`
	Slope       float64   `json:"slope"`
	RSquared    float64   `json:"rSquared"`
	RealizedVol float64   `json:"realizedVol"`
	FVGs        []FVG     `json:"fvgs,omitempty"`
	BarCount    int       `json:"barCount"`
	AsOf        time.Time `json:"asOf"`
}

// Finite reports whether every scalar feature is a finite number.
func (f *FeatureVector) Finite() bool {
	for _, v := range []float64{
		f.Price, f.EMA9, f.EMA21, f.SMA20, f.RSI14, f.ATR14,
		f.ADX14, f.VWAP, f.Hurst, f.Slope, f.RSquared, f.RealizedVol,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// UnfilledFVGs returns the gaps price has not yet traded back through.
func (f *FeatureVector) UnfilledFVGs() []FVG {
	var out []FVG
	for _, g := range f.FVGs {
		if !g.Filled {
			out = append(out, g)
		}
	}
	return out
}

// RegimeKind classifies the qualitative market state.
type RegimeKind string

const (
	RegimeTrend         RegimeKind = "trend"
	RegimeMeanReversion RegimeKind = "mean_reversion"
	RegimeExpansion     RegimeKind = "expansion"
	RegimeCompression   RegimeKind = "compression"
)

// RegimeDirection is the directional component of a regime.
type RegimeDirection string

const (
	RegimeUp       RegimeDirection = "up"
	RegimeDown     RegimeDirection = "down"
	RegimeSideways RegimeDirection = "sideways"
)

// VolatilityBucket buckets current volatility.
type VolatilityBucket string

const (
	VolatilityLow    VolatilityBucket = "low"
	VolatilityMedium VolatilityBucket = "medium"
	VolatilityHigh   VolatilityBucket = "high"
)

// Bias is the directional lean derived from trend statistics.
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"
)

// Regime is the classified market state for one symbol, one cycle.
type Regime struct {
	Kind       RegimeKind       `json:"kind"`
	Direction  RegimeDirection  `json:"direction"`
	Volatility VolatilityBucket `json:"volatility"`
	Bias       Bias             `json:"bias"`
	Confidence float64          `json:"confidence"`
}

// Intent is a single agent's (or the ensemble's) trade proposal.
// Confidence carries no meaning when Direction is flat.
type Intent struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	AgentID    string    `json:"agentId"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// Greeks are option price sensitivities, per contract (multiplier not applied).
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// LiquidityStamp records which liquidity predicates a contract passed.
type LiquidityStamp struct {
	PassesBid    bool `json:"passesBid"`
	PassesSpread bool `json:"passesSpread"`
	PassesSize   bool `json:"passesSize"`
	PassesAge    bool `json:"passesAge"`
}

// Tradable reports whether all four liquidity predicates held.
func (l LiquidityStamp) Tradable() bool {
	return l.PassesBid && l.PassesSpread && l.PassesSize && l.PassesAge
}

// OptionContract is a normalized option chain entry. Symbol carries the
// canonical OCC form with any vendor prefix already stripped.
type OptionContract struct {
	Symbol       string     `json:"symbol"`
	Underlying   string     `json:"underlying"`
	Strike       float64    `json:"strike"`
	Expiration   time.Time  `json:"expiration"`
	Type         OptionType `json:"type"`
	Bid          float64    `json:"bid"`
	Ask          float64    `json:"ask"`
	Last         float64    `json:"last"`
	BidSize      int64      `json:"bidSize"`
	AskSize      int64      `json:"askSize"`
	Volume       int64      `json:"volume"`
	OpenInterest int64      `json:"openInterest"`
	ImpliedVol   float64    `json:"impliedVol"`
	Greeks       Greeks     `json:"greeks"`
	QuoteTime    time.Time  `json:"quoteTime"`

	Liquidity LiquidityStamp `json:"liquidity,omitempty"`
}

// Mid returns the bid/ask midpoint, or the last price when the book is empty.
func (c *OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// SpreadPct is (ask-bid)/mid. Returns +Inf when the mid is zero so callers
// always fail the spread predicate on an empty book.
func (c *OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 {
		return math.Inf(1)
	}
	return (c.Ask - c.Bid) / mid
}

// DTE returns whole calendar days between now and expiration, floored at 0
// on expiration day.
func (c *OptionContract) DTE(now time.Time) int {
	return daysUntil(now, c.Expiration)
}

// QuoteAge is the time elapsed since the contract's quote was taken.
func (c *OptionContract) QuoteAge(now time.Time) time.Duration {
	if c.QuoteTime.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(c.QuoteTime)
}

// Quote is a standalone option quote fetched outside a chain snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	BidSize   int64     `json:"bidSize"`
	AskSize   int64     `json:"askSize"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the quote midpoint, falling back to the last trade.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Position is an open long option position. The core never holds short
// option or stock positions; bearish signals buy puts.
type Position struct {
	OptionSymbol     string     `json:"optionSymbol"`
	Underlying       string     `json:"underlying"`
	Qty              int        `json:"qty"`
	OriginalQty      int        `json:"originalQty"`
	EntryPrice       float64    `json:"entryPrice"`
	EntryTime        time.Time  `json:"entryTime"`
	Strike           float64    `json:"strike"`
	Expiration       time.Time  `json:"expiration"`
	Type             OptionType `json:"type"`
	CurrentPrice     float64    `json:"currentPrice"`
	HighestProfitPct float64    `json:"highestProfitPct"`
	TPLevel          int        `json:"tpLevel"` // highest ladder tier already fired, 0..5
	TrailingArmed    bool       `json:"trailingArmed"`
	FastExit         bool       `json:"fastExit,omitempty"`
	Greeks           Greeks     `json:"greeks"`
	AgentID          string     `json:"agentId,omitempty"`
	RealizedPnL      float64    `json:"realizedPnl"`
}

// PnLPct is the unrealized return on premium for the remaining quantity.
func (p *Position) PnLPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
}

// DTE returns whole calendar days to expiration.
func (p *Position) DTE(now time.Time) int {
	return daysUntil(now, p.Expiration)
}

// ClosedTrade is the realized record of a fully closed position. Qty is
// the original entry quantity; ExitPrice is the volume-weighted average
// across partial exits.
type ClosedTrade struct {
	OptionSymbol string    `json:"optionSymbol"`
	Underlying   string    `json:"underlying"`
	Qty          int       `json:"qty"`
	EntryPrice   float64   `json:"entryPrice"`
	ExitPrice    float64   `json:"exitPrice"`
	EntryTime    time.Time `json:"entryTime"`
	ExitTime     time.Time `json:"exitTime"`
	RealizedPnL  float64   `json:"realizedPnl"`
	Reason       string    `json:"reason"`
	AgentID      string    `json:"agentId,omitempty"`
}

// Win reports whether the trade realized a profit.
func (t *ClosedTrade) Win() bool {
	return t.RealizedPnL > 0
}

// ContractMultiplier is the standard US equity option multiplier.
const ContractMultiplier = 100

// PortfolioGreeks are position Greeks aggregated across the book with the
// contract multiplier applied.
type PortfolioGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Add accrues one position's per-contract Greeks scaled by quantity.
func (g *PortfolioGreeks) Add(per Greeks, qty int) {
	m := float64(qty) * ContractMultiplier
	g.Delta += per.Delta * m
	g.Gamma += per.Gamma * m
	g.Theta += per.Theta * m
	g.Vega += per.Vega * m
}

// RiskLevel grades a risk decision.
type RiskLevel string

const (
	RiskLevelSafe    RiskLevel = "safe"
	RiskLevelWarning RiskLevel = "warning"
	RiskLevelDanger  RiskLevel = "danger"
	RiskLevelBlocked RiskLevel = "blocked"
)

// RiskDecision is the verdict of one risk layer (or the whole stack).
type RiskDecision struct {
	Allowed        bool             `json:"allowed"`
	Layer          string           `json:"layer"`
	Reason         string           `json:"reason"`
	Level          RiskLevel        `json:"level"`
	SizeMultiplier float64          `json:"sizeMultiplier,omitempty"`
	ForceExit      bool             `json:"forceExit,omitempty"`
	Projected      *PortfolioGreeks `json:"projected,omitempty"`
	Current        *PortfolioGreeks `json:"current,omitempty"`
}

// Account is the broker account snapshot the control loop operates on.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buyingPower"`
	Cash        float64 `json:"cash"`
	MarketOpen  bool    `json:"marketOpen"`
}

// Order is the core's view of a broker order.
type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"clientOrderId"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            int         `json:"qty"`
	LimitPrice     float64     `json:"limitPrice,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQty      int         `json:"filledQty"`
	FilledAvgPrice float64     `json:"filledAvgPrice"`
	IsOption       bool        `json:"isOption"`
	SubmittedAt    time.Time   `json:"submittedAt"`
	FilledAt       *time.Time  `json:"filledAt,omitempty"`
}

// Terminal reports whether the order reached a final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// daysUntil counts whole calendar days from now's date to target's date,
// floored at zero.
func daysUntil(now, target time.Time) int {
	y1, m1, d1 := now.Date()
	y2, m2, d2 := target.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	days := int(b.Sub(a).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
