// Package universe narrows a raw option chain down to the single
// contract worth trading: a liquidity filter over the fresh chain,
// then a deterministic selector over the survivors.
package universe

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/pkg/types"
)

// FilterConfig bounds the liquidity gate applied to every chain snapshot.
type FilterConfig struct {
	// MinBid is exclusive: a contract needs bid > MinBid.
	MinBid float64
	// MaxSpreadPct is inclusive: (ask-bid)/mid up to and including this passes.
	MaxSpreadPct float64
	MinBidSize   int64
	// MaxQuoteAge is exclusive: a quote exactly this old is already stale.
	MaxQuoteAge  time.Duration
	MaxChainSize int
}

// DefaultFilterConfig returns the production liquidity gate.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinBid:       0.01,
		MaxSpreadPct: 0.20,
		MinBidSize:   1,
		MaxQuoteAge:  5 * time.Second,
		MaxChainSize: 2000,
	}
}

// FilterCounters reports what the gate did to one chain snapshot. A
// contract failing several predicates increments each of them; the
// per-contract verdict lives in its LiquidityStamp.
type FilterCounters struct {
	Input          int `json:"input"`
	Truncated      int `json:"truncated"`
	BidRejected    int `json:"bidRejected"`
	SpreadRejected int `json:"spreadRejected"`
	SizeRejected   int `json:"sizeRejected"`
	StaleRejected  int `json:"staleRejected"`
	Passed         int `json:"passed"`
}

// Filter is the liquidity gatekeeper over a freshly fetched chain.
type Filter struct {
	logger *zap.Logger
	config FilterConfig
}

// NewFilter creates a chain filter.
func NewFilter(logger *zap.Logger, config FilterConfig) *Filter {
	return &Filter{
		logger: logger.Named("universe"),
		config: config,
	}
}

// Apply sorts the chain (strike ascending, then expiration), truncates
// oversized chains, and keeps contracts that clear all four liquidity
// predicates as of now. The input slice is not mutated; applying the
// filter to its own output yields the same set.
func (f *Filter) Apply(chain []types.OptionContract, now time.Time) ([]types.OptionContract, FilterCounters) {
	counters := FilterCounters{Input: len(chain)}

	sorted := make([]types.OptionContract, len(chain))
	copy(sorted, chain)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Strike != sorted[j].Strike {
			return sorted[i].Strike < sorted[j].Strike
		}
		return sorted[i].Expiration.Before(sorted[j].Expiration)
	})

	if f.config.MaxChainSize > 0 && len(sorted) > f.config.MaxChainSize {
		counters.Truncated = len(sorted) - f.config.MaxChainSize
		sorted = sorted[:f.config.MaxChainSize]
	}

	out := make([]types.OptionContract, 0, len(sorted))
	for i := range sorted {
		c := sorted[i]
		c.Liquidity = f.stamp(&c, now)
		if !c.Liquidity.PassesBid {
			counters.BidRejected++
			metrics.StageRejections.WithLabelValues("filter", "bid").Inc()
		}
		if !c.Liquidity.PassesSpread {
			counters.SpreadRejected++
			metrics.StageRejections.WithLabelValues("filter", "spread").Inc()
		}
		if !c.Liquidity.PassesSize {
			counters.SizeRejected++
			metrics.StageRejections.WithLabelValues("filter", "size").Inc()
		}
		if !c.Liquidity.PassesAge {
			counters.StaleRejected++
			metrics.StageRejections.WithLabelValues("filter", "stale").Inc()
		}
		if c.Liquidity.Tradable() {
			out = append(out, c)
		}
	}
	counters.Passed = len(out)

	if counters.Passed < counters.Input {
		f.logger.Debug("chain filtered",
			zap.Int("input", counters.Input),
			zap.Int("passed", counters.Passed),
			zap.Int("truncated", counters.Truncated),
			zap.Int("spreadRejected", counters.SpreadRejected),
			zap.Int("staleRejected", counters.StaleRejected))
	}
	return out, counters
}

// Check re-applies the liquidity predicate to a single contract. The
// risk stack uses it to re-test the selected contract right before
// order placement, in case the quote aged.
func (f *Filter) Check(c *types.OptionContract, now time.Time) types.LiquidityStamp {
	return f.stamp(c, now)
}

func (f *Filter) stamp(c *types.OptionContract, now time.Time) types.LiquidityStamp {
	return types.LiquidityStamp{
		PassesBid:    c.Bid > f.config.MinBid,
		PassesSpread: c.SpreadPct() <= f.config.MaxSpreadPct,
		PassesSize:   c.BidSize >= f.config.MinBidSize,
		PassesAge:    c.QuoteAge(now) < f.config.MaxQuoteAge,
	}
}
