package universe

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/metrics"
	"github.com/tradenova/trading-core/pkg/types"
)

// SelectorConfig bounds contract selection. The preferred expiry window
// is [MinDTE, PreferredMaxDTE]; when it is empty the selector widens to
// [MinDTE, MaxDTE].
type SelectorConfig struct {
	MinDTE          int
	PreferredMaxDTE int
	MaxDTE          int
	// PriceFloor is the minimum acceptable mid. Cheaper contracts are
	// lottery tickets with untradable exits.
	PriceFloor float64
}

// DefaultSelectorConfig returns the production selection windows.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MinDTE:          0,
		PreferredMaxDTE: 7,
		MaxDTE:          30,
		PriceFloor:      0.10,
	}
}

// Selection is the audited outcome of a selector run.
type Selection struct {
	Contract    *types.OptionContract `json:"contract"`
	ReasonTrail []string              `json:"reasonTrail"`
}

// Selector picks the single contract to trade from a filtered chain.
type Selector struct {
	logger *zap.Logger
	config SelectorConfig
}

// NewSelector creates a contract selector.
func NewSelector(logger *zap.Logger, config SelectorConfig) *Selector {
	return &Selector{
		logger: logger.Named("selector"),
		config: config,
	}
}

// candidate carries the precomputed sort keys for one contract.
type candidate struct {
	contract   types.OptionContract
	dte        int
	strikeDist float64
	spreadPct  float64
}

// Select picks the contract for the given direction: calls on long,
// puts on short. Preference is lexicographic: closest expiry, then
// strike nearest the underlying price, then tightest spread, then
// higher volume, higher open interest, and lower price last. budget
// caps the per-contract cost (mid times the contract multiplier);
// budget <= 0 means uncapped. Returns ErrNoLiquidContract when no
// candidate survives.
func (s *Selector) Select(chain []types.OptionContract, direction types.Direction, price float64, budget float64, now time.Time) (*Selection, error) {
	var optType types.OptionType
	switch direction {
	case types.DirectionLong:
		optType = types.OptionCall
	case types.DirectionShort:
		optType = types.OptionPut
	default:
		return nil, fmt.Errorf("selector: no contract for direction %q: %w", direction, types.ErrNoLiquidContract)
	}

	trail := []string{fmt.Sprintf("type=%s", optType)}
	if len(chain) == 0 {
		metrics.StageRejections.WithLabelValues("selector", "empty_chain").Inc()
		return nil, fmt.Errorf("selector: empty chain: %w", types.ErrNoLiquidContract)
	}

	typed := make([]types.OptionContract, 0, len(chain))
	for _, c := range chain {
		if c.Type == optType {
			typed = append(typed, c)
		}
	}
	if len(typed) == 0 {
		metrics.StageRejections.WithLabelValues("selector", "no_type_match").Inc()
		return nil, fmt.Errorf("selector: no %s contracts in chain: %w", optType, types.ErrNoLiquidContract)
	}

	candidates, window := s.expiryWindow(typed, price, now)
	trail = append(trail, fmt.Sprintf("dte_window=%s", window))
	if len(candidates) == 0 {
		metrics.StageRejections.WithLabelValues("selector", "dte").Inc()
		return nil, fmt.Errorf("selector: no contract expires within %d days: %w", s.config.MaxDTE, types.ErrNoLiquidContract)
	}

	priced := candidates[:0]
	for _, c := range candidates {
		mid := c.contract.Mid()
		if mid < s.config.PriceFloor {
			metrics.StageRejections.WithLabelValues("selector", "price_floor").Inc()
			continue
		}
		if budget > 0 && mid*types.ContractMultiplier > budget {
			metrics.StageRejections.WithLabelValues("selector", "over_budget").Inc()
			continue
		}
		priced = append(priced, c)
	}
	if len(priced) == 0 {
		return nil, fmt.Errorf("selector: every candidate outside [%.2f, budget %.2f]: %w",
			s.config.PriceFloor, budget, types.ErrNoLiquidContract)
	}
	trail = append(trail, fmt.Sprintf("candidates=%d", len(priced)))

	sort.SliceStable(priced, func(i, j int) bool {
		a, b := priced[i], priced[j]
		if a.dte != b.dte {
			return a.dte < b.dte
		}
		if a.strikeDist != b.strikeDist {
			return a.strikeDist < b.strikeDist
		}
		if a.spreadPct != b.spreadPct {
			return a.spreadPct < b.spreadPct
		}
		if a.contract.Volume != b.contract.Volume {
			return a.contract.Volume > b.contract.Volume
		}
		if a.contract.OpenInterest != b.contract.OpenInterest {
			return a.contract.OpenInterest > b.contract.OpenInterest
		}
		return a.contract.Mid() < b.contract.Mid()
	})

	best := priced[0]
	trail = append(trail, fmt.Sprintf("picked=%s dte=%d strike_dist=%.2f spread=%.3f",
		best.contract.Symbol, best.dte, best.strikeDist, best.spreadPct))

	s.logger.Debug("contract selected",
		zap.String("symbol", best.contract.Symbol),
		zap.Int("dte", best.dte),
		zap.Float64("strike", best.contract.Strike),
		zap.Float64("mid", best.contract.Mid()))

	picked := best.contract
	return &Selection{Contract: &picked, ReasonTrail: trail}, nil
}

// expiryWindow collects candidates inside the preferred DTE window,
// widening to the fallback window only when the preferred one is empty.
func (s *Selector) expiryWindow(contracts []types.OptionContract, price float64, now time.Time) ([]candidate, string) {
	build := func(maxDTE int) []candidate {
		var out []candidate
		for i := range contracts {
			c := contracts[i]
			dte := c.DTE(now)
			if dte < s.config.MinDTE || dte > maxDTE {
				continue
			}
			out = append(out, candidate{
				contract:   c,
				dte:        dte,
				strikeDist: math.Abs(c.Strike - price),
				spreadPct:  c.SpreadPct(),
			})
		}
		return out
	}

	if preferred := build(s.config.PreferredMaxDTE); len(preferred) > 0 {
		return preferred, fmt.Sprintf("[%d,%d]", s.config.MinDTE, s.config.PreferredMaxDTE)
	}
	return build(s.config.MaxDTE), fmt.Sprintf("[%d,%d] fallback", s.config.MinDTE, s.config.MaxDTE)
}
