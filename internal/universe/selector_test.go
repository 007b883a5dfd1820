package universe_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/universe"
	"github.com/tradenova/trading-core/pkg/types"
)

var selNow = time.Date(2025, 6, 17, 15, 0, 0, 0, time.UTC)

type contractOpt func(*types.OptionContract)

func withBook(bid, ask float64) contractOpt {
	return func(c *types.OptionContract) { c.Bid, c.Ask = bid, ask }
}

func withVolume(v int64) contractOpt {
	return func(c *types.OptionContract) { c.Volume = v }
}

func withOI(oi int64) contractOpt {
	return func(c *types.OptionContract) { c.OpenInterest = oi }
}

func mkContract(symbol string, typ types.OptionType, strike float64, dte int, opts ...contractOpt) types.OptionContract {
	c := types.OptionContract{
		Symbol:     symbol,
		Underlying: "SPY",
		Strike:     strike,
		Expiration: selNow.AddDate(0, 0, dte),
		Type:       typ,
		Bid:        1.00,
		Ask:        1.10,
		BidSize:    10,
		Volume:     100,
		QuoteTime:  selNow.Add(-time.Second),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func newSelector(t *testing.T) *universe.Selector {
	t.Helper()
	return universe.NewSelector(zap.NewNop(), universe.DefaultSelectorConfig())
}

func TestSelectorMapsDirectionToType(t *testing.T) {
	chain := []types.OptionContract{
		mkContract("call", types.OptionCall, 100, 3),
		mkContract("put", types.OptionPut, 100, 3),
	}
	s := newSelector(t)

	long, err := s.Select(chain, types.DirectionLong, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if long.Contract.Symbol != "call" {
		t.Errorf("long picked %s, want the call", long.Contract.Symbol)
	}

	short, err := s.Select(chain, types.DirectionShort, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if short.Contract.Symbol != "put" {
		t.Errorf("short picked %s, want the put", short.Contract.Symbol)
	}

	if _, err := s.Select(chain, types.DirectionFlat, 100, 0, selNow); !errors.Is(err, types.ErrNoLiquidContract) {
		t.Errorf("flat direction: err = %v", err)
	}
}

func TestSelectorPrefersNearestExpiry(t *testing.T) {
	chain := []types.OptionContract{
		mkContract("later", types.OptionCall, 100, 5),
		mkContract("sooner", types.OptionCall, 103, 2),
	}
	sel, err := newSelector(t).Select(chain, types.DirectionLong, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	// Expiry outranks strike distance.
	if sel.Contract.Symbol != "sooner" {
		t.Errorf("picked %s, want sooner", sel.Contract.Symbol)
	}
}

func TestSelectorFallbackWindow(t *testing.T) {
	chain := []types.OptionContract{mkContract("only", types.OptionCall, 100, 12)}
	sel, err := newSelector(t).Select(chain, types.DirectionLong, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Contract.Symbol != "only" {
		t.Errorf("picked %s", sel.Contract.Symbol)
	}
	var windowNote string
	for _, r := range sel.ReasonTrail {
		if strings.HasPrefix(r, "dte_window=") {
			windowNote = r
		}
	}
	if !strings.Contains(windowNote, "fallback") {
		t.Errorf("reason trail %v missing fallback window note", sel.ReasonTrail)
	}
}

func TestSelectorBeyondFallbackRejected(t *testing.T) {
	chain := []types.OptionContract{mkContract("far", types.OptionCall, 100, 45)}
	_, err := newSelector(t).Select(chain, types.DirectionLong, 100, 0, selNow)
	if !errors.Is(err, types.ErrNoLiquidContract) {
		t.Errorf("err = %v, want ErrNoLiquidContract", err)
	}
}

func TestSelectorZeroDTEPasses(t *testing.T) {
	chain := []types.OptionContract{mkContract("today", types.OptionCall, 100, 0)}
	sel, err := newSelector(t).Select(chain, types.DirectionLong, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Contract.Symbol != "today" {
		t.Errorf("picked %s", sel.Contract.Symbol)
	}
}

func TestSelectorTiebreaks(t *testing.T) {
	tests := []struct {
		name string
		a, b types.OptionContract
		want string
	}{
		{
			"closer strike wins",
			mkContract("atm", types.OptionCall, 101, 3),
			mkContract("otm", types.OptionCall, 110, 3),
			"atm",
		},
		{
			"tighter spread wins",
			mkContract("tight", types.OptionCall, 100, 3, withBook(1.00, 1.05)),
			mkContract("wide", types.OptionCall, 100, 3, withBook(1.00, 1.20)),
			"tight",
		},
		{
			"higher volume wins",
			mkContract("busy", types.OptionCall, 100, 3, withVolume(900)),
			mkContract("quiet", types.OptionCall, 100, 3, withVolume(10)),
			"busy",
		},
		{
			"higher open interest wins",
			mkContract("deep", types.OptionCall, 100, 3, withOI(5000)),
			mkContract("shallow", types.OptionCall, 100, 3, withOI(10)),
			"deep",
		},
		{
			// Books chosen so both spread percentages are exactly 0.5
			// and only the mid differs.
			"lower price wins last",
			mkContract("cheap", types.OptionCall, 100, 3, withBook(0.75, 1.25)),
			mkContract("rich", types.OptionCall, 100, 3, withBook(1.50, 2.50)),
			"cheap",
		},
	}

	s := newSelector(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Both orders, so input position never decides.
			for _, chain := range [][]types.OptionContract{{tt.a, tt.b}, {tt.b, tt.a}} {
				sel, err := s.Select(chain, types.DirectionLong, 100, 0, selNow)
				if err != nil {
					t.Fatal(err)
				}
				if sel.Contract.Symbol != tt.want {
					t.Errorf("picked %s, want %s", sel.Contract.Symbol, tt.want)
				}
			}
		})
	}
}

func TestSelectorPriceFloor(t *testing.T) {
	chain := []types.OptionContract{
		mkContract("dust", types.OptionCall, 100, 3, withBook(0.03, 0.05)),
	}
	_, err := newSelector(t).Select(chain, types.DirectionLong, 100, 0, selNow)
	if !errors.Is(err, types.ErrNoLiquidContract) {
		t.Errorf("err = %v, want ErrNoLiquidContract for sub-floor mid", err)
	}
}

func TestSelectorBudgetCap(t *testing.T) {
	chain := []types.OptionContract{
		mkContract("rich", types.OptionCall, 100, 3, withBook(2.90, 3.10)),
		mkContract("fits", types.OptionCall, 104, 3, withBook(0.95, 1.05)),
	}
	s := newSelector(t)

	// Mid 3.00 costs $300 a contract; a $250 budget excludes it even
	// though its strike is nearer.
	sel, err := s.Select(chain, types.DirectionLong, 100, 250, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Contract.Symbol != "fits" {
		t.Errorf("picked %s, want fits", sel.Contract.Symbol)
	}

	// Uncapped, the nearer strike wins again.
	sel, err = s.Select(chain, types.DirectionLong, 100, 0, selNow)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Contract.Symbol != "rich" {
		t.Errorf("picked %s, want rich", sel.Contract.Symbol)
	}
}

func TestSelectorEmptyChain(t *testing.T) {
	_, err := newSelector(t).Select(nil, types.DirectionLong, 100, 0, selNow)
	if !errors.Is(err, types.ErrNoLiquidContract) {
		t.Errorf("err = %v, want ErrNoLiquidContract", err)
	}
}
