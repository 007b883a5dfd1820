package features_test

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/features"
	"github.com/tradenova/trading-core/pkg/types"
)

func newEngine() *features.Engine {
	return features.NewEngine(zap.NewNop(), features.DefaultConfig())
}

// barsFromCloses builds 5-minute bars around the given closes with a fixed
// half-point range and unit volume.
func barsFromCloses(closes []float64) []types.Bar {
	start := time.Date(2025, 6, 17, 14, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func risingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return closes
}

func TestComputeMinBarsBoundary(t *testing.T) {
	e := newEngine()

	_, err := e.Compute("SPY", barsFromCloses(risingCloses(29)))
	if !errors.Is(err, types.ErrInsufficientFeatures) {
		t.Fatalf("29 bars: err = %v, want ErrInsufficientFeatures", err)
	}

	v, err := e.Compute("SPY", barsFromCloses(risingCloses(30)))
	if err != nil {
		t.Fatalf("30 bars: unexpected error %v", err)
	}
	if v.BarCount != 30 {
		t.Errorf("BarCount = %d, want 30", v.BarCount)
	}
	if !v.Finite() {
		t.Error("vector not finite")
	}
}

func TestComputePrefixDeterminism(t *testing.T) {
	e := newEngine()
	bars := barsFromCloses(risingCloses(60))

	first, err := e.Compute("SPY", bars[:40])
	if err != nil {
		t.Fatal(err)
	}
	// Computing over the longer history must not disturb prefix results.
	if _, err := e.Compute("SPY", bars); err != nil {
		t.Fatal(err)
	}
	second, err := e.Compute("SPY", bars[:40])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("prefix recomputation changed the vector")
	}
}

func TestTrendingSeries(t *testing.T) {
	e := newEngine()
	v, err := e.Compute("SPY", barsFromCloses(risingCloses(40)))
	if err != nil {
		t.Fatal(err)
	}

	if v.RSI14 != 100 {
		t.Errorf("RSI of monotonic gains = %v, want 100", v.RSI14)
	}
	if v.EMA9 <= v.EMA21 {
		t.Errorf("rising series: EMA9 %v should exceed EMA21 %v", v.EMA9, v.EMA21)
	}
	if v.Slope <= 0 {
		t.Errorf("rising series slope = %v, want > 0", v.Slope)
	}
	if v.RSquared < 0.99 {
		t.Errorf("linear ramp R² = %v, want ~1", v.RSquared)
	}
	if v.ADX14 <= 25 {
		t.Errorf("steady trend ADX = %v, want > 25", v.ADX14)
	}
	if v.Price != 139 {
		t.Errorf("Price = %v, want last close 139", v.Price)
	}
}

func TestFallingSeriesSlope(t *testing.T) {
	e := newEngine()
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	v, err := e.Compute("SPY", barsFromCloses(closes))
	if err != nil {
		t.Fatal(err)
	}
	if v.Slope >= 0 {
		t.Errorf("falling series slope = %v, want < 0", v.Slope)
	}
	if v.RSI14 != 0 {
		t.Errorf("RSI of monotonic losses = %v, want 0", v.RSI14)
	}
}

func TestFlatSeries(t *testing.T) {
	e := newEngine()
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	v, err := e.Compute("SPY", barsFromCloses(closes))
	if err != nil {
		t.Fatal(err)
	}
	if v.Slope != 0 {
		t.Errorf("flat slope = %v, want 0", v.Slope)
	}
	if v.RSI14 != 50 {
		t.Errorf("flat RSI = %v, want 50", v.RSI14)
	}
	// Constant closes with a fixed range: every true range is exactly 1.
	if v.ATR14 != 1 {
		t.Errorf("ATR = %v, want 1", v.ATR14)
	}
}

func TestVWAPEqualVolumes(t *testing.T) {
	e := newEngine()
	closes := risingCloses(30)
	bars := barsFromCloses(closes)
	v, err := e.Compute("SPY", bars)
	if err != nil {
		t.Fatal(err)
	}

	// Equal volumes: VWAP is the mean typical price of the session.
	var sum float64
	for _, b := range bars {
		sum += (b.High + b.Low + b.Close) / 3
	}
	want := sum / float64(len(bars))
	if diff := v.VWAP - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("VWAP = %v, want %v", v.VWAP, want)
	}
}

func TestFVGDetectionAndFill(t *testing.T) {
	start := time.Date(2025, 6, 17, 14, 0, 0, 0, time.UTC)
	mk := func(i int, high, low float64) types.Bar {
		return types.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      (high + low) / 2, High: high, Low: low, Close: (high + low) / 2,
			Volume: 100,
		}
	}
	// Bar 2's low gaps above bar 0's high; bar 4 trades back through it.
	bars := []types.Bar{
		mk(0, 10.0, 9.0),
		mk(1, 10.5, 9.8),
		mk(2, 11.0, 10.2),
		mk(3, 11.2, 10.3),
		mk(4, 10.4, 9.9),
	}

	e := features.NewEngine(zap.NewNop(), features.Config{MinBars: 3})
	v, err := e.Compute("SPY", bars)
	if err != nil {
		t.Fatal(err)
	}

	if len(v.FVGs) == 0 {
		t.Fatal("bullish gap not detected")
	}
	g := v.FVGs[0]
	if !g.Bullish || g.Index != 2 {
		t.Errorf("gap = %+v, want bullish at index 2", g)
	}
	if g.Upper != 10.2 || g.Lower != 10.0 {
		t.Errorf("gap bounds = [%v, %v], want [10.0, 10.2]", g.Lower, g.Upper)
	}
	if !g.Filled {
		t.Error("bar 4 low 9.9 trades through the gap; should be filled")
	}
	if n := len(v.UnfilledFVGs()); n != 0 {
		t.Errorf("unfilled gaps = %d, want 0", n)
	}
}

func TestHurstWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	closes := make([]float64, 120)
	closes[0] = 100
	for i := 1; i < len(closes); i++ {
		closes[i] = closes[i-1] * (1 + 0.001*rng.NormFloat64())
	}

	e := newEngine()
	v, err := e.Compute("SPY", barsFromCloses(closes))
	if err != nil {
		t.Fatal(err)
	}
	if v.Hurst < 0 || v.Hurst > 1 {
		t.Errorf("Hurst = %v, outside [0, 1]", v.Hurst)
	}
	if v.RealizedVol <= 0 {
		t.Errorf("realized vol = %v, want > 0", v.RealizedVol)
	}
}

func TestDegenerateClosesRejected(t *testing.T) {
	e := newEngine()
	closes := make([]float64, 40) // all zero
	_, err := e.Compute("SPY", barsFromCloses(closes))
	if !errors.Is(err, types.ErrInsufficientFeatures) {
		t.Fatalf("err = %v, want ErrInsufficientFeatures", err)
	}
}
