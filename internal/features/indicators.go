package features

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/tradenova/trading-core/pkg/types"
)

// ema computes an exponential moving average over values and returns the
// final smoothed value. Seeded with the SMA of the first period values.
func ema(values []float64, period int) float64 {
	if len(values) < period {
		return math.NaN()
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	cur := seed / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		cur = v*k + cur*(1-k)
	}
	return cur
}

// sma computes the simple moving average of the last period values.
func sma(values []float64, period int) float64 {
	if len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// rsi computes Wilder's Relative Strength Index over closes. All-gain
// windows return 100, all-loss windows 0.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return math.NaN()
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// trueRange returns the Wilder true range of bar i given its predecessor.
func trueRange(bars []types.Bar, i int) float64 {
	hl := bars[i].High - bars[i].Low
	if i == 0 {
		return hl
	}
	hc := math.Abs(bars[i].High - bars[i-1].Close)
	lc := math.Abs(bars[i].Low - bars[i-1].Close)
	return math.Max(hl, math.Max(hc, lc))
}

// atr computes Wilder's Average True Range.
func atr(bars []types.Bar, period int) float64 {
	if len(bars) < period+1 {
		return math.NaN()
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(bars, i)
	}
	cur := sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		cur = (cur*float64(period-1) + trueRange(bars, i)) / float64(period)
	}
	return cur
}

// adx computes Wilder's Average Directional Index.
func adx(bars []types.Bar, period int) float64 {
	if len(bars) < 2*period+1 {
		return math.NaN()
	}

	n := len(bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = trueRange(bars, i)
	}

	// Wilder smoothing of TR and DMs.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := func() float64 {
		if smTR == 0 {
			return 0
		}
		diPlus := 100 * smPlus / smTR
		diMinus := 100 * smMinus / smTR
		if diPlus+diMinus == 0 {
			return 0
		}
		return 100 * math.Abs(diPlus-diMinus) / (diPlus + diMinus)
	}

	adxSum := dx()
	count := 1
	var adxVal float64
	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]

		if count < period {
			adxSum += dx()
			count++
			if count == period {
				adxVal = adxSum / float64(period)
			}
			continue
		}
		adxVal = (adxVal*float64(period-1) + dx()) / float64(period)
	}
	if count < period {
		return adxSum / float64(count)
	}
	return adxVal
}

// sessionVWAP computes the volume-weighted average price over bars sharing
// the last bar's date. Zero total volume falls back to the mean typical
// price of the session.
func sessionVWAP(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return math.NaN()
	}
	lastDay := bars[len(bars)-1].Timestamp.Truncate(24 * time.Hour)

	var pv, vol, tpSum float64
	var count int
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Timestamp.Truncate(24 * time.Hour).Equal(lastDay) {
			break
		}
		tp := (bars[i].High + bars[i].Low + bars[i].Close) / 3
		pv += tp * bars[i].Volume
		vol += bars[i].Volume
		tpSum += tp
		count++
	}
	if vol > 0 {
		return pv / vol
	}
	if count > 0 {
		return tpSum / float64(count)
	}
	return math.NaN()
}

// logReturns computes log returns, skipping non-positive prices so the
// logarithm stays defined.
func logReturns(closes []float64) []float64 {
	out := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i] <= 0 || closes[i-1] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// realizedVol annualizes the standard deviation of log returns.
// periodsPerYear reflects the bar spacing (e.g. 252 for daily bars).
func realizedVol(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return math.NaN()
	}
	sd := stat.StdDev(returns, nil)
	return sd * math.Sqrt(periodsPerYear)
}

// hurst estimates the Hurst exponent via rescaled range analysis over
// doubling window sizes. Degenerate series (too short, zero variance)
// return 0.5, the random-walk neutral value.
func hurst(returns []float64) float64 {
	n := len(returns)
	if n < 16 {
		return 0.5
	}

	var logN, logRS []float64
	for size := 4; size <= n/2; size *= 2 {
		var rsSum float64
		var windows int
		for start := 0; start+size <= n; start += size {
			rs := rescaledRange(returns[start : start+size])
			if !math.IsNaN(rs) && rs > 0 {
				rsSum += rs
				windows++
			}
		}
		if windows == 0 {
			continue
		}
		logN = append(logN, math.Log(float64(size)))
		logRS = append(logRS, math.Log(rsSum/float64(windows)))
	}

	if len(logN) < 2 {
		return 0.5
	}
	_, h := stat.LinearRegression(logN, logRS, nil, false)
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0.5
	}
	return math.Max(0, math.Min(1, h))
}

// rescaledRange computes R/S for one window of returns.
func rescaledRange(window []float64) float64 {
	mean := stat.Mean(window, nil)
	var cum, minCum, maxCum float64
	var variance float64
	for _, r := range window {
		d := r - mean
		cum += d
		if cum < minCum {
			minCum = cum
		}
		if cum > maxCum {
			maxCum = cum
		}
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(window)))
	if sd == 0 {
		return math.NaN()
	}
	return (maxCum - minCum) / sd
}

// regression fits closes against bar index and returns the per-bar slope
// normalized by the mean price, plus the fit R². A flat series has slope 0
// and R² 0.
func regression(closes []float64) (slopePct, rsq float64) {
	n := len(closes)
	if n < 2 {
		return math.NaN(), math.NaN()
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(xs, closes, nil, false)

	mean := stat.Mean(closes, nil)
	if mean == 0 {
		return math.NaN(), math.NaN()
	}
	slopePct = beta / mean

	est := make([]float64, n)
	for i := range est {
		est[i] = alpha + beta*xs[i]
	}
	rsq = stat.RSquaredFrom(est, closes, nil)
	if math.IsNaN(rsq) || math.IsInf(rsq, 0) {
		// Zero-variance series: the fit is exact but R² is 0/0.
		rsq = 0
	}
	return slopePct, rsq
}
