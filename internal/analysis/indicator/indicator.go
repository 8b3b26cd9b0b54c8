package indicator

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
)

// The routines here are pure: no clocks, no IO. Series are oldest-first.
// TALib-backed series keep TALib's alignment, zero-filled until the first
// index with enough history.

// LogReturns computes ln(c[i]/c[i-1]) for consecutive positive closes.
// Pairs with a non-positive price are skipped.
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// EMA returns the exponential moving average, SMA-seeded over the first
// period values with k = 2/(period+1).
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	return talib.Ema(values, period)
}

// LastEMA returns the latest EMA value, or 0 when history is short.
func LastEMA(values []float64, period int) float64 {
	series := EMA(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// EMASlope is the relative change of the series over lag steps:
// (s[t] - s[t-lag]) / max(1e-8, s[t-lag]).
func EMASlope(series []float64, lag int) float64 {
	if lag <= 0 || len(series) <= lag {
		return 0
	}
	latest := series[len(series)-1]
	base := series[len(series)-1-lag]
	return (latest - base) / math.Max(1e-8, base)
}

// ATR returns the Wilder-smoothed average true range series.
func ATR(highs, lows, closes []float64, period int) []float64 {
	if period <= 0 || len(closes) <= period {
		return nil
	}
	return talib.Atr(highs, lows, closes, period)
}

// ATRPct is the latest ATR as a percentage of the latest close.
func ATRPct(highs, lows, closes []float64, period int) float64 {
	series := ATR(highs, lows, closes, period)
	if len(series) == 0 || len(closes) == 0 {
		return 0
	}
	atr := series[len(series)-1]
	return atr / math.Max(1e-8, closes[len(closes)-1]) * 100
}

// EWMASigmas runs the exponentially weighted variance recursion over log
// returns: var_1 = r_1^2, var_t = lambda*var_{t-1} + (1-lambda)*r_t^2. The
// returned series holds sigma = sqrt(max(0, var)) per step.
func EWMASigmas(returns []float64, lambda float64) []float64 {
	if len(returns) == 0 {
		return nil
	}
	out := make([]float64, len(returns))
	variance := returns[0] * returns[0]
	out[0] = math.Sqrt(math.Max(0, variance))
	for i := 1; i < len(returns); i++ {
		variance = lambda*variance + (1-lambda)*returns[i]*returns[i]
		out[i] = math.Sqrt(math.Max(0, variance))
	}
	return out
}

// BollWidthPct returns the band width percentage series for a period-bar,
// dev-sigma Bollinger band: (upper-lower)/max(1e-8, middle)*100. TALib
// alignment, zero until period-1.
func BollWidthPct(closes []float64, period int, dev float64) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
	out := make([]float64, len(closes))
	for i := period - 1; i < len(closes); i++ {
		out[i] = (upper[i] - lower[i]) / math.Max(1e-8, middle[i]) * 100
	}
	return out
}

// PercentileRank is the share of sample values <= v, in [0,100]. Ties count
// inclusively. An empty sample ranks 0.
func PercentileRank(sample []float64, v float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	count := 0
	for _, s := range sorted {
		if s <= v {
			count++
		}
	}
	return float64(count) / float64(len(sorted)) * 100
}

// Median of the sample; 0 when empty.
func Median(sample []float64) float64 {
	n := len(sample)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SigmaNorm normalizes the latest sigma by the median of the trailing window.
func SigmaNorm(sigmas []float64, window int) float64 {
	if len(sigmas) == 0 {
		return 0
	}
	latest := sigmas[len(sigmas)-1]
	start := len(sigmas) - window
	if window <= 0 || start < 0 {
		start = 0
	}
	return latest / math.Max(1e-8, Median(sigmas[start:]))
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tail returns the last n elements (the whole slice when short).
func Tail(values []float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
