// Package strategy implements the SMA crossover strategy and its regime
// detector.
package strategy

import (
	"math"

	"smacross/internal/models"
)

// SMA returns the n-period simple moving average of Close, aligned to bars.
// For indices < n-1, the function returns NaN.
func SMA(bars []models.BarEvent, n int) []float64 {
	out := make([]float64, len(bars))
	if n <= 0 || len(bars) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range bars {
		sum += bars[i].Close
		if i >= n {
			sum -= bars[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// ATR returns the n-period Average True Range using Wilder's smoothing,
// aligned to bars. Indices before the first full window are NaN.
func ATR(bars []models.BarEvent, n int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(bars) < n+1 {
		return out
	}
	var sum float64
	var atr float64
	for i := 1; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1].Close)
		if i <= n {
			sum += tr
			if i == n {
				atr = sum / float64(n)
				out[i] = atr
			}
		} else {
			atr = (atr*float64(n-1) + tr) / float64(n)
			out[i] = atr
		}
	}
	return out
}

func trueRange(bar models.BarEvent, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
