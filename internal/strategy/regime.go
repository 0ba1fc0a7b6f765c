package strategy

import (
	"math"

	"smacross/internal/models"
)

const (
	regimeSMAPeriod = 50
	regimeATRPeriod = 14

	strongTrendThreshold = 1.5
	weakTrendThreshold   = 0.8
	rangingThreshold     = 0.5
)

// RegimeResult classifies recent price behavior on the most recent closed
// bar.
type RegimeResult struct {
	Regime     models.Regime
	Direction  string // up | down | none
	Strength   float64
	Confidence float64
	ATR        float64
}

// DetectRegime measures how far the last close sits from the 50-bar SMA in
// ATR units. Requires at least 51 bars; shorter input yields unknown.
func DetectRegime(bars []models.BarEvent) RegimeResult {
	unknown := RegimeResult{Regime: models.RegimeUnknown, Direction: "none", Confidence: 0.5}
	if len(bars) < regimeSMAPeriod+1 {
		return unknown
	}

	last := len(bars) - 1
	sma := SMA(bars, regimeSMAPeriod)[last]
	atr := ATR(bars, regimeATRPeriod)[last]
	if math.IsNaN(sma) || math.IsNaN(atr) || atr <= 0 {
		return unknown
	}

	distance := bars[last].Close - sma
	strength := math.Abs(distance) / atr

	result := RegimeResult{Strength: strength, ATR: atr, Direction: "none"}
	switch {
	case strength > strongTrendThreshold:
		result.Regime = models.RegimeTrending
		result.Confidence = 0.9
	case strength > weakTrendThreshold:
		result.Regime = models.RegimeTrending
		result.Confidence = 0.6
	case strength < rangingThreshold:
		result.Regime = models.RegimeRanging
		result.Confidence = 0.8
	default:
		result.Regime = models.RegimeUnknown
		result.Confidence = 0.5
	}
	if result.Regime == models.RegimeTrending {
		if distance > 0 {
			result.Direction = "up"
		} else {
			result.Direction = "down"
		}
	}
	return result
}
