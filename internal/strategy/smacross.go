package strategy

import (
	"fmt"
	"log"
	"math"

	"smacross/internal/models"
	"smacross/internal/util"
)

// RequiredHistory is the minimum bar count for a full evaluation: the 50-bar
// regime SMA plus one closed bar for the crossover comparison.
const RequiredHistory = 51

// periodPair is one fast/slow SMA pair.
type periodPair struct {
	Fast, Slow int
}

var pairs = []periodPair{{5, 15}, {10, 30}, {20, 50}}

// confidence is the period x regime weight matrix. Unknown regime takes the
// midpoint of the trending and ranging weights.
func (p periodPair) confidence(regime models.Regime) float64 {
	var trend, ranging float64
	switch p {
	case periodPair{20, 50}:
		trend, ranging = 0.9, 0.4
	case periodPair{10, 30}:
		trend, ranging = 0.7, 0.4
	default: // (5, 15)
		trend, ranging = 0.6, 0.3
	}
	switch regime {
	case models.RegimeTrending:
		return trend
	case models.RegimeRanging:
		return ranging
	default:
		return (trend + ranging) / 2
	}
}

// SignalMemory is the per-(symbol, pair) last-signal store consulted to
// suppress repeat emissions of the same direction.
type SignalMemory interface {
	LastSignal(symbol string, fast, slow int) (string, error)
	SetLastSignal(symbol string, fast, slow int, direction string) error
}

// SMACross detects crossovers on three SMA period pairs and tags each signal
// with the current regime. Stateless per call except for the last-signal
// memory.
type SMACross struct {
	name      string
	timeframe string
	memory    SignalMemory
	logger    *log.Logger
}

// NewSMACross creates the strategy.
func NewSMACross(name, timeframe string, memory SignalMemory, logger *log.Logger) *SMACross {
	if logger == nil {
		logger = log.Default()
	}
	return &SMACross{name: name, timeframe: timeframe, memory: memory, logger: logger}
}

// Name returns the strategy identifier used in client order IDs and gates.
func (s *SMACross) Name() string { return s.name }

// Timeframe returns the bar timeframe the strategy evaluates.
func (s *SMACross) Timeframe() string { return s.timeframe }

// RequiredHistory returns the minimum number of bars OnBar needs.
func (s *SMACross) RequiredHistory() int { return RequiredHistory }

// OnBar evaluates all period pairs on the latest closed bar and returns 0-3
// signals. A crossover is bullish when the fast SMA closes above the slow
// after being at or below it on the previous bar, bearish symmetrically.
func (s *SMACross) OnBar(symbol string, bars []models.BarEvent) ([]models.SignalEvent, error) {
	if len(bars) < RequiredHistory {
		return nil, nil
	}

	regime := DetectRegime(bars)
	last := len(bars) - 1
	ts := bars[last].Timestamp

	var signals []models.SignalEvent
	for _, pair := range pairs {
		fast := SMA(bars, pair.Fast)
		slow := SMA(bars, pair.Slow)
		fastPrev, fastCurr := fast[last-1], fast[last]
		slowPrev, slowCurr := slow[last-1], slow[last]
		if math.IsNaN(fastPrev) || math.IsNaN(slowPrev) ||
			math.IsNaN(fastCurr) || math.IsNaN(slowCurr) {
			continue
		}

		var direction models.SignalType
		switch {
		case fastPrev <= slowPrev && fastCurr > slowCurr:
			direction = models.SignalBuy
		case fastPrev >= slowPrev && fastCurr < slowCurr:
			direction = models.SignalSell
		default:
			continue
		}

		previous, err := s.memory.LastSignal(symbol, pair.Fast, pair.Slow)
		if err != nil {
			return nil, fmt.Errorf("reading last signal for %s (%d,%d): %w",
				symbol, pair.Fast, pair.Slow, err)
		}
		if previous == string(direction) {
			s.logger.Printf("%s (%d,%d): suppressing repeat %s crossover",
				symbol, pair.Fast, pair.Slow, direction)
			continue
		}
		if err := s.memory.SetLastSignal(symbol, pair.Fast, pair.Slow, string(direction)); err != nil {
			return nil, fmt.Errorf("recording last signal for %s (%d,%d): %w",
				symbol, pair.Fast, pair.Slow, err)
		}

		metadata := models.SignalMetadata{
			FastPeriod:     pair.Fast,
			SlowPeriod:     pair.Slow,
			Confidence:     pair.confidence(regime.Regime),
			Regime:         regime.Regime,
			RegimeStrength: util.FloatPtr(regime.Strength),
		}
		if regime.ATR > 0 {
			metadata.ATR = util.FloatPtr(regime.ATR)
		}
		signals = append(signals, models.SignalEvent{
			Symbol:    symbol,
			Type:      direction,
			Timestamp: ts,
			Metadata:  metadata,
		})
	}
	return signals, nil
}
