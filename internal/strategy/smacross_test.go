package strategy

import (
	"fmt"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smacross/internal/models"
)

type memStore struct {
	signals map[string]string
	fail    bool
}

func newMemStore() *memStore { return &memStore{signals: make(map[string]string)} }

func (m *memStore) key(symbol string, fast, slow int) string {
	return fmt.Sprintf("%s:%d:%d", symbol, fast, slow)
}

func (m *memStore) LastSignal(symbol string, fast, slow int) (string, error) {
	if m.fail {
		return "", fmt.Errorf("store unavailable")
	}
	return m.signals[m.key(symbol, fast, slow)], nil
}

func (m *memStore) SetLastSignal(symbol string, fast, slow int, direction string) error {
	if m.fail {
		return fmt.Errorf("store unavailable")
	}
	m.signals[m.key(symbol, fast, slow)] = direction
	return nil
}

// mkBars builds a minute-bar series with +/-0.5 ranges around each close.
func mkBars(closes []float64) []models.BarEvent {
	start := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]models.BarEvent, len(closes))
	for i, c := range closes {
		bars[i] = models.BarEvent{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func flatThenSpike(n int, base, spike float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base
	}
	closes[n-1] = base + spike
	return closes
}

func newTestStrategy(memory SignalMemory) *SMACross {
	return NewSMACross("sma_cross", "1Min", memory, log.New(discard{}, "", 0))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestOnBarRequiresHistory(t *testing.T) {
	s := newTestStrategy(newMemStore())
	signals, err := s.OnBar("AAPL", mkBars(flatThenSpike(50, 100, 10)))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestOnBarBullishCrossoverAllPairs(t *testing.T) {
	s := newTestStrategy(newMemStore())

	// 59 flat bars then a spike: every fast SMA jumps above its slow SMA.
	signals, err := s.OnBar("AAPL", mkBars(flatThenSpike(60, 100, 10)))
	require.NoError(t, err)
	require.Len(t, signals, 3)

	seen := map[int]bool{}
	for _, sig := range signals {
		assert.Equal(t, models.SignalBuy, sig.Type)
		assert.Equal(t, "AAPL", sig.Symbol)
		assert.Greater(t, sig.Metadata.Confidence, 0.0)
		assert.NotNil(t, sig.Metadata.RegimeStrength)
		seen[sig.Metadata.FastPeriod] = true
	}
	assert.True(t, seen[5] && seen[10] && seen[20])
}

func TestOnBarBearishCrossover(t *testing.T) {
	s := newTestStrategy(newMemStore())
	signals, err := s.OnBar("AAPL", mkBars(flatThenSpike(60, 100, -10)))
	require.NoError(t, err)
	require.Len(t, signals, 3)
	for _, sig := range signals {
		assert.Equal(t, models.SignalSell, sig.Type)
	}
}

func TestOnBarSuppressesRepeatDirection(t *testing.T) {
	memory := newMemStore()
	s := newTestStrategy(memory)
	bars := mkBars(flatThenSpike(60, 100, 10))

	first, err := s.OnBar("AAPL", bars)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := s.OnBar("AAPL", bars)
	require.NoError(t, err)
	assert.Empty(t, second, "same direction must not be re-emitted")
}

func TestOnBarOppositeDirectionNotSuppressed(t *testing.T) {
	memory := newMemStore()
	s := newTestStrategy(memory)

	_, err := s.OnBar("AAPL", mkBars(flatThenSpike(60, 100, 10)))
	require.NoError(t, err)

	signals, err := s.OnBar("AAPL", mkBars(flatThenSpike(60, 100, -10)))
	require.NoError(t, err)
	assert.Len(t, signals, 3)
}

func TestOnBarNoCrossoverOnFlatSeries(t *testing.T) {
	s := newTestStrategy(newMemStore())
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	signals, err := s.OnBar("AAPL", mkBars(closes))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestOnBarPropagatesStoreErrors(t *testing.T) {
	memory := newMemStore()
	memory.fail = true
	s := newTestStrategy(memory)
	_, err := s.OnBar("AAPL", mkBars(flatThenSpike(60, 100, 10)))
	require.Error(t, err)
}

func TestConfidenceMatrix(t *testing.T) {
	assert.InDelta(t, 0.9, periodPair{20, 50}.confidence(models.RegimeTrending), 1e-9)
	assert.InDelta(t, 0.4, periodPair{20, 50}.confidence(models.RegimeRanging), 1e-9)
	assert.InDelta(t, 0.7, periodPair{10, 30}.confidence(models.RegimeTrending), 1e-9)
	assert.InDelta(t, 0.4, periodPair{10, 30}.confidence(models.RegimeRanging), 1e-9)
	assert.InDelta(t, 0.6, periodPair{5, 15}.confidence(models.RegimeTrending), 1e-9)
	assert.InDelta(t, 0.3, periodPair{5, 15}.confidence(models.RegimeRanging), 1e-9)
	assert.InDelta(t, 0.65, periodPair{20, 50}.confidence(models.RegimeUnknown), 1e-9)
}

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	sma := SMA(mkBars(closes), 3)
	assert.True(t, math.IsNaN(sma[0]))
	assert.True(t, math.IsNaN(sma[1]))
	assert.InDelta(t, 2, sma[2], 1e-9)
	assert.InDelta(t, 9, sma[9], 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	// Every bar spans [99.5, 100.5]: true range is 1 throughout.
	atr := ATR(mkBars(closes), 14)
	assert.True(t, math.IsNaN(atr[13]))
	assert.InDelta(t, 1.0, atr[14], 1e-9)
	assert.InDelta(t, 1.0, atr[19], 1e-9)
}

func TestDetectRegimeTrending(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	result := DetectRegime(mkBars(closes))
	assert.Equal(t, models.RegimeTrending, result.Regime)
	assert.Equal(t, "up", result.Direction)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Greater(t, result.Strength, strongTrendThreshold)
}

func TestDetectRegimeTrendingDown(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	result := DetectRegime(mkBars(closes))
	assert.Equal(t, models.RegimeTrending, result.Regime)
	assert.Equal(t, "down", result.Direction)
}

func TestDetectRegimeRanging(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	result := DetectRegime(mkBars(closes))
	assert.Equal(t, models.RegimeRanging, result.Regime)
	assert.Equal(t, "none", result.Direction)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
}

func TestDetectRegimeShortHistory(t *testing.T) {
	result := DetectRegime(mkBars(make([]float64, 30)))
	assert.Equal(t, models.RegimeUnknown, result.Regime)
	assert.InDelta(t, 0.5, result.Confidence, 1e-9)
}
