package orchestrator

import (
	"sync"

	"smacross/internal/models"
)

// historyCap bounds per-symbol memory. The strategy needs 51 bars; the
// rest is headroom for late regime queries.
const historyCap = 200

// barHistory keeps the rolling per-symbol bar series the strategy reads.
type barHistory struct {
	mu   sync.Mutex
	bars map[string][]models.BarEvent
}

func newBarHistory() *barHistory {
	return &barHistory{bars: make(map[string][]models.BarEvent)}
}

// Append adds a bar, ignoring timestamps at or before the newest held bar
// so a replayed window cannot reorder the series.
func (h *barHistory) Append(bar models.BarEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	series := h.bars[bar.Symbol]
	if n := len(series); n > 0 && !bar.Timestamp.After(series[n-1].Timestamp) {
		return
	}
	series = append(series, bar)
	if len(series) > historyCap {
		series = series[len(series)-historyCap:]
	}
	h.bars[bar.Symbol] = series
}

// Seed bulk-loads warm-up bars for a symbol, oldest first.
func (h *barHistory) Seed(symbol string, bars []models.BarEvent) {
	for _, b := range bars {
		h.Append(b)
	}
}

// HasSufficient reports whether the symbol has at least n bars.
func (h *barHistory) HasSufficient(symbol string, n int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bars[symbol]) >= n
}

// Get returns a copy of the symbol's series, oldest first.
func (h *barHistory) Get(symbol string) []models.BarEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	series := h.bars[symbol]
	out := make([]models.BarEvent, len(series))
	copy(out, series)
	return out
}
