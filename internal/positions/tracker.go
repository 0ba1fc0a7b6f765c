// Package positions tracks open positions in memory with trailing-stop
// state, persisted so a restart resumes where the stops left off.
package positions

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/broker"
	"smacross/internal/models"
)

// qtyTolerance is the quantity difference below which local and broker
// agree. Fractional-share rounding at the broker sits well under this.
const qtyTolerance = 1e-4

// Store is the persistence surface for tracked positions.
type Store interface {
	UpsertPosition(p *models.Position) error
	DeletePosition(symbol string) error
	LoadPositions() ([]models.Position, error)
}

// BrokerReader fetches the broker's authoritative positions.
type BrokerReader interface {
	GetPositions(ctx context.Context) ([]broker.Position, error)
}

// Config tunes trailing-stop behavior.
type Config struct {
	TrailingEnabled    bool
	TrailActivationPct float64
	TrailPct           float64
}

// Mismatch reports a quantity disagreement found by SyncWithBroker.
type Mismatch struct {
	Symbol    string
	LocalQty  decimal.Decimal
	BrokerQty decimal.Decimal
}

// Tracker is the in-memory symbol -> position map. The mutex serializes the
// event processor and the exit-manager tick, the only two mutators.
type Tracker struct {
	cfg    Config
	store  Store
	broker BrokerReader
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]*models.Position
}

// NewTracker creates an empty tracker. Call LoadPersisted then
// SyncWithBroker before trading.
func NewTracker(cfg Config, store Store, brokerage BrokerReader, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		cfg:       cfg,
		store:     store,
		broker:    brokerage,
		logger:    logger,
		now:       time.Now,
		positions: make(map[string]*models.Position),
	}
}

// LoadPersisted replaces the in-memory map with the persisted rows.
func (t *Tracker) LoadPersisted() error {
	rows, err := t.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("loading persisted positions: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]*models.Position, len(rows))
	for i := range rows {
		p := rows[i]
		t.positions[p.Symbol] = &p
	}
	t.logger.Printf("Loaded %d persisted positions", len(rows))
	return nil
}

// StartTracking begins tracking a freshly filled position. The extreme
// price starts at the fill price.
func (t *Tracker) StartTracking(symbol string, fillPrice float64, qty decimal.Decimal,
	side models.PositionSide, atr *float64) error {

	p := &models.Position{
		Symbol:       symbol,
		Side:         side,
		Qty:          qty,
		EntryPrice:   fillPrice,
		EntryTime:    t.now(),
		ExtremePrice: fillPrice,
		ATR:          atr,
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("tracking %s: %w", symbol, err)
	}
	if err := t.store.UpsertPosition(p); err != nil {
		return err
	}
	t.mu.Lock()
	t.positions[symbol] = p
	t.mu.Unlock()
	t.logger.Printf("%s: tracking %s %s @ %.4f", symbol, side, qty, fillPrice)
	return nil
}

// StopTracking removes a position from memory and storage. Stopping an
// untracked symbol is a no-op.
func (t *Tracker) StopTracking(symbol string) error {
	t.mu.Lock()
	_, tracked := t.positions[symbol]
	delete(t.positions, symbol)
	t.mu.Unlock()
	if err := t.store.DeletePosition(symbol); err != nil {
		return err
	}
	if tracked {
		t.logger.Printf("%s: stopped tracking", symbol)
	}
	return nil
}

// UpdateCurrentPrice advances the extreme price in the favourable
// direction only and runs trailing-stop activation and movement. The
// trailing stop is monotonic per side: up-only for longs, down-only for
// shorts.
func (t *Tracker) UpdateCurrentPrice(symbol string, currentPrice float64) error {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	changed := false
	switch p.Side {
	case models.PositionLong:
		if currentPrice > p.ExtremePrice {
			p.ExtremePrice = currentPrice
			changed = true
		}
		if t.cfg.TrailingEnabled && p.EntryPrice > 0 {
			gain := (currentPrice - p.EntryPrice) / p.EntryPrice
			if !p.TrailingStopActivated && gain >= t.cfg.TrailActivationPct {
				p.TrailingStopActivated = true
				stop := currentPrice * (1 - t.cfg.TrailPct)
				p.TrailingStopPrice = &stop
				changed = true
				t.logger.Printf("%s: trailing stop activated at %.4f", symbol, stop)
			} else if p.TrailingStopActivated {
				candidate := currentPrice * (1 - t.cfg.TrailPct)
				if p.TrailingStopPrice == nil || candidate > *p.TrailingStopPrice {
					p.TrailingStopPrice = &candidate
					changed = true
				}
			}
		}
	case models.PositionShort:
		if currentPrice < p.ExtremePrice {
			p.ExtremePrice = currentPrice
			changed = true
		}
		if t.cfg.TrailingEnabled && p.EntryPrice > 0 {
			gain := (p.EntryPrice - currentPrice) / p.EntryPrice
			if !p.TrailingStopActivated && gain >= t.cfg.TrailActivationPct {
				p.TrailingStopActivated = true
				stop := currentPrice * (1 + t.cfg.TrailPct)
				p.TrailingStopPrice = &stop
				changed = true
				t.logger.Printf("%s: trailing stop activated at %.4f", symbol, stop)
			} else if p.TrailingStopActivated {
				candidate := currentPrice * (1 + t.cfg.TrailPct)
				if p.TrailingStopPrice == nil || candidate < *p.TrailingStopPrice {
					p.TrailingStopPrice = &candidate
					changed = true
				}
			}
		}
	}
	snapshot := p.Clone()
	t.mu.Unlock()

	if !changed {
		return nil
	}
	return t.store.UpsertPosition(snapshot)
}

// CalculatePnl returns the side-aware unrealized P&L for a tracked symbol.
// Untracked symbols and degenerate entry prices return (0, 0).
func (t *Tracker) CalculatePnl(symbol string, currentPrice float64) (amount, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return 0, 0
	}
	if p.EntryPrice <= 0 {
		return 0, 0
	}
	qty, _ := p.Qty.Float64()
	switch p.Side {
	case models.PositionLong:
		return (currentPrice - p.EntryPrice) * qty, (currentPrice - p.EntryPrice) / p.EntryPrice
	case models.PositionShort:
		return (p.EntryPrice - currentPrice) * qty, (p.EntryPrice - currentPrice) / p.EntryPrice
	default:
		t.logger.Printf("%s: unsupported position side %q", symbol, p.Side)
		return 0, 0
	}
}

// SetPendingExit flips the exit-in-flight flag and persists it.
func (t *Tracker) SetPendingExit(symbol string, pending bool) error {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	p.PendingExit = pending
	snapshot := p.Clone()
	t.mu.Unlock()
	return t.store.UpsertPosition(snapshot)
}

// Get returns a copy of the tracked position for a symbol.
func (t *Tracker) Get(symbol string) (*models.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all tracked positions.
func (t *Tracker) List() []*models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Count returns how many positions are tracked.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// SyncWithBroker reconciles the in-memory map against the broker: broker
// positions unknown to the tracker are adopted, tracked positions absent at
// the broker are dropped, and quantity disagreements beyond the tolerance
// are reported to the caller.
func (t *Tracker) SyncWithBroker(ctx context.Context) ([]Mismatch, error) {
	brokerPositions, err := t.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}

	atBroker := make(map[string]broker.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		atBroker[bp.Symbol] = bp
	}

	var mismatches []Mismatch
	for _, bp := range brokerPositions {
		local, tracked := t.Get(bp.Symbol)
		if !tracked {
			side := models.PositionLong
			qty := bp.Qty
			if bp.Qty.IsNegative() {
				side = models.PositionShort
				qty = bp.Qty.Neg()
			}
			entry, _ := bp.AvgEntryPrice.Float64()
			t.logger.Printf("%s: adopting untracked broker position %s x %s", bp.Symbol, side, qty)
			if err := t.StartTracking(bp.Symbol, entry, qty, side, nil); err != nil {
				return mismatches, err
			}
			continue
		}
		if local.Qty.Sub(bp.Qty.Abs()).Abs().GreaterThan(decimal.NewFromFloat(qtyTolerance)) {
			mismatches = append(mismatches, Mismatch{
				Symbol:    bp.Symbol,
				LocalQty:  local.Qty,
				BrokerQty: bp.Qty,
			})
		}
	}

	for _, local := range t.List() {
		if _, present := atBroker[local.Symbol]; !present {
			t.logger.Printf("%s: tracked position absent at broker, dropping", local.Symbol)
			if err := t.StopTracking(local.Symbol); err != nil {
				return mismatches, err
			}
		}
	}
	return mismatches, nil
}
