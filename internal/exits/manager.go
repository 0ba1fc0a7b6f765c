// Package exits runs the periodic exit-rule loop: stop loss, trailing
// stop, profit target, in that priority order.
package exits

import (
	"context"
	"log"
	"math"
	"time"

	"smacross/internal/broker"
	"smacross/internal/models"
)

// Tracker is the position surface the exit loop reads and flags.
type Tracker interface {
	List() []*models.Position
	UpdateCurrentPrice(symbol string, price float64) error
	CalculatePnl(symbol string, price float64) (amount, pct float64)
	SetPendingExit(symbol string, pending bool) error
}

// BrokerReader is the broker surface the exit loop consults.
type BrokerReader interface {
	GetClock(ctx context.Context) (*broker.Clock, error)
	GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error)
}

// StateReader exposes the persisted circuit-breaker state.
type StateReader interface {
	CircuitBreakerState() (models.CircuitBreakerState, error)
}

// Publisher posts exit signals to the bus.
type Publisher interface {
	Publish(event models.Event) error
}

// Config tunes the exit rules.
type Config struct {
	CheckInterval        time.Duration
	StopLossPct          float64
	ProfitTargetPct      float64
	TrailingEnabled      bool
	ATRMultStop          float64
	ATRMultTarget        float64
	ExitOnCircuitBreaker bool
}

// Manager evaluates exit rules on a fixed interval.
type Manager struct {
	cfg     Config
	tracker Tracker
	broker  BrokerReader
	state   StateReader
	bus     Publisher
	logger  *log.Logger
	now     func() time.Time
}

// NewManager creates an exit manager.
func NewManager(cfg Config, tracker Tracker, brokerage BrokerReader,
	state StateReader, bus Publisher, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		broker:  brokerage,
		state:   state,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Run loops until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if m.cfg.ExitOnCircuitBreaker {
		state, err := m.state.CircuitBreakerState()
		if err != nil {
			m.logger.Printf("Reading circuit breaker state failed: %v", err)
		} else if state == models.CircuitTripped {
			m.CloseAllPositions(ctx, models.ExitReasonCircuitBreaker)
			return
		}
	}

	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		m.logger.Printf("Exit tick skipped, clock unavailable: %v", err)
		return
	}
	if !clock.IsOpen {
		return
	}

	for _, p := range m.tracker.List() {
		if p.PendingExit {
			continue
		}
		m.evaluatePosition(ctx, p)
	}
}

func (m *Manager) evaluatePosition(ctx context.Context, p *models.Position) {
	snapshot, err := m.broker.GetSnapshot(ctx, p.Symbol)
	if err != nil {
		m.logger.Printf("%s: snapshot unavailable, skipping exit check: %v", p.Symbol, err)
		return
	}
	price, ok := snapshotPrice(snapshot)
	if !ok {
		m.logger.Printf("%s: snapshot has no usable price, skipping exit check", p.Symbol)
		return
	}

	if err := m.tracker.UpdateCurrentPrice(p.Symbol, price); err != nil {
		m.logger.Printf("%s: persisting price update failed: %v", p.Symbol, err)
	}

	// Re-read: UpdateCurrentPrice may have moved the trailing stop.
	reason, triggered := m.evaluate(p.Symbol, price)
	if !triggered {
		return
	}
	m.requestExit(p.Symbol, price, reason)
}

// evaluate applies the exit rules for one tracked symbol at the given
// price. Priority is fixed: stop loss, then trailing stop, then profit
// target.
func (m *Manager) evaluate(symbol string, price float64) (models.ExitReason, bool) {
	p, ok := m.trackerGet(symbol)
	if !ok {
		return "", false
	}
	_, pnlPct := m.tracker.CalculatePnl(symbol, price)

	stop, target, useATR := m.atrThresholds(p)

	if useATR {
		if (p.Side == models.PositionLong && price <= stop) ||
			(p.Side == models.PositionShort && price >= stop) {
			return models.ExitReasonStopLoss, true
		}
	} else if pnlPct <= -m.cfg.StopLossPct {
		return models.ExitReasonStopLoss, true
	}

	if m.cfg.TrailingEnabled && p.TrailingStopActivated && p.TrailingStopPrice != nil &&
		!math.IsNaN(*p.TrailingStopPrice) && !math.IsInf(*p.TrailingStopPrice, 0) {
		trail := *p.TrailingStopPrice
		if (p.Side == models.PositionLong && price <= trail) ||
			(p.Side == models.PositionShort && price >= trail) {
			return models.ExitReasonTrailingStop, true
		}
	}

	if useATR {
		if (p.Side == models.PositionLong && price >= target) ||
			(p.Side == models.PositionShort && price <= target) {
			return models.ExitReasonProfitTarget, true
		}
	} else if pnlPct >= m.cfg.ProfitTargetPct {
		return models.ExitReasonProfitTarget, true
	}

	return "", false
}

// atrThresholds computes the ATR-based stop and target. When the position
// carries a usable ATR, these replace the fixed-percentage rules.
func (m *Manager) atrThresholds(p *models.Position) (stop, target float64, ok bool) {
	if p.ATR == nil {
		return 0, 0, false
	}
	atr := *p.ATR
	if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
		return 0, 0, false
	}
	if p.Side == models.PositionLong {
		stop = p.EntryPrice - atr*m.cfg.ATRMultStop
		target = p.EntryPrice + atr*m.cfg.ATRMultTarget
	} else {
		stop = p.EntryPrice + atr*m.cfg.ATRMultStop
		target = p.EntryPrice - atr*m.cfg.ATRMultTarget
	}
	if math.IsNaN(stop) || math.IsInf(stop, 0) || math.IsNaN(target) || math.IsInf(target, 0) {
		return 0, 0, false
	}
	return stop, target, true
}

// CloseAllPositions publishes one exit signal per tracked position.
func (m *Manager) CloseAllPositions(ctx context.Context, reason models.ExitReason) {
	for _, p := range m.tracker.List() {
		if p.PendingExit {
			continue
		}
		price := p.ExtremePrice
		if snapshot, err := m.broker.GetSnapshot(ctx, p.Symbol); err == nil {
			if latest, ok := snapshotPrice(snapshot); ok {
				price = latest
			}
		}
		m.requestExit(p.Symbol, price, reason)
	}
}

// requestExit publishes the exit signal and marks the position pending
// only when the publish succeeded, so a full bus leaves the position
// retryable on the next tick.
func (m *Manager) requestExit(symbol string, price float64, reason models.ExitReason) {
	p, ok := m.trackerGet(symbol)
	if !ok {
		return
	}
	amount, pct := m.tracker.CalculatePnl(symbol, price)
	ev := models.ExitSignalEvent{
		Symbol:       symbol,
		Side:         p.Side.ClosingSide(),
		Qty:          p.Qty,
		Reason:       reason,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: price,
		PnlPct:       pct,
		PnlAmount:    amount,
		Timestamp:    m.now(),
	}
	if err := m.bus.Publish(ev); err != nil {
		m.logger.Printf("%s: publishing %s exit failed, will retry next tick: %v", symbol, reason, err)
		return
	}
	if err := m.tracker.SetPendingExit(symbol, true); err != nil {
		m.logger.Printf("%s: persisting pending exit failed: %v", symbol, err)
	}
	m.logger.Printf("%s: %s exit requested at %.4f (pnl %.2f%%)", symbol, reason, price, pct*100)
}

func (m *Manager) trackerGet(symbol string) (*models.Position, bool) {
	for _, p := range m.tracker.List() {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return nil, false
}

// snapshotPrice picks the evaluation price: last trade, falling back to
// the bid.
func snapshotPrice(s *broker.Snapshot) (float64, bool) {
	if s == nil {
		return 0, false
	}
	if s.LastPrice != nil && *s.LastPrice > 0 {
		return *s.LastPrice, true
	}
	if s.BidPrice != nil && *s.BidPrice > 0 {
		return *s.BidPrice, true
	}
	return 0, false
}
