package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/broker"
	"smacross/internal/models"
	"smacross/internal/storage"
)

// circuitBreakerThreshold is the consecutive-submission-failure count at
// which the engine trips and refuses new signals until manually reset.
const circuitBreakerThreshold = 5

// direction is the resolved intent of a signal against current positions.
type direction int

const (
	directionReject direction = iota
	directionEnterLong
	directionEnterShort
	directionExitLong
	directionExitShort
)

func (d direction) entry() bool {
	return d == directionEnterLong || d == directionEnterShort
}

// Store is the persistence surface the manager writes through.
type Store interface {
	SaveOrderIntent(intent *models.OrderIntent) error
	UpdateOrderIntent(clientOrderID string, status models.OrderStatus,
		filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *float64) error
	GateTryAccept(strategy, symbol, action string, now, barTS time.Time, cooldown time.Duration) (bool, error)
	IncrementCircuitBreakerCount() (int, error)
	SetCircuitBreakerState(state models.CircuitBreakerState) error
}

// Brokerage is the broker surface the manager needs.
type Brokerage interface {
	GetPositions(ctx context.Context) ([]broker.Position, error)
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error)
}

// Publisher posts events to the bus.
type Publisher interface {
	Publish(event models.Event) error
}

// Notifier delivers critical alerts. Failures are the notifier's problem.
type Notifier interface {
	Critical(ctx context.Context, title, message string)
}

// Config tunes the order manager.
type Config struct {
	Strategy     string
	Timeframe    string
	OrderType    broker.OrderType
	TimeInForce  broker.TimeInForce
	Qty          decimal.Decimal
	GateCooldown time.Duration
	DryRun       bool
}

// Manager turns accepted signals into idempotent order submissions.
type Manager struct {
	cfg      Config
	store    Store
	broker   Brokerage
	bus      Publisher
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time

	onSubmitted func()
}

// NewManager creates an order manager.
func NewManager(cfg Config, store Store, brokerage Brokerage, bus Publisher,
	notifier Notifier, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		broker:   brokerage,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetSubmitHook registers a callback fired after each successful
// submission, used for metrics.
func (m *Manager) SetSubmitHook(fn func()) { m.onSubmitted = fn }

// HandleSignal executes the submit protocol for one strategy signal.
// Returns false without error when the signal is suppressed (gate rejection,
// duplicate intent, already-long/short rejection).
func (m *Manager) HandleSignal(ctx context.Context, sig models.SignalEvent) (bool, error) {
	side := sig.Type.Side()
	clientOrderID := ClientOrderID(m.cfg.Strategy, sig.Symbol, m.cfg.Timeframe, sig.Timestamp, string(side))

	dir := m.resolveDirection(ctx, sig)
	if dir == directionReject {
		m.logger.Printf("%s: rejecting %s signal, position already on that side", sig.Symbol, sig.Type)
		return false, nil
	}

	// Only entries consult the gate; exits and covers must not be blocked
	// by entry dedupe.
	if dir.entry() {
		accepted, err := m.store.GateTryAccept(m.cfg.Strategy, sig.Symbol, string(sig.Type),
			m.now(), sig.Timestamp, m.cfg.GateCooldown)
		if err != nil {
			return false, fmt.Errorf("consulting signal gate: %w", err)
		}
		if !accepted {
			m.logger.Printf("%s: gate rejected %s signal", sig.Symbol, sig.Type)
			return false, nil
		}
	}

	return m.submit(ctx, clientOrderID, sig.Symbol, side, m.cfg.Qty, sig.Metadata.ATR, m.cfg.OrderType)
}

// SubmitExit submits the closing order for an exit signal. Exits skip the
// gate entirely and always go out as market orders regardless of the
// configured entry order type: getting flat beats price improvement.
func (m *Manager) SubmitExit(ctx context.Context, exit models.ExitSignalEvent) (bool, error) {
	clientOrderID := ClientOrderID(m.cfg.Strategy, exit.Symbol, m.cfg.Timeframe, exit.Timestamp, string(exit.Side))
	return m.submit(ctx, clientOrderID, exit.Symbol, exit.Side, exit.Qty, nil, broker.OrderTypeMarket)
}

func (m *Manager) resolveDirection(ctx context.Context, sig models.SignalEvent) direction {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		// Conservative: a failed fetch must never open a new position.
		m.logger.Printf("%s: positions fetch failed, treating %s as exit candidate: %v",
			sig.Symbol, sig.Type, err)
		if sig.Type == models.SignalBuy {
			return directionExitShort
		}
		return directionExitLong
	}

	var held *broker.Position
	for i := range positions {
		if positions[i].Symbol == sig.Symbol {
			held = &positions[i]
			break
		}
	}

	if sig.Type == models.SignalBuy {
		switch {
		case held == nil:
			return directionEnterLong
		case held.Qty.IsPositive():
			return directionReject
		default:
			return directionExitShort
		}
	}
	switch {
	case held == nil:
		return directionEnterShort
	case held.Qty.IsPositive():
		return directionExitLong
	default:
		return directionReject
	}
}

func (m *Manager) submit(ctx context.Context, clientOrderID, symbol string,
	side models.Side, qty decimal.Decimal, atr *float64, orderType broker.OrderType) (bool, error) {

	intent := &models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Status:        models.OrderStatusNew,
		ATR:           atr,
		Strategy:      m.cfg.Strategy,
	}
	if err := m.store.SaveOrderIntent(intent); err != nil {
		if errors.Is(err, storage.ErrDuplicateOrderIntent) {
			m.logger.Printf("%s: duplicate intent %s suppressed", symbol, clientOrderID)
			return false, nil
		}
		return false, fmt.Errorf("persisting order intent: %w", err)
	}

	if m.cfg.DryRun {
		if err := m.store.UpdateOrderIntent(clientOrderID, models.OrderStatusDryRun, nil, nil, nil); err != nil {
			return false, fmt.Errorf("marking dry-run intent: %w", err)
		}
		m.logger.Printf("%s: dry run, skipping submission of %s %s x %s",
			symbol, side, symbol, qty)
		return true, nil
	}

	order, err := m.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		ClientOrderID: clientOrderID,
		Type:          orderType,
		TimeInForce:   m.cfg.TimeInForce,
	})
	if err != nil {
		return false, m.recordSubmissionFailure(ctx, symbol, err)
	}

	if updateErr := m.store.UpdateOrderIntent(clientOrderID,
		models.OrderStatusSubmitted, nil, &order.ID, nil); updateErr != nil {
		return false, fmt.Errorf("recording submission of %s: %w", clientOrderID, updateErr)
	}

	if m.bus != nil {
		if pubErr := m.bus.Publish(models.OrderIntentEvent{
			ClientOrderID: clientOrderID,
			BrokerOrderID: order.ID,
			Symbol:        symbol,
			Side:          side,
			Qty:           qty,
			Timestamp:     m.now(),
		}); pubErr != nil {
			m.logger.Printf("%s: publishing order intent event failed: %v", symbol, pubErr)
		}
	}
	if m.onSubmitted != nil {
		m.onSubmitted()
	}
	m.logger.Printf("%s: submitted %s x %s as %s (broker %s)",
		symbol, side, qty, clientOrderID, order.ID)
	return true, nil
}

func (m *Manager) recordSubmissionFailure(ctx context.Context, symbol string, cause error) error {
	count, err := m.store.IncrementCircuitBreakerCount()
	if err != nil {
		m.logger.Printf("%s: incrementing circuit breaker count failed: %v", symbol, err)
		return fmt.Errorf("order submission for %s failed: %w", symbol, cause)
	}
	if count >= circuitBreakerThreshold {
		if err := m.store.SetCircuitBreakerState(models.CircuitTripped); err != nil {
			m.logger.Printf("persisting tripped circuit breaker failed: %v", err)
		}
		if m.notifier != nil {
			m.notifier.Critical(ctx, "circuit breaker tripped",
				fmt.Sprintf("%d consecutive order submission failures, last: %v", count, cause))
		}
		m.logger.Printf("circuit breaker tripped after %d failures", count)
	}
	return fmt.Errorf("order submission for %s failed: %w", symbol, cause)
}
