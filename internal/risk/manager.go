// Package risk implements the three-tier signal gate: safety, limits,
// confidence filters. The tier ordering is a contract.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"smacross/internal/broker"
	"smacross/internal/config"
	"smacross/internal/models"
)

// ErrRefused marks a hard tier-1 or tier-2 refusal. Soft tier-3 filters
// return Skip without an error.
var ErrRefused = errors.New("signal refused")

// Decision is the outcome of a risk check that did not error.
type Decision int

const (
	Proceed Decision = iota
	Skip
)

// StateReader is the bot-state surface the risk manager consults.
type StateReader interface {
	KillSwitchActive() (bool, error)
	CircuitBreakerState() (models.CircuitBreakerState, error)
	GetDailyPnl() (float64, error)
	GetDailyTradeCount() (int, error)
}

// BrokerReader is the broker surface the risk manager consults.
type BrokerReader interface {
	GetClock(ctx context.Context) (*broker.Clock, error)
	GetAccount(ctx context.Context) (*broker.Account, error)
	GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error)
}

// PositionCounter reports how many positions are currently tracked.
type PositionCounter interface {
	Count() int
}

// Manager runs the tiered checks.
type Manager struct {
	cfg            config.RiskConfig
	minConfidence  float64
	isCrypto       func(symbol string) bool
	killSwitchPath string

	state     StateReader
	broker    BrokerReader
	positions PositionCounter
	logger    *log.Logger
	now       func() time.Time
}

// Options wires the manager's collaborators.
type Options struct {
	Risk           config.RiskConfig
	MinConfidence  float64
	IsCrypto       func(symbol string) bool
	KillSwitchPath string
	State          StateReader
	Broker         BrokerReader
	Positions      PositionCounter
	Logger         *log.Logger
}

// NewManager creates a risk manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	minConfidence := opts.MinConfidence
	if minConfidence == 0 {
		minConfidence = 0.5
	}
	killSwitchPath := opts.KillSwitchPath
	if killSwitchPath == "" {
		killSwitchPath = "data/KILL_SWITCH"
	}
	isCrypto := opts.IsCrypto
	if isCrypto == nil {
		isCrypto = func(string) bool { return false }
	}
	return &Manager{
		cfg:            opts.Risk,
		minConfidence:  minConfidence,
		isCrypto:       isCrypto,
		killSwitchPath: killSwitchPath,
		state:          opts.State,
		broker:         opts.Broker,
		positions:      opts.Positions,
		logger:         logger,
		now:            time.Now,
	}
}

// CheckSignal runs all three tiers against an entry signal. A tier-1 or
// tier-2 failure returns an error wrapping ErrRefused; a tier-3 filter
// returns Skip without error; lastBar may be nil when the caller has no
// bar context.
func (m *Manager) CheckSignal(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent) (Decision, error) {
	if err := m.checkSafety(ctx); err != nil {
		return Skip, err
	}
	if err := m.checkLimits(ctx, sig.Symbol); err != nil {
		return Skip, err
	}
	return m.checkFilters(ctx, sig, lastBar)
}

// CheckExitOrder runs the kill-switch and market-open checks only. Exits
// bypass limits, filters, and the circuit breaker: a tripped breaker must
// not stop the flatten it triggers, and a position must be closable
// whenever the market is open.
func (m *Manager) CheckExitOrder(ctx context.Context) error {
	if err := m.checkKillSwitch(); err != nil {
		return err
	}
	return m.checkMarketOpen(ctx)
}

func (m *Manager) checkSafety(ctx context.Context) error {
	if err := m.checkKillSwitch(); err != nil {
		return err
	}

	breaker, err := m.state.CircuitBreakerState()
	if err != nil {
		return fmt.Errorf("reading circuit breaker: %w", err)
	}
	if breaker == models.CircuitTripped {
		return fmt.Errorf("circuit breaker tripped: %w", ErrRefused)
	}

	return m.checkMarketOpen(ctx)
}

func (m *Manager) checkKillSwitch() error {
	// The sentinel file is re-checked on every signal, never cached.
	if _, err := os.Stat(m.killSwitchPath); err == nil {
		return fmt.Errorf("kill-switch file %s present: %w", m.killSwitchPath, ErrRefused)
	}
	active, err := m.state.KillSwitchActive()
	if err != nil {
		return fmt.Errorf("reading kill switch: %w", err)
	}
	if active {
		return fmt.Errorf("kill switch active: %w", ErrRefused)
	}
	return nil
}

func (m *Manager) checkMarketOpen(ctx context.Context) error {
	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("market clock unavailable: %w", errors.Join(ErrRefused, err))
	}
	if !clock.IsOpen {
		return fmt.Errorf("market closed: %w", ErrRefused)
	}
	return nil
}

func (m *Manager) checkLimits(ctx context.Context, symbol string) error {
	limits := m.limitsFor(symbol)

	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account unavailable: %w", errors.Join(ErrRefused, err))
	}
	equity, _ := account.Equity.Float64()

	pnl, err := m.state.GetDailyPnl()
	if err != nil {
		return fmt.Errorf("reading daily pnl: %w", err)
	}
	if pnl < -equity*limits.MaxDailyLossPct {
		return fmt.Errorf("daily loss %.2f breaches %.2f%% of equity: %w",
			pnl, limits.MaxDailyLossPct*100, ErrRefused)
	}

	trades, err := m.state.GetDailyTradeCount()
	if err != nil {
		return fmt.Errorf("reading daily trade count: %w", err)
	}
	if trades >= limits.MaxTradesPerDay {
		return fmt.Errorf("daily trade count %d at limit %d: %w",
			trades, limits.MaxTradesPerDay, ErrRefused)
	}

	if open := m.positions.Count(); open >= limits.MaxConcurrentPositions {
		return fmt.Errorf("%d concurrent positions at limit %d: %w",
			open, limits.MaxConcurrentPositions, ErrRefused)
	}
	return nil
}

func (m *Manager) checkFilters(ctx context.Context, sig models.SignalEvent, lastBar *models.BarEvent) (Decision, error) {
	if sig.Metadata.Confidence < m.minConfidence {
		m.logger.Printf("%s: skipping, confidence %.2f below %.2f",
			sig.Symbol, sig.Metadata.Confidence, m.minConfidence)
		return Skip, nil
	}

	if m.cfg.MaxSpreadPct > 0 {
		snapshot, err := m.broker.GetSnapshot(ctx, sig.Symbol)
		if err != nil {
			// A required filter cannot be silently bypassed.
			return Skip, fmt.Errorf("snapshot for spread filter unavailable: %w", errors.Join(ErrRefused, err))
		}
		if snapshot.BidPrice != nil && snapshot.AskPrice != nil && *snapshot.BidPrice > 0 {
			spread := (*snapshot.AskPrice - *snapshot.BidPrice) / *snapshot.BidPrice
			if spread > m.cfg.MaxSpreadPct {
				m.logger.Printf("%s: skipping, spread %.4f above %.4f",
					sig.Symbol, spread, m.cfg.MaxSpreadPct)
				return Skip, nil
			}
		}
	}

	if m.cfg.MinBarTrades > 0 && lastBar != nil && lastBar.TradeCount != nil &&
		*lastBar.TradeCount < m.cfg.MinBarTrades {
		m.logger.Printf("%s: skipping, bar trade count %d below %d",
			sig.Symbol, *lastBar.TradeCount, m.cfg.MinBarTrades)
		return Skip, nil
	}

	if !m.isCrypto(sig.Symbol) {
		now := m.now()
		if m.cfg.AvoidFirstMinutes > 0 {
			into := minutesIntoOpen(now)
			if into >= 0 && into < time.Duration(m.cfg.AvoidFirstMinutes)*time.Minute {
				m.logger.Printf("%s: skipping, within %d minutes of the open", sig.Symbol, m.cfg.AvoidFirstMinutes)
				return Skip, nil
			}
		}
		if m.cfg.AvoidLastMinutes > 0 {
			left := minutesToClose(now)
			if left >= 0 && left < time.Duration(m.cfg.AvoidLastMinutes)*time.Minute {
				m.logger.Printf("%s: skipping, within %d minutes of the close", sig.Symbol, m.cfg.AvoidLastMinutes)
				return Skip, nil
			}
		}
	}

	return Proceed, nil
}

func (m *Manager) limitsFor(symbol string) config.SessionLimits {
	if sessionFor(m.isCrypto(symbol), m.now()) == SessionRegular {
		return m.cfg.RegularHours
	}
	return m.cfg.ExtendedHours
}
