package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"smacross/internal/models"
)

// Well-known bot_state keys.
const (
	StateKeyKillSwitch           = "kill_switch"
	StateKeyCircuitBreakerState  = "circuit_breaker_state"
	StateKeyCircuitBreakerCount  = "circuit_breaker_count"
	StateKeyDailyPnl             = "daily_pnl"
	StateKeyDailyTradeCount      = "daily_trade_count"
	StateKeyDailyResetDate       = "daily_reset_date"
	StateKeyTradingHalted        = "trading_halted"
	StateKeyBrokerHealth         = "broker_health"
	StateKeyReconcilerLastCheck  = "reconciler_last_check_utc"
	StateKeyReconcilerFailures   = "reconciler_consecutive_failures"
	stateKeyLastSignalFmtPattern = "last_signal:%s:%d:%d"
)

// GetState reads one bot_state value; found=false when the key is absent.
func (s *Store) GetState(key string) (value string, found bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading bot state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState idempotently upserts one bot_state key.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO bot_state (key, value, updated_at_utc) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at_utc = excluded.updated_at_utc`,
		key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("writing bot state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes a key; deleting an absent key is a no-op.
func (s *Store) DeleteState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM bot_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting bot state %s: %w", key, err)
	}
	return nil
}

func (s *Store) getStateFloat(key string, fallback float64) (float64, error) {
	value, found, err := s.GetState(key)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, nil
	}
	return f, nil
}

func (s *Store) getStateInt(key string, fallback int) (int, error) {
	value, found, err := s.GetState(key)
	if err != nil {
		return fallback, err
	}
	if !found {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

// KillSwitchActive reports the persisted kill-switch flag. The sentinel
// file check lives in the risk manager; this is only the state-store half.
func (s *Store) KillSwitchActive() (bool, error) {
	value, found, err := s.GetState(StateKeyKillSwitch)
	if err != nil {
		return false, err
	}
	return found && value == "true", nil
}

// SetKillSwitch persists the kill-switch flag.
func (s *Store) SetKillSwitch(active bool) error {
	return s.SetState(StateKeyKillSwitch, strconv.FormatBool(active))
}

// CircuitBreakerState returns the persisted breaker state, defaulting to
// normal when unset.
func (s *Store) CircuitBreakerState() (models.CircuitBreakerState, error) {
	value, found, err := s.GetState(StateKeyCircuitBreakerState)
	if err != nil {
		return models.CircuitNormal, err
	}
	if !found || value == "" {
		return models.CircuitNormal, nil
	}
	return models.CircuitBreakerState(value), nil
}

// SetCircuitBreakerState persists the breaker state.
func (s *Store) SetCircuitBreakerState(state models.CircuitBreakerState) error {
	return s.SetState(StateKeyCircuitBreakerState, string(state))
}

// IncrementCircuitBreakerCount bumps the persisted failure counter and
// returns the new value.
func (s *Store) IncrementCircuitBreakerCount() (int, error) {
	count, err := s.getStateInt(StateKeyCircuitBreakerCount, 0)
	if err != nil {
		return 0, err
	}
	count++
	if err := s.SetState(StateKeyCircuitBreakerCount, strconv.Itoa(count)); err != nil {
		return 0, err
	}
	return count, nil
}

// CircuitBreakerCount returns the persisted consecutive-failure counter.
func (s *Store) CircuitBreakerCount() (int, error) {
	return s.getStateInt(StateKeyCircuitBreakerCount, 0)
}

// ResetCircuitBreaker clears both the counter and the tripped state. This is
// the manual-reset path (CIRCUIT_BREAKER_RESET).
func (s *Store) ResetCircuitBreaker() error {
	if err := s.SetState(StateKeyCircuitBreakerCount, "0"); err != nil {
		return err
	}
	return s.SetCircuitBreakerState(models.CircuitNormal)
}

// GetDailyPnl returns the running per-day P&L counter.
func (s *Store) GetDailyPnl() (float64, error) {
	return s.getStateFloat(StateKeyDailyPnl, 0)
}

// SaveDailyPnl persists the per-day P&L counter.
func (s *Store) SaveDailyPnl(pnl float64) error {
	return s.SetState(StateKeyDailyPnl, strconv.FormatFloat(pnl, 'f', -1, 64))
}

// GetDailyTradeCount returns the per-day trade counter.
func (s *Store) GetDailyTradeCount() (int, error) {
	return s.getStateInt(StateKeyDailyTradeCount, 0)
}

// SaveDailyTradeCount persists the per-day trade counter.
func (s *Store) SaveDailyTradeCount(count int) error {
	return s.SetState(StateKeyDailyTradeCount, strconv.Itoa(count))
}

// ResetDailyState clears the per-day P&L and trade count and stamps the
// reset date. The circuit-breaker count is deliberately preserved: a breaker
// trip survives the daily rollover until someone resets it.
func (s *Store) ResetDailyState(date string) error {
	if err := s.SaveDailyPnl(0); err != nil {
		return err
	}
	if err := s.SaveDailyTradeCount(0); err != nil {
		return err
	}
	return s.SetState(StateKeyDailyResetDate, date)
}

// DailyResetDate returns the calendar date of the last daily reset.
func (s *Store) DailyResetDate() (string, error) {
	value, _, err := s.GetState(StateKeyDailyResetDate)
	return value, err
}

// ReconcilerLastCheck returns the timestamp of the last reconciliation
// pass, zero when none has run.
func (s *Store) ReconcilerLastCheck() (time.Time, error) {
	value, _, err := s.GetState(StateKeyReconcilerLastCheck)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(value), nil
}

// SetReconcilerLastCheck stamps the last reconciliation pass.
func (s *Store) SetReconcilerLastCheck(ts time.Time) error {
	return s.SetState(StateKeyReconcilerLastCheck, formatTime(ts))
}

// ReconcilerFailures returns the persisted consecutive-failure count.
func (s *Store) ReconcilerFailures() (int, error) {
	return s.getStateInt(StateKeyReconcilerFailures, 0)
}

// SetReconcilerFailures persists the consecutive-failure count so the
// degraded-broker countdown survives a restart.
func (s *Store) SetReconcilerFailures(count int) error {
	return s.SetState(StateKeyReconcilerFailures, strconv.Itoa(count))
}

// TradingHalted reports the reconciler's halt flag.
func (s *Store) TradingHalted() (bool, error) {
	value, found, err := s.GetState(StateKeyTradingHalted)
	if err != nil {
		return false, err
	}
	return found && value == "true", nil
}

// SetTradingHalted persists the reconciler's halt flag.
func (s *Store) SetTradingHalted(halted bool) error {
	return s.SetState(StateKeyTradingHalted, strconv.FormatBool(halted))
}

// BrokerHealth returns the reconciler's broker-health marker.
func (s *Store) BrokerHealth() (models.BrokerHealth, error) {
	value, found, err := s.GetState(StateKeyBrokerHealth)
	if err != nil {
		return models.BrokerHealthy, err
	}
	if !found || value == "" {
		return models.BrokerHealthy, nil
	}
	return models.BrokerHealth(value), nil
}

// SetBrokerHealth persists the broker-health marker.
func (s *Store) SetBrokerHealth(health models.BrokerHealth) error {
	return s.SetState(StateKeyBrokerHealth, string(health))
}

// LastSignal returns the last recorded crossover direction for a
// (symbol, fast, slow) tuple, or "" when none was recorded.
func (s *Store) LastSignal(symbol string, fast, slow int) (string, error) {
	value, _, err := s.GetState(fmt.Sprintf(stateKeyLastSignalFmtPattern, symbol, fast, slow))
	return value, err
}

// SetLastSignal records the crossover direction for a (symbol, fast, slow)
// tuple so the strategy can suppress repeats.
func (s *Store) SetLastSignal(symbol string, fast, slow int, direction string) error {
	return s.SetState(fmt.Sprintf(stateKeyLastSignalFmtPattern, symbol, fast, slow), direction)
}
