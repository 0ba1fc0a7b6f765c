package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// GateTryAccept atomically checks the signal gate for (strategy, symbol,
// action) and records an acceptance when all conditions pass:
//
//   - a gate row whose last_bar_ts_utc equals barTS rejects (same-bar dedupe)
//   - an acceptance younger than cooldown rejects
//   - otherwise the row is upserted and the signal accepted
//
// The check and the upsert run in one immediate transaction so two signals
// racing on the same bar cannot both be accepted.
func (s *Store) GateTryAccept(strategy, symbol, action string,
	now, barTS time.Time, cooldown time.Duration) (bool, error) {

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning gate check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastAccepted string
		lastBar      sql.NullString
	)
	err = tx.QueryRow(`
		SELECT last_accepted_ts_utc, last_bar_ts_utc FROM signal_gates
		WHERE strategy = ? AND symbol = ? AND action = ?`,
		strategy, symbol, action).Scan(&lastAccepted, &lastBar)
	switch {
	case err == sql.ErrNoRows:
		// No prior acceptance; fall through to the upsert.
	case err != nil:
		return false, fmt.Errorf("reading signal gate: %w", err)
	default:
		if lastBar.Valid && lastBar.String != "" && parseTime(lastBar.String).Equal(barTS.UTC()) {
			return false, nil
		}
		if accepted := parseTime(lastAccepted); !accepted.IsZero() {
			if now.UTC().Sub(accepted) < cooldown {
				return false, nil
			}
		}
	}

	_, err = tx.Exec(`
		INSERT INTO signal_gates (strategy, symbol, action, last_accepted_ts_utc, last_bar_ts_utc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (strategy, symbol, action) DO UPDATE SET
			last_accepted_ts_utc = excluded.last_accepted_ts_utc,
			last_bar_ts_utc = excluded.last_bar_ts_utc`,
		strategy, symbol, action, formatTime(now), formatTime(barTS))
	if err != nil {
		return false, fmt.Errorf("recording signal gate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing signal gate: %w", err)
	}
	return true, nil
}
