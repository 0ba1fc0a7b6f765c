package storage

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"smacross/internal/models"
	"smacross/internal/util"
)

// UpsertPosition persists the tracker's view of one symbol.
func (s *Store) UpsertPosition(p *models.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("persisting position: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT INTO position_tracking
			(symbol, side, qty, entry_price, atr, entry_time, extreme_price,
			 trailing_stop_price, trailing_stop_activated, pending_exit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			atr = excluded.atr,
			entry_time = excluded.entry_time,
			extreme_price = excluded.extreme_price,
			trailing_stop_price = excluded.trailing_stop_price,
			trailing_stop_activated = excluded.trailing_stop_activated,
			pending_exit = excluded.pending_exit,
			updated_at = excluded.updated_at`,
		p.Symbol, string(p.Side), p.Qty.String(), p.EntryPrice, p.ATR,
		formatTime(p.EntryTime), p.ExtremePrice, p.TrailingStopPrice,
		boolToInt(p.TrailingStopActivated), boolToInt(p.PendingExit), nowUTC())
	if err != nil {
		return fmt.Errorf("upserting position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeletePosition removes the persisted row for a symbol. Deleting an absent
// row is a no-op.
func (s *Store) DeletePosition(symbol string) error {
	if _, err := s.db.Exec(`DELETE FROM position_tracking WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("deleting position %s: %w", symbol, err)
	}
	return nil
}

// LoadPositions returns every persisted position. The tracker calls this
// once at startup before SyncWithBroker.
func (s *Store) LoadPositions() ([]models.Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, side, qty, entry_price, atr, entry_time, extreme_price,
		       trailing_stop_price, trailing_stop_activated, pending_exit, updated_at
		FROM position_tracking ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []models.Position
	for rows.Next() {
		var (
			p                  models.Position
			side, qty          string
			atr, stop          sql.NullFloat64
			entryTime, updated string
			activated, pending int
		)
		if err := rows.Scan(&p.Symbol, &side, &qty, &p.EntryPrice, &atr, &entryTime,
			&p.ExtremePrice, &stop, &activated, &pending, &updated); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Side = models.PositionSide(side)
		p.Qty = mustDecimal(qty)
		if atr.Valid {
			p.ATR = util.ParseOptionalFloat(atr.Float64)
		}
		if stop.Valid {
			p.TrailingStopPrice = util.ParseOptionalFloat(stop.Float64)
		}
		p.EntryTime = parseTime(entryTime)
		p.UpdatedAt = parseTime(updated)
		p.TrailingStopActivated = activated != 0
		p.PendingExit = pending != 0
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SnapshotRow is one line of a broker positions snapshot.
type SnapshotRow struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice *float64
	CurrentPrice  *float64
}

// SavePositionsSnapshot appends the broker's current positions to the
// append-only positions_snapshot audit table.
func (s *Store) SavePositionsSnapshot(rows []SnapshotRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := nowUTC()
	for _, row := range rows {
		if _, err := tx.Exec(`
			INSERT INTO positions_snapshot (ts_utc, symbol, qty, avg_entry_price, current_price)
			VALUES (?, ?, ?, ?, ?)`,
			ts, row.Symbol, row.Qty.String(), row.AvgEntryPrice, row.CurrentPrice); err != nil {
			return fmt.Errorf("writing snapshot row %s: %w", row.Symbol, err)
		}
	}
	return tx.Commit()
}
