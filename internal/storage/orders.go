package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"smacross/internal/models"
	"smacross/internal/util"
)

// SaveOrderIntent inserts a new order intent. A duplicate client order ID is
// rejected by the primary key and reported as ErrDuplicateOrderIntent: the
// caller interprets that as "already submitted" and must not submit again.
func (s *Store) SaveOrderIntent(intent *models.OrderIntent) error {
	if intent.ClientOrderID == "" {
		return fmt.Errorf("client order id is required")
	}
	now := nowUTC()
	created := now
	if !intent.CreatedAt.IsZero() {
		created = formatTime(intent.CreatedAt)
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO order_intents
			(client_order_id, symbol, side, qty, atr, status, filled_qty,
			 filled_avg_price, broker_order_id, strategy, created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ClientOrderID, intent.Symbol, string(intent.Side), intent.Qty.String(),
		intent.ATR, string(intent.Status), intent.FilledQty.String(),
		intent.FilledAvgPrice, intent.BrokerOrderID, intent.Strategy, created, now)
	if err != nil {
		return fmt.Errorf("saving order intent %s: %w", intent.ClientOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving order intent %s: %w", intent.ClientOrderID, err)
	}
	if n == 0 {
		return fmt.Errorf("order intent %s: %w", intent.ClientOrderID, ErrDuplicateOrderIntent)
	}
	return nil
}

// UpdateOrderIntent updates only the non-nil fields; nil preserves the
// existing value. Terminal statuses overwrite status but never erase
// filled_qty.
func (s *Store) UpdateOrderIntent(clientOrderID string, status models.OrderStatus,
	filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *float64) error {

	query := `UPDATE order_intents SET status = ?, updated_at_utc = ?`
	args := []interface{}{string(status), nowUTC()}
	if filledQty != nil {
		query += `, filled_qty = ?`
		args = append(args, filledQty.String())
	}
	if brokerOrderID != nil {
		query += `, broker_order_id = ?`
		args = append(args, *brokerOrderID)
	}
	if filledAvgPrice != nil {
		query += `, filled_avg_price = ?`
		args = append(args, *filledAvgPrice)
	}
	query += ` WHERE client_order_id = ?`
	args = append(args, clientOrderID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating order intent %s: %w", clientOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order intent %s: %w", clientOrderID, ErrNotFound)
	}
	return nil
}

// UpdateOrderIntentCumulative applies a broker-reported cumulative fill:
// filled_qty becomes MAX(current, newCumQty) so a stale poll snapshot can
// never regress persisted state.
func (s *Store) UpdateOrderIntentCumulative(brokerOrderID string, status models.OrderStatus,
	newCumQty decimal.Decimal, cumAvgPrice *float64, ts time.Time) error {

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cumulative update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentStr string
	err = tx.QueryRow(`SELECT filled_qty FROM order_intents WHERE broker_order_id = ?`, brokerOrderID).
		Scan(&currentStr)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order with broker id %s: %w", brokerOrderID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading filled_qty for %s: %w", brokerOrderID, err)
	}

	current, err := decimal.NewFromString(currentStr)
	if err != nil {
		current = decimal.Zero
	}
	next := current
	if newCumQty.GreaterThan(current) {
		next = newCumQty
	}

	query := `UPDATE order_intents SET status = ?, filled_qty = ?, updated_at_utc = ?`
	args := []interface{}{string(status), next.String(), formatTime(ts)}
	if cumAvgPrice != nil {
		query += `, filled_avg_price = ?`
		args = append(args, *cumAvgPrice)
	}
	query += ` WHERE broker_order_id = ?`
	args = append(args, brokerOrderID)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("applying cumulative update for %s: %w", brokerOrderID, err)
	}
	return tx.Commit()
}

// GetOrderIntent fetches one intent by its client order ID.
func (s *Store) GetOrderIntent(clientOrderID string) (*models.OrderIntent, error) {
	row := s.db.QueryRow(orderIntentSelect+` WHERE client_order_id = ?`, clientOrderID)
	intent, err := scanOrderIntent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order intent %s: %w", clientOrderID, ErrNotFound)
	}
	return intent, err
}

// GetOrderIntentByBrokerID fetches one intent by the broker's order ID.
func (s *Store) GetOrderIntentByBrokerID(brokerOrderID string) (*models.OrderIntent, error) {
	row := s.db.QueryRow(orderIntentSelect+` WHERE broker_order_id = ?`, brokerOrderID)
	intent, err := scanOrderIntent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order with broker id %s: %w", brokerOrderID, ErrNotFound)
	}
	return intent, err
}

// ListWorkingOrderIntents returns every intent still live at the broker
// (submitted/pending/accepted/new/partially_filled) with a non-empty broker
// order ID. This is the order-update poller's work queue.
func (s *Store) ListWorkingOrderIntents() ([]models.OrderIntent, error) {
	rows, err := s.db.Query(orderIntentSelect + `
		WHERE status IN ('new', 'submitted', 'accepted', 'partially_filled', 'pending_new', 'pending_cancel')
		  AND broker_order_id != ''
		ORDER BY created_at_utc`)
	if err != nil {
		return nil, fmt.Errorf("listing working order intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectOrderIntents(rows)
}

// ListOrderIntents returns every stored intent, newest last. Reconciliation
// walks this to compare local state against the broker.
func (s *Store) ListOrderIntents() ([]models.OrderIntent, error) {
	rows, err := s.db.Query(orderIntentSelect + ` ORDER BY created_at_utc`)
	if err != nil {
		return nil, fmt.Errorf("listing order intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectOrderIntents(rows)
}

const orderIntentSelect = `
	SELECT client_order_id, symbol, side, qty, atr, status, filled_qty,
	       filled_avg_price, broker_order_id, strategy, created_at_utc, updated_at_utc
	FROM order_intents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderIntent(row rowScanner) (*models.OrderIntent, error) {
	var (
		intent         models.OrderIntent
		side, status   string
		qty, filledQty string
		atr            sql.NullFloat64
		avgPrice       sql.NullFloat64
		created, upd   string
	)
	err := row.Scan(&intent.ClientOrderID, &intent.Symbol, &side, &qty, &atr, &status,
		&filledQty, &avgPrice, &intent.BrokerOrderID, &intent.Strategy, &created, &upd)
	if err != nil {
		return nil, err
	}
	intent.Side = models.Side(side)
	intent.Status = models.OrderStatus(status)
	intent.Qty = mustDecimal(qty)
	intent.FilledQty = mustDecimal(filledQty)
	if atr.Valid {
		intent.ATR = util.ParseOptionalFloat(atr.Float64)
	}
	if avgPrice.Valid {
		intent.FilledAvgPrice = util.ParseOptionalFloat(avgPrice.Float64)
	}
	intent.CreatedAt = parseTime(created)
	intent.UpdatedAt = parseTime(upd)
	return &intent, nil
}

func collectOrderIntents(rows *sql.Rows) ([]models.OrderIntent, error) {
	var intents []models.OrderIntent
	for rows.Next() {
		intent, err := scanOrderIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order intent: %w", err)
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InsertFillIdempotent records a fill delta. A conflict on
// (broker_order_id, fill_dedupe_key) means the delta was already recorded;
// that is reported as inserted=false without error, never as a failure.
func (s *Store) InsertFillIdempotent(fill *models.Fill) (bool, error) {
	key := fill.DedupeKey
	if key == "" {
		key = models.FillDedupeKey(fill.FillID, fill.CumQty)
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO fills
			(broker_order_id, client_order_id, symbol, side, delta_qty, cum_qty,
			 cum_avg_price, ts_utc, fill_id, price_is_estimate, fill_dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.BrokerOrderID, fill.ClientOrderID, fill.Symbol, string(fill.Side),
		fill.DeltaQty.String(), fill.CumQty.String(), fill.CumAvgPrice,
		formatTime(fill.Timestamp), fill.FillID, boolToInt(fill.PriceIsEstimate), key)
	if err != nil {
		return false, fmt.Errorf("inserting fill for %s: %w", fill.BrokerOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFills returns the recorded deltas for one broker order, oldest first.
func (s *Store) ListFills(brokerOrderID string) ([]models.Fill, error) {
	rows, err := s.db.Query(`
		SELECT id, broker_order_id, client_order_id, symbol, side, delta_qty, cum_qty,
		       cum_avg_price, ts_utc, fill_id, price_is_estimate, fill_dedupe_key
		FROM fills WHERE broker_order_id = ? ORDER BY id`, brokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("listing fills for %s: %w", brokerOrderID, err)
	}
	defer func() { _ = rows.Close() }()

	var fills []models.Fill
	for rows.Next() {
		var (
			f              models.Fill
			side           string
			delta, cum, ts string
			avg            sql.NullFloat64
			estimate       int
		)
		if err := rows.Scan(&f.ID, &f.BrokerOrderID, &f.ClientOrderID, &f.Symbol, &side,
			&delta, &cum, &avg, &ts, &f.FillID, &estimate, &f.DedupeKey); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = models.Side(side)
		f.DeltaQty = mustDecimal(delta)
		f.CumQty = mustDecimal(cum)
		if avg.Valid {
			f.CumAvgPrice = util.ParseOptionalFloat(avg.Float64)
		}
		f.Timestamp = parseTime(ts)
		f.PriceIsEstimate = estimate != 0
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// RecordTrade appends a completed trade to the audit ledger. The unique
// indexes on (order_id, fill_id) and (order_id, client_order_id) make this
// idempotent; a replay returns recorded=false.
func (s *Store) RecordTrade(ts time.Time, symbol string, side models.Side,
	qty decimal.Decimal, price float64, orderID, clientOrderID, fillID string) (bool, error) {

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades (ts_utc, symbol, side, qty, price, order_id, client_order_id, fill_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ts), symbol, string(side), qty.String(), price, orderID, clientOrderID, fillID)
	if err != nil {
		return false, fmt.Errorf("recording trade for %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
