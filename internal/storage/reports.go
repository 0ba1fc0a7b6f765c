package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"smacross/internal/models"
)

// ReconciliationReport is the persisted outcome of one reconciliation pass.
// Discrepancies and repairs are stored as JSON payloads so the table schema
// stays stable while the finding shapes evolve.
type ReconciliationReport struct {
	ID               int64
	Timestamp        time.Time
	Status           string // clean | discrepancy | degraded | error
	Duration         time.Duration
	DiscrepancyCount int
	RepairCount      int
	Discrepancies    []map[string]interface{}
	Repairs          []map[string]interface{}
}

// InsertReconciliationReport appends one report row.
func (s *Store) InsertReconciliationReport(report *ReconciliationReport) error {
	discrepancies, err := json.Marshal(emptyIfNil(report.Discrepancies))
	if err != nil {
		return fmt.Errorf("encoding discrepancies: %w", err)
	}
	repairs, err := json.Marshal(emptyIfNil(report.Repairs))
	if err != nil {
		return fmt.Errorf("encoding repairs: %w", err)
	}
	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO reconciliation_reports
			(ts_utc, status, duration_ms, discrepancy_count, repair_count, discrepancies_json, repairs_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ts), report.Status, report.Duration.Milliseconds(),
		report.DiscrepancyCount, report.RepairCount, string(discrepancies), string(repairs))
	if err != nil {
		return fmt.Errorf("inserting reconciliation report: %w", err)
	}
	return nil
}

// ListRecentReports returns the newest reports, most recent first.
func (s *Store) ListRecentReports(limit int) ([]ReconciliationReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, ts_utc, status, duration_ms, discrepancy_count, repair_count,
		       discrepancies_json, repairs_json
		FROM reconciliation_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []ReconciliationReport
	for rows.Next() {
		var (
			r                      ReconciliationReport
			ts                     string
			durationMs             int64
			discrepancies, repairs string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Status, &durationMs,
			&r.DiscrepancyCount, &r.RepairCount, &discrepancies, &repairs); err != nil {
			return nil, fmt.Errorf("scanning reconciliation report: %w", err)
		}
		r.Timestamp = parseTime(ts)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		// Payload decode failures degrade to empty findings; the counts
		// columns still carry the numbers.
		_ = json.Unmarshal([]byte(discrepancies), &r.Discrepancies)
		_ = json.Unmarshal([]byte(repairs), &r.Repairs)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func emptyIfNil(findings []map[string]interface{}) []map[string]interface{} {
	if findings == nil {
		return []map[string]interface{}{}
	}
	return findings
}

// SaveEquityPoint appends one equity-curve sample.
func (s *Store) SaveEquityPoint(ts time.Time, equity float64) error {
	_, err := s.db.Exec(`INSERT INTO equity_curve (ts_utc, equity) VALUES (?, ?)`,
		formatTime(ts), equity)
	if err != nil {
		return fmt.Errorf("saving equity point: %w", err)
	}
	return nil
}

// RecordBar appends a bar to the audit table. Duplicate (symbol, timeframe,
// timestamp) rows are ignored so the ingest can replay a window safely.
func (s *Store) RecordBar(timeframe string, bar models.BarEvent) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO bars (symbol, timeframe, ts_utc, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bar.Symbol, timeframe, formatTime(bar.Timestamp),
		bar.Open, bar.High, bar.Low, bar.Close, int64(bar.Volume))
	if err != nil {
		return fmt.Errorf("recording bar %s@%s: %w", bar.Symbol, bar.Timestamp, err)
	}
	return nil
}
