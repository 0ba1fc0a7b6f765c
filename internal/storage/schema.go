package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CurrentSchemaVersion is bumped whenever a table, column or index is added.
// The migrator is additive-only: no DROP, no RENAME, no column modification,
// no constraint removal, ever.
const CurrentSchemaVersion = 3

type columnDef struct {
	Name string
	Def  string
}

type tableDef struct {
	Name    string
	Columns []columnDef
	// Extras are table-level constraints. They apply at CREATE time only;
	// they can never be retrofitted onto an existing table.
	Extras []string
}

type indexDef struct {
	Name   string
	Create string
}

var schemaTables = []tableDef{
	{
		Name: "schema_meta",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY CHECK (id = 1)"},
			{"schema_version", "INTEGER NOT NULL"},
			{"updated_at", "TEXT NOT NULL DEFAULT ''"},
		},
	},
	{
		Name: "order_intents",
		Columns: []columnDef{
			{"client_order_id", "TEXT PRIMARY KEY"},
			{"symbol", "TEXT NOT NULL"},
			{"side", "TEXT NOT NULL"},
			{"qty", "TEXT NOT NULL"},
			{"atr", "REAL"},
			{"status", "TEXT NOT NULL"},
			{"filled_qty", "TEXT NOT NULL DEFAULT '0'"},
			{"filled_avg_price", "REAL"},
			{"broker_order_id", "TEXT NOT NULL DEFAULT ''"},
			{"strategy", "TEXT NOT NULL DEFAULT ''"},
			{"created_at_utc", "TEXT NOT NULL"},
			{"updated_at_utc", "TEXT NOT NULL"},
		},
	},
	{
		Name: "trades",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"ts_utc", "TEXT NOT NULL"},
			{"symbol", "TEXT NOT NULL"},
			{"side", "TEXT NOT NULL"},
			{"qty", "TEXT NOT NULL"},
			{"price", "REAL"},
			{"order_id", "TEXT NOT NULL"},
			{"client_order_id", "TEXT NOT NULL DEFAULT ''"},
			{"fill_id", "TEXT NOT NULL DEFAULT ''"},
		},
		Extras: []string{
			"UNIQUE (order_id, fill_id)",
			"UNIQUE (order_id, client_order_id)",
		},
	},
	{
		Name: "fills",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"broker_order_id", "TEXT NOT NULL"},
			{"client_order_id", "TEXT NOT NULL DEFAULT ''"},
			{"symbol", "TEXT NOT NULL"},
			{"side", "TEXT NOT NULL"},
			{"delta_qty", "TEXT NOT NULL"},
			{"cum_qty", "TEXT NOT NULL"},
			{"cum_avg_price", "REAL"},
			{"ts_utc", "TEXT NOT NULL"},
			{"fill_id", "TEXT NOT NULL DEFAULT ''"},
			{"price_is_estimate", "INTEGER NOT NULL DEFAULT 0"},
			{"fill_dedupe_key", "TEXT NOT NULL"},
		},
		Extras: []string{
			"UNIQUE (broker_order_id, fill_dedupe_key)",
		},
	},
	{
		Name: "position_tracking",
		Columns: []columnDef{
			{"symbol", "TEXT PRIMARY KEY"},
			{"side", "TEXT NOT NULL"},
			{"qty", "TEXT NOT NULL"},
			{"entry_price", "REAL NOT NULL"},
			{"atr", "REAL"},
			{"entry_time", "TEXT NOT NULL DEFAULT ''"},
			{"extreme_price", "REAL NOT NULL DEFAULT 0"},
			{"trailing_stop_price", "REAL"},
			{"trailing_stop_activated", "INTEGER NOT NULL DEFAULT 0"},
			{"pending_exit", "INTEGER NOT NULL DEFAULT 0"},
			{"updated_at", "TEXT NOT NULL DEFAULT ''"},
		},
	},
	{
		Name: "signal_gates",
		Columns: []columnDef{
			{"strategy", "TEXT NOT NULL"},
			{"symbol", "TEXT NOT NULL"},
			{"action", "TEXT NOT NULL"},
			{"last_accepted_ts_utc", "TEXT NOT NULL"},
			{"last_bar_ts_utc", "TEXT"},
		},
		Extras: []string{
			"PRIMARY KEY (strategy, symbol, action)",
		},
	},
	{
		Name: "bot_state",
		Columns: []columnDef{
			{"key", "TEXT PRIMARY KEY"},
			{"value", "TEXT NOT NULL"},
			{"updated_at_utc", "TEXT NOT NULL DEFAULT ''"},
		},
	},
	{
		Name: "equity_curve",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"ts_utc", "TEXT NOT NULL"},
			{"equity", "REAL NOT NULL"},
		},
	},
	{
		Name: "positions_snapshot",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"ts_utc", "TEXT NOT NULL"},
			{"symbol", "TEXT NOT NULL"},
			{"qty", "TEXT NOT NULL"},
			{"avg_entry_price", "REAL"},
			{"current_price", "REAL"},
		},
	},
	{
		Name: "bars",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"symbol", "TEXT NOT NULL"},
			{"timeframe", "TEXT NOT NULL DEFAULT '1Min'"},
			{"ts_utc", "TEXT NOT NULL"},
			{"open", "REAL"},
			{"high", "REAL"},
			{"low", "REAL"},
			{"close", "REAL"},
			{"volume", "INTEGER NOT NULL DEFAULT 0"},
		},
		Extras: []string{
			"UNIQUE (symbol, timeframe, ts_utc)",
		},
	},
	{
		Name: "reconciliation_reports",
		Columns: []columnDef{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"ts_utc", "TEXT NOT NULL"},
			{"status", "TEXT NOT NULL"},
			{"duration_ms", "INTEGER NOT NULL DEFAULT 0"},
			{"discrepancy_count", "INTEGER NOT NULL DEFAULT 0"},
			{"repair_count", "INTEGER NOT NULL DEFAULT 0"},
			{"discrepancies_json", "TEXT NOT NULL DEFAULT '[]'"},
			{"repairs_json", "TEXT NOT NULL DEFAULT '[]'"},
		},
	},
}

var schemaIndexes = []indexDef{
	{"idx_order_intents_status", "CREATE INDEX idx_order_intents_status ON order_intents (status)"},
	{"idx_order_intents_broker", "CREATE INDEX idx_order_intents_broker ON order_intents (broker_order_id)"},
	{"idx_fills_broker_order", "CREATE INDEX idx_fills_broker_order ON fills (broker_order_id)"},
	{"idx_trades_symbol_ts", "CREATE INDEX idx_trades_symbol_ts ON trades (symbol, ts_utc)"},
	{"idx_equity_curve_ts", "CREATE INDEX idx_equity_curve_ts ON equity_curve (ts_utc)"},
	{"idx_positions_snapshot_ts", "CREATE INDEX idx_positions_snapshot_ts ON positions_snapshot (ts_utc)"},
	{"idx_reconciliation_reports_ts", "CREATE INDEX idx_reconciliation_reports_ts ON reconciliation_reports (ts_utc)"},
}

// MigrationResult lists what EnsureSchema changed.
type MigrationResult struct {
	Applied    []string
	BackupPath string
}

// EnsureSchema brings the database at path up to CurrentSchemaVersion. It is
// idempotent, deterministic and additive-only. It must run exactly once at
// process start, before any other consumer opens the database.
//
// When dryRun is true the plan is computed and the transaction rolled back;
// journal-mode and busy-timeout pragmas are suppressed so a dry run leaves
// no side effects on the file.
func EnsureSchema(path string, logger *log.Logger, dryRun bool) (MigrationResult, error) {
	var result MigrationResult
	if logger == nil {
		logger = log.New(os.Stderr, "schema: ", log.LstdFlags)
	}

	_, statErr := os.Stat(path)
	fileExists := statErr == nil

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return result, fmt.Errorf("opening database %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	if !dryRun {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				return result, fmt.Errorf("setting %s: %w", pragma, err)
			}
		}
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return result, fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	storedVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return result, err
	}
	if storedVersion > CurrentSchemaVersion {
		return result, fmt.Errorf("%w: database version %d, code version %d",
			ErrSchemaNewerThanCode, storedVersion, CurrentSchemaVersion)
	}

	plan, err := planChanges(ctx, conn)
	if err != nil {
		return result, err
	}
	pending := len(plan) > 0 || storedVersion < CurrentSchemaVersion

	// A consistent snapshot backup precedes any mutation of an existing
	// database. VACUUM INTO is the engine's backup path; a raw file copy of
	// a live WAL database would not be consistent.
	if pending && fileExists && !dryRun {
		backupPath, err := backupDatabase(ctx, conn, path)
		if err != nil {
			return result, fmt.Errorf("schema backup failed, aborting migration: %w", err)
		}
		result.BackupPath = backupPath
		logger.Printf("Wrote schema backup to %s", backupPath)
	}

	// Single transaction with an early write lock so no concurrent writer
	// can slip DDL-visible changes between plan and apply.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return result, fmt.Errorf("acquiring write lock: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	// Re-plan inside the transaction; the earlier pass only decided whether
	// a backup was needed.
	plan, err = planChanges(ctx, conn)
	if err != nil {
		return result, err
	}

	for _, stmt := range plan {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return result, fmt.Errorf("applying %q: %w", stmt, err)
		}
		result.Applied = append(result.Applied, stmt)
	}

	if storedVersion < CurrentSchemaVersion {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO schema_meta (id, schema_version, updated_at) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET schema_version = excluded.schema_version, updated_at = excluded.updated_at`,
			CurrentSchemaVersion, nowUTC()); err != nil {
			return result, fmt.Errorf("updating schema_meta: %w", err)
		}
		result.Applied = append(result.Applied, fmt.Sprintf("schema_version -> %d", CurrentSchemaVersion))
	}

	if dryRun {
		return result, nil // deferred ROLLBACK undoes everything
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return result, fmt.Errorf("committing migration: %w", err)
	}
	commit = true
	return result, nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	exists, err := tableExists(ctx, conn, "schema_meta")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var version int
	err = conn.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func planChanges(ctx context.Context, conn *sql.Conn) ([]string, error) {
	var plan []string
	for _, table := range schemaTables {
		exists, err := tableExists(ctx, conn, table.Name)
		if err != nil {
			return nil, err
		}
		if !exists {
			plan = append(plan, createTableSQL(table))
			continue
		}
		if table.Name == "trades" {
			if err := verifyTradesUniqueness(ctx, conn); err != nil {
				return nil, err
			}
		}
		missing, err := missingColumns(ctx, conn, table)
		if err != nil {
			return nil, err
		}
		for _, col := range missing {
			if err := validateAdditiveColumn(col); err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", table.Name, col.Name, err)
			}
			plan = append(plan, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table.Name, col.Name, col.Def))
		}
	}
	for _, idx := range schemaIndexes {
		exists, err := indexExists(ctx, conn, idx.Name)
		if err != nil {
			return nil, err
		}
		if !exists {
			plan = append(plan, idx.Create)
		}
	}
	return plan, nil
}

func createTableSQL(table tableDef) string {
	parts := make([]string, 0, len(table.Columns)+len(table.Extras))
	for _, col := range table.Columns {
		parts = append(parts, col.Name+" "+col.Def)
	}
	parts = append(parts, table.Extras...)
	return fmt.Sprintf("CREATE TABLE %s (%s)", table.Name, strings.Join(parts, ", "))
}

// validateAdditiveColumn enforces the in-place addition rules: only
// text/integer/real/numeric types, and only DEFAULT plus NOT NULL-with-
// DEFAULT as modifiers. Anything that would rewrite or constrain existing
// rows is forbidden at add-column time.
func validateAdditiveColumn(col columnDef) error {
	upper := strings.ToUpper(col.Def)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return fmt.Errorf("empty column definition")
	}
	switch fields[0] {
	case "TEXT", "INTEGER", "REAL", "NUMERIC":
	default:
		return fmt.Errorf("type %s is not safe for in-place addition", fields[0])
	}
	for _, forbidden := range []string{"PRIMARY KEY", "UNIQUE", "CHECK", "REFERENCES", "FOREIGN KEY", "AUTOINCREMENT"} {
		if strings.Contains(upper, forbidden) {
			return fmt.Errorf("%s is forbidden at add-column time", forbidden)
		}
	}
	if strings.Contains(upper, "NOT NULL") && !strings.Contains(upper, "DEFAULT") {
		return fmt.Errorf("NOT NULL requires a DEFAULT at add-column time")
	}
	return nil
}

// verifyTradesUniqueness inspects the unique indexes on trades as sets of
// columns. A trades table without both (order_id, fill_id) and
// (order_id, client_order_id) uniqueness cannot be repaired additively, so
// the migrator aborts rather than silently rebuilding.
func verifyTradesUniqueness(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx, `PRAGMA index_list('trades')`)
	if err != nil {
		return fmt.Errorf("listing trades indexes: %w", err)
	}
	var uniqueIndexNames []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning index list: %w", err)
		}
		if unique == 1 {
			uniqueIndexNames = append(uniqueIndexNames, name)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	var columnSets []map[string]bool
	for _, name := range uniqueIndexNames {
		cols, err := indexColumns(ctx, conn, name)
		if err != nil {
			return err
		}
		columnSets = append(columnSets, cols)
	}

	required := [][]string{
		{"order_id", "fill_id"},
		{"order_id", "client_order_id"},
	}
	for _, want := range required {
		if !hasColumnSet(columnSets, want) {
			return fmt.Errorf("%w: trades lacks unique index on (%s)",
				ErrSchemaDrift, strings.Join(want, ", "))
		}
	}
	return nil
}

func indexColumns(ctx context.Context, conn *sql.Conn, indexName string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%q)`, indexName))
	if err != nil {
		return nil, fmt.Errorf("inspecting index %s: %w", indexName, err)
	}
	defer func() { _ = rows.Close() }()
	cols := make(map[string]bool)
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scanning index info: %w", err)
		}
		if name.Valid {
			cols[name.String] = true
		}
	}
	return cols, rows.Err()
}

func hasColumnSet(sets []map[string]bool, want []string) bool {
	for _, set := range sets {
		if len(set) != len(want) {
			continue
		}
		match := true
		for _, col := range want {
			if !set[col] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func missingColumns(ctx context.Context, conn *sql.Conn, table tableDef) ([]columnDef, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table.Name))
	if err != nil {
		return nil, fmt.Errorf("inspecting table %s: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []columnDef
	for _, col := range table.Columns {
		if !existing[col.Name] {
			missing = append(missing, col)
		}
	}
	return missing, nil
}

func tableExists(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return count > 0, nil
}

func indexExists(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	return count > 0, nil
}

func backupDatabase(ctx context.Context, conn *sql.Conn, path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), "db_backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	base := filepath.Base(path)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s.bak", base, time.Now().UTC().Format("20060102T150405Z")))

	if _, err := conn.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return "", fmt.Errorf("VACUUM INTO: %w", err)
	}
	info, err := os.Stat(backupPath)
	if err != nil {
		return "", fmt.Errorf("verifying backup: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("backup file %s is empty", backupPath)
	}
	return backupPath, nil
}
